package dlc

import (
	"context"
	"sync"

	"github.com/dlcdevkit/go-ddk/lib/oracle"
	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Received is one message seen by a LoggingEngine.
type Received struct {
	Sender  string
	Type    uint16
	Payload []byte
}

// LoggingEngine is a ContractEngine that records every message and caches
// oracle data, without negotiating. It never replies.
type LoggingEngine struct {
	store *oracle.MemoryStore

	mu       sync.Mutex
	received []Received
}

var _ ContractEngine = (*LoggingEngine)(nil)

// NewLoggingEngine returns an engine backed by store, or a fresh
// MemoryStore when store is nil.
func NewLoggingEngine(store *oracle.MemoryStore) *LoggingEngine {
	if store == nil {
		store = oracle.NewMemoryStore()
	}
	return &LoggingEngine{store: store}
}

func (e *LoggingEngine) OnMessage(_ context.Context, msg *wire.NegotiationPayload, sender string) (*wire.NegotiationPayload, error) {
	e.mu.Lock()
	e.received = append(e.received, Received{
		Sender:  sender,
		Type:    msg.Type,
		Payload: append([]byte(nil), msg.Payload...),
	})
	e.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":     "dlc.LoggingEngine.OnMessage",
		"sender": sender,
		"type":   msg.Type,
		"size":   len(msg.Payload),
	}).Info("received negotiation message")
	return nil, nil
}

func (e *LoggingEngine) CacheOracleAnnouncement(a *oracle.Announcement) error {
	if err := e.store.PutAnnouncement(a); err != nil {
		return err
	}
	e.logCache("dlc.LoggingEngine.CacheOracleAnnouncement", a.Event.EventID)
	return nil
}

func (e *LoggingEngine) CacheOracleAttestation(a *oracle.Attestation) error {
	if err := e.store.PutAttestation(a); err != nil {
		return err
	}
	e.logCache("dlc.LoggingEngine.CacheOracleAttestation", a.EventID)
	return nil
}

func (e *LoggingEngine) logCache(at, eventID string) {
	announcements, attestations := e.store.Len()
	log.WithFields(logger.Fields{
		"at":            at,
		"event_id":      eventID,
		"announcements": announcements,
		"attestations":  attestations,
	}).Info("cached oracle data")
}

func (e *LoggingEngine) GetOracleAnnouncement(eventID string) (*oracle.Announcement, error) {
	return e.store.Announcement(eventID)
}

func (e *LoggingEngine) GetOracleAttestation(eventID string) (*oracle.Attestation, error) {
	return e.store.Attestation(eventID)
}

// Received returns a copy of the messages seen so far.
func (e *LoggingEngine) Received() []Received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Received(nil), e.received...)
}
