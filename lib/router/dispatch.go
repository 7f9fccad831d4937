package router

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/dlcdevkit/go-ddk/lib/crypto/box"
	"github.com/dlcdevkit/go-ddk/lib/dlc"
	"github.com/dlcdevkit/go-ddk/lib/keys"
	"github.com/dlcdevkit/go-ddk/lib/metrics"
	"github.com/dlcdevkit/go-ddk/lib/oracle"
	"github.com/dlcdevkit/go-ddk/lib/relay"
	"github.com/dlcdevkit/go-ddk/lib/segment"
	"github.com/dlcdevkit/go-ddk/lib/util/time/skew"
	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/go-i2p/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"
)

var (
	// ErrDuplicateEnvelope is returned for an envelope id already handled.
	ErrDuplicateEnvelope = errors.New("duplicate envelope")
	// ErrUnknownKind is returned for envelope kinds the router does not handle.
	ErrUnknownKind = errors.New("unknown envelope kind")
	// ErrMisaddressed is returned for negotiation envelopes not addressed to this identity.
	ErrMisaddressed = errors.New("envelope addressed to another identity")
)

// Publisher sends signed envelopes. *relay.Channel implements it.
type Publisher interface {
	Publish(ctx context.Context, e *relay.Envelope) error
}

// Clock supplies envelope timestamps. *monotonic.Clock implements it.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// MessageRouterConfig holds the collaborators of a MessageRouter.
type MessageRouterConfig struct {
	Identity    *keys.Identity
	Engine      dlc.ContractEngine
	Publisher   Publisher
	Reassembler *segment.Reassembler
	// largest ciphertext carried by one envelope
	MaxChunkSize int
	// number of envelope ids remembered for duplicate suppression
	SeenCacheSize int
	// nil uses the wall clock
	Clock Clock
}

// MessageRouter turns received envelopes into engine calls and engine
// replies into published envelopes. HandleEnvelope is meant to be called from
// a single goroutine; engine calls are serialized regardless.
type MessageRouter struct {
	identity    *keys.Identity
	address     string
	engine      dlc.ContractEngine
	engineMu    sync.Mutex
	publisher   Publisher
	reassembler *segment.Reassembler
	seen        *lru.Cache[string, struct{}]
	maxChunk    int
	clock       Clock

	replies sync.WaitGroup
}

// NewMessageRouter validates cfg and returns a MessageRouter.
func NewMessageRouter(cfg MessageRouterConfig) (*MessageRouter, error) {
	if cfg.Identity == nil || cfg.Engine == nil || cfg.Publisher == nil || cfg.Reassembler == nil {
		return nil, oops.Errorf("message router needs an identity, engine, publisher and reassembler")
	}
	if cfg.MaxChunkSize <= 0 {
		return nil, oops.Errorf("max chunk size must be positive, got %d", cfg.MaxChunkSize)
	}
	size := cfg.SeenCacheSize
	if size < 1 {
		size = 1
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, oops.Wrapf(err, "creating seen envelope cache")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = wallClock{}
	}
	return &MessageRouter{
		identity:    cfg.Identity,
		address:     cfg.Identity.Address(),
		engine:      cfg.Engine,
		publisher:   cfg.Publisher,
		reassembler: cfg.Reassembler,
		seen:        seen,
		maxChunk:    cfg.MaxChunkSize,
		clock:       clock,
	}, nil
}

// HandleEnvelope processes one received envelope. The returned error says
// why an envelope was dropped; it is informational and never means the
// caller should stop consuming.
func (m *MessageRouter) HandleEnvelope(ctx context.Context, env *relay.Envelope) error {
	class := env.Kind.Class()
	metrics.EnvelopesReceived.WithLabelValues(class.String()).Inc()

	if m.seen.Contains(env.ID) {
		return m.drop(env, metrics.ReasonDuplicate, ErrDuplicateEnvelope)
	}
	m.seen.Add(env.ID, struct{}{})

	if err := skew.ValidateFuture(env.Created(), m.clock.Now(), skew.MaxFutureSkew); err != nil {
		return m.drop(env, metrics.ReasonClockSkew, err)
	}

	switch class {
	case relay.ClassOracleAnnouncement:
		return m.handleAnnouncement(env)
	case relay.ClassOracleAttestation:
		return m.handleAttestation(env)
	case relay.ClassNegotiationMessage:
		return m.handleNegotiation(ctx, env)
	default:
		return m.drop(env, metrics.ReasonUnknownKind, oops.Wrapf(ErrUnknownKind, "kind %d", env.Kind))
	}
}

func (m *MessageRouter) drop(env *relay.Envelope, reason string, err error) error {
	metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	entry := log.WithFields(logger.Fields{
		"at":     "router.MessageRouter.HandleEnvelope",
		"id":     env.ID,
		"author": env.PubKey,
		"kind":   env.Kind.String(),
		"reason": reason,
	}).WithError(err)
	if reason == metrics.ReasonDuplicate {
		entry.Debug("dropping envelope")
	} else {
		entry.Warn("dropping envelope")
	}
	return err
}

// Oracle kinds are plaintext and never pass through the crypto box.
func (m *MessageRouter) handleAnnouncement(env *relay.Envelope) error {
	raw, err := oracle.DecodeContent(env.Content)
	if err != nil {
		return m.drop(env, metrics.ReasonInvalidOracle, err)
	}
	ann, err := oracle.ParseAnnouncement(raw)
	if err != nil {
		return m.drop(env, metrics.ReasonInvalidOracle, err)
	}
	m.engineMu.Lock()
	err = m.engine.CacheOracleAnnouncement(ann)
	m.engineMu.Unlock()
	if err != nil {
		return m.drop(env, metrics.ReasonInvalidOracle, dlc.WrapEngineError("cache_oracle_announcement", err))
	}
	log.WithFields(logger.Fields{
		"at":       "router.MessageRouter.handleAnnouncement",
		"event_id": ann.Event.EventID,
	}).Debug("cached oracle announcement")
	return nil
}

func (m *MessageRouter) handleAttestation(env *relay.Envelope) error {
	raw, err := oracle.DecodeContent(env.Content)
	if err != nil {
		return m.drop(env, metrics.ReasonInvalidOracle, err)
	}
	att, err := oracle.ParseAttestation(raw)
	if err != nil {
		return m.drop(env, metrics.ReasonInvalidOracle, err)
	}
	m.engineMu.Lock()
	err = m.engine.CacheOracleAttestation(att)
	m.engineMu.Unlock()
	if err != nil {
		return m.drop(env, metrics.ReasonInvalidOracle, dlc.WrapEngineError("cache_oracle_attestation", err))
	}
	log.WithFields(logger.Fields{
		"at":       "router.MessageRouter.handleAttestation",
		"event_id": att.EventID,
		"outcomes": att.Outcomes,
	}).Debug("cached oracle attestation")
	return nil
}

func (m *MessageRouter) handleNegotiation(ctx context.Context, env *relay.Envelope) error {
	if env.Recipient() != m.address {
		return m.drop(env, metrics.ReasonMalformed, ErrMisaddressed)
	}
	outer, err := base64.StdEncoding.DecodeString(env.Content)
	if err != nil {
		return m.drop(env, metrics.ReasonDecryptionFailed, oops.Wrapf(box.ErrDecryptionFailed, "content is not base64: %v", err))
	}
	record, err := wire.DecodeMessage(outer)
	if err != nil {
		return m.drop(env, metrics.ReasonMalformed, err)
	}

	var ciphertext []byte
	switch r := record.(type) {
	case *wire.SegmentStart, *wire.SegmentChunk:
		payload, complete, err := m.reassembler.Add(env.PubKey, r)
		if err != nil {
			return m.drop(env, metrics.ReasonMalformed, err)
		}
		if !complete {
			return nil
		}
		metrics.SegmentsReassembled.Inc()
		ciphertext = payload
	case *wire.NegotiationPayload:
		if r.Type != wire.EncryptedPayloadType {
			return m.drop(env, metrics.ReasonMalformed,
				oops.Wrapf(wire.ErrMalformedPayload, "outer record type %d is not encrypted", r.Type))
		}
		ciphertext = r.Payload
	}

	author, err := env.Author()
	if err != nil {
		return m.drop(env, metrics.ReasonMalformed, err)
	}
	plaintext, err := box.Decrypt(m.identity.PrivateKey(), author, ciphertext)
	if err != nil {
		return m.drop(env, metrics.ReasonDecryptionFailed, err)
	}

	inner, err := wire.DecodeMessage(plaintext)
	if err != nil {
		return m.drop(env, metrics.ReasonMalformed, err)
	}
	msg, ok := inner.(*wire.NegotiationPayload)
	if !ok || msg.Type == wire.EncryptedPayloadType {
		return m.drop(env, metrics.ReasonMalformed,
			oops.Wrapf(wire.ErrMalformedPayload, "decrypted record type %d is not a negotiation message", inner.Tag()))
	}

	m.engineMu.Lock()
	reply, err := m.engine.OnMessage(ctx, msg, env.PubKey)
	m.engineMu.Unlock()
	if err != nil {
		return m.drop(env, metrics.ReasonEngineError, dlc.WrapEngineError("on_message", err))
	}
	metrics.MessagesDelivered.Inc()
	log.WithFields(logger.Fields{
		"at":     "router.MessageRouter.handleNegotiation",
		"id":     env.ID,
		"author": env.PubKey,
		"type":   msg.Type,
		"size":   len(msg.Payload),
	}).Debug("delivered negotiation message")

	if reply != nil {
		m.replyAsync(ctx, env.PubKey, reply, env.ID)
	}
	return nil
}

// replyAsync publishes a reply without blocking the listener. A failed reply
// is logged and lost; the counterparty's own retry recovers it.
func (m *MessageRouter) replyAsync(ctx context.Context, recipient string, reply *wire.NegotiationPayload, replyTo string) {
	m.replies.Add(1)
	go func() {
		defer m.replies.Done()
		if _, err := m.Send(ctx, recipient, reply, replyTo); err != nil {
			metrics.RepliesLost.Inc()
			log.WithFields(logger.Fields{
				"at":        "router.MessageRouter.replyAsync",
				"recipient": recipient,
				"reply_to":  replyTo,
				"type":      reply.Type,
			}).WithError(err).Error("failed to publish reply")
		}
	}()
}

// WaitReplies blocks until every in-flight reply publish has finished.
func (m *MessageRouter) WaitReplies() {
	m.replies.Wait()
}

// Send encodes, encrypts and segments msg for recipient and publishes the
// resulting envelopes in order. replyTo may be empty. It returns the
// published envelopes; on error none of the message should be considered
// delivered.
func (m *MessageRouter) Send(ctx context.Context, recipient string, msg *wire.NegotiationPayload, replyTo string) ([]*relay.Envelope, error) {
	if msg.Type == wire.EncryptedPayloadType || wire.IsSegmentControl(msg.Type) {
		return nil, oops.Wrapf(wire.ErrMalformedPayload, "type %d is reserved", msg.Type)
	}
	pub, err := keys.ParseAddress(recipient)
	if err != nil {
		return nil, err
	}
	sealed, err := box.Encrypt(m.identity.PrivateKey(), pub, wire.EncodeMessage(msg))
	if err != nil {
		return nil, err
	}
	records, err := segment.Segment(sealed, m.maxChunk)
	if err != nil {
		return nil, err
	}

	envs := make([]*relay.Envelope, 0, len(records))
	now := m.clock.Now()
	for _, rec := range records {
		content := base64.StdEncoding.EncodeToString(wire.EncodeMessage(rec))
		env := relay.NewEnvelope(relay.KindNegotiation, now, content, recipient, replyTo)
		if err := env.Sign(m.identity.PrivateKey()); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	for i, env := range envs {
		if err := m.publisher.Publish(ctx, env); err != nil {
			return nil, oops.Wrapf(err, "publishing envelope %d of %d", i+1, len(envs))
		}
	}

	log.WithFields(logger.Fields{
		"at":        "router.MessageRouter.Send",
		"recipient": recipient,
		"type":      msg.Type,
		"size":      len(msg.Payload),
		"envelopes": len(envs),
		"reply_to":  replyTo,
	}).Debug("sent negotiation message")
	return envs, nil
}

// PublishOracle broadcasts an oracle payload as a plaintext envelope of kind.
func (m *MessageRouter) PublishOracle(ctx context.Context, kind relay.Kind, payload []byte) (*relay.Envelope, error) {
	if c := kind.Class(); c != relay.ClassOracleAnnouncement && c != relay.ClassOracleAttestation {
		return nil, oops.Wrapf(ErrUnknownKind, "kind %d is not an oracle kind", kind)
	}
	env := relay.NewEnvelope(kind, m.clock.Now(), oracle.EncodeContent(payload), "", "")
	if err := env.Sign(m.identity.PrivateKey()); err != nil {
		return nil, err
	}
	if err := m.publisher.Publish(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}
