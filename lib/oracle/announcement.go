package oracle

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/samber/oops"
)

var (
	// ErrMalformed is returned for oracle payloads that do not parse.
	ErrMalformed = errors.New("malformed oracle payload")
	// ErrFieldTooLarge is returned when a field or list does not fit its 16-bit length.
	ErrFieldTooLarge = errors.New("oracle field too large")
	// ErrInvalidSignature is returned when an oracle signature does not verify.
	ErrInvalidSignature = errors.New("invalid oracle signature")
)

var (
	announcementTag = []byte("DLC/oracle/announcement/v0")
	attestationTag  = []byte("DLC/oracle/attestation/v0")
)

// Event is the oracle's commitment: which nonces it will sign with, when,
// and what is being attested.
type Event struct {
	Nonces     [][32]byte
	Maturity   uint32
	Descriptor []byte
	EventID    string
}

// MaturityTime returns Maturity as a time.
func (e *Event) MaturityTime() time.Time {
	return time.Unix(int64(e.Maturity), 0)
}

func (e *Event) bytes() ([]byte, error) {
	w := &writer{}
	w.u16(len(e.Nonces))
	for _, n := range e.Nonces {
		w.put(n[:])
	}
	w.u32(e.Maturity)
	w.bytes16(e.Descriptor)
	w.bytes16([]byte(e.EventID))
	return w.result()
}

func parseEvent(r *reader) Event {
	var e Event
	n := int(r.u16())
	for i := 0; i < n && r.err == nil; i++ {
		var nonce [32]byte
		copy(nonce[:], r.take(32))
		e.Nonces = append(e.Nonces, nonce)
	}
	e.Maturity = r.u32()
	e.Descriptor = r.bytes16()
	e.EventID = string(r.bytes16())
	return e
}

// Announcement is a signed Event.
type Announcement struct {
	Signature       [64]byte
	OraclePublicKey *btcec.PublicKey
	Event           Event
}

// ParseAnnouncement decodes an announcement. The signature is not checked.
func ParseAnnouncement(b []byte) (*Announcement, error) {
	r := &reader{b: b}
	a := &Announcement{}
	copy(a.Signature[:], r.take(64))
	pub := r.take(32)
	a.Event = parseEvent(r)
	if err := r.finish(); err != nil {
		return nil, oops.Wrapf(err, "parsing announcement")
	}
	key, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: oracle public key: %v", ErrMalformed, err)
	}
	a.OraclePublicKey = key
	if a.Event.EventID == "" {
		return nil, fmt.Errorf("%w: empty event id", ErrMalformed)
	}
	return a, nil
}

// Bytes encodes the announcement.
func (a *Announcement) Bytes() ([]byte, error) {
	event, err := a.Event.bytes()
	if err != nil {
		return nil, err
	}
	w := &writer{}
	w.put(a.Signature[:])
	w.put(schnorr.SerializePubKey(a.OraclePublicKey))
	w.put(event)
	return w.result()
}

// Verify checks the oracle's signature over the event.
func (a *Announcement) Verify() error {
	sig, err := schnorr.ParseSignature(a.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	event, err := a.Event.bytes()
	if err != nil {
		return err
	}
	h := chainhash.TaggedHash(announcementTag, event)
	if !sig.Verify(h[:], a.OraclePublicKey) {
		return fmt.Errorf("%w: announcement %s", ErrInvalidSignature, a.Event.EventID)
	}
	return nil
}

// SignAnnouncement produces an announcement of event by priv.
func SignAnnouncement(priv *btcec.PrivateKey, event Event) (*Announcement, error) {
	b, err := event.bytes()
	if err != nil {
		return nil, err
	}
	h := chainhash.TaggedHash(announcementTag, b)
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return nil, oops.Wrapf(err, "signing announcement")
	}
	a := &Announcement{OraclePublicKey: priv.PubKey(), Event: event}
	copy(a.Signature[:], sig.Serialize())
	return a, nil
}
