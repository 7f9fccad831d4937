package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/samber/oops"
)

// ErrInvalidEnvelope is returned when an envelope's id or signature does not verify.
var ErrInvalidEnvelope = errors.New("invalid envelope")

const (
	tagRecipient = "p"
	tagReplyTo   = "e"
)

// Envelope is the signed unit published to relays.
type Envelope struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      Kind       `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// NewEnvelope builds an unsigned envelope. recipient and replyTo may be empty.
func NewEnvelope(kind Kind, createdAt time.Time, content, recipient, replyTo string) *Envelope {
	e := &Envelope{
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Tags:      [][]string{},
		Content:   content,
	}
	if recipient != "" {
		e.Tags = append(e.Tags, []string{tagRecipient, recipient})
	}
	if replyTo != "" {
		e.Tags = append(e.Tags, []string{tagReplyTo, replyTo})
	}
	return e
}

// Recipient returns the first "p" tag value, or "".
func (e *Envelope) Recipient() string {
	return e.firstTag(tagRecipient)
}

// ReplyTo returns the first "e" tag value, or "".
func (e *Envelope) ReplyTo() string {
	return e.firstTag(tagReplyTo)
}

func (e *Envelope) firstTag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Created returns created_at as a time.
func (e *Envelope) Created() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// serialize returns the canonical form hashed into the id. HTML escaping is
// disabled so the bytes match other NIP-01 implementations.
func (e *Envelope) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (e *Envelope) hash() ([32]byte, error) {
	data, err := e.serialize()
	if err != nil {
		return [32]byte{}, oops.Wrapf(err, "serializing envelope")
	}
	return sha256.Sum256(data), nil
}

// Sign sets the author, id and signature.
func (e *Envelope) Sign(priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	h, err := e.hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return oops.Wrapf(err, "signing envelope")
	}
	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Author parses the author public key.
func (e *Envelope) Author() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidEnvelope, "pubkey is not hex")
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidEnvelope, "pubkey: %v", err)
	}
	return pub, nil
}

// Verify checks that the id matches the content and that the signature is
// valid for the author key.
func (e *Envelope) Verify() error {
	pub, err := e.Author()
	if err != nil {
		return err
	}
	h, err := e.hash()
	if err != nil {
		return err
	}
	if hex.EncodeToString(h[:]) != e.ID {
		return oops.Wrapf(ErrInvalidEnvelope, "id does not match content")
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return oops.Wrapf(ErrInvalidEnvelope, "sig is not hex")
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return oops.Wrapf(ErrInvalidEnvelope, "sig: %v", err)
	}
	if !sig.Verify(h[:], pub) {
		return oops.Wrapf(ErrInvalidEnvelope, "signature check failed")
	}
	return nil
}
