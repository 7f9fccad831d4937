package oracle

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/samber/oops"
)

// Attestation is the oracle's signed outcome of an event.
type Attestation struct {
	EventID         string
	OraclePublicKey *btcec.PublicKey
	Signatures      [][64]byte
	Outcomes        []string
}

// ParseAttestation decodes an attestation. Signatures are not checked.
func ParseAttestation(b []byte) (*Attestation, error) {
	r := &reader{b: b}
	a := &Attestation{EventID: string(r.bytes16())}
	pub := r.take(32)
	n := int(r.u16())
	for i := 0; i < n && r.err == nil; i++ {
		var sig [64]byte
		copy(sig[:], r.take(64))
		a.Signatures = append(a.Signatures, sig)
	}
	m := int(r.u16())
	for i := 0; i < m && r.err == nil; i++ {
		a.Outcomes = append(a.Outcomes, string(r.bytes16()))
	}
	if err := r.finish(); err != nil {
		return nil, oops.Wrapf(err, "parsing attestation")
	}
	key, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: oracle public key: %v", ErrMalformed, err)
	}
	a.OraclePublicKey = key
	if a.EventID == "" {
		return nil, fmt.Errorf("%w: empty event id", ErrMalformed)
	}
	if len(a.Signatures) != len(a.Outcomes) {
		return nil, fmt.Errorf("%w: %d signatures for %d outcomes", ErrMalformed, len(a.Signatures), len(a.Outcomes))
	}
	return a, nil
}

// Bytes encodes the attestation.
func (a *Attestation) Bytes() ([]byte, error) {
	w := &writer{}
	w.bytes16([]byte(a.EventID))
	w.put(schnorr.SerializePubKey(a.OraclePublicKey))
	w.u16(len(a.Signatures))
	for _, s := range a.Signatures {
		w.put(s[:])
	}
	w.u16(len(a.Outcomes))
	for _, o := range a.Outcomes {
		w.bytes16([]byte(o))
	}
	return w.result()
}

// OutcomeHash is the message an oracle signs for one outcome.
func OutcomeHash(outcome string) *chainhash.Hash {
	return chainhash.TaggedHash(attestationTag, []byte(outcome))
}

// Verify checks each signature against the attesting key alone. It is the
// check available before the matching announcement has been seen.
func (a *Attestation) Verify() error {
	if len(a.Signatures) == 0 || len(a.Signatures) != len(a.Outcomes) {
		return fmt.Errorf("%w: %d signatures for %d outcomes", ErrInvalidSignature, len(a.Signatures), len(a.Outcomes))
	}
	for i, raw := range a.Signatures {
		sig, err := schnorr.ParseSignature(raw[:])
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", ErrInvalidSignature, i, err)
		}
		h := OutcomeHash(a.Outcomes[i])
		if !sig.Verify(h[:], a.OraclePublicKey) {
			return fmt.Errorf("%w: signature %d over outcome %q", ErrInvalidSignature, i, a.Outcomes[i])
		}
	}
	return nil
}

// VerifyAgainst checks that the attestation was produced by the oracle of
// ann, using ann's nonces in order.
func (a *Attestation) VerifyAgainst(ann *Announcement) error {
	if a.EventID != ann.Event.EventID {
		return fmt.Errorf("%w: attestation for %q checked against %q", ErrInvalidSignature, a.EventID, ann.Event.EventID)
	}
	if !bytes.Equal(schnorr.SerializePubKey(a.OraclePublicKey), schnorr.SerializePubKey(ann.OraclePublicKey)) {
		return fmt.Errorf("%w: attestation signed by a different oracle", ErrInvalidSignature)
	}
	if len(a.Signatures) != len(ann.Event.Nonces) {
		return fmt.Errorf("%w: %d signatures for %d nonces", ErrInvalidSignature, len(a.Signatures), len(ann.Event.Nonces))
	}
	for i, raw := range a.Signatures {
		if !bytes.Equal(raw[:32], ann.Event.Nonces[i][:]) {
			return fmt.Errorf("%w: signature %d does not use the announced nonce", ErrInvalidSignature, i)
		}
		sig, err := schnorr.ParseSignature(raw[:])
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", ErrInvalidSignature, i, err)
		}
		h := OutcomeHash(a.Outcomes[i])
		if !sig.Verify(h[:], a.OraclePublicKey) {
			return fmt.Errorf("%w: signature %d over outcome %q", ErrInvalidSignature, i, a.Outcomes[i])
		}
	}
	return nil
}
