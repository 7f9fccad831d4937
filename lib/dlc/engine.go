// Package dlc defines the collaborators the transport hands work to: the
// contract engine that owns negotiation state and the chain backend it uses.
package dlc

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcdevkit/go-ddk/lib/oracle"
	"github.com/dlcdevkit/go-ddk/lib/wire"
)

// ContractEngine consumes negotiation messages and oracle data. OnMessage
// may be called more than once for the same message and must tolerate it.
type ContractEngine interface {
	// OnMessage handles one decrypted negotiation message from sender (hex
	// x-only key) and optionally returns a reply for the same counterparty.
	// It runs on the subscription consumer, so envelopes queue behind it.
	// A reply is best returned rather than sent: a synchronous Router.Send
	// from here works, but under load it waits for the queued envelopes and
	// may reach the publish timeout.
	OnMessage(ctx context.Context, msg *wire.NegotiationPayload, sender string) (*wire.NegotiationPayload, error)
	CacheOracleAnnouncement(a *oracle.Announcement) error
	CacheOracleAttestation(a *oracle.Attestation) error
	GetOracleAnnouncement(eventID string) (*oracle.Announcement, error)
	GetOracleAttestation(eventID string) (*oracle.Attestation, error)
}

// Blockchain is the chain backend used for contract transactions.
type Blockchain interface {
	Broadcast(ctx context.Context, rawTx []byte) (chainhash.Hash, error)
	GetTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error)
	GetBlock(ctx context.Context, height uint32) ([]byte, error)
	GetTipHeight(ctx context.Context) (uint32, error)
	GetConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)
}

// WalletSyncer brings the wallet and contract state up to date with the chain.
type WalletSyncer interface {
	Sync(ctx context.Context) error
}

// EngineError wraps an error returned by a ContractEngine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("contract engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// WrapEngineError returns nil for a nil err and an *EngineError otherwise.
func WrapEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}
