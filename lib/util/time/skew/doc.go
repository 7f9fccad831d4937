// Package skew provides clock skew validation for received envelopes.
//
// Relays are not trusted to police timestamps. An envelope claiming a
// created_at far in the future would sort after every legitimate message, so
// the dispatcher rejects envelopes beyond MaxFutureSkew. Old timestamps are
// accepted: replays after a reconnect legitimately carry past times.
//
// Usage:
//
//	if err := skew.ValidateFuture(env.Created(), clock.Now(), skew.MaxFutureSkew); err != nil {
//	    // drop the envelope
//	}
package skew
