// Package relay publishes and receives signed envelopes over Nostr relays.
//
// An envelope is a NIP-01 event. Its id is the SHA-256 of the canonical
// serialization
//
//	[0, <pubkey hex>, <created_at>, <kind>, <tags>, <content>]
//
// and its signature is a BIP340 Schnorr signature over that id by the x-only
// author key. The recipient of a negotiation message is carried in a "p" tag
// and the envelope being answered in an "e" tag.
//
// A Channel keeps one websocket per configured relay. Publishing fans out to
// every connected relay and succeeds if any of them acknowledges. A relay
// whose connection drops is re-dialed with exponential backoff and every open
// subscription is re-sent with its original filters, so envelopes stored
// while the connection was down are delivered again.
package relay
