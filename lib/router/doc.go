// Package router ties the transport together: it owns the identity, the
// relay channel, the reassembly buffers and the contract engine, and runs
// the single listener that turns relay envelopes into engine calls.
//
// Inbound, a negotiation envelope addressed to this identity goes through
//
//	base64 -> outer record -> [reassembly] -> decrypt -> inner record -> engine
//
// and any reply from the engine travels the reverse path to the original
// author with reply_to set to the id of the envelope that completed the
// message. Oracle announcement and attestation envelopes are plaintext and
// go straight to the engine's oracle cache.
//
// Delivery is at-least-once. A relay may replay stored envelopes after a
// reconnect; the router suppresses envelope ids it has recently seen but
// the engine must still tolerate duplicates.
package router
