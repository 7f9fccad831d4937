// Package oracle parses, verifies and caches DLC oracle announcements and
// attestations received as plaintext broadcasts.
//
// Announcement layout:
//
//	signature(64) || oracle_pubkey(32) || event
//	event = nonce_count(2) || nonces(32 each) || maturity(4) ||
//	        descriptor_len(2) || descriptor || event_id_len(2) || event_id
//
// The signature is BIP340 over TaggedHash("DLC/oracle/announcement/v0", event).
//
// Attestation layout:
//
//	event_id_len(2) || event_id || oracle_pubkey(32) ||
//	sig_count(2) || signatures(64 each) ||
//	outcome_count(2) || (outcome_len(2) || outcome)...
//
// Signature i is BIP340 over TaggedHash("DLC/oracle/attestation/v0", outcome i)
// using nonce i of the matching announcement.
package oracle
