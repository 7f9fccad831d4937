// Package wire frames negotiation payloads and segmentation control records.
//
// Every record is a type tag followed by a length-prefixed body:
//
//	+----+----+----+----+----+----+----+----+
//	|   tag   |      length       | body...
//	+----+----+----+----+----+----+----+----+
//
//	tag    :: 2 bytes, big endian. Selects the record kind before the body
//	          is decoded.
//	length :: 4 bytes, big endian. Number of body bytes that follow.
//	body   :: $length bytes.
//
// Segmentation control records use reserved tags:
//
//	SegmentStart (42018)  total(2) || segment_id(16)
//	SegmentChunk (42020)  segment_id(16) || index(2) || len(4) || data($len)
//
// EncryptedPayloadType (42016) carries an unsegmented ciphertext. Every other
// tag names a negotiation message subtype (offer, accept, sign, ...).
package wire
