// Package segment splits oversized ciphertexts into ordered chunks and
// reassembles them on the receiving side.
package segment

import (
	"errors"
	"math"

	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrPayloadTooLarge is returned when a payload would need more chunks than an index can address.
	ErrPayloadTooLarge = errors.New("payload too large to segment")
	// ErrStaleReassembly marks a buffer discarded because it stayed incomplete too long.
	ErrStaleReassembly = errors.New("stale reassembly buffer")
)

// MaxChunks is the largest number of chunks one transfer may use.
const MaxChunks = math.MaxUint16

// Segment returns the records needed to carry ciphertext in envelopes of at
// most maxChunk payload bytes. A payload that fits is sent as a single
// EncryptedPayloadType record.
func Segment(ciphertext []byte, maxChunk int) ([]wire.Message, error) {
	if maxChunk <= 0 {
		return nil, oops.Errorf("max chunk size must be positive, got %d", maxChunk)
	}
	if len(ciphertext) <= maxChunk {
		return []wire.Message{&wire.NegotiationPayload{
			Type:    wire.EncryptedPayloadType,
			Payload: ciphertext,
		}}, nil
	}

	total := (len(ciphertext) + maxChunk - 1) / maxChunk
	if total > MaxChunks {
		return nil, oops.Wrapf(ErrPayloadTooLarge, "%d bytes at %d bytes per chunk needs %d chunks", len(ciphertext), maxChunk, total)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, oops.Wrapf(err, "generating segment id")
	}

	out := make([]wire.Message, 0, total+1)
	out = append(out, &wire.SegmentStart{Total: uint16(total), SegmentID: id})
	for i := 0; i < total; i++ {
		end := min((i+1)*maxChunk, len(ciphertext))
		out = append(out, &wire.SegmentChunk{
			SegmentID: id,
			Index:     uint16(i),
			Data:      ciphertext[i*maxChunk : end],
		})
	}

	log.WithFields(logger.Fields{
		"at":         "segment.Segment",
		"segment_id": id.String(),
		"size":       len(ciphertext),
		"chunks":     total,
	}).Debug("split payload into segments")
	return out, nil
}
