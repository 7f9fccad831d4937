package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Reserved tags.
const (
	EncryptedPayloadType uint16 = 42016
	SegmentStartType     uint16 = 42018
	SegmentChunkType     uint16 = 42020
)

// Negotiation message subtypes.
const (
	OfferType  uint16 = 42778
	AcceptType uint16 = 42780
	SignType   uint16 = 42782
)

const (
	segmentIDSize    = 16
	segmentStartSize = 2 + segmentIDSize
	chunkHeaderSize  = segmentIDSize + 2 + 4
)

// IsSegmentControl reports whether tag is a segmentation record.
func IsSegmentControl(tag uint16) bool {
	return tag == SegmentStartType || tag == SegmentChunkType
}

// Message is one of NegotiationPayload, SegmentStart or SegmentChunk.
type Message interface {
	Tag() uint16
	body() []byte
}

// NegotiationPayload is an opaque payload with its subtype tag.
type NegotiationPayload struct {
	Type    uint16
	Payload []byte
}

// SegmentStart announces a segmented transfer of Total chunks.
type SegmentStart struct {
	Total     uint16
	SegmentID uuid.UUID
}

// SegmentChunk carries one slice of a segmented payload.
type SegmentChunk struct {
	SegmentID uuid.UUID
	Index     uint16
	Data      []byte
}

func (m *NegotiationPayload) Tag() uint16 { return m.Type }
func (m *SegmentStart) Tag() uint16       { return SegmentStartType }
func (m *SegmentChunk) Tag() uint16       { return SegmentChunkType }

func (m *NegotiationPayload) body() []byte { return m.Payload }

func (m *SegmentStart) body() []byte {
	b := make([]byte, segmentStartSize)
	binary.BigEndian.PutUint16(b[0:2], m.Total)
	copy(b[2:], m.SegmentID[:])
	return b
}

func (m *SegmentChunk) body() []byte {
	b := make([]byte, chunkHeaderSize+len(m.Data))
	copy(b[0:segmentIDSize], m.SegmentID[:])
	binary.BigEndian.PutUint16(b[segmentIDSize:segmentIDSize+2], m.Index)
	binary.BigEndian.PutUint32(b[segmentIDSize+2:chunkHeaderSize], uint32(len(m.Data)))
	copy(b[chunkHeaderSize:], m.Data)
	return b
}

// EncodeMessage frames m.
func EncodeMessage(m Message) []byte {
	return Encode(m.Tag(), m.body())
}

// DecodeMessage parses one framed record.
func DecodeMessage(b []byte) (Message, error) {
	tag, body, err := Decode(b)
	if err != nil {
		return nil, err
	}
	switch tag {
	case SegmentStartType:
		return decodeSegmentStart(body)
	case SegmentChunkType:
		return decodeSegmentChunk(body)
	default:
		return &NegotiationPayload{Type: tag, Payload: body}, nil
	}
}

func decodeSegmentStart(b []byte) (*SegmentStart, error) {
	if len(b) < segmentStartSize {
		return nil, fmt.Errorf("%w: segment start needs %d bytes, have %d", ErrTruncatedMessage, segmentStartSize, len(b))
	}
	if len(b) > segmentStartSize {
		return nil, fmt.Errorf("%w: segment start has %d trailing bytes", ErrMalformedPayload, len(b)-segmentStartSize)
	}
	m := &SegmentStart{Total: binary.BigEndian.Uint16(b[0:2])}
	copy(m.SegmentID[:], b[2:])
	if m.Total == 0 {
		return nil, fmt.Errorf("%w: segment start declares zero chunks", ErrMalformedPayload)
	}
	return m, nil
}

func decodeSegmentChunk(b []byte) (*SegmentChunk, error) {
	if len(b) < chunkHeaderSize {
		return nil, fmt.Errorf("%w: segment chunk header needs %d bytes, have %d", ErrTruncatedMessage, chunkHeaderSize, len(b))
	}
	m := &SegmentChunk{Index: binary.BigEndian.Uint16(b[segmentIDSize : segmentIDSize+2])}
	copy(m.SegmentID[:], b[:segmentIDSize])
	n := binary.BigEndian.Uint32(b[segmentIDSize+2 : chunkHeaderSize])
	data := b[chunkHeaderSize:]
	if uint64(n) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: chunk length %d exceeds remaining %d bytes", ErrTruncatedMessage, n, len(data))
	}
	if uint64(n) < uint64(len(data)) {
		return nil, fmt.Errorf("%w: chunk has trailing bytes", ErrMalformedPayload)
	}
	m.Data = data
	return m, nil
}
