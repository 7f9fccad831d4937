package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	tagSize    = 2
	lengthSize = 4
	// HeaderSize is the fixed overhead Encode adds to a payload.
	HeaderSize = tagSize + lengthSize
)

var (
	// ErrTruncatedMessage is returned when a buffer ends before a field it declares.
	ErrTruncatedMessage = errors.New("truncated message")
	// ErrMalformedPayload is returned when a buffer is long enough but its contents are invalid.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Encode prefixes payload with its type tag and length.
func Encode(tag uint16, payload []byte) []byte {
	if uint64(len(payload)) > math.MaxUint32 {
		panic("wire: payload exceeds 4 GiB")
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:tagSize], tag)
	binary.BigEndian.PutUint32(out[tagSize:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// PeekTag returns the type tag without decoding the body.
func PeekTag(b []byte) (uint16, error) {
	if len(b) < tagSize {
		return 0, fmt.Errorf("%w: need %d bytes for tag, have %d", ErrTruncatedMessage, tagSize, len(b))
	}
	return binary.BigEndian.Uint16(b[:tagSize]), nil
}

// Decode splits a record into its tag and body. The returned payload aliases b.
func Decode(b []byte) (uint16, []byte, error) {
	tag, err := PeekTag(b)
	if err != nil {
		return 0, nil, err
	}
	if len(b) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: need %d bytes for header, have %d", ErrTruncatedMessage, HeaderSize, len(b))
	}
	n := binary.BigEndian.Uint32(b[tagSize:HeaderSize])
	rest := b[HeaderSize:]
	if uint64(n) > uint64(len(rest)) {
		return 0, nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrTruncatedMessage, n, len(rest))
	}
	if uint64(n) < uint64(len(rest)) {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes after record", ErrMalformedPayload, uint64(len(rest))-uint64(n))
	}
	return tag, rest[:n], nil
}
