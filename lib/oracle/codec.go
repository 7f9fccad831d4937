package oracle

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// reader walks a byte slice, recording the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(r.b))
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) bytes16() []byte {
	return r.take(int(r.u16()))
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	return nil
}

type writer struct {
	b   []byte
	err error
}

func (w *writer) put(b []byte) { w.b = append(w.b, b...) }

// u16 records ErrFieldTooLarge instead of truncating a count or length.
func (w *writer) u16(v int) {
	if v > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d exceeds %d", ErrFieldTooLarge, v, math.MaxUint16)
		}
		return
	}
	w.b = binary.BigEndian.AppendUint16(w.b, uint16(v))
}

func (w *writer) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }

func (w *writer) bytes16(b []byte) {
	w.u16(len(b))
	w.put(b)
}

func (w *writer) result() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.b, nil
}

// DecodeContent decodes the base64 content of an oracle envelope.
func DecodeContent(content string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not base64: %v", ErrMalformed, err)
	}
	return b, nil
}

// EncodeContent is the inverse of DecodeContent.
func EncodeContent(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
