package segment

import (
	"bytes"
	"testing"
	"time"

	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestReassembler(t require.TestingT, now func() time.Time) *Reassembler {
	r, err := NewReassembler(Config{
		Timeout:            time.Minute,
		MaxPending:         8,
		CompletedCacheSize: 16,
		Now:                now,
	})
	require.NoError(t, err)
	return r
}

func TestSegmentFitsInOneRecord(t *testing.T) {
	msgs, err := Segment([]byte("small"), 16)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	p, ok := msgs[0].(*wire.NegotiationPayload)
	require.True(t, ok)
	assert.Equal(t, wire.EncryptedPayloadType, p.Type)
	assert.Equal(t, []byte("small"), p.Payload)
}

func TestSegmentCounts(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 10_046)
	msgs, err := Segment(payload, 2048)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	start, ok := msgs[0].(*wire.SegmentStart)
	require.True(t, ok)
	assert.Equal(t, uint16(5), start.Total)
	for i, m := range msgs[1:] {
		c, ok := m.(*wire.SegmentChunk)
		require.True(t, ok)
		assert.Equal(t, start.SegmentID, c.SegmentID)
		assert.Equal(t, uint16(i), c.Index)
		assert.LessOrEqual(t, len(c.Data), 2048)
	}
}

func TestSegmentTooLarge(t *testing.T) {
	_, err := Segment(make([]byte, MaxChunks+1), 1)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = Segment([]byte("x"), 0)
	assert.Error(t, err)
}

func TestReassembleAnyOrderWithDuplicates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(rt, "payload")
		chunk := rapid.IntRange(1, 512).Draw(rt, "chunk")

		msgs, err := Segment(payload, chunk)
		if err != nil {
			rt.Fatalf("segment: %v", err)
		}
		if len(msgs) == 1 {
			return
		}
		// redeliver a few records
		dups := rapid.SliceOfN(rapid.IntRange(0, len(msgs)-1), 0, 4).Draw(rt, "dups")
		for _, d := range dups {
			msgs = append(msgs, msgs[d])
		}
		order := rapid.Permutation(msgs).Draw(rt, "order")

		r := newTestReassembler(rt, nil)
		var results [][]byte
		for _, m := range order {
			out, done, err := r.Add("alice", m)
			if err != nil {
				rt.Fatalf("add: %v", err)
			}
			if done {
				results = append(results, out)
			}
		}
		if len(results) != 1 {
			rt.Fatalf("expected exactly one completion, got %d", len(results))
		}
		if !bytes.Equal(results[0], payload) {
			rt.Fatalf("reassembled payload differs")
		}
		if r.Pending() != 0 {
			rt.Fatalf("buffers left open: %d", r.Pending())
		}
	})
}

func TestReassemblerSeparatesSenders(t *testing.T) {
	r := newTestReassembler(t, nil)
	id := uuid.New()

	_, done, err := r.Add("alice", &wire.SegmentStart{Total: 2, SegmentID: id})
	require.NoError(t, err)
	assert.False(t, done)
	_, done, err = r.Add("mallory", &wire.SegmentChunk{SegmentID: id, Index: 0, Data: []byte("xx")})
	require.NoError(t, err)
	assert.False(t, done)
	_, done, err = r.Add("alice", &wire.SegmentChunk{SegmentID: id, Index: 1, Data: []byte("b")})
	require.NoError(t, err)
	assert.False(t, done)

	out, done, err := r.Add("alice", &wire.SegmentChunk{SegmentID: id, Index: 0, Data: []byte("a")})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("ab"), out)
	assert.Equal(t, 1, r.Pending())
}

func TestReassemblerRejectsOutOfRangeIndex(t *testing.T) {
	r := newTestReassembler(t, nil)
	id := uuid.New()

	_, _, err := r.Add("alice", &wire.SegmentStart{Total: 2, SegmentID: id})
	require.NoError(t, err)
	_, _, err = r.Add("alice", &wire.SegmentChunk{SegmentID: id, Index: 2, Data: []byte("z")})
	assert.ErrorIs(t, err, wire.ErrMalformedPayload)

	// chunk first, then a start that does not cover it
	other := uuid.New()
	_, _, err = r.Add("alice", &wire.SegmentChunk{SegmentID: other, Index: 7, Data: []byte("z")})
	require.NoError(t, err)
	_, _, err = r.Add("alice", &wire.SegmentStart{Total: 3, SegmentID: other})
	assert.ErrorIs(t, err, wire.ErrMalformedPayload)
}

func TestReassemblerRejectsNonSegmentRecord(t *testing.T) {
	r := newTestReassembler(t, nil)
	_, _, err := r.Add("alice", &wire.NegotiationPayload{Type: wire.OfferType})
	assert.ErrorIs(t, err, wire.ErrMalformedPayload)
}

func TestLateDuplicateAfterCompletion(t *testing.T) {
	r := newTestReassembler(t, nil)
	msgs, err := Segment([]byte("abcdef"), 2)
	require.NoError(t, err)

	var done bool
	for _, m := range msgs {
		_, done, err = r.Add("alice", m)
		require.NoError(t, err)
	}
	require.True(t, done)

	_, done, err = r.Add("alice", msgs[1])
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, r.Pending())
}

func TestSweepDropsStaleBuffers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newTestReassembler(t, func() time.Time { return now })

	_, _, err := r.Add("alice", &wire.SegmentStart{Total: 3, SegmentID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Sweep(now.Add(30*time.Second)))
	assert.Equal(t, 1, r.Pending())

	assert.Equal(t, 1, r.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, 0, r.Pending())
}

func TestMaxPendingEvictsOldest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newTestReassembler(t, func() time.Time { return now })

	first := uuid.New()
	_, _, err := r.Add("alice", &wire.SegmentStart{Total: 2, SegmentID: first})
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		now = now.Add(time.Second)
		_, _, err := r.Add("alice", &wire.SegmentStart{Total: 2, SegmentID: uuid.New()})
		require.NoError(t, err)
	}
	assert.Equal(t, 8, r.Pending())

	// the first transfer was evicted, so completing its chunks opens a fresh
	// buffer that never learns its total
	_, _, err = r.Add("alice", &wire.SegmentChunk{SegmentID: first, Index: 0, Data: []byte("a")})
	require.NoError(t, err)
	_, done, err := r.Add("alice", &wire.SegmentChunk{SegmentID: first, Index: 1, Data: []byte("b")})
	require.NoError(t, err)
	assert.False(t, done)
}

func TestReassemblerCapsBufferBytes(t *testing.T) {
	r, err := NewReassembler(Config{
		Timeout:            time.Minute,
		MaxPending:         8,
		CompletedCacheSize: 16,
		MaxChunkSize:       4,
		MaxBufferBytes:     10,
	})
	require.NoError(t, err)
	id := uuid.New()

	// chunks ahead of their start count against the limit
	for i := uint16(0); i < 2; i++ {
		_, done, err := r.Add("alice", &wire.SegmentChunk{SegmentID: id, Index: i, Data: []byte("abcd")})
		require.NoError(t, err)
		assert.False(t, done)
	}
	// a duplicate replaces its earlier copy rather than adding to it
	_, _, err = r.Add("alice", &wire.SegmentChunk{SegmentID: id, Index: 1, Data: []byte("abcd")})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	_, _, err = r.Add("alice", &wire.SegmentChunk{SegmentID: id, Index: 2, Data: []byte("abcd")})
	assert.ErrorIs(t, err, wire.ErrMalformedPayload)
	assert.Equal(t, 0, r.Pending())

	_, _, err = r.Add("alice", &wire.SegmentChunk{SegmentID: uuid.New(), Index: 0, Data: []byte("abcde")})
	assert.ErrorIs(t, err, wire.ErrMalformedPayload)
	assert.Equal(t, 0, r.Pending())
}

func TestReassemblerDefaultsChunkLimit(t *testing.T) {
	r := newTestReassembler(t, nil)
	_, _, err := r.Add("alice", &wire.SegmentChunk{SegmentID: uuid.New(), Index: 0, Data: make([]byte, DefaultMaxChunkSize+1)})
	assert.ErrorIs(t, err, wire.ErrMalformedPayload)
	assert.Equal(t, 0, r.Pending())

	_, err = NewReassembler(Config{Timeout: time.Minute, MaxPending: 1, CompletedCacheSize: 1, MaxBufferBytes: -1})
	assert.Error(t, err)
}
