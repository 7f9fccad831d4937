package segment

import (
	"sync"
	"time"

	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"
)

// Config bounds the memory a Reassembler may hold.
type Config struct {
	// incomplete buffers older than this are dropped by Sweep
	Timeout time.Duration
	// maximum number of open buffers; the oldest is evicted when exceeded
	MaxPending int
	// completed transfers remembered so late duplicates are ignored
	CompletedCacheSize int
	// largest chunk accepted, DefaultMaxChunkSize when zero
	MaxChunkSize int
	// bytes one buffer may hold before it is dropped, MaxChunks*MaxChunkSize when zero
	MaxBufferBytes int
	// clock, time.Now when nil
	Now func() time.Time
}

// DefaultMaxChunkSize is the chunk size limit used when Config leaves it unset.
const DefaultMaxChunkSize = 64 * 1024

type bufferKey struct {
	sender string
	id     uuid.UUID
}

type buffer struct {
	total   int // zero until the SegmentStart arrives
	chunks  map[uint16][]byte
	size    int
	created time.Time
}

// Reassembler collects chunks per (sender, segment id). Safe for concurrent use.
type Reassembler struct {
	mu         sync.Mutex
	buffers    map[bufferKey]*buffer
	completed  *lru.Cache[bufferKey, struct{}]
	timeout    time.Duration
	maxPending int
	maxChunk   int
	maxBytes   int
	now        func() time.Time
}

// NewReassembler returns an empty Reassembler.
func NewReassembler(cfg Config) (*Reassembler, error) {
	if cfg.Timeout <= 0 || cfg.MaxPending < 1 || cfg.CompletedCacheSize < 1 ||
		cfg.MaxChunkSize < 0 || cfg.MaxBufferBytes < 0 {
		return nil, oops.Errorf("invalid reassembly config: timeout=%s max_pending=%d completed=%d max_chunk=%d max_bytes=%d",
			cfg.Timeout, cfg.MaxPending, cfg.CompletedCacheSize, cfg.MaxChunkSize, cfg.MaxBufferBytes)
	}
	maxChunk := cfg.MaxChunkSize
	if maxChunk == 0 {
		maxChunk = DefaultMaxChunkSize
	}
	maxBytes := cfg.MaxBufferBytes
	if maxBytes == 0 {
		maxBytes = MaxChunks * maxChunk
	}
	completed, err := lru.New[bufferKey, struct{}](cfg.CompletedCacheSize)
	if err != nil {
		return nil, oops.Wrapf(err, "creating completed segment cache")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reassembler{
		buffers:    make(map[bufferKey]*buffer),
		completed:  completed,
		timeout:    cfg.Timeout,
		maxPending: cfg.MaxPending,
		maxChunk:   maxChunk,
		maxBytes:   maxBytes,
		now:        now,
	}, nil
}

// Add records one segmentation record from sender. When it completes a
// transfer the concatenated payload is returned with true. Records for a
// transfer that already completed are ignored.
func (r *Reassembler) Add(sender string, msg wire.Message) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch m := msg.(type) {
	case *wire.SegmentStart:
		return r.addStart(bufferKey{sender: sender, id: m.SegmentID}, m)
	case *wire.SegmentChunk:
		return r.addChunk(bufferKey{sender: sender, id: m.SegmentID}, m)
	default:
		return nil, false, oops.Wrapf(wire.ErrMalformedPayload, "record type %d is not a segment record", msg.Tag())
	}
}

func (r *Reassembler) addStart(key bufferKey, m *wire.SegmentStart) ([]byte, bool, error) {
	if r.completed.Contains(key) {
		return nil, false, nil
	}
	buf := r.buffer(key)
	if buf.total != 0 && buf.total != int(m.Total) {
		delete(r.buffers, key)
		return nil, false, oops.Wrapf(wire.ErrMalformedPayload, "segment %s redeclared with %d chunks, was %d", key.id, m.Total, buf.total)
	}
	buf.total = int(m.Total)
	for idx := range buf.chunks {
		if int(idx) >= buf.total {
			delete(r.buffers, key)
			return nil, false, oops.Wrapf(wire.ErrMalformedPayload, "segment %s has chunk %d beyond total %d", key.id, idx, buf.total)
		}
	}
	return r.complete(key, buf)
}

func (r *Reassembler) addChunk(key bufferKey, m *wire.SegmentChunk) ([]byte, bool, error) {
	if r.completed.Contains(key) {
		log.WithFields(logger.Fields{
			"at":         "segment.Reassembler.addChunk",
			"segment_id": key.id.String(),
			"index":      m.Index,
		}).Debug("ignoring chunk of completed segment")
		return nil, false, nil
	}
	if len(m.Data) > r.maxChunk {
		delete(r.buffers, key)
		return nil, false, oops.Wrapf(wire.ErrMalformedPayload, "segment %s chunk %d is %d bytes, limit %d", key.id, m.Index, len(m.Data), r.maxChunk)
	}
	buf := r.buffer(key)
	if buf.total != 0 && int(m.Index) >= buf.total {
		return nil, false, oops.Wrapf(wire.ErrMalformedPayload, "segment %s chunk index %d out of range %d", key.id, m.Index, buf.total)
	}
	// duplicates overwrite
	size := buf.size - len(buf.chunks[m.Index]) + len(m.Data)
	if size > r.maxBytes {
		delete(r.buffers, key)
		log.WithFields(logger.Fields{
			"at":         "segment.Reassembler.addChunk",
			"segment_id": key.id.String(),
			"sender":     key.sender,
			"size":       size,
			"limit":      r.maxBytes,
		}).Warn("segment buffer over byte limit, dropped")
		return nil, false, oops.Wrapf(wire.ErrMalformedPayload, "segment %s holds %d bytes, limit %d", key.id, size, r.maxBytes)
	}
	buf.chunks[m.Index] = append([]byte(nil), m.Data...)
	buf.size = size
	return r.complete(key, buf)
}

// buffer returns the open buffer for key, creating it and evicting the oldest
// one when MaxPending is reached.
func (r *Reassembler) buffer(key bufferKey) *buffer {
	if buf, ok := r.buffers[key]; ok {
		return buf
	}
	if len(r.buffers) >= r.maxPending {
		r.evictOldest()
	}
	buf := &buffer{chunks: make(map[uint16][]byte), created: r.now()}
	r.buffers[key] = buf
	return buf
}

func (r *Reassembler) evictOldest() {
	var (
		oldest    bufferKey
		oldestAt  time.Time
		haveFirst bool
	)
	for k, b := range r.buffers {
		if !haveFirst || b.created.Before(oldestAt) {
			oldest, oldestAt, haveFirst = k, b.created, true
		}
	}
	if haveFirst {
		delete(r.buffers, oldest)
		log.WithFields(logger.Fields{
			"at":         "segment.Reassembler.evictOldest",
			"segment_id": oldest.id.String(),
			"sender":     oldest.sender,
		}).Warn("too many open segment buffers, evicted oldest")
	}
}

func (r *Reassembler) complete(key bufferKey, buf *buffer) ([]byte, bool, error) {
	if buf.total == 0 || len(buf.chunks) < buf.total {
		return nil, false, nil
	}
	out := make([]byte, 0, buf.size)
	for i := 0; i < buf.total; i++ {
		out = append(out, buf.chunks[uint16(i)]...)
	}
	delete(r.buffers, key)
	r.completed.Add(key, struct{}{})

	log.WithFields(logger.Fields{
		"at":         "segment.Reassembler.complete",
		"segment_id": key.id.String(),
		"chunks":     buf.total,
		"size":       len(out),
	}).Debug("reassembled segmented payload")
	return out, true, nil
}

// Sweep discards buffers that have been incomplete for longer than the
// timeout and returns how many were dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, buf := range r.buffers {
		age := now.Sub(buf.created)
		if age <= r.timeout {
			continue
		}
		delete(r.buffers, key)
		dropped++
		log.WithFields(logger.Fields{
			"at":         "segment.Reassembler.Sweep",
			"segment_id": key.id.String(),
			"sender":     key.sender,
			"received":   len(buf.chunks),
			"total":      buf.total,
			"age":        age,
		}).WithError(ErrStaleReassembly).Warn("discarding incomplete segment buffer")
	}
	return dropped
}

// Pending returns the number of open buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Reset drops every open buffer.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buffers)
}
