package sntp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNTPClient struct {
	mu      sync.Mutex
	offsets map[string]time.Duration
	fail    map[string]bool
	queries int
}

func (m *mockNTPClient) QueryWithOptions(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.fail[host] {
		return nil, errors.New("unreachable")
	}
	return &ntp.Response{
		Time:        time.Now(),
		ClockOffset: m.offsets[host],
		RTT:         20 * time.Millisecond,
		Stratum:     2,
	}, nil
}

type recordingListener struct {
	mu     sync.Mutex
	offset time.Duration
	calls  int
}

func (r *recordingListener) SetOffset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset = d
	r.calls++
}

func TestTimestamper_SyncAppliesMedian(t *testing.T) {
	client := &mockNTPClient{offsets: map[string]time.Duration{
		"a": 1 * time.Second,
		"b": 3 * time.Second,
		"c": 2 * time.Second,
	}}
	ts := NewTimestamper(client, []string{"a", "b", "c"}, time.Hour)
	l := &recordingListener{}
	ts.AddListener(l)

	require.NoError(t, ts.Sync())

	assert.Equal(t, 2*time.Second, l.offset)
	assert.Equal(t, 1, l.calls)
}

func TestTimestamper_SkipsFailingServers(t *testing.T) {
	client := &mockNTPClient{
		offsets: map[string]time.Duration{"ok": 500 * time.Millisecond},
		fail:    map[string]bool{"bad1": true, "bad2": true},
	}
	ts := NewTimestamper(client, []string{"bad1", "ok", "bad2"}, time.Hour)
	l := &recordingListener{}
	ts.AddListener(l)

	require.NoError(t, ts.Sync())
	assert.Equal(t, 500*time.Millisecond, l.offset)
}

func TestTimestamper_NoValidSamples(t *testing.T) {
	client := &mockNTPClient{fail: map[string]bool{"a": true}}
	ts := NewTimestamper(client, []string{"a"}, time.Hour)
	l := &recordingListener{}
	ts.AddListener(l)

	assert.ErrorIs(t, ts.Sync(), ErrNoValidSamples)
	assert.Equal(t, 0, l.calls)
}

func TestValidateResponse(t *testing.T) {
	good := &ntp.Response{Time: time.Now(), RTT: time.Millisecond, Stratum: 1}
	assert.True(t, validateResponse("s", good))

	bad := []*ntp.Response{
		nil,
		{Time: time.Now(), RTT: time.Millisecond, Stratum: 0},
		{Time: time.Now(), RTT: time.Millisecond, Stratum: 16},
		{Time: time.Now(), RTT: 5 * time.Second, Stratum: 1},
		{Time: time.Now(), RTT: time.Millisecond, Stratum: 1, ClockOffset: time.Hour},
		{Time: time.Now(), RTT: time.Millisecond, Stratum: 1, Leap: ntp.LeapNotInSync},
		{RTT: time.Millisecond, Stratum: 1},
	}
	for i, r := range bad {
		assert.False(t, validateResponse("s", r), "case %d", i)
	}
}

func TestTimestamper_StartStop(t *testing.T) {
	client := &mockNTPClient{offsets: map[string]time.Duration{"a": time.Second}}
	ts := NewTimestamper(client, []string{"a"}, time.Hour)
	l := &recordingListener{}
	ts.AddListener(l)

	ts.Start()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.calls >= 1
	}, 2*time.Second, 10*time.Millisecond)
	ts.Stop()
	ts.Stop()
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2*time.Second, median([]time.Duration{3 * time.Second, time.Second, 2 * time.Second}))
	assert.Equal(t, 1500*time.Millisecond, median([]time.Duration{time.Second, 2 * time.Second}))
}
