package sntp

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// ErrNoValidSamples is returned by Sync when no server produced a usable response.
var ErrNoValidSamples = errors.New("sntp: no valid time samples")

type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type DefaultNTPClient struct{}

func (c *DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

const (
	minQueryFrequency = 1 * time.Minute
	defaultConcurring = 3
	defaultTimeout    = 5 * time.Second
)

// Timestamper periodically measures the local clock offset against a set of
// NTP servers and pushes the median offset to its listeners.
type Timestamper struct {
	servers        []string
	queryFrequency time.Duration
	concurring     int
	client         NTPClient
	listeners      []OffsetListener
	isRunning      bool
	mutex          sync.Mutex
	stopChan       chan struct{}
	stopOnce       sync.Once
	waitGroup      sync.WaitGroup
}

// NewTimestamper creates a Timestamper querying servers every queryFrequency.
func NewTimestamper(client NTPClient, servers []string, queryFrequency time.Duration) *Timestamper {
	if client == nil {
		client = &DefaultNTPClient{}
	}
	if queryFrequency < minQueryFrequency {
		queryFrequency = minQueryFrequency
	}
	concurring := defaultConcurring
	if len(servers) < concurring {
		concurring = len(servers)
	}
	return &Timestamper{
		servers:        append([]string(nil), servers...),
		queryFrequency: queryFrequency,
		concurring:     concurring,
		client:         client,
		stopChan:       make(chan struct{}),
	}
}

func (ts *Timestamper) AddListener(l OffsetListener) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	ts.listeners = append(ts.listeners, l)
}

// Start runs an initial sync and then re-syncs every queryFrequency until Stop.
func (ts *Timestamper) Start() {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	if ts.isRunning {
		return
	}
	ts.isRunning = true
	ts.waitGroup.Add(1)
	go ts.run()
}

func (ts *Timestamper) Stop() {
	ts.mutex.Lock()
	if !ts.isRunning {
		ts.mutex.Unlock()
		return
	}
	ts.isRunning = false
	ts.mutex.Unlock()
	ts.stopOnce.Do(func() {
		close(ts.stopChan)
	})
	ts.waitGroup.Wait()
}

func (ts *Timestamper) run() {
	defer ts.waitGroup.Done()
	ticker := time.NewTicker(ts.queryFrequency)
	defer ticker.Stop()
	for {
		if err := ts.Sync(); err != nil {
			log.WithError(err).Warn("NTP sync failed, keeping previous offset")
		}
		select {
		case <-ts.stopChan:
			return
		case <-ticker.C:
		}
	}
}

// Sync queries up to three randomly ordered servers and applies the median offset.
func (ts *Timestamper) Sync() error {
	var offsets []time.Duration
	for _, server := range ts.shuffledServers() {
		if len(offsets) >= ts.concurring {
			break
		}
		resp, err := ts.client.QueryWithOptions(server, ntp.QueryOptions{Timeout: defaultTimeout})
		if err != nil {
			log.WithError(err).WithField("server", server).Debug("NTP query failed")
			continue
		}
		if !validateResponse(server, resp) {
			continue
		}
		offsets = append(offsets, resp.ClockOffset)
	}
	if len(offsets) == 0 {
		return ErrNoValidSamples
	}

	offset := median(offsets)
	ts.mutex.Lock()
	listeners := append([]OffsetListener(nil), ts.listeners...)
	ts.mutex.Unlock()

	for _, l := range listeners {
		l.SetOffset(offset)
	}
	log.WithFields(logger.Fields{
		"at":      "sntp.Timestamper.Sync",
		"offset":  offset.String(),
		"samples": len(offsets),
	}).Debug("clock offset updated")
	return nil
}

func (ts *Timestamper) shuffledServers() []string {
	servers := append([]string(nil), ts.servers...)
	for i := len(servers) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		servers[i], servers[j] = servers[j], servers[i]
	}
	return servers
}

func median(deltas []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
