package config

import (
	"path/filepath"
	"time"
)

// RouterConfig holds the settings of one transport instance.
type RouterConfig struct {
	// directory holding config.yaml and per-wallet key material
	BaseDir string
	// wallet/instance name, selects the identity key file
	WalletName string
	// relay network settings
	Relay *RelayConfig
	// segment reassembly limits
	Reassembly *ReassemblyConfig
	// chain collaborator settings
	Chain *ChainConfig
	// network time settings
	NTP *NTPConfig
	// prometheus endpoint
	Metrics *MetricsConfig
}

// RelayConfig configures the relay fan-out and subscription behavior.
type RelayConfig struct {
	// websocket URLs of the relays to publish to and subscribe on
	URLs []string
	// maximum number of ciphertext bytes carried by one envelope before
	// the payload is split into segments
	MaxChunkSize int
	// how long Publish waits for a relay to acknowledge an envelope
	PublishTimeout time.Duration
	// envelopes per second allowed on the outbound path, 0 disables limiting
	PublishRate float64
	// burst size for the outbound limiter
	PublishBurst int
	// first and maximum delay between reconnect attempts
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// ReassemblyConfig bounds the in-memory segment buffers.
type ReassemblyConfig struct {
	// incomplete buffers older than this are discarded
	Timeout time.Duration
	// maximum number of concurrently open buffers
	MaxPending int
	// number of completed segment ids remembered to drop late duplicates
	CompletedCacheSize int
	// number of envelope ids remembered by the dispatcher
	SeenCacheSize int
	// bytes one open buffer may hold; zero derives it from the chunk limit
	MaxBufferBytes int
}

// ChainConfig configures the Esplora chain client and the sync ticker.
type ChainConfig struct {
	EsploraURL   string
	SyncInterval time.Duration
}

// NTPConfig configures the network-corrected clock used for envelope timestamps.
type NTPConfig struct {
	Enabled       bool
	Servers       []string
	QueryInterval time.Duration
}

// MetricsConfig configures the prometheus listener. An empty address disables it.
type MetricsConfig struct {
	Address string
}

// IdentityDir returns the directory holding the key material of the configured wallet.
func (c *RouterConfig) IdentityDir() string {
	return filepath.Join(c.BaseDir, c.WalletName)
}

// DefaultRelayConfig is the relay configuration used when none is given.
var DefaultRelayConfig = RelayConfig{
	URLs:           []string{"ws://127.0.0.1:8081"},
	MaxChunkSize:   16 * 1024,
	PublishTimeout: 10 * time.Second,
	PublishRate:    20,
	PublishBurst:   64,
	ReconnectBase:  500 * time.Millisecond,
	ReconnectMax:   30 * time.Second,
}

// DefaultReassemblyConfig is the reassembly configuration used when none is given.
var DefaultReassemblyConfig = ReassemblyConfig{
	Timeout:            2 * time.Minute,
	MaxPending:         256,
	CompletedCacheSize: 1024,
	SeenCacheSize:      4096,
}

// DefaultChainConfig matches the ten second wallet sync interval of the node.
// No chain backend is assumed; an empty EsploraURL leaves the chain client off.
var DefaultChainConfig = ChainConfig{
	EsploraURL:   "",
	SyncInterval: 10 * time.Second,
}

var DefaultNTPConfig = NTPConfig{
	Enabled:       false,
	Servers:       []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"},
	QueryInterval: 11 * time.Minute,
}

var DefaultMetricsConfig = MetricsConfig{}

// DefaultRouterConfig returns a fresh copy of the default configuration.
func DefaultRouterConfig() *RouterConfig {
	relay := DefaultRelayConfig
	relay.URLs = append([]string(nil), DefaultRelayConfig.URLs...)
	reassembly := DefaultReassemblyConfig
	chain := DefaultChainConfig
	ntp := DefaultNTPConfig
	ntp.Servers = append([]string(nil), DefaultNTPConfig.Servers...)
	metrics := DefaultMetricsConfig
	return &RouterConfig{
		BaseDir:    BuildDDKDirPath(),
		WalletName: "default",
		Relay:      &relay,
		Reassembly: &reassembly,
		Chain:      &chain,
		NTP:        &ntp,
		Metrics:    &metrics,
	}
}
