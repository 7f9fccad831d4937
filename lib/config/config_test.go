package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultsRoundTrip verifies that every key registered by setDefaults is
// read back by NewRouterConfigFromViper under the same name.
func TestDefaultsRoundTrip(t *testing.T) {
	viper.Reset()
	setDefaults()

	cfg := NewRouterConfigFromViper()
	want := DefaultRouterConfig()

	assert.Equal(t, want.BaseDir, cfg.BaseDir)
	assert.Equal(t, want.WalletName, cfg.WalletName)
	assert.Equal(t, want.Relay, cfg.Relay)
	assert.Equal(t, want.Reassembly, cfg.Reassembly)
	assert.Equal(t, want.Chain, cfg.Chain)
	assert.Equal(t, want.NTP, cfg.NTP)
	assert.Equal(t, want.Metrics, cfg.Metrics)
}

func TestDefaultChainIsDisabled(t *testing.T) {
	viper.Reset()
	setDefaults()

	cfg := NewRouterConfigFromViper()
	assert.Empty(t, cfg.Chain.EsploraURL)
	assert.NoError(t, Validate(cfg))
}

func TestDefaultRouterConfig_ReturnsIndependentCopies(t *testing.T) {
	a := DefaultRouterConfig()
	b := DefaultRouterConfig()

	a.Relay.URLs[0] = "ws://changed"
	a.Relay.MaxChunkSize = 1

	assert.Equal(t, DefaultRelayConfig.URLs[0], b.Relay.URLs[0])
	assert.Equal(t, DefaultRelayConfig.MaxChunkSize, b.Relay.MaxChunkSize)
}

func TestInitConfig_ReadsExplicitFile(t *testing.T) {
	viper.Reset()
	defer func() { CfgFile = "" }()

	dir := t.TempDir()
	path := filepath.Join(dir, "ddk.yaml")
	content := []byte(`
wallet:
  name: alice
relay:
  urls:
    - wss://relay-one.example
    - wss://relay-two.example
  max_chunk_size: 2048
reassembly:
  timeout: 45s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	CfgFile = path

	require.NoError(t, InitConfig())
	cfg := NewRouterConfigFromViper()

	assert.Equal(t, "alice", cfg.WalletName)
	assert.Equal(t, []string{"wss://relay-one.example", "wss://relay-two.example"}, cfg.Relay.URLs)
	assert.Equal(t, 2048, cfg.Relay.MaxChunkSize)
	assert.Equal(t, 45*time.Second, cfg.Reassembly.Timeout)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultRelayConfig.PublishTimeout, cfg.Relay.PublishTimeout)
}

func TestInitConfig_MissingExplicitFile(t *testing.T) {
	viper.Reset()
	defer func() { CfgFile = "" }()

	CfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, InitConfig())
}

func TestIdentityDir(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.BaseDir = "/tmp/ddk"
	cfg.WalletName = "bob"
	assert.Equal(t, filepath.Join("/tmp/ddk", "bob"), cfg.IdentityDir())
}
