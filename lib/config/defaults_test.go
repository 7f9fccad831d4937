package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultRouterConfig()))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RouterConfig)
	}{
		{"empty wallet", func(c *RouterConfig) { c.WalletName = "" }},
		{"empty base dir", func(c *RouterConfig) { c.BaseDir = "" }},
		{"no relays", func(c *RouterConfig) { c.Relay.URLs = nil }},
		{"http relay", func(c *RouterConfig) { c.Relay.URLs = []string{"http://relay.example"} }},
		{"tiny chunk", func(c *RouterConfig) { c.Relay.MaxChunkSize = 10 }},
		{"short publish timeout", func(c *RouterConfig) { c.Relay.PublishTimeout = time.Millisecond }},
		{"negative rate", func(c *RouterConfig) { c.Relay.PublishRate = -1 }},
		{"zero burst", func(c *RouterConfig) { c.Relay.PublishBurst = 0 }},
		{"backoff inverted", func(c *RouterConfig) { c.Relay.ReconnectMax = c.Relay.ReconnectBase / 2 }},
		{"short reassembly timeout", func(c *RouterConfig) { c.Reassembly.Timeout = 10 * time.Millisecond }},
		{"no pending buffers", func(c *RouterConfig) { c.Reassembly.MaxPending = 0 }},
		{"zero cache", func(c *RouterConfig) { c.Reassembly.SeenCacheSize = 0 }},
		{"negative buffer limit", func(c *RouterConfig) { c.Reassembly.MaxBufferBytes = -1 }},
		{"fast sync", func(c *RouterConfig) { c.Chain.SyncInterval = time.Millisecond }},
		{"ntp without servers", func(c *RouterConfig) { c.NTP.Enabled = true; c.NTP.Servers = nil }},
		{"missing relay section", func(c *RouterConfig) { c.Relay = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRouterConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation failed")
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}
