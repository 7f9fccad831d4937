package config

import (
	"os"
	"path/filepath"

	"github.com/dlcdevkit/go-ddk/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const DDK_BASE_DIR = ".go-ddk"

// InitConfig loads the configuration file, creating it with defaults when the
// default location has none.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildDDKDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	return handleConfigFile()
}

func setDefaults() {
	d := DefaultRouterConfig()

	viper.SetDefault("base_dir", d.BaseDir)
	viper.SetDefault("wallet.name", d.WalletName)

	viper.SetDefault("relay.urls", d.Relay.URLs)
	viper.SetDefault("relay.max_chunk_size", d.Relay.MaxChunkSize)
	viper.SetDefault("relay.publish_timeout", d.Relay.PublishTimeout)
	viper.SetDefault("relay.publish_rate", d.Relay.PublishRate)
	viper.SetDefault("relay.publish_burst", d.Relay.PublishBurst)
	viper.SetDefault("relay.reconnect_base", d.Relay.ReconnectBase)
	viper.SetDefault("relay.reconnect_max", d.Relay.ReconnectMax)

	viper.SetDefault("reassembly.timeout", d.Reassembly.Timeout)
	viper.SetDefault("reassembly.max_pending", d.Reassembly.MaxPending)
	viper.SetDefault("reassembly.completed_cache_size", d.Reassembly.CompletedCacheSize)
	viper.SetDefault("reassembly.seen_cache_size", d.Reassembly.SeenCacheSize)
	viper.SetDefault("reassembly.max_buffer_bytes", d.Reassembly.MaxBufferBytes)

	viper.SetDefault("chain.esplora_url", d.Chain.EsploraURL)
	viper.SetDefault("chain.sync_interval", d.Chain.SyncInterval)

	viper.SetDefault("ntp.enabled", d.NTP.Enabled)
	viper.SetDefault("ntp.servers", d.NTP.Servers)
	viper.SetDefault("ntp.query_interval", d.NTP.QueryInterval)

	viper.SetDefault("metrics.address", d.Metrics.Address)
}

// NewRouterConfigFromViper creates a new RouterConfig from current viper settings.
func NewRouterConfigFromViper() *RouterConfig {
	return &RouterConfig{
		BaseDir:    viper.GetString("base_dir"),
		WalletName: viper.GetString("wallet.name"),
		Relay: &RelayConfig{
			URLs:           viper.GetStringSlice("relay.urls"),
			MaxChunkSize:   viper.GetInt("relay.max_chunk_size"),
			PublishTimeout: viper.GetDuration("relay.publish_timeout"),
			PublishRate:    viper.GetFloat64("relay.publish_rate"),
			PublishBurst:   viper.GetInt("relay.publish_burst"),
			ReconnectBase:  viper.GetDuration("relay.reconnect_base"),
			ReconnectMax:   viper.GetDuration("relay.reconnect_max"),
		},
		Reassembly: &ReassemblyConfig{
			Timeout:            viper.GetDuration("reassembly.timeout"),
			MaxPending:         viper.GetInt("reassembly.max_pending"),
			CompletedCacheSize: viper.GetInt("reassembly.completed_cache_size"),
			SeenCacheSize:      viper.GetInt("reassembly.seen_cache_size"),
			MaxBufferBytes:     viper.GetInt("reassembly.max_buffer_bytes"),
		},
		Chain: &ChainConfig{
			EsploraURL:   viper.GetString("chain.esplora_url"),
			SyncInterval: viper.GetDuration("chain.sync_interval"),
		},
		NTP: &NTPConfig{
			Enabled:       viper.GetBool("ntp.enabled"),
			Servers:       viper.GetStringSlice("ntp.servers"),
			QueryInterval: viper.GetDuration("ntp.query_interval"),
		},
		Metrics: &MetricsConfig{
			Address: viper.GetString("metrics.address"),
		},
	}
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o700); err != nil {
		return oops.Wrapf(err, "could not create config directory %s", defaultConfigDir)
	}

	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Wrapf(err, "could not write default config file %s", defaultConfigFile)
	}

	log.WithField("file", defaultConfigFile).Debug("Created default configuration")
	return nil
}

func handleConfigFile() error {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				return oops.Wrapf(err, "config file %s is not found", CfgFile)
			}
			return createDefaultConfig(BuildDDKDirPath())
		}
		if CfgFile != "" && os.IsNotExist(err) {
			return oops.Wrapf(err, "config file %s is not found", CfgFile)
		}
		return oops.Wrapf(err, "error reading config file")
	}
	log.WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	return nil
}

// BuildDDKDirPath returns $HOME/.go-ddk.
func BuildDDKDirPath() string {
	return filepath.Join(util.UserHome(), DDK_BASE_DIR)
}
