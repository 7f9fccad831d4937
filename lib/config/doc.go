// Package config provides configuration management for the go-ddk relay transport.
//
// # Configuration Directory
//
// All state lives under BaseDir (default $HOME/.go-ddk). The only file the
// transport itself writes is the per-wallet identity key:
//
//	$HOME/.go-ddk/config.yaml            configuration (created with defaults)
//	$HOME/.go-ddk/<wallet>/nostr_keys    32-byte secp256k1 secret for the wallet
//
// Reassembly buffers and subscription cursors are in-memory only and reset on
// restart.
//
// # Precedence
//
// Values are read through viper: explicit flags bound by the CLI override the
// config file, which overrides the defaults registered in setDefaults. The
// typed view of the current settings is obtained with NewRouterConfigFromViper.
package config
