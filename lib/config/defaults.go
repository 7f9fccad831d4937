package config

import (
	"net/url"
	"time"

	"github.com/go-i2p/logger"
)

// Validate checks if the provided configuration values are usable.
func Validate(cfg *RouterConfig) error {
	log.WithFields(logger.Fields{
		"at":     "config.Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	if cfg == nil {
		return newValidationError("configuration is nil")
	}
	validators := []func() error{
		func() error { return validateRouter(cfg) },
		func() error { return validateRelay(cfg.Relay) },
		func() error { return validateReassembly(cfg.Reassembly) },
		func() error { return validateChain(cfg.Chain) },
		func() error { return validateNTP(cfg.NTP) },
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "config.Validate",
		"reason": "all_validators_passed",
	}).Debug("configuration validated")
	return nil
}

func validateRouter(cfg *RouterConfig) error {
	if cfg.BaseDir == "" {
		return newValidationError("BaseDir must not be empty")
	}
	if cfg.WalletName == "" {
		return newValidationError("WalletName must not be empty")
	}
	return nil
}

func validateRelay(relay *RelayConfig) error {
	if relay == nil {
		return newValidationError("Relay section is missing")
	}
	if len(relay.URLs) == 0 {
		return newValidationError("Relay.URLs must contain at least one relay")
	}
	for _, raw := range relay.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			log.WithFields(logger.Fields{
				"at":    "config.validateRelay",
				"relay": raw,
			}).Error("invalid relay url")
			return newValidationError("Relay.URLs entries must be ws:// or wss:// URLs, got " + raw)
		}
	}
	if relay.MaxChunkSize < 64 {
		log.WithField("max_chunk_size", relay.MaxChunkSize).Error("Invalid relay configuration")
		return newValidationError("Relay.MaxChunkSize must be at least 64 bytes")
	}
	if relay.PublishTimeout < 100*time.Millisecond {
		return newValidationError("Relay.PublishTimeout must be at least 100ms")
	}
	if relay.PublishRate < 0 {
		return newValidationError("Relay.PublishRate must not be negative")
	}
	if relay.PublishRate > 0 && relay.PublishBurst < 1 {
		return newValidationError("Relay.PublishBurst must be at least 1 when rate limiting is enabled")
	}
	if relay.ReconnectBase <= 0 || relay.ReconnectMax < relay.ReconnectBase {
		return newValidationError("Relay.ReconnectBase must be positive and not exceed Relay.ReconnectMax")
	}
	return nil
}

func validateReassembly(r *ReassemblyConfig) error {
	if r == nil {
		return newValidationError("Reassembly section is missing")
	}
	if r.Timeout < time.Second {
		log.WithField("timeout", r.Timeout).Error("Invalid reassembly configuration")
		return newValidationError("Reassembly.Timeout must be at least 1 second")
	}
	if r.MaxPending < 1 {
		return newValidationError("Reassembly.MaxPending must be at least 1")
	}
	if r.CompletedCacheSize < 1 || r.SeenCacheSize < 1 {
		return newValidationError("Reassembly cache sizes must be at least 1")
	}
	if r.MaxBufferBytes < 0 {
		return newValidationError("Reassembly.MaxBufferBytes must not be negative")
	}
	return nil
}

func validateChain(chain *ChainConfig) error {
	if chain == nil {
		return newValidationError("Chain section is missing")
	}
	if chain.SyncInterval < time.Second {
		return newValidationError("Chain.SyncInterval must be at least 1 second")
	}
	if chain.EsploraURL != "" {
		if _, err := url.ParseRequestURI(chain.EsploraURL); err != nil {
			return newValidationError("Chain.EsploraURL is not a valid URL")
		}
	}
	return nil
}

func validateNTP(ntp *NTPConfig) error {
	if ntp == nil || !ntp.Enabled {
		return nil
	}
	if len(ntp.Servers) == 0 {
		return newValidationError("NTP.Servers must not be empty when NTP is enabled")
	}
	if ntp.QueryInterval < time.Minute {
		return newValidationError("NTP.QueryInterval must be at least 1 minute")
	}
	return nil
}

type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
