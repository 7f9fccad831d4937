package skew

import (
	"fmt"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// MaxFutureSkew is how far ahead of local time a received envelope may be dated.
const MaxFutureSkew = 15 * time.Minute

// ValidateFuture checks that created is not more than maxSkew ahead of now.
// A zero-value time is always rejected.
func ValidateFuture(created, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		return fmt.Errorf("clock skew: maxSkew must be positive, got %s", maxSkew)
	}
	if created.IsZero() {
		return fmt.Errorf("clock skew: timestamp is zero")
	}

	ahead := created.Sub(now)
	if ahead > maxSkew {
		log.WithFields(logger.Fields{
			"at":      "skew.ValidateFuture",
			"created": created.UTC().Format(time.RFC3339),
			"now":     now.UTC().Format(time.RFC3339),
			"skew":    ahead.String(),
			"max":     maxSkew.String(),
		}).Warn("timestamp too far in the future")
		return fmt.Errorf("clock skew: timestamp is %s in the future (max %s)", ahead, maxSkew)
	}
	return nil
}
