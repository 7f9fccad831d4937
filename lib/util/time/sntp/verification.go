package sntp

import (
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/logger"
)

const (
	maxRTT            = 2 * time.Second  // Max acceptable round-trip time
	maxClockOffset    = 10 * time.Minute // Max correction we are willing to apply
	maxRootDispersion = 1 * time.Second  // Max acceptable root dispersion
	maxRootDelay      = 1 * time.Second  // Max acceptable root delay
)

// validateResponse checks leap indicator, stratum, timing metrics and root
// metrics of an SNTP response.
func validateResponse(server string, response *ntp.Response) bool {
	fields := logger.Fields{"at": "sntp.validateResponse", "server": server}
	switch {
	case response == nil:
		log.WithFields(fields).Debug("nil response")
		return false
	case response.Leap == ntp.LeapNotInSync:
		log.WithFields(fields).Debug("server clock not synchronized")
		return false
	case response.Stratum == 0 || response.Stratum > 15:
		log.WithFields(fields).WithField("stratum", response.Stratum).Debug("stratum out of range")
		return false
	case response.RTT < 0 || response.RTT > maxRTT:
		log.WithFields(fields).WithField("rtt", response.RTT).Debug("round-trip delay out of bounds")
		return false
	case absDuration(response.ClockOffset) > maxClockOffset:
		log.WithFields(fields).WithField("offset", response.ClockOffset).Debug("clock offset out of bounds")
		return false
	case response.Time.IsZero():
		log.WithFields(fields).Debug("zero time")
		return false
	case response.RootDispersion > maxRootDispersion || response.RootDelay > maxRootDelay:
		log.WithFields(fields).Debug("root metrics too high")
		return false
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
