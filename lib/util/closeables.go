package util

import (
	"io"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/oops"
)

type namedCloser struct {
	name string
	c    io.Closer
}

var (
	closeOnExit []namedCloser
	closeMutex  sync.Mutex
)

// RegisterCloser registers c under name to be closed during shutdown.
func RegisterCloser(name string, c io.Closer) {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	closeOnExit = append(closeOnExit, namedCloser{name: name, c: c})
	log.WithFields(logger.Fields{
		"at":    "util.RegisterCloser",
		"name":  name,
		"count": len(closeOnExit),
	}).Debug("registered closer")
}

// CloseAll closes the registered closers in reverse registration order and
// clears the list. Every closer runs even when an earlier one fails; the
// failures are returned together.
func CloseAll() error {
	closeMutex.Lock()
	pending := closeOnExit
	closeOnExit = nil
	closeMutex.Unlock()

	var errs *multierror.Error
	for i := len(pending) - 1; i >= 0; i-- {
		nc := pending[i]
		if err := nc.c.Close(); err != nil {
			log.WithFields(logger.Fields{
				"at":   "util.CloseAll",
				"name": nc.name,
			}).WithError(err).Warn("error closing resource")
			errs = multierror.Append(errs, oops.Wrapf(err, "closing %s", nc.name))
		}
	}
	log.WithFields(logger.Fields{
		"at":    "util.CloseAll",
		"count": len(pending),
	}).Debug("closers closed")
	return errs.ErrorOrNil()
}
