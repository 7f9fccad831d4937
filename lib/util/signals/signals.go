// Package signals dispatches process signals to registered handlers.
//
// SIGHUP runs the reload handlers. SIGINT and SIGTERM first run the
// pre-shutdown handlers (bounded by the graceful timeout) and then the
// interrupt handlers. Handlers run in registration order and a panicking
// handler does not prevent the rest from running.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// sigChan is buffered to avoid missing signals delivered while no receiver is ready.
var sigChan = make(chan os.Signal, 1)

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration so it can be removed again.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// handlerList is an ordered set of handlers guarded by its own lock.
type handlerList struct {
	mu       sync.RWMutex
	name     string
	handlers []registeredHandler
}

var (
	idMu     sync.Mutex
	nextID   HandlerID
	stopOnce sync.Once

	reloaders    = &handlerList{name: "reload"}
	interrupters = &handlerList{name: "interrupt"}
	preShutdown  = &handlerList{name: "pre-shutdown"}
)

func allocID() HandlerID {
	idMu.Lock()
	defer idMu.Unlock()
	id := nextID
	nextID++
	return id
}

func (l *handlerList) add(f Handler) HandlerID {
	if f == nil {
		return -1
	}
	id := allocID()
	l.mu.Lock()
	l.handlers = append(l.handlers, registeredHandler{id: id, fn: f})
	l.mu.Unlock()
	return id
}

func (l *handlerList) remove(id HandlerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, h := range l.handlers {
		if h.id == id {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return
		}
	}
}

func (l *handlerList) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}

func (l *handlerList) reset() {
	l.mu.Lock()
	l.handlers = nil
	l.mu.Unlock()
}

func (l *handlerList) run() {
	l.mu.RLock()
	snapshot := make([]registeredHandler, len(l.handlers))
	copy(snapshot, l.handlers)
	l.mu.RUnlock()
	for _, h := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":      "signals.run",
						"handler": l.name,
						"panic":   r,
					}).Error("signal handler panicked")
				}
			}()
			h.fn()
		}()
	}
}

// RegisterReloadHandler registers a handler called on SIGHUP.
// Nil handlers are ignored and return -1.
func RegisterReloadHandler(f Handler) HandlerID { return reloaders.add(f) }

// DeregisterReloadHandler removes a reload handler by ID.
func DeregisterReloadHandler(id HandlerID) { reloaders.remove(id) }

// RegisterInterruptHandler registers a handler called on SIGINT/SIGTERM.
// Nil handlers are ignored and return -1.
func RegisterInterruptHandler(f Handler) HandlerID { return interrupters.add(f) }

// DeregisterInterruptHandler removes an interrupt handler by ID.
func DeregisterInterruptHandler(id HandlerID) { interrupters.remove(id) }

// RegisterPreShutdownHandler registers a handler that runs before the interrupt
// handlers, e.g. to flush outstanding relay publishes before the router closes
// its connections.
func RegisterPreShutdownHandler(f Handler) HandlerID { return preShutdown.add(f) }

// DeregisterPreShutdownHandler removes a pre-shutdown handler by ID.
func DeregisterPreShutdownHandler(id HandlerID) { preShutdown.remove(id) }

const defaultGracefulTimeout = 30 * time.Second

var (
	timeoutMu       sync.RWMutex
	gracefulTimeout = defaultGracefulTimeout
)

// SetGracefulTimeout bounds how long pre-shutdown handlers may run. Zero or
// negative values restore the 30 second default.
func SetGracefulTimeout(timeout time.Duration) {
	timeoutMu.Lock()
	defer timeoutMu.Unlock()
	if timeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
		return
	}
	gracefulTimeout = timeout
}

func currentGracefulTimeout() time.Duration {
	timeoutMu.RLock()
	defer timeoutMu.RUnlock()
	return gracefulTimeout
}

// handlePreShutdown reports whether the pre-shutdown handlers finished in time.
func handlePreShutdown() bool {
	if preShutdown.len() == 0 {
		return true
	}
	timeout := currentGracefulTimeout()
	done := make(chan struct{})
	go func() {
		defer close(done)
		preShutdown.run()
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithFields(logger.Fields{
			"at":      "signals.handlePreShutdown",
			"timeout": timeout,
		}).Warn("pre-shutdown handlers timed out")
		return false
	}
}

func handleReload() { reloaders.run() }

func handleInterrupted() {
	handlePreShutdown()
	interrupters.run()
}

// Handle blocks dispatching signals until StopHandle is called.
func Handle() {
	for sig := range sigChan {
		dispatch(sig)
	}
}

// StopHandle makes Handle return. Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
