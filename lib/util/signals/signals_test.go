package signals

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHandlers(t *testing.T) {
	t.Helper()
	reloaders.reset()
	interrupters.reset()
	preShutdown.reset()
	SetGracefulTimeout(0)
	t.Cleanup(func() {
		reloaders.reset()
		interrupters.reset()
		preShutdown.reset()
		SetGracefulTimeout(0)
	})
}

func TestReloadHandlersRunInOrder(t *testing.T) {
	resetHandlers(t)
	var order []int
	RegisterReloadHandler(func() { order = append(order, 1) })
	RegisterReloadHandler(func() { order = append(order, 2) })

	handleReload()
	assert.Equal(t, []int{1, 2}, order)
}

func TestNilHandlerIgnored(t *testing.T) {
	resetHandlers(t)
	assert.Equal(t, HandlerID(-1), RegisterInterruptHandler(nil))
	assert.Equal(t, 0, interrupters.len())
}

func TestDeregister(t *testing.T) {
	resetHandlers(t)
	called := false
	id := RegisterInterruptHandler(func() { called = true })
	DeregisterInterruptHandler(id)
	DeregisterInterruptHandler(HandlerID(9999))

	handleInterrupted()
	assert.False(t, called)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	resetHandlers(t)
	called := false
	RegisterInterruptHandler(func() { panic("boom") })
	RegisterInterruptHandler(func() { called = true })

	require.NotPanics(t, handleInterrupted)
	assert.True(t, called)
}

func TestPreShutdownRunsBeforeInterrupt(t *testing.T) {
	resetHandlers(t)
	var mu sync.Mutex
	var order []string
	RegisterInterruptHandler(func() {
		mu.Lock()
		order = append(order, "interrupt")
		mu.Unlock()
	})
	RegisterPreShutdownHandler(func() {
		mu.Lock()
		order = append(order, "pre")
		mu.Unlock()
	})

	handleInterrupted()
	assert.Equal(t, []string{"pre", "interrupt"}, order)
}

func TestPreShutdownTimeout(t *testing.T) {
	resetHandlers(t)
	SetGracefulTimeout(20 * time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	RegisterPreShutdownHandler(func() { <-block })

	start := time.Now()
	assert.False(t, handlePreShutdown())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSetGracefulTimeoutDefaults(t *testing.T) {
	resetHandlers(t)
	SetGracefulTimeout(-time.Second)
	assert.Equal(t, defaultGracefulTimeout, currentGracefulTimeout())
	SetGracefulTimeout(time.Second)
	assert.Equal(t, time.Second, currentGracefulTimeout())
}
