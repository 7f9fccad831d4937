package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

const (
	writeWait = 10 * time.Second
	// largest relay frame accepted; an envelope carries at most one chunk
	maxFrameSize = 4 << 20
)

var (
	errConnClosed = errors.New("relay connection closed")
	errRejected   = errors.New("relay rejected envelope")
)

type publishResult struct {
	ok      bool
	message string
}

// conn is one websocket to one relay. Writes are serialized; reads happen
// only on the goroutine running run.
type conn struct {
	url          string
	ws           *websocket.Conn
	pingInterval time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan publishResult

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func dialRelay(ctx context.Context, dialer *websocket.Dialer, url string, pingInterval time.Duration) (*conn, error) {
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	log.WithFields(logger.Fields{
		"at":    "relay.dialRelay",
		"relay": url,
	}).Debug("connected to relay")
	return &conn{
		url:          url,
		ws:           ws,
		pingInterval: pingInterval,
		pending:      make(map[string]chan publishResult),
		done:         make(chan struct{}),
	}, nil
}

func (c *conn) write(v any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// publish sends the envelope and waits for the relay's OK.
func (c *conn) publish(ctx context.Context, e *Envelope, timeout time.Duration) error {
	result := make(chan publishResult, 1)
	c.pendingMu.Lock()
	c.pending[e.ID] = result
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, e.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(eventFrame(e)); err != nil {
		return fmt.Errorf("send to %s: %w", c.url, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-result:
		if !r.ok {
			return fmt.Errorf("%s: %w: %s", c.url, errRejected, r.message)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no acknowledgement within %s", c.url, timeout)
	case <-c.done:
		return fmt.Errorf("%s: %w", c.url, errConnClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) resolve(m *relayMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[m.EventID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- publishResult{ok: m.OK, message: m.Message}:
	default:
	}
}

// run reads frames until the connection fails or is closed. OK frames are
// matched to pending publishes; everything else goes to handle.
func (c *conn) run(handle func(*conn, *relayMessage)) error {
	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive()
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return errConnClosed
			}
			return err
		}
		if c.pingInterval > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		}
		m, err := parseRelayMessage(data)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":    "relay.conn.run",
				"relay": c.url,
			}).WithError(err).Debug("ignoring unparseable relay frame")
			continue
		}
		if m.Label == labelOK {
			c.resolve(m)
			continue
		}
		handle(c, m)
	}
}

func (c *conn) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				log.WithFields(logger.Fields{
					"at":    "relay.conn.keepalive",
					"relay": c.url,
				}).WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
