package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/dlcdevkit/go-ddk/lib/metrics"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrRelayUnavailable is returned by Connect when no relay could be reached.
	ErrRelayUnavailable = errors.New("no relay reachable")
	// ErrPublishFailed is returned when no relay acknowledged an envelope.
	ErrPublishFailed = errors.New("publish failed on every relay")
	// ErrChannelClosed is returned by operations on a closed Channel.
	ErrChannelClosed = errors.New("relay channel closed")
)

// Config configures a Channel.
type Config struct {
	URLs           []string
	PublishTimeout time.Duration
	// envelopes per second, 0 disables limiting
	PublishRate   float64
	PublishBurst  int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// websocket ping period, 0 disables keepalive
	PingInterval time.Duration
	// nil uses websocket.DefaultDialer
	Dialer *websocket.Dialer
}

type relayState struct {
	url  string
	conn *conn // nil while disconnected
}

// Channel fans envelopes out to a set of relays and multiplexes their
// subscription streams.
type Channel struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu     sync.Mutex
	relays []*relayState
	subs    map[string]*Subscription
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel validates cfg and returns an unconnected Channel.
func NewChannel(cfg Config) (*Channel, error) {
	if len(cfg.URLs) == 0 {
		return nil, oops.Errorf("relay channel needs at least one relay url")
	}
	if cfg.PublishTimeout <= 0 {
		return nil, oops.Errorf("publish timeout must be positive")
	}
	if cfg.ReconnectBase <= 0 || cfg.ReconnectMax < cfg.ReconnectBase {
		return nil, oops.Errorf("invalid reconnect backoff %s..%s", cfg.ReconnectBase, cfg.ReconnectMax)
	}
	limit := rate.Inf
	burst := cfg.PublishBurst
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
		if burst < 1 {
			burst = 1
		}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:     cfg,
		dialer:  dialer,
		limiter: rate.NewLimiter(limit, burst),
		subs:    make(map[string]*Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, u := range cfg.URLs {
		c.relays = append(c.relays, &relayState{url: u})
	}
	return c, nil
}

// Connect dials every relay concurrently. It fails with ErrRelayUnavailable
// only when none can be reached; unreachable relays keep being retried in
// the background.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return oops.Errorf("relay channel already connected")
	}
	c.started = true
	relays := append([]*relayState(nil), c.relays...)
	c.mu.Unlock()

	conns := make([]*conn, len(relays))
	var (
		errMu sync.Mutex
		errs  *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range relays {
		g.Go(func() error {
			cn, err := dialRelay(gctx, c.dialer, r.url, c.cfg.PingInterval)
			if err != nil {
				errMu.Lock()
				errs = multierror.Append(errs, err)
				errMu.Unlock()
				return nil
			}
			conns[i] = cn
			return nil
		})
	}
	_ = g.Wait()

	// attach before returning so a Subscribe or Publish that follows
	// Connect sees every relay that answered
	connected := 0
	for i, r := range relays {
		if conns[i] != nil {
			if c.attach(r, conns[i], false) {
				connected++
			} else {
				conns[i] = nil
			}
		}
		c.wg.Add(1)
		go c.supervise(r, conns[i])
	}

	log.WithFields(logger.Fields{
		"at":        "relay.Channel.Connect",
		"connected": connected,
		"relays":    len(relays),
	}).Info("relay channel connected")

	if connected == 0 {
		return oops.Wrapf(ErrRelayUnavailable, "%v", errs.ErrorOrNil())
	}
	if errs != nil {
		log.WithError(errs).Warn("some relays are unreachable, retrying in background")
	}
	return nil
}

// Connected returns the number of relays with an open connection.
func (c *Channel) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.relays {
		if r.conn != nil {
			n++
		}
	}
	return n
}

// supervise owns one relay: it reads from the current connection and, once
// that fails, re-dials with backoff and replays every open subscription.
// cn, when not nil, is already attached.
func (c *Channel) supervise(r *relayState, cn *conn) {
	defer c.wg.Done()
	for {
		if cn == nil {
			cn = c.redial(r)
			if cn == nil {
				return
			}
			if !c.attach(r, cn, true) {
				return
			}
			metrics.RelayReconnects.WithLabelValues(r.url).Inc()
		}

		stop := make(chan struct{})
		go func(cn *conn) {
			select {
			case <-c.ctx.Done():
				cn.close()
			case <-stop:
			}
		}(cn)
		err := cn.run(c.handle)
		close(stop)
		c.detach(r, cn)
		cn.close()
		if c.ctx.Err() != nil {
			return
		}
		log.WithFields(logger.Fields{
			"at":     "relay.Channel.supervise",
			"relay":  r.url,
			"reason": "connection_lost",
		}).WithError(err).Warn("relay connection dropped, reconnecting")
		cn = nil
	}
}

func (c *Channel) redial(r *relayState) *conn {
	b := retry.WithCappedDuration(c.cfg.ReconnectMax, retry.NewExponential(c.cfg.ReconnectBase))

	var cn *conn
	attempt := 0
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		attempt++
		dialed, err := dialRelay(ctx, c.dialer, r.url, c.cfg.PingInterval)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":      "relay.Channel.redial",
				"relay":   r.url,
				"attempt": attempt,
			}).WithError(err).Debug("reconnect attempt failed")
			return retry.RetryableError(err)
		}
		cn = dialed
		return nil
	})
	if err != nil {
		return nil
	}
	if c.ctx.Err() != nil {
		cn.close()
		return nil
	}
	return cn
}

// attach publishes cn as the relay's connection and sends it every open
// subscription with its original filters. It closes cn and returns false
// once the channel is closed.
func (c *Channel) attach(r *relayState, cn *conn, reconnect bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.close()
		return false
	}
	r.conn = cn
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	metrics.RelaysConnected.Inc()

	for _, s := range subs {
		if err := cn.write(reqFrame(s.ID, s.Filters)); err != nil {
			log.WithFields(logger.Fields{
				"at":    "relay.Channel.attach",
				"relay": r.url,
				"sub":   s.ID,
			}).WithError(err).Warn("failed to resubscribe")
			continue
		}
		log.WithFields(logger.Fields{
			"at":        "relay.Channel.attach",
			"relay":     r.url,
			"sub":       s.ID,
			"reconnect": reconnect,
		}).Debug("subscription sent")
	}
	return true
}

func (c *Channel) detach(r *relayState, cn *conn) {
	c.mu.Lock()
	if r.conn == cn {
		r.conn = nil
	}
	c.mu.Unlock()
	metrics.RelaysConnected.Dec()
}

func (c *Channel) connections() []*conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*conn, 0, len(c.relays))
	for _, r := range c.relays {
		if r.conn != nil {
			out = append(out, r.conn)
		}
	}
	return out
}

// handle routes a non-OK frame from a relay.
func (c *Channel) handle(cn *conn, m *relayMessage) {
	switch m.Label {
	case labelEvent:
		c.mu.Lock()
		s := c.subs[m.SubID]
		c.mu.Unlock()
		if s == nil {
			return
		}
		if err := m.Event.Verify(); err != nil {
			log.WithFields(logger.Fields{
				"at":    "relay.Channel.handle",
				"relay": cn.url,
				"id":    m.Event.ID,
			}).WithError(err).Warn("dropping envelope with invalid signature")
			return
		}
		if !MatchesAny(s.Filters, m.Event) {
			log.WithFields(logger.Fields{
				"at":    "relay.Channel.handle",
				"relay": cn.url,
				"id":    m.Event.ID,
			}).Debug("dropping envelope outside subscription filters")
			return
		}
		s.deliver(m.Event)
	case labelEOSE:
		log.WithFields(logger.Fields{
			"at":    "relay.Channel.handle",
			"relay": cn.url,
			"sub":   m.SubID,
		}).Debug("end of stored events")
	case labelClosed:
		log.WithFields(logger.Fields{
			"at":      "relay.Channel.handle",
			"relay":   cn.url,
			"sub":     m.SubID,
			"message": m.Message,
		}).Warn("relay closed subscription")
	case labelNotice:
		log.WithFields(logger.Fields{
			"at":      "relay.Channel.handle",
			"relay":   cn.url,
			"message": m.Message,
		}).Info("relay notice")
	}
}

// Publish sends a signed envelope to every connected relay and waits for
// their acknowledgements. It succeeds if at least one relay accepted it.
func (c *Channel) Publish(ctx context.Context, e *Envelope) error {
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	if e.ID == "" || e.Sig == "" {
		return oops.Errorf("envelope must be signed before publishing")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return oops.Wrapf(err, "waiting for publish rate limiter")
	}

	conns := c.connections()
	if len(conns) == 0 {
		return oops.Wrapf(ErrPublishFailed, "no relay connected")
	}

	var (
		mu       sync.Mutex
		errs     *multierror.Error
		accepted int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, cn := range conns {
		g.Go(func() error {
			err := cn.publish(gctx, e, c.cfg.PublishTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				metrics.PublishFailures.WithLabelValues(cn.url).Inc()
				return nil
			}
			accepted++
			return nil
		})
	}
	_ = g.Wait()

	fields := logger.Fields{
		"at":       "relay.Channel.Publish",
		"id":       e.ID,
		"kind":     e.Kind.String(),
		"accepted": accepted,
		"relays":   len(conns),
	}
	if accepted == 0 {
		log.WithFields(fields).WithError(errs).Error("no relay accepted envelope")
		return oops.Wrapf(ErrPublishFailed, "%v", errs.ErrorOrNil())
	}
	if errs != nil {
		log.WithFields(fields).WithError(errs).Warn("some relays did not accept envelope")
	} else {
		log.WithFields(fields).Debug("published envelope")
	}
	metrics.EnvelopesPublished.WithLabelValues(e.Kind.String()).Inc()
	return nil
}

// Subscribe opens a subscription with the given filters on every relay.
// Relays that are currently disconnected receive it when they reconnect.
func (c *Channel) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, oops.Errorf("subscribe needs at least one filter")
	}
	id, err := newSubscriptionID()
	if err != nil {
		return nil, err
	}
	s := newSubscription(c, id, filters)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.subs[id] = s
	conns := make([]*conn, 0, len(c.relays))
	for _, r := range c.relays {
		if r.conn != nil {
			conns = append(conns, r.conn)
		}
	}
	c.mu.Unlock()

	sent := 0
	for _, cn := range conns {
		if ctx.Err() != nil {
			break
		}
		if err := cn.write(reqFrame(id, filters)); err != nil {
			log.WithFields(logger.Fields{
				"at":    "relay.Channel.Subscribe",
				"relay": cn.url,
				"sub":   id,
			}).WithError(err).Warn("failed to send subscription")
			continue
		}
		sent++
	}
	log.WithFields(logger.Fields{
		"at":      "relay.Channel.Subscribe",
		"sub":     id,
		"filters": len(filters),
		"relays":  sent,
	}).Debug("subscription opened")
	return s, nil
}

func (c *Channel) unsubscribe(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s.ID)
	c.mu.Unlock()
	for _, cn := range c.connections() {
		_ = cn.write(closeFrame(s.ID))
	}
}

// Close closes every subscription and relay connection and waits for the
// background goroutines to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	c.cancel()
	for _, cn := range c.connections() {
		cn.close()
	}
	c.wg.Wait()
	log.WithField("at", "relay.Channel.Close").Debug("relay channel closed")
	return nil
}

func newSubscriptionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Wrapf(err, "generating subscription id")
	}
	return hex.EncodeToString(b), nil
}
