package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dlcdevkit/go-ddk/lib/chain"
	"github.com/dlcdevkit/go-ddk/lib/config"
	"github.com/dlcdevkit/go-ddk/lib/dlc"
	"github.com/dlcdevkit/go-ddk/lib/keys"
	"github.com/dlcdevkit/go-ddk/lib/metrics"
	"github.com/dlcdevkit/go-ddk/lib/oracle"
	"github.com/dlcdevkit/go-ddk/lib/relay"
	"github.com/dlcdevkit/go-ddk/lib/segment"
	"github.com/dlcdevkit/go-ddk/lib/util/time/monotonic"
	"github.com/dlcdevkit/go-ddk/lib/util/time/sntp"
	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"go.uber.org/atomic"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrAlreadyRunning is returned by Start on a running router.
	ErrAlreadyRunning = errors.New("router already running")
	// ErrRouterClosed is returned by Start after Close.
	ErrRouterClosed = errors.New("router closed")
)

const (
	minSweepInterval = time.Second
	pingInterval     = 30 * time.Second
)

// Router is one transport instance bound to one wallet identity.
type Router struct {
	cfg      *config.RouterConfig
	identity *keys.Identity

	engine  dlc.ContractEngine
	chain   dlc.Blockchain
	syncer  dlc.WalletSyncer
	clock   Clock
	ntp     sntp.NTPClient
	stamper *sntp.Timestamper

	channel       *relay.Channel
	reassembler   *segment.Reassembler
	messageRouter *MessageRouter

	// guards everything below
	runMux    sync.Mutex
	running   atomic.Bool
	closed    bool
	connected bool
	since     time.Time
	sub       *relay.Subscription
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeChnl chan struct{}
}

// Option customizes a Router built by CreateRouter.
type Option func(*Router)

// WithEngine sets the contract engine. The default is a LoggingEngine.
func WithEngine(e dlc.ContractEngine) Option {
	return func(r *Router) { r.engine = e }
}

// WithBlockchain sets the chain backend. The default is an Esplora client
// for Chain.EsploraURL, or none when the URL is empty.
func WithBlockchain(b dlc.Blockchain) Option {
	return func(r *Router) { r.chain = b }
}

// WithWalletSyncer sets the syncer driven by the chain sync ticker.
func WithWalletSyncer(s dlc.WalletSyncer) Option {
	return func(r *Router) { r.syncer = s }
}

// WithClock replaces the envelope clock. NTP correction is not applied to
// a replaced clock.
func WithClock(c Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithNTPClient sets the client used by the NTP timestamper.
func WithNTPClient(c sntp.NTPClient) Option {
	return func(r *Router) { r.ntp = c }
}

// CreateRouter loads or creates the wallet identity and builds an idle
// router. A corrupt key file is fatal.
func CreateRouter(cfg *config.RouterConfig, opts ...Option) (*Router, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":     "router.CreateRouter",
		"wallet": cfg.WalletName,
	}).Debug("creating router")

	r := &Router{cfg: cfg, closeChnl: make(chan struct{})}
	close(r.closeChnl)
	for _, opt := range opts {
		opt(r)
	}

	if err := initializeIdentity(r); err != nil {
		return nil, err
	}
	initializeClock(r)
	initializeCollaborators(r)

	if err := initializeTransport(r); err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{
		"at":      "router.CreateRouter",
		"wallet":  cfg.WalletName,
		"keys":    cfg.IdentityDir(),
		"address": r.identity.Address(),
		"relays":  len(cfg.Relay.URLs),
	}).Info("router created")
	return r, nil
}

func initializeIdentity(r *Router) error {
	id, err := keys.LoadOrCreate(r.cfg.BaseDir, r.cfg.WalletName)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":   "router.initializeIdentity",
			"keys": r.cfg.IdentityDir(),
		}).WithError(err).Error("failed to load identity")
		return err
	}
	r.identity = id
	return nil
}

func initializeClock(r *Router) {
	if r.clock != nil {
		return
	}
	clock := monotonic.NewClock()
	r.clock = clock
	if r.cfg.NTP != nil && r.cfg.NTP.Enabled {
		r.stamper = sntp.NewTimestamper(r.ntp, r.cfg.NTP.Servers, r.cfg.NTP.QueryInterval)
		r.stamper.AddListener(clock)
	}
}

func initializeCollaborators(r *Router) {
	if r.engine == nil {
		r.engine = dlc.NewLoggingEngine(nil)
	}
	if r.chain == nil && r.cfg.Chain.EsploraURL != "" {
		r.chain = chain.NewEsploraClient(r.cfg.Chain.EsploraURL)
	}
}

func initializeTransport(r *Router) error {
	rc := r.cfg.Relay
	channel, err := relay.NewChannel(relay.Config{
		URLs:           rc.URLs,
		PublishTimeout: rc.PublishTimeout,
		PublishRate:    rc.PublishRate,
		PublishBurst:   rc.PublishBurst,
		ReconnectBase:  rc.ReconnectBase,
		ReconnectMax:   rc.ReconnectMax,
		PingInterval:   pingInterval,
	})
	if err != nil {
		return err
	}
	reassembler, err := segment.NewReassembler(segment.Config{
		Timeout:            r.cfg.Reassembly.Timeout,
		MaxPending:         r.cfg.Reassembly.MaxPending,
		CompletedCacheSize: r.cfg.Reassembly.CompletedCacheSize,
		MaxChunkSize:       max(r.cfg.Relay.MaxChunkSize, segment.DefaultMaxChunkSize),
		MaxBufferBytes:     r.cfg.Reassembly.MaxBufferBytes,
		Now:                r.clock.Now,
	})
	if err != nil {
		return err
	}
	mr, err := NewMessageRouter(MessageRouterConfig{
		Identity:      r.identity,
		Engine:        r.engine,
		Publisher:     channel,
		Reassembler:   reassembler,
		MaxChunkSize:  rc.MaxChunkSize,
		SeenCacheSize: r.cfg.Reassembly.SeenCacheSize,
		Clock:         r.clock,
	})
	if err != nil {
		return err
	}
	r.channel = channel
	r.reassembler = reassembler
	r.messageRouter = mr
	return nil
}

// Filters returns the subscription filters of the identity self: negotiation
// envelopes addressed to self, and every oracle envelope, both from since on.
func Filters(self string, since time.Time) []relay.Filter {
	return []relay.Filter{
		{
			Kinds:      []relay.Kind{relay.KindNegotiation},
			Since:      since.Unix(),
			Recipients: []string{self},
		},
		{
			Kinds: []relay.Kind{relay.KindOracleAnnouncement, relay.KindOracleAttestation},
			Since: since.Unix(),
		},
	}
}

// Start connects to the relays, subscribes and starts the listener and the
// background tickers. Failing to reach any relay is fatal. The subscription
// start time is taken on the first Start and reused by later ones.
func (r *Router) Start(ctx context.Context) error {
	r.runMux.Lock()
	defer r.runMux.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if r.running.Load() {
		log.WithFields(logger.Fields{
			"at":     "(Router) Start",
			"reason": "router is already running",
		}).Error("Error Starting router")
		return ErrAlreadyRunning
	}
	log.Debug("Starting router")

	if !r.connected {
		if r.stamper != nil {
			r.stamper.Start()
		}
		if err := r.channel.Connect(ctx); err != nil {
			log.WithError(err).Error("failed to connect to relays")
			return err
		}
		r.connected = true
		r.since = r.clock.Now()
	}

	sub, err := r.channel.Subscribe(ctx, Filters(r.identity.Address(), r.since)...)
	if err != nil {
		return oops.Wrapf(err, "subscribing to relays")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.sub = sub
	r.cancel = cancel
	r.closeChnl = make(chan struct{})
	r.running.Store(true)

	r.loops.Add(2)
	go r.listen(runCtx, sub)
	go r.sweepLoop(runCtx)
	if r.syncer != nil || r.chain != nil {
		r.loops.Add(1)
		go r.syncLoop(runCtx)
	}
	if r.cfg.Metrics != nil && r.cfg.Metrics.Address != "" {
		if err := r.serveMetrics(runCtx, r.cfg.Metrics.Address); err != nil {
			log.WithError(err).Warn("metrics endpoint disabled")
		}
	}

	log.WithFields(logger.Fields{
		"at":      "(Router) Start",
		"address": r.identity.Address(),
		"since":   r.since.Unix(),
		"relays":  r.channel.Connected(),
	}).Info("router started")
	return nil
}

func (r *Router) serveMetrics(ctx context.Context, addr string) error {
	srv, err := metrics.Listen(addr)
	if err != nil {
		return err
	}
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		if err := srv.Serve(ctx); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}

// listen is the only consumer of the subscription. It returns when the
// subscription is closed.
func (r *Router) listen(ctx context.Context, sub *relay.Subscription) {
	defer r.loops.Done()
	for env := range sub.Events() {
		_ = r.messageRouter.HandleEnvelope(ctx, env)
	}
	log.WithField("at", "(Router) listen").Debug("subscription closed, listener exiting")
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer r.loops.Done()
	interval := r.cfg.Reassembly.Timeout / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.reassembler.Sweep(r.clock.Now()); n > 0 {
				metrics.SegmentsStale.Add(float64(n))
			}
		}
	}
}

// syncLoop drives the wallet syncer and polls the chain tip. It never
// touches negotiation state.
func (r *Router) syncLoop(ctx context.Context) {
	defer r.loops.Done()
	ticker := time.NewTicker(r.cfg.Chain.SyncInterval)
	defer ticker.Stop()
	for {
		r.syncOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Router) syncOnce(ctx context.Context) {
	if r.syncer != nil {
		if err := r.syncer.Sync(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(logger.Fields{
				"at":     "(Router) syncOnce",
				"reason": "wallet sync failed",
			}).WithError(err).Warn("wallet sync failed")
		}
	}
	if r.chain != nil {
		height, err := r.chain.GetTipHeight(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("failed to fetch chain tip")
			}
			return
		}
		log.WithField("height", height).Debug("chain tip")
	}
}

// Stop closes the subscription and stops the listener and tickers.
// Incomplete reassembly buffers are dropped. Relay connections stay open
// for a later Start.
func (r *Router) Stop() {
	log.Debug("Stopping router")
	r.runMux.Lock()
	defer r.runMux.Unlock()
	r.stopLocked()
}

func (r *Router) stopLocked() {
	if !r.running.Load() {
		log.Debug("Router already stopped")
		return
	}
	r.running.Store(false)
	_ = r.sub.Close()
	r.cancel()
	r.loops.Wait()
	r.messageRouter.WaitReplies()
	r.reassembler.Reset()
	close(r.closeChnl)
	log.Debug("Router stop signal sent")
}

// Wait blocks until the router is stopped.
func (r *Router) Wait() {
	log.Debug("Waiting for router to stop")
	r.runMux.Lock()
	done := r.closeChnl
	r.runMux.Unlock()
	<-done
	log.Debug("Router has stopped")
}

// Close stops the router and releases the relay connections and the NTP
// timestamper. A closed router cannot be started again.
func (r *Router) Close() error {
	r.runMux.Lock()
	defer r.runMux.Unlock()
	if r.closed {
		return nil
	}
	r.stopLocked()
	r.closed = true
	if r.stamper != nil {
		r.stamper.Stop()
	}
	err := r.channel.Close()
	log.WithField("at", "(Router) Close").Debug("router closed")
	return err
}

// Running reports whether the listener is active.
func (r *Router) Running() bool {
	return r.running.Load()
}

// Send delivers msg to recipient as a fresh, unthreaded message. It blocks
// until a relay acknowledges every envelope or the publish timeout passes.
func (r *Router) Send(ctx context.Context, recipient string, msg *wire.NegotiationPayload) error {
	_, err := r.messageRouter.Send(ctx, recipient, msg, "")
	return err
}

// PublishOracleAnnouncement broadcasts ann as a plaintext announcement envelope.
func (r *Router) PublishOracleAnnouncement(ctx context.Context, ann *oracle.Announcement) (*relay.Envelope, error) {
	if err := ann.Verify(); err != nil {
		return nil, err
	}
	b, err := ann.Bytes()
	if err != nil {
		return nil, err
	}
	return r.messageRouter.PublishOracle(ctx, relay.KindOracleAnnouncement, b)
}

// PublishOracleAttestation broadcasts att as a plaintext attestation envelope.
func (r *Router) PublishOracleAttestation(ctx context.Context, att *oracle.Attestation) (*relay.Envelope, error) {
	if err := att.Verify(); err != nil {
		return nil, err
	}
	b, err := att.Bytes()
	if err != nil {
		return nil, err
	}
	return r.messageRouter.PublishOracle(ctx, relay.KindOracleAttestation, b)
}

// Address returns the hex x-only public key other parties send to.
func (r *Router) Address() string {
	return r.identity.Address()
}

// Since returns the subscription start time, zero before the first Start.
func (r *Router) Since() time.Time {
	r.runMux.Lock()
	defer r.runMux.Unlock()
	return r.since
}

// Engine returns the contract engine.
func (r *Router) Engine() dlc.ContractEngine {
	return r.engine
}

// Blockchain returns the chain backend, nil when none is configured.
func (r *Router) Blockchain() dlc.Blockchain {
	return r.chain
}
