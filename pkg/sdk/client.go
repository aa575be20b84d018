package sdk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/logging"
	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/crash"
	"github.com/nicktill/tinycount/pkg/sdk/delivery"
	"github.com/nicktill/tinycount/pkg/sdk/device"
	"github.com/nicktill/tinycount/pkg/sdk/event"
	"github.com/nicktill/tinycount/pkg/sdk/identity"
	"github.com/nicktill/tinycount/pkg/sdk/remoteconfig"
	"github.com/nicktill/tinycount/pkg/sdk/request"
	"github.com/nicktill/tinycount/pkg/sdk/transport"
	"github.com/nicktill/tinycount/pkg/storage"
	"github.com/nicktill/tinycount/pkg/storage/badger"
	"github.com/nicktill/tinycount/pkg/storage/memory"
)

// Usage errors
var (
	ErrAlreadyStarted = errors.New("client already started")
	ErrStopped        = errors.New("client stopped")
	ErrNoSession      = errors.New("no active session")
	ErrSessionActive  = errors.New("session already active")
	ErrEmptyDeviceID  = errors.New("device id cannot be empty")
)

// Client is the main tinycount SDK client. Feature calls only append to the
// store and request a tick; network I/O happens on the delivery goroutine.
type Client struct {
	config ClientConfig
	logger zerolog.Logger

	store     storage.Store
	ownsStore bool

	clock     *request.TimeSource
	builder   *request.Builder
	identity  *identity.Identity
	transport *transport.HTTPTransport
	scheduler *delivery.Scheduler
	events    *event.Queue
	timed     *event.Timer
	consent   *consent.Manager
	remote    *remoteconfig.Store
	crumbs    *crash.Breadcrumbs

	mu             sync.Mutex
	started        bool
	stopped        bool
	session        bool
	beginSent      bool
	lastDuration   time.Time
	lastView       string
	lastViewStart  time.Time
	firstView      bool
	ignoreCrawlers bool
	crawlers       []string
	threshold      int

	// background work such as delayed remote config fetches
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	c := &Client{
		config:         cfg,
		logger:         logging.Component(cfg.Logger, "sdk"),
		firstView:      true,
		ignoreCrawlers: cfg.IgnoreCrawlers,
		crawlers:       append([]string(nil), cfg.CrawlerNames...),
		threshold:      cfg.EventQueueThreshold,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	switch {
	case cfg.Store != nil:
		c.store = cfg.Store
	case cfg.DataDir != "":
		store, err := badger.New(badger.Config{Path: cfg.DataDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		c.store, c.ownsStore = store, true

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			store.StartGC(c.ctx, config.StorageGCInterval)
		}()
	default:
		c.store, c.ownsStore = memory.New(), true
	}

	c.clock = request.NewTimeSource(cfg.Clock)
	c.builder = request.NewBuilder(cfg.AppKey, c.clock)
	c.events = event.NewQueue(c.store, c.clock)
	c.timed = event.NewTimer(cfg.Clock)
	c.consent = consent.New(c.store, cfg.RequiresConsent, logging.Component(cfg.Logger, "consent"))
	c.remote = remoteconfig.NewStore(c.store)
	c.crumbs = crash.NewBreadcrumbs(0)

	c.transport = transport.NewHTTP(transport.Config{
		ServerURL: cfg.ServerURL,
		Headers:   cfg.Headers,
		Salt:      cfg.Salt,
		ForcePOST: cfg.ForcePOST,
		Client:    cfg.HTTPClient,
	})

	providers := map[identity.Type]identity.Provider{}
	if cfg.AdvertisingProvider != nil {
		providers[identity.AdvertisingID] = cfg.AdvertisingProvider
	}
	c.identity = identity.New(identity.Config{
		Store:     c.store,
		Providers: providers,
		Logger:    logging.Component(cfg.Logger, "identity"),
		Clock:     cfg.Clock,
		OnResolved: func(id string, t identity.Type) {
			// delivery pauses while unresolved
			if c.scheduler != nil {
				go c.scheduler.Tick()
			}
		},
	})

	worker := delivery.NewWorker(delivery.WorkerConfig{
		Queue:       c.store,
		Identity:    c.identity,
		Transport:   c.transport,
		Logger:      logging.Component(cfg.Logger, "delivery"),
		SkipCrawler: c.skipCrawler,
		Clock:       cfg.Clock,
	})
	c.scheduler = delivery.NewScheduler(delivery.SchedulerConfig{
		Queue:       c.store,
		Worker:      worker,
		Logger:      logging.Component(cfg.Logger, "scheduler"),
		Heartbeat:   cfg.HeartbeatInterval,
		OnHeartbeat: c.onHeartbeat,
		Clock:       cfg.Clock,
	})

	if err := c.identity.Initialize(context.Background(), cfg.DeviceIDType, cfg.DeviceID); err != nil {
		c.cancel()
		c.wg.Wait()
		_ = c.closeStore()
		return nil, fmt.Errorf("failed to initialize device identity: %w", err)
	}

	if len(cfg.Consent) > 0 {
		c.consent.Give(context.Background(), cfg.Consent...)
	}
	return c, nil
}

// Start activates consent, sends leftover crash dumps and starts the
// heartbeat.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.started = true
	c.mu.Unlock()

	pending, erase := c.consent.Activate(ctx)
	for _, values := range pending {
		if err := c.sendConsent(ctx, values); err != nil {
			return err
		}
	}
	if erase {
		if err := c.eraseLocation(ctx); err != nil {
			return err
		}
	}

	if c.config.CrashDumpDir != "" {
		c.sendCrashDumps(ctx)
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	c.scheduler.Tick()

	if c.config.RemoteConfigAutoUpdate && c.consent.AnyGiven(ctx) {
		c.updateRemoteConfigAsync(nil, nil, 0, nil)
	}

	c.logger.Info().Str("server", c.config.ServerURL).Msg("client started")
	return nil
}

// Stop queues any recorded events, stops delivery and releases the store.
// Requests still queued are delivered by the next process.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	var errs []error
	if err := c.FlushEvents(ctx); err != nil && !errors.Is(err, delivery.ErrStopped) {
		errs = append(errs, fmt.Errorf("failed to flush events: %w", err))
	}

	c.cancel()
	c.wg.Wait()

	if err := c.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop delivery: %w", err))
	}
	c.identity.Close()
	if err := c.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) closeStore() error {
	if !c.ownsStore {
		return nil
	}
	if err := c.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// onHeartbeat runs on every scheduler tick interval.
func (c *Client) onHeartbeat(ctx context.Context) {
	c.identity.Retry()

	c.mu.Lock()
	active := c.session
	c.mu.Unlock()
	if !active {
		return
	}

	if err := c.UpdateSession(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		c.logger.Warn().Err(err).Msg("failed to queue session update")
	}
	if err := c.FlushEvents(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to queue events")
	}
}

// enqueue stores a request and kicks delivery.
func (c *Client) enqueue(ctx context.Context, req string) error {
	if err := c.scheduler.EnqueueAndTick(ctx, req); err != nil {
		return fmt.Errorf("failed to queue request: %w", err)
	}
	return nil
}

// durationSinceLastLocked returns whole seconds since the last duration report
// and restarts the measurement. Callers hold c.mu.
func (c *Client) durationSinceLastLocked() int {
	now := c.config.Clock()
	if c.lastDuration.IsZero() {
		c.lastDuration = now
		return 0
	}
	d := now.Sub(c.lastDuration)
	c.lastDuration = now
	return int(math.Round(d.Seconds()))
}

// Tick asks the scheduler to deliver anything queued.
func (c *Client) Tick() {
	c.scheduler.Tick()
}

// PendingRequests returns a copy of the queued requests, oldest first.
func (c *Client) PendingRequests(ctx context.Context) ([]string, error) {
	return c.store.SnapshotAll(ctx)
}

// SetHTTPPostForced sends every request as a POST.
func (c *Client) SetHTTPPostForced(force bool) {
	c.transport.SetForcePOST(force)
}

// EnableParameterTamperingProtection adds a checksum of every request
// salted with salt.
func (c *Client) EnableParameterTamperingProtection(salt string) {
	c.transport.SetSalt(salt)
}

// SetEventQueueThreshold sets how many events are batched before sending.
func (c *Client) SetEventQueueThreshold(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	c.threshold = n
	c.mu.Unlock()
}

// SetShouldIgnoreCrawlers drops all traffic from known crawler devices.
func (c *Client) SetShouldIgnoreCrawlers(ignore bool) {
	c.mu.Lock()
	c.ignoreCrawlers = ignore
	c.mu.Unlock()
}

// AddCrawlerName adds a device name to the crawler list.
func (c *Client) AddCrawlerName(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.crawlers = append(c.crawlers, name)
	c.mu.Unlock()
}

// IsCrawler reports whether this device matches a known crawler name.
func (c *Client) IsCrawler() bool {
	c.mu.Lock()
	crawlers := append([]string(nil), c.crawlers...)
	c.mu.Unlock()

	name := c.config.Device.Metrics(context.Background())[device.KeyDevice]
	return device.IsCrawler(name, crawlers)
}

func (c *Client) skipCrawler() bool {
	c.mu.Lock()
	ignore := c.ignoreCrawlers
	c.mu.Unlock()
	return ignore && c.IsCrawler()
}
