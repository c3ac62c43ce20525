// Package bootstrap builds hone's components from a validated HoneConfig.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/hone/internal/broker"
	"github.com/dyluth/hone/internal/compute"
	"github.com/dyluth/hone/internal/config"
	"github.com/dyluth/hone/internal/handlers"
	"github.com/dyluth/hone/internal/importances"
	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/internal/optqueue"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/internal/sqlstore"
	"github.com/dyluth/hone/internal/sweeper"
	"github.com/dyluth/hone/pkg/experiment"
)

// App holds every long-lived component of a hone process.
type App struct {
	Config *config.HoneConfig
	Logger *slog.Logger

	Redis       *redis.Client
	Store       experiment.Store
	Queue       *queue.Service
	Tracking    *queue.TrackingService
	Adapter     optimize.ComputeAdapter
	Selector    *optimize.Selector
	Broker      *broker.Broker
	Importances *importances.Service
	OptQueue    *optqueue.Service
	Registry    *queue.Registry

	redisProviders []*queue.RedisProvider
	localProviders []*queue.LocalProvider
	closeStore     bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	redis   *redis.Client
	adapter optimize.ComputeAdapter
	clock   optimize.Clock
}

// WithRedis reuses an existing connection pool instead of dialing cfg.Redis.
func WithRedis(rdb *redis.Client) Option { return func(o *options) { o.redis = rdb } }

// WithAdapter overrides the compute adapter selected by cfg.Compute.
func WithAdapter(a optimize.ComputeAdapter) Option { return func(o *options) { o.adapter = a } }

// WithClock overrides the wall clock used by samplers and policies.
func WithClock(c optimize.Clock) Option { return func(o *options) { o.clock = c } }

// New wires the store, queues, samplers and handlers. Nothing is dialed
// until a component is used; call Warmup to wait for the transports.
func New(ctx context.Context, cfg *config.HoneConfig, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Logger: logger, Redis: o.redis}
	if app.Redis == nil {
		app.Redis = redis.NewClient(RedisOptions(cfg))
	}

	if err := app.openStore(ctx); err != nil {
		app.Close()
		return nil, err
	}

	adapter := o.adapter
	if adapter == nil {
		var err error
		if adapter, err = NewComputeAdapter(cfg); err != nil {
			app.Close()
			return nil, err
		}
	}
	app.Adapter = adapter

	app.Selector = optimize.NewSelector(optimize.Deps{
		Adapter:  adapter,
		Queued:   app.Store,
		Clock:    o.clock,
		Logger:   logger,
		Settings: OptimizeSettings(cfg),
	})
	app.Broker = broker.New(app.Store, app.Selector, broker.Settings{
		ForbidRandomFallback: cfg.Optimization.ForbidRandomFallback,
		RaiseSoftExceptions:  cfg.Optimization.RaiseSoftExceptions,
	})
	app.Importances = importances.NewService(app.Store, ImportancesSettings(cfg), o.clock)

	if err := app.buildQueue(); err != nil {
		app.Close()
		return nil, err
	}
	app.Tracking = queue.NewTrackingService(queue.NewRedisTracker(app.Redis, cfg.Redis.KeyPrefix), logger)

	app.Registry = queue.NewRegistry()
	handlers.Register(app.Registry, handlers.Config{
		Store:             app.Store,
		Selector:          app.Selector,
		Importances:       app.Importances,
		Email:             EmailConfig(cfg),
		QueuedSuggestions: cfg.Optimization.QueuedSuggestions,
	})

	app.OptQueue = optqueue.NewService(app.Queue, app.Importances, logger)

	if len(app.localProviders) > 0 {
		app.attachLocalWorkers()
	}
	return app, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case config.StoreSQLite:
		store, err := sqlstore.Open(ctx, a.Config.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.Store = store
		a.closeStore = true
	default:
		client, err := experiment.NewClientFromRedis(a.Redis, a.Config.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("failed to create experiment client: %w", err)
		}
		a.Store = client
	}
	return nil
}

func (a *App) buildQueue() error {
	cfg := a.Config
	names := QueueNames(cfg)

	var providers []queue.Provider
	for _, name := range distinctQueues(names) {
		switch cfg.Queue.Provider {
		case config.ProviderKafka:
			p, err := queue.NewKafkaProvider(name, queue.KafkaProviderOptions{
				Brokers:       cfg.Queue.Kafka.Brokers,
				ConsumerGroup: cfg.Queue.Kafka.ConsumerGroup,
				Logger:        a.Logger,
			})
			if err != nil {
				return err
			}
			providers = append(providers, p)
		case config.ProviderLocal:
			p := queue.NewLocalProvider(name, a.Logger)
			a.localProviders = append(a.localProviders, p)
			providers = append(providers, p)
		default:
			p, err := queue.NewRedisProvider(a.Redis, cfg.Redis.KeyPrefix, name, queue.RedisProviderOptions{
				VisibilityTimeout: cfg.Queue.VisibilityTimeout,
				Logger:            a.Logger,
			})
			if err != nil {
				return err
			}
			a.redisProviders = append(a.redisProviders, p)
			providers = append(providers, p)
		}
	}

	a.Queue = queue.NewService(names, providers,
		queue.WithDisabled(cfg.Queue.Disabled),
		queue.WithServiceLogger(a.Logger),
	)
	return nil
}

// attachLocalWorkers makes every local queue handle its messages inline.
func (a *App) attachLocalWorkers() {
	names := QueueNames(a.Config)
	accepts := make(map[string][]queue.MessageType)
	for _, t := range queue.MessageTypes {
		accepts[names.For(t)] = append(accepts[names.For(t)], t)
	}
	for _, p := range a.localProviders {
		w := queue.NewWorker(p, accepts[p.Queue()], a.Registry, a.Tracking, nil, a.WorkerOptions())
		p.SetDispatcher(w.Dispatcher())
	}
}

// WorkerOptions returns the per-worker settings from the queue section.
func (a *App) WorkerOptions() queue.WorkerOptions {
	return queue.WorkerOptions{
		HandlerTimeout: a.Config.Queue.HandlerTimeout,
		WaitTime:       a.Config.Queue.WaitTime,
		Logger:         a.Logger,
	}
}

// Pool builds the worker pool of one message group.
func (a *App) Pool(group queue.Group, lifecycle *queue.Lifecycle, worker queue.WorkerOptions) (*queue.Pool, error) {
	return queue.NewPool(queue.PoolConfig{
		Group:             group,
		Service:           a.Queue,
		Registry:          a.Registry,
		Tracking:          a.Tracking,
		Lifecycle:         lifecycle,
		ConsumersPerQueue: a.Config.Queue.ConsumersPerQueue,
		Worker:            worker,
	})
}

// GroupProviders returns the providers serving group.
func (a *App) GroupProviders(group queue.Group) ([]queue.Provider, error) {
	if err := group.Validate(); err != nil {
		return nil, err
	}
	var out []queue.Provider
	for _, name := range QueueNames(a.Config).ForGroup(group) {
		p, err := a.Queue.Provider(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Sweeper builds the in-flight sweeper over every queue. Redis queues also
// get their expired envelopes recovered.
func (a *App) Sweeper() (*sweeper.Sweeper, error) {
	recoverers := make([]sweeper.Recoverer, len(a.redisProviders))
	for i, p := range a.redisProviders {
		recoverers[i] = p
	}
	return sweeper.New(sweeper.Config{
		Schedule:       a.Config.Sweeper.Schedule,
		StaleThreshold: a.Config.Sweeper.StaleThreshold,
		Queues:         distinctQueues(QueueNames(a.Config)),
		Tracking:       a.Tracking,
		Recoverers:     recoverers,
		Logger:         a.Logger,
	})
}

// Warmup waits until every queue transport is reachable.
func (a *App) Warmup(ctx context.Context) error {
	for _, p := range a.Queue.Providers() {
		if err := p.Warmup(ctx); err != nil {
			return fmt.Errorf("queue %s is not reachable: %w", p.Queue(), err)
		}
	}
	return nil
}

// Ping checks the shared Redis.
func (a *App) Ping(ctx context.Context) error {
	return a.Redis.Ping(ctx).Err()
}

// Close releases the queues, the store and the Redis pool.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.closeStore && a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisOptions maps the redis section onto go-redis options.
func RedisOptions(cfg *config.HoneConfig) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// NewComputeAdapter returns the HTTP adapter for cfg.Compute.URL, or the
// seeded random adapter when no URL is configured.
func NewComputeAdapter(cfg *config.HoneConfig) (optimize.ComputeAdapter, error) {
	if cfg.Compute.URL == "" {
		return compute.NewRandomAdapter(cfg.Compute.Seed), nil
	}
	a, err := compute.NewHTTPAdapter(cfg.Compute.URL, compute.HTTPOptions{
		Timeout:           cfg.Compute.Timeout,
		RequestsPerSecond: cfg.Compute.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func OptimizeSettings(cfg *config.HoneConfig) optimize.Settings {
	o := cfg.Optimization
	return optimize.Settings{
		PaddingSuggestions:      o.PaddingSuggestions,
		MinSuccessesToComputeEI: o.MinSuccessesToComputeEI,
		HighDimensionThreshold:  o.HighDimensionThreshold,
		ComputeTimeout:          o.ComputeTimeout,
		QueuedFetchTimeout:      o.QueuedFetchTimeout,

		MaxCategoricalCombinations: o.MaxCategoricalCombinations,
	}
}

func ImportancesSettings(cfg *config.HoneConfig) importances.Settings {
	i := cfg.Importances
	return importances.Settings{
		Enabled:         i.Enabled,
		MinObservations: i.MinObservations,
		UpdateInterval:  i.UpdateInterval,
		GrowthFactor:    i.GrowthFactor,
	}
}

// QueueNames applies the configured overrides to the default queue names.
func QueueNames(cfg *config.HoneConfig) queue.QueueNames {
	names := queue.DefaultQueueNames()
	for t, name := range cfg.Queue.Names {
		names[queue.MessageType(t)] = name
	}
	return names
}

func EmailConfig(cfg *config.HoneConfig) handlers.EmailConfig {
	e := cfg.Email
	return handlers.EmailConfig{
		Host:     e.Host,
		Port:     e.Port,
		From:     e.From,
		Username: e.Username,
		Password: e.Password,
	}
}

// distinctQueues lists each queue once, in message-type order.
func distinctQueues(names queue.QueueNames) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range queue.MessageTypes {
		name := names.For(t)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
