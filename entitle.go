package entitle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/ratelimit"
	"github.com/xraph/entitle/store"
)

// Engine resolves entitlements, meters usage and keeps the credits ledger.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	defaults plan.Defaults
	tier     cache.Tier
	limiter  ratelimit.Limiter
	tiers    *ratelimit.Tiers
	redis    *redis.Client

	// Config rebuilds
	breaker    *gobreaker.CircuitBreaker[*plan.ResolvedConfig]
	rebuilds   singleflight.Group
	refreshing sync.Map

	// Usage buffer
	usage     *usageBuffer
	recording sync.RWMutex
	flushRun  sync.Mutex

	// Background workers
	flushSignal chan struct{}
	stopChan    chan struct{}
	wg          sync.WaitGroup
	async       sync.WaitGroup
	scheduler   *cron.Cron
	started     atomic.Bool
	stopped     atomic.Bool
	stopOnce    sync.Once
}

// New creates an Engine over s. Unset collaborators default to in-process
// implementations: a local LRU config cache and a memory token-bucket limiter.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		plugins:     plugin.NewRegistry(),
		logger:      slog.Default(),
		config:      DefaultConfig(),
		now:         time.Now,
		usage:       newUsageBuffer(),
		flushSignal: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.config = e.config.withDefaults()
	if e.redis != nil {
		// Built after every option so the limiter sees the final logger and clock.
		if e.tier == nil {
			e.tier = cache.NewRedis(e.redis)
		}
		if e.limiter == nil {
			e.limiter = ratelimit.NewRedis(e.redis,
				ratelimit.WithClock(e.now),
				ratelimit.WithFailOpen(e.logger),
			)
		}
	}
	if e.tier == nil {
		e.tier = cache.NewLocal(e.config.CacheSize, e.config.CacheTTL+e.config.StaleWindow, cache.WithLocalClock(e.now))
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewMemory(e.now)
	}
	if e.tiers == nil {
		e.tiers = ratelimit.DefaultTiers()
	}
	e.breaker = e.newBreaker()

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithConfig replaces the engine tunables. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithDefaults sets the global default tier every tenant inherits.
func WithDefaults(d plan.Defaults) Option {
	return func(e *Engine) { e.defaults = d }
}

// WithCacheTier sets the resolved-config cache. Use a shared tier when more
// than one engine serves the same tenants.
func WithCacheTier(t cache.Tier) Option {
	return func(e *Engine) { e.tier = t }
}

// WithLimiter sets the rate limiter backing Allow.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithTiers sets the rate limit tier table.
func WithTiers(t *ratelimit.Tiers) Option {
	return func(e *Engine) { e.tiers = t }
}

// WithRedis shares client between the config cache and the rate limiter.
// An explicit WithCacheTier or WithLimiter takes precedence.
func WithRedis(client *redis.Client) Option {
	return func(e *Engine) { e.redis = client }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Plugins exposes the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle: migrate: %w", err)
	}

	e.plugins.EmitInit(ctx, e)

	e.scheduler = cron.New()
	if _, err := e.scheduler.AddFunc(e.config.MaintenanceSchedule, e.maintain); err != nil {
		return fmt.Errorf("entitle: maintenance schedule %q: %w", e.config.MaintenanceSchedule, err)
	}
	e.scheduler.Start()

	e.wg.Add(1)
	go e.meterFlushWorker()

	e.logger.Info("entitle started",
		"batch_size", e.config.MeterBatchSize,
		"flush_interval", e.config.MeterFlushInterval,
		"cache_ttl", e.config.CacheTTL,
		"stale_while_revalidate", e.config.StaleWhileRevalidate,
	)

	return nil
}

// Stop flushes buffered usage, waits for in-flight alerts and closes the store.
// Records arriving after Stop fail with ErrEngineStopped.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.recording.Lock()
		e.recording.Unlock() //nolint:staticcheck // waits out in-flight Record calls
		if e.scheduler != nil {
			<-e.scheduler.Stop().Done()
		}

		close(e.stopChan)
		e.wg.Wait()
		if !e.started.Load() {
			// No worker ran the final flush.
			if ferr := e.Flush(ctx); ferr != nil {
				e.logger.Error("final usage flush failed", "error", ferr)
			}
		}

		e.async.Wait()
		e.plugins.EmitShutdown(ctx)

		err = errors.Join(e.tier.Close(), e.store.Close())
	})
	return err
}

// Health pings the store and the cache tier.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("entitle: store: %w", err)
	}
	if err := e.tier.Ping(ctx); err != nil {
		return fmt.Errorf("entitle: cache: %w", err)
	}
	return nil
}

// goAsync runs fn in a goroutine Stop waits for. fn receives a context that
// outlives the caller's cancellation.
func (e *Engine) goAsync(ctx context.Context, fn func(ctx context.Context)) {
	e.async.Add(1)
	go func() {
		defer e.async.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// maintain purges expired idempotency keys and idle rate limit buckets.
func (e *Engine) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := e.now().Add(-e.config.DedupeTTL)
	purged, err := e.store.PurgeIdempotencyKeys(ctx, cutoff)
	if err != nil {
		e.logger.Error("purge idempotency keys failed", "error", err)
	}

	var buckets int
	if m, ok := e.limiter.(*ratelimit.Memory); ok {
		buckets = m.Cleanup(e.config.BucketIdleTTL)
	}

	e.logger.Debug("maintenance completed",
		"idempotency_keys_purged", purged,
		"buckets_evicted", buckets,
	)
}
