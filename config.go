package entitle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/ratelimit"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "ENTITLE"

// Config holds the engine tunables. Zero values are replaced by the defaults
// in DefaultConfig when passed through WithConfig.
type Config struct {
	// Plan config cache.
	CacheTTL             time.Duration `envconfig:"CACHE_TTL" default:"5m" validate:"gt=0"`
	CacheSize            int           `envconfig:"CACHE_SIZE" default:"10000" validate:"gt=0"`
	StaleWhileRevalidate bool          `envconfig:"STALE_WHILE_REVALIDATE" default:"false"`
	StaleWindow          time.Duration `envconfig:"STALE_WINDOW" default:"1m" validate:"gte=0"`
	RebuildLockTTL       time.Duration `envconfig:"REBUILD_LOCK_TTL" default:"10s" validate:"gt=0"`
	RebuildLockWait      time.Duration `envconfig:"REBUILD_LOCK_WAIT" default:"2s" validate:"gte=0"`

	// Per-downstream timeouts.
	CatalogTimeout time.Duration `envconfig:"CATALOG_TIMEOUT" default:"2s" validate:"gt=0"`
	CacheTimeout   time.Duration `envconfig:"CACHE_TIMEOUT" default:"250ms" validate:"gt=0"`
	UsageTimeout   time.Duration `envconfig:"USAGE_TIMEOUT" default:"1s" validate:"gt=0"`
	CreditsTimeout time.Duration `envconfig:"CREDITS_TIMEOUT" default:"2s" validate:"gt=0"`

	// Circuit breaker around catalog rebuilds.
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5" validate:"gt=0"`
	BreakerCooldown time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s" validate:"gt=0"`

	// Usage meter.
	MeterFlushInterval time.Duration `envconfig:"METER_FLUSH_INTERVAL" default:"5s" validate:"gt=0"`
	MeterBatchSize     int           `envconfig:"METER_BATCH_SIZE" default:"500" validate:"gt=0"`
	MeterBufferLimit   int           `envconfig:"METER_BUFFER_LIMIT" default:"100000" validate:"gtefield=MeterBatchSize"`
	DedupeTTL          time.Duration `envconfig:"DEDUPE_TTL" default:"72h" validate:"gt=0"`

	// Bounded retries for idempotent operations.
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"25ms" validate:"gt=0"`
	RetryMaxElapsed      time.Duration `envconfig:"RETRY_MAX_ELAPSED" default:"2s" validate:"gt=0"`

	// Maintenance runs on a cron spec.
	MaintenanceSchedule string        `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 10m" validate:"required"`
	BucketIdleTTL       time.Duration `envconfig:"BUCKET_IDLE_TTL" default:"1h" validate:"gt=0"`

	// Subscription synchronisation.
	FallbackPlanSlug string            `envconfig:"FALLBACK_PLAN"`
	WebhookSecret    string            `envconfig:"STRIPE_WEBHOOK_SECRET"`
	PriceToPlan      map[string]string `envconfig:"PRICE_TO_PLAN"`

	// Optional shared infrastructure.
	RedisURL  string `envconfig:"REDIS_URL" validate:"omitempty,url"`
	TiersFile string `envconfig:"RATE_LIMIT_TIERS_FILE" validate:"omitempty,file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:             5 * time.Minute,
		CacheSize:            10_000,
		StaleWindow:          time.Minute,
		RebuildLockTTL:       10 * time.Second,
		RebuildLockWait:      2 * time.Second,
		CatalogTimeout:       2 * time.Second,
		CacheTimeout:         250 * time.Millisecond,
		UsageTimeout:         time.Second,
		CreditsTimeout:       2 * time.Second,
		BreakerFailures:      5,
		BreakerCooldown:      30 * time.Second,
		MeterFlushInterval:   5 * time.Second,
		MeterBatchSize:       500,
		MeterBufferLimit:     100_000,
		DedupeTTL:            72 * time.Hour,
		RetryInitialInterval: 25 * time.Millisecond,
		RetryMaxElapsed:      2 * time.Second,
		MaintenanceSchedule:  "@every 10m",
		BucketIdleTTL:        time.Hour,
	}
}

// LoadConfig reads ENTITLE_* environment variables over the defaults and
// validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("entitle: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("entitle: invalid config: %w", err)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	type durationDefault struct {
		dst *time.Duration
		def time.Duration
	}
	durations := []durationDefault{
		{&c.CacheTTL, d.CacheTTL},
		{&c.RebuildLockTTL, d.RebuildLockTTL},
		{&c.CatalogTimeout, d.CatalogTimeout},
		{&c.CacheTimeout, d.CacheTimeout},
		{&c.UsageTimeout, d.UsageTimeout},
		{&c.CreditsTimeout, d.CreditsTimeout},
		{&c.BreakerCooldown, d.BreakerCooldown},
		{&c.MeterFlushInterval, d.MeterFlushInterval},
		{&c.DedupeTTL, d.DedupeTTL},
		{&c.RetryInitialInterval, d.RetryInitialInterval},
		{&c.RetryMaxElapsed, d.RetryMaxElapsed},
		{&c.BucketIdleTTL, d.BucketIdleTTL},
	}
	for _, f := range durations {
		if *f.dst == 0 {
			*f.dst = f.def
		}
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.MeterBatchSize == 0 {
		c.MeterBatchSize = d.MeterBatchSize
	}
	if c.MeterBufferLimit == 0 {
		c.MeterBufferLimit = d.MeterBufferLimit
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = d.MaintenanceSchedule
	}
	return c
}

// Infrastructure dials RedisURL and loads TiersFile, returning the options
// that wire them into an engine. Empty fields contribute nothing.
func (c Config) Infrastructure(ctx context.Context) ([]Option, error) {
	var opts []Option
	if c.TiersFile != "" {
		f, err := os.Open(c.TiersFile)
		if err != nil {
			return nil, fmt.Errorf("entitle: open tiers file: %w", err)
		}
		tiers, err := ratelimit.LoadTiers(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTiers(tiers))
	}
	if c.RedisURL != "" {
		r, err := cache.NewRedisFromURL(ctx, c.RedisURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRedis(r.Client()))
	}
	return opts, nil
}
