package extension

import (
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// Option configures the entitle Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes an entitle.Option through to the underlying engine.
func WithEngineOption(opt entitle.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithCacheTTL sets how long resolved configs are served from cache.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.CacheTTL = d }
}

// WithMeterBatchSize sets the number of usage records to buffer before flushing.
func WithMeterBatchSize(size int) Option {
	return func(e *Extension) { e.config.MeterBatchSize = size }
}

// WithMeterFlushInterval sets how frequently the meter buffer is flushed.
func WithMeterFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.MeterFlushInterval = d }
}

// WithRedisURL shares the cache and rate limiter through Redis.
func WithRedisURL(url string) Option {
	return func(e *Extension) { e.config.RedisURL = url }
}

// WithWebhookSecret sets the Stripe webhook signing secret.
func WithWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.WebhookSecret = secret }
}
