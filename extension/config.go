package extension

import "time"

// Config holds the entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableMigrate prevents auto-migration and background workers on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// CacheTTL bounds how long a resolved tenant config is served (default: 5m).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// StaleWhileRevalidate serves an expired config for up to StaleWindow
	// while it is rebuilt in the background.
	StaleWhileRevalidate bool          `json:"stale_while_revalidate" mapstructure:"stale_while_revalidate" yaml:"stale_while_revalidate"`
	StaleWindow          time.Duration `json:"stale_window" mapstructure:"stale_window" yaml:"stale_window"`

	// MeterBatchSize is the number of buffered usage records that triggers
	// a flush (default: 500).
	MeterBatchSize int `json:"meter_batch_size" mapstructure:"meter_batch_size" yaml:"meter_batch_size"`

	// MeterFlushInterval is how frequently the meter buffer is flushed
	// even if the batch size has not been reached (default: 5s).
	MeterFlushInterval time.Duration `json:"meter_flush_interval" mapstructure:"meter_flush_interval" yaml:"meter_flush_interval"`

	// MeterBufferLimit caps buffered records; Record fails beyond it.
	MeterBufferLimit int `json:"meter_buffer_limit" mapstructure:"meter_buffer_limit" yaml:"meter_buffer_limit"`

	// FallbackPlan is the slug tenants move to when their subscription ends.
	FallbackPlan string `json:"fallback_plan" mapstructure:"fallback_plan" yaml:"fallback_plan"`

	// WebhookSecret verifies Stripe webhook signatures.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// PriceToPlan maps Stripe price IDs to plan slugs.
	PriceToPlan map[string]string `json:"price_to_plan" mapstructure:"price_to_plan" yaml:"price_to_plan"`

	// RedisURL, when set, shares the config cache and rate limiter across
	// instances through Redis.
	RedisURL string `json:"redis_url" mapstructure:"redis_url" yaml:"redis_url"`

	// TiersFile is a YAML rate limit tier table.
	TiersFile string `json:"tiers_file" mapstructure:"tiers_file" yaml:"tiers_file"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with the engine defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:           5 * time.Minute,
		StaleWindow:        time.Minute,
		MeterBatchSize:     500,
		MeterFlushInterval: 5 * time.Second,
		MeterBufferLimit:   100_000,
	}
}
