// Package extension provides the Forge extension adapter for entitle.
//
// It registers the *entitle.Engine in the Forge DI container and ties the
// engine's background workers to the application lifecycle.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.entitle" or "entitle" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "entitle"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Plan entitlements, usage metering and credits"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the entitle engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *entitle.Engine
	store      store.Store
	engineOpts []entitle.Option
}

// New creates a new entitle Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine. This is nil until Register is called.
func (e *Extension) Engine() *entitle.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// builds the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts(context.Background())
	if err != nil {
		return err
	}
	e.engine = entitle.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*entitle.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension]. Buffered usage is flushed first.
func (e *Extension) Stop(ctx context.Context) error {
	defer e.MarkStopped()
	if e.engine == nil {
		return nil
	}
	return e.engine.Stop(ctx)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: extension not initialized")
	}
	return e.engine.Health(ctx)
}

// engineConfig maps the extension config onto the engine tunables.
func (e *Extension) engineConfig() entitle.Config {
	cfg := entitle.DefaultConfig()
	cfg.CacheTTL = e.config.CacheTTL
	cfg.StaleWhileRevalidate = e.config.StaleWhileRevalidate
	cfg.StaleWindow = e.config.StaleWindow
	cfg.MeterBatchSize = e.config.MeterBatchSize
	cfg.MeterFlushInterval = e.config.MeterFlushInterval
	cfg.MeterBufferLimit = e.config.MeterBufferLimit
	cfg.FallbackPlanSlug = e.config.FallbackPlan
	cfg.WebhookSecret = e.config.WebhookSecret
	cfg.PriceToPlan = e.config.PriceToPlan
	cfg.RedisURL = e.config.RedisURL
	cfg.TiersFile = e.config.TiersFile
	return cfg
}

// buildEngineOpts constructs entitle.Option values from the resolved config.
// Pass-through options come last so they win.
func (e *Extension) buildEngineOpts(ctx context.Context) ([]entitle.Option, error) {
	cfg := e.engineConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	infra, err := cfg.Infrastructure(ctx)
	if err != nil {
		return nil, err
	}

	opts := make([]entitle.Option, 0, len(infra)+len(e.engineOpts)+1)
	opts = append(opts, entitle.WithConfig(cfg))
	opts = append(opts, infra...)
	opts = append(opts, e.engineOpts...)
	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("entitle: configuration is required but not found in config files; " +
				"ensure 'extensions.entitle' or 'entitle' key exists in your config")
		}
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("entitle: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("cache_ttl", e.config.CacheTTL),
		forge.F("stale_while_revalidate", e.config.StaleWhileRevalidate),
		forge.F("meter_batch_size", e.config.MeterBatchSize),
		forge.F("meter_flush_interval", e.config.MeterFlushInterval),
		forge.F("fallback_plan", e.config.FallbackPlan),
		forge.F("shared_cache", e.config.RedisURL != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.entitle", "entitle"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("entitle: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("entitle: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.StaleWindow == 0 {
		cfg.StaleWindow = defaults.StaleWindow
	}
	if cfg.MeterBatchSize == 0 {
		cfg.MeterBatchSize = defaults.MeterBatchSize
	}
	if cfg.MeterFlushInterval == 0 {
		cfg.MeterFlushInterval = defaults.MeterFlushInterval
	}
	if cfg.MeterBufferLimit == 0 {
		cfg.MeterBufferLimit = defaults.MeterBufferLimit
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML takes precedence; programmatic values fill gaps and bool flags
// override when true.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.StaleWhileRevalidate {
		yamlConfig.StaleWhileRevalidate = true
	}

	fillString := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fillString(&yamlConfig.FallbackPlan, programmaticConfig.FallbackPlan)
	fillString(&yamlConfig.WebhookSecret, programmaticConfig.WebhookSecret)
	fillString(&yamlConfig.RedisURL, programmaticConfig.RedisURL)
	fillString(&yamlConfig.TiersFile, programmaticConfig.TiersFile)

	if yamlConfig.CacheTTL == 0 {
		yamlConfig.CacheTTL = programmaticConfig.CacheTTL
	}
	if yamlConfig.StaleWindow == 0 {
		yamlConfig.StaleWindow = programmaticConfig.StaleWindow
	}
	if yamlConfig.MeterBatchSize == 0 {
		yamlConfig.MeterBatchSize = programmaticConfig.MeterBatchSize
	}
	if yamlConfig.MeterFlushInterval == 0 {
		yamlConfig.MeterFlushInterval = programmaticConfig.MeterFlushInterval
	}
	if yamlConfig.MeterBufferLimit == 0 {
		yamlConfig.MeterBufferLimit = programmaticConfig.MeterBufferLimit
	}
	if len(yamlConfig.PriceToPlan) == 0 {
		yamlConfig.PriceToPlan = programmaticConfig.PriceToPlan
	}

	return e.mergeWithDefaults(yamlConfig)
}
