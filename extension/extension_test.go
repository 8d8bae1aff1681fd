package extension

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeConfigurations(t *testing.T) {
	e := New()

	yamlCfg := Config{MeterBatchSize: 50, FallbackPlan: "free"}
	programmatic := Config{
		DisableMigrate: true,
		MeterBatchSize: 10,
		FallbackPlan:   "starter",
		WebhookSecret:  "whsec_test",
		CacheTTL:       time.Minute,
	}

	got := e.mergeConfigurations(yamlCfg, programmatic)
	assert.True(t, got.DisableMigrate)
	assert.Equal(t, 50, got.MeterBatchSize)
	assert.Equal(t, "free", got.FallbackPlan)
	assert.Equal(t, "whsec_test", got.WebhookSecret)
	assert.Equal(t, time.Minute, got.CacheTTL)
	assert.Equal(t, DefaultConfig().MeterFlushInterval, got.MeterFlushInterval)
	assert.Equal(t, DefaultConfig().MeterBufferLimit, got.MeterBufferLimit)
}

func TestBuildEngineOpts(t *testing.T) {
	dir := t.TempDir()
	tiers := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(tiers, []byte("tiers:\n  pro:\n    capacity: 10\n    refill_rate: 5\n"), 0o600))

	e := New(WithConfig(DefaultConfig()), WithMeterBatchSize(20))
	e.config.TiersFile = tiers

	cfg := e.engineConfig()
	assert.Equal(t, 20, cfg.MeterBatchSize)
	assert.Equal(t, tiers, cfg.TiersFile)

	opts, err := e.buildEngineOpts(context.Background())
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	e.config.TiersFile = filepath.Join(dir, "missing.yaml")
	_, err = e.buildEngineOpts(context.Background())
	assert.Error(t, err)
}
