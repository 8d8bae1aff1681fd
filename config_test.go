package entitle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/store/memory"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ENTITLE_CACHE_TTL", "30s")
	t.Setenv("ENTITLE_STALE_WHILE_REVALIDATE", "true")
	t.Setenv("ENTITLE_METER_BATCH_SIZE", "50")
	t.Setenv("ENTITLE_FALLBACK_PLAN", "free")
	t.Setenv("ENTITLE_PRICE_TO_PLAN", "price_pro:pro,price_team:team")

	cfg, err := entitle.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.True(t, cfg.StaleWhileRevalidate)
	assert.Equal(t, 50, cfg.MeterBatchSize)
	assert.Equal(t, 100_000, cfg.MeterBufferLimit)
	assert.Equal(t, "free", cfg.FallbackPlanSlug)
	assert.Equal(t, map[string]string{"price_pro": "pro", "price_team": "team"}, cfg.PriceToPlan)
}

func TestLoadConfigValidates(t *testing.T) {
	t.Setenv("ENTITLE_METER_BATCH_SIZE", "100")
	t.Setenv("ENTITLE_METER_BUFFER_LIMIT", "10")

	_, err := entitle.LoadConfig()
	assert.Error(t, err)
}

func TestWithConfigKeepsDefaults(t *testing.T) {
	e := entitle.New(memory.New(), entitle.WithConfig(entitle.Config{CacheTTL: time.Minute}))

	cfg := e.Config()
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, entitle.DefaultConfig().MeterBatchSize, cfg.MeterBatchSize)
	assert.Equal(t, entitle.DefaultConfig().MaintenanceSchedule, cfg.MaintenanceSchedule)
	require.NoError(t, cfg.Validate())
}
