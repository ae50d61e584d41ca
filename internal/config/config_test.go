package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "explicit missing config file should fail")

	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Scheduler.UpdateIntervalHours)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.Interval())
	assert.Equal(t, "google_shopping", cfg.Search.Engine)
	assert.Equal(t, "Mexico", cfg.Search.Location)
	assert.Equal(t, "google.com.mx", cfg.Search.GoogleDomain)
	assert.Equal(t, "mx", cfg.Search.Country)
	assert.Equal(t, "es", cfg.Search.Language)
	assert.Equal(t, 30*time.Second, cfg.Search.RequestTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 3.0, cfg.Anomaly.MADMultiplier)
	assert.Equal(t, 0.6, cfg.Anomaly.RelativeThreshold)
	assert.Equal(t, 3, cfg.Anomaly.MinSamples)
	assert.Equal(t, 70, cfg.Hotness.Threshold)
	assert.False(t, cfg.Hotness.ScoreFlagged)
	assert.False(t, cfg.Alerting.Enabled)
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("SERPAPI_API_KEY", "legacy-key")
	t.Setenv("DATABASE_URL", "postgres://legacy/db")
	t.Setenv("UPDATE_INTERVAL_HOURS", "12")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("TIMEOUT_SECONDS", "45")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "legacy-key", cfg.Search.APIKey)
	assert.Equal(t, "postgres://legacy/db", cfg.Database.DSN)
	assert.Equal(t, 12, cfg.Scheduler.UpdateIntervalHours)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Search.RequestTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Scheduler.UpdateIntervalHours = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Anomaly.RelativeThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Anomaly.MaxAbsolutePrice = cfg.Anomaly.MinAbsolutePrice
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Hotness.Threshold = 120
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Alerting.Telegram.Enabled = true
	assert.Error(t, cfg.Validate(), "telegram without credentials must fail validation")
}

func TestResolveMaxPoints(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, cfg.Export.MaxDataPoints, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 500, cfg.ResolveMaxPoints(500))
}
