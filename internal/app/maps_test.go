package app

import (
	"context"
	"testing"
	"time"

	"chatdigest/internal/config"
	"chatdigest/internal/task/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}, GroupLog: "-100123"},
		Storage:  config.StorageConfig{Driver: "SQLite", Path: "./data/state.db"},
		Archive:  config.ArchiveConfig{Path: "./data/state.db", Retention: "720h"},
	}
}

func TestMapDefaults(t *testing.T) {
	cfg := baseConfig()

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultBusyTimeout, sc.BusyTimeout)

	ac, every, err := mapArchiveConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, ac.Retention)
	assert.Equal(t, defaultPruneEvery, every)

	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)

	off := false
	cfg.TaskEngine.Enabled = &off
	ec, err = mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.False(t, ec.Enabled)

	schc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultMinInterval, schc.MinInterval)

	gap, err := sendDelay(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultSendDelay, gap)

	assert.Equal(t, int64(-100123), logTarget(cfg))
	cfg.Telegram.GroupLog = "not-a-number"
	assert.Zero(t, logTarget(cfg))
}

func TestMapSummarizerTrimsBase(t *testing.T) {
	cfg := baseConfig()
	cfg.Summarizer = config.SummarizerConfig{APIBase: " https://llm.local/v1/ ", Timeout: "45s", BreakerTrip: -1}
	sc, err := mapSummarizerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://llm.local/v1", sc.APIBase)
	assert.Equal(t, 45*time.Second, sc.Timeout)
	assert.Equal(t, -1, sc.Breaker.Trip)
}

func TestValidateWiringRejectsBadReload(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, validateWiring(context.Background(), cfg))

	cfg.Digest.SendDelay = "soon"
	assert.ErrorContains(t, validateWiring(context.Background(), cfg), "digest.send_delay")

	cfg = baseConfig()
	cfg.Storage.Driver = "redis"
	assert.ErrorContains(t, validateWiring(context.Background(), cfg), "unknown storage.driver")
}

func TestLocationFallsBackToLocal(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, time.Local, location(cfg))
	cfg.Scheduler.Timezone = "UTC"
	assert.Equal(t, "UTC", location(cfg).String())
}
