package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatdigest/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "telegram": {"token": "t", "owner_user_ids": [42]},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/state.db"},
  "archive": {"path": "./data/state.db", "retention": "720h"},
  "scheduler": {"min_interval": "1h", "timezone": "UTC"}
}`

const validYAML = `
telegram:
  token: ${CHATDIGEST_TEST_TOKEN}
  owner_user_ids: [42, 43]
logging:
  level: debug
storage:
  driver: file
  path: ./data
archive:
  path: ./data/archive.db
summarizer:
  api_key: ${CHATDIGEST_TEST_KEY}
  temperature: 0.3
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadJSON(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "t", cfg.Telegram.Token)
	assert.True(t, cfg.IsOwner(42))
	assert.False(t, cfg.IsOwner(7))
	assert.Same(t, cfg, m.Get())
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("CHATDIGEST_TEST_TOKEN", "from-env")
	t.Setenv("CHATDIGEST_TEST_KEY", "sk-$ecret")

	cfg, err := NewConfigManager(writeFile(t, "config.yaml", validYAML)).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "sk-$ecret", cfg.Summarizer.APIKey)
	assert.Equal(t, []int64{42, 43}, cfg.Telegram.OwnerUserIDs)
	assert.InDelta(t, 0.3, cfg.Summarizer.Temperature, 1e-9)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"telegram":{"tokn":"x"}}`))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("pprof:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "unknown field")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Decode("c.json", []byte(validJSON))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, base().Validate())

	cases := map[string]struct {
		mut  func(c *Config)
		want string
	}{
		"no token":       {func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		"no owners":      {func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids"},
		"bad group log":  {func(c *Config) { c.Telegram.GroupLog = "@chan" }, "group_log"},
		"bad driver":     {func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		"surreal no url": {func(c *Config) { c.Storage.Driver = "surrealdb" }, "surreal.endpoint"},
		"bad duration":   {func(c *Config) { c.Archive.Retention = "1 month" }, "archive.retention"},
		"negative":       {func(c *Config) { c.Digest.SendDelay = "-1s" }, "digest.send_delay"},
		"bad timezone":   {func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		"temperature":    {func(c *Config) { c.Summarizer.Temperature = 3 }, "temperature"},
		"workers":        {func(c *Config) { c.TaskEngine.Workers = -1 }, "task_engine"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			tc.mut(c)
			assert.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("x", "soon", time.Hour)
	assert.ErrorContains(t, err, "x: invalid duration")
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a, err := Decode("c.json", []byte(validJSON))
	require.NoError(t, err)
	b := *a
	b.Telegram.Token = "new-secret"
	b.Summarizer.APIKey = "sk-live"
	b.Scheduler.Timezone = "Asia/Jakarta"

	changed, attrs := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"telegram", "summarizer", "scheduler"}, changed)
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config reloaded", attrs...)
	assert.Contains(t, buf.String(), `"telegram.token_changed":true`)
	assert.Contains(t, buf.String(), `"summarizer.api_key_set":true`)
	assert.NotContains(t, buf.String(), "new-secret")
	assert.NotContains(t, buf.String(), "sk-live")

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", validJSON)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Scheduler.Timezone == "Asia/Tokyo" {
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := `{"telegram":{"token":"t","owner_user_ids":[42,99]},"storage":{"path":"x"},"archive":{"path":"y"}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.True(t, cfg.IsOwner(99))
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}
