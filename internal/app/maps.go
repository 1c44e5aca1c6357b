package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatdigest/internal/config"
	"chatdigest/internal/render/narrative"
	"chatdigest/internal/storage"
	"chatdigest/internal/summarize"
	"chatdigest/internal/task/engine"
	"chatdigest/internal/task/scheduler"
	"chatdigest/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultBusyTimeout = time.Second
	defaultPruneEvery  = 6 * time.Hour
	defaultSendDelay   = 1500 * time.Millisecond
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "file", "sqlite", "sqlite3", "surrealdb", "surreal":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Surreal: storage.SurrealConfig{
			Endpoint:  sc.Surreal.Endpoint,
			User:      sc.Surreal.User,
			Password:  sc.Surreal.Password,
			Namespace: sc.Surreal.Namespace,
			Database:  sc.Surreal.Database,
		},
	}, nil
}

func mapArchiveConfig(cfg *config.Config) (storage.ArchiveConfig, time.Duration, error) {
	ac := cfg.Archive
	busy, err := config.ParseDurationOrDefault("archive.busy_timeout", ac.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.ArchiveConfig{}, 0, err
	}
	retention, err := config.ParseDurationField("archive.retention", ac.Retention)
	if err != nil {
		return storage.ArchiveConfig{}, 0, err
	}
	every, err := config.ParseDurationOrDefault("archive.prune_every", ac.PruneEvery, defaultPruneEvery)
	if err != nil {
		return storage.ArchiveConfig{}, 0, err
	}
	return storage.ArchiveConfig{Path: strings.TrimSpace(ac.Path), BusyTimeout: busy, Retention: retention}, every, nil
}

func mapSummarizerConfig(cfg *config.Config) (summarize.Config, error) {
	s := cfg.Summarizer
	timeout, err := config.ParseDurationField("summarizer.timeout", s.Timeout)
	if err != nil {
		return summarize.Config{}, err
	}
	base, err := config.ParseDurationField("summarizer.breaker_base_delay", s.BreakerBaseDelay)
	if err != nil {
		return summarize.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("summarizer.breaker_max_delay", s.BreakerMaxDelay)
	if err != nil {
		return summarize.Config{}, err
	}
	return summarize.Config{
		APIBase:     strings.TrimRight(strings.TrimSpace(s.APIBase), "/"),
		APIKey:      s.APIKey,
		Model:       s.Model,
		Timeout:     timeout,
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
		Breaker: summarize.BreakerConfig{
			Trip:      s.BreakerTrip,
			BaseDelay: base,
			MaxDelay:  maxDelay,
		},
	}, nil
}

func mapRenderOptions(cfg *config.Config) (narrative.Options, error) {
	budget, err := config.ParseDurationField("render.parse_budget", cfg.Render.ParseBudget)
	if err != nil {
		return narrative.Options{}, err
	}
	return narrative.Options{
		FontDirs:      cfg.Render.FontDirs,
		ParseBudget:   budget,
		FallbackRunes: cfg.Render.FallbackRunes,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	enabled := true
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	minInterval, err := config.ParseDurationOrDefault("scheduler.min_interval", cfg.Scheduler.MinInterval, scheduler.DefaultMinInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MinInterval:   minInterval,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		StartupSpread: spread,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logTarget returns the chat that receives forwarded log lines, 0 when unset.
func logTarget(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func sendDelay(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("digest.send_delay", cfg.Digest.SendDelay, defaultSendDelay)
}

func location(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// validateWiring runs every mapping so a hot reload that would break
// wiring is rejected before it is committed.
func validateWiring(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapArchiveConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSummarizerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRenderOptions(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	_, err := sendDelay(cfg)
	return err
}

// OpenStore opens the configured owner state store. The CLI uses it to
// inspect jobs without starting the bot.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
}

// RenderOptions maps the render section for offline rendering.
func RenderOptions(cfg *config.Config) (narrative.Options, error) { return mapRenderOptions(cfg) }
