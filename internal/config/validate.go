package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate rejects configs that would fail at wiring time. It runs on load
// and before every hot reload is committed.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one user"))
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required"))
		}
	case "surrealdb", "surreal":
		if strings.TrimSpace(c.Storage.Surreal.Endpoint) == "" {
			add(errors.New("storage.surreal.endpoint is required for surrealdb"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if strings.TrimSpace(c.Archive.Path) == "" {
		add(errors.New("archive.path is required"))
	}
	dur("archive.busy_timeout", c.Archive.BusyTimeout)
	dur("archive.retention", c.Archive.Retention)
	dur("archive.prune_every", c.Archive.PruneEvery)

	dur("summarizer.timeout", c.Summarizer.Timeout)
	dur("summarizer.breaker_base_delay", c.Summarizer.BreakerBaseDelay)
	dur("summarizer.breaker_max_delay", c.Summarizer.BreakerMaxDelay)
	if c.Summarizer.MaxTokens < 0 {
		add(errors.New("summarizer.max_tokens must be >= 0"))
	}
	if c.Summarizer.Temperature < 0 || c.Summarizer.Temperature > 2 {
		add(errors.New("summarizer.temperature must be within 0..2"))
	}

	dur("digest.send_delay", c.Digest.SendDelay)
	dur("render.parse_budget", c.Render.ParseBudget)
	if c.Render.FallbackRunes < 0 {
		add(errors.New("render.fallback_runes must be >= 0"))
	}

	if c.TaskEngine.Workers < 0 || c.TaskEngine.QueueSize < 0 || c.TaskEngine.HistorySize < 0 {
		add(errors.New("task_engine sizes must be >= 0"))
	}
	dur("task_engine.default_timeout", c.TaskEngine.DefaultTimeout)

	dur("scheduler.min_interval", c.Scheduler.MinInterval)
	dur("scheduler.startup_spread", c.Scheduler.StartupSpread)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

// IsOwner reports whether id is a configured owner.
func (c *Config) IsOwner(id int64) bool {
	for _, v := range c.Telegram.OwnerUserIDs {
		if v == id {
			return true
		}
	}
	return false
}
