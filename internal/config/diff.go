package config

import (
	"reflect"
	"strings"

	"chatdigest/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets (bot token, API key, passwords) are reported
// only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if differs {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram", ot.Token != nt.Token || ot.GroupLog != nt.GroupLog || ot.PollTimeout != nt.PollTimeout ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", set(nt.GroupLog)),
	)

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.String("storage.path", newCfg.Storage.Path),
		logx.Bool("storage.surreal_password_set", set(newCfg.Storage.Surreal.Password)),
	)

	section("archive", oldCfg.Archive != newCfg.Archive,
		logx.String("archive.path", newCfg.Archive.Path),
		logx.String("archive.retention", newCfg.Archive.Retention),
	)

	osum, ns := oldCfg.Summarizer, newCfg.Summarizer
	section("summarizer", osum != ns,
		logx.String("summarizer.api_base", ns.APIBase),
		logx.String("summarizer.model", ns.Model),
		logx.Bool("summarizer.api_key_set", set(ns.APIKey)),
		logx.Int("summarizer.breaker_trip", ns.BreakerTrip),
	)

	section("digest", oldCfg.Digest != newCfg.Digest,
		logx.String("digest.send_delay", newCfg.Digest.SendDelay),
	)

	section("render", !reflect.DeepEqual(oldCfg.Render, newCfg.Render),
		logx.Int("render.font_dirs", len(newCfg.Render.FontDirs)),
		logx.String("render.parse_budget", newCfg.Render.ParseBudget),
	)

	oe, ne := oldCfg.TaskEngine, newCfg.TaskEngine
	section("task_engine", !reflect.DeepEqual(oe, ne),
		logx.Int("task_engine.workers", ne.Workers),
		logx.Int("task_engine.queue_size", ne.QueueSize),
	)

	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.min_interval", newCfg.Scheduler.MinInterval),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	return changed, attrs
}
