package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "6h") so both JSON and YAML stay readable.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Archive    ArchiveConfig    `json:"archive"`
	Summarizer SummarizerConfig `json:"summarizer"`
	Digest     DigestConfig     `json:"digest"`
	Render     RenderConfig     `json:"render"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives forwarded log lines.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the owner state driver: file, sqlite or surrealdb.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chatdigest.db" }
type StorageConfig struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout string        `json:"busy_timeout,omitempty"`
	Surreal     SurrealConfig `json:"surreal,omitempty"`
}

type SurrealConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	User      string `json:"user,omitempty"`
	Password  string `json:"password,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Database  string `json:"database,omitempty"`
}

// ArchiveConfig is the SQLite file holding captured messages. It may be
// the same file as storage.path.
type ArchiveConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
	PruneEvery  string `json:"prune_every,omitempty"`
}

// SummarizerConfig holds defaults for the chat-completions endpoint. Owners
// may override model, base URL and key with /digest config.
type SummarizerConfig struct {
	APIBase     string  `json:"api_base,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// BreakerTrip < 0 disables the circuit breaker.
	BreakerTrip      int    `json:"breaker_trip,omitempty"`
	BreakerBaseDelay string `json:"breaker_base_delay,omitempty"`
	BreakerMaxDelay  string `json:"breaker_max_delay,omitempty"`
}

type DigestConfig struct {
	// SendDelay is the gap between consecutive messages of one run.
	SendDelay string `json:"send_delay,omitempty"`
	// TempDir holds rendered artifacts until they are delivered.
	TempDir string `json:"temp_dir,omitempty"`
}

type RenderConfig struct {
	FontDirs      []string `json:"font_dirs,omitempty"`
	ParseBudget   string   `json:"parse_budget,omitempty"`
	FallbackRunes int      `json:"fallback_runes,omitempty"`
}

// TaskEngineConfig sizes the render pool.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "2m"
//   - history_size: 100
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	// MinInterval is the smallest interval a job may use (default "1h").
	MinInterval string `json:"min_interval,omitempty"`
	// Timezone applies to cron schedules. IANA name, e.g. "Asia/Jakarta".
	Timezone      string `json:"timezone,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`
}
