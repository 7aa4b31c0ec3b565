package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (tokens, DSNs, passwords) may also come from the environment; see
// ApplyEnv.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    StorageConfig    `json:"storage"`
	Channel    ChannelConfig    `json:"channel"`
	Records    RecordsConfig    `json:"records"`
	HTTP       HTTPConfig       `json:"http"`
	Retention  RetentionConfig  `json:"retention"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ log entries to Recipient through the
// configured channel.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Recipient  string `json:"recipient"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the wait set and startup recovery.
//
// Defaults:
//   - timezone: local time of the host
//   - overdue_policy: "fire"
//   - store_retry_delay: "1s"
type SchedulerConfig struct {
	// Timezone is the IANA zone used when a request has none.
	Timezone        string `json:"timezone,omitempty"`
	OverduePolicy   string `json:"overdue_policy,omitempty"`
	StoreRetryDelay string `json:"store_retry_delay,omitempty"`
}

// DispatcherConfig controls delivery.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - max_attempts: 5
//   - backoff_base: "500ms"
//   - backoff_max: "30s"
//   - jitter: 0.2 (negative disables)
//   - send_timeout: "15s"
//   - rate_per_sec: 0 (unlimited)
type DispatcherConfig struct {
	Workers     int     `json:"workers,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BackoffBase string  `json:"backoff_base,omitempty"`
	BackoffMax  string  `json:"backoff_max,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	RatePerSec  int     `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	DSN         string      `json:"dsn,omitempty"`          // postgres (do not log)
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ChannelConfig selects the messaging channel: "telegram" or "log".
type ChannelConfig struct {
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // do not log
	APIURL string `json:"api_url,omitempty"`
}

type RecordsConfig struct {
	Path string `json:"path,omitempty"`
}

// HTTPConfig controls the ingestion endpoint.
//
// Security note: set a token when binding to a non-loopback address.
type HTTPConfig struct {
	Addr               string   `json:"addr,omitempty"`  // default ":3000"
	Token              string   `json:"token,omitempty"` // optional bearer token (do not log)
	CORSAllowedOrigins []string `json:"cors_allowed_origins,omitempty"`
	Pprof              bool     `json:"pprof,omitempty"`
	ReadTimeout        string   `json:"read_timeout,omitempty"`
	WriteTimeout       string   `json:"write_timeout,omitempty"`
}

// RetentionConfig controls pruning of finished jobs. Disabled by default.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@daily"
	MaxAge   string `json:"max_age,omitempty"`  // default "720h"
}
