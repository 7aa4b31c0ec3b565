package config

import (
	"errors"
	"fmt"
	"strings"

	"remindbot/internal/retention"
	"remindbot/internal/timeresolve"
	logx "remindbot/pkg/logx"
)

// Validate checks values that decoding alone cannot. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Alerts.MinLevel) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", cfg.Logging.Alerts.MinLevel))
	}
	if cfg.Logging.Alerts.RatePerSec < 0 {
		add(errors.New("logging.alerts.rate_per_sec: must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := timeresolve.LoadZone(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	switch strings.TrimSpace(cfg.Scheduler.OverduePolicy) {
	case "", "fire", "skip":
	default:
		add(fmt.Errorf("scheduler.overdue_policy: want fire or skip, got %q", cfg.Scheduler.OverduePolicy))
	}
	_, err := ParseDurationField("scheduler.store_retry_delay", cfg.Scheduler.StoreRetryDelay)
	add(err)

	d := cfg.Dispatcher
	if d.Workers < 0 {
		add(errors.New("dispatcher.workers: must be >= 0"))
	}
	if d.MaxAttempts < 0 {
		add(errors.New("dispatcher.max_attempts: must be >= 0"))
	}
	if d.RatePerSec < 0 {
		add(errors.New("dispatcher.rate_per_sec: must be >= 0"))
	}
	base, err := ParseDurationField("dispatcher.backoff_base", d.BackoffBase)
	add(err)
	maxD, err := ParseDurationField("dispatcher.backoff_max", d.BackoffMax)
	add(err)
	if d.Jitter > 1 {
		add(errors.New("dispatcher.jitter: must be <= 1"))
	}
	if base > 0 && maxD > 0 && maxD < base {
		add(errors.New("dispatcher.backoff_max: must be >= backoff_base"))
	}
	_, err = ParseDurationField("dispatcher.send_timeout", d.SendTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file":
		if cfg.Storage.Driver == "file" && strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for file driver"))
		}
	case "memory", "mem":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres driver"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr: required for redis driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)) {
	case "", "telegram":
		if strings.TrimSpace(cfg.Channel.Telegram.Token) == "" {
			add(fmt.Errorf("channel.telegram.token: required (or set %s)", EnvTelegramToken))
		}
	case "log":
	default:
		add(fmt.Errorf("channel.driver: unknown driver %q", cfg.Channel.Driver))
	}

	_, err = ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)

	add(retention.ValidateSchedule(cfg.Retention.Schedule))
	_, err = ParseDurationField("retention.max_age", cfg.Retention.MaxAge)
	add(err)

	return errors.Join(errs...)
}
