package app

import (
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/dispatcher"
	"remindbot/internal/jobstore"
	"remindbot/internal/retention"
	"remindbot/internal/scheduler"
	logx "remindbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alerts: logx.AlertsConfig{
			Enabled:    l.Alerts.Enabled,
			Recipient:  l.Alerts.Recipient,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	retry, err := config.ParseDurationOrDefault("scheduler.store_retry_delay", cfg.Scheduler.StoreRetryDelay, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		OverduePolicy:   strings.ToLower(strings.TrimSpace(cfg.Scheduler.OverduePolicy)),
		StoreRetryDelay: retry,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	d := cfg.Dispatcher
	base, err := config.ParseDurationOrDefault("dispatcher.backoff_base", d.BackoffBase, 500*time.Millisecond)
	if err != nil {
		return dispatcher.Config{}, err
	}
	maxD, err := config.ParseDurationOrDefault("dispatcher.backoff_max", d.BackoffMax, 30*time.Second)
	if err != nil {
		return dispatcher.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatcher.send_timeout", d.SendTimeout, 15*time.Second)
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{
		Workers:     d.Workers,
		MaxAttempts: d.MaxAttempts,
		BackoffBase: base,
		BackoffMax:  maxD,
		Jitter:      d.Jitter,
		SendTimeout: timeout,
		RatePerSec:  d.RatePerSec,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (jobstore.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return jobstore.Config{}, err
	}
	path := strings.TrimSpace(s.Path)
	if path == "" {
		path = "./data/remindbot.db"
	}
	return jobstore.Config{
		Driver:      strings.TrimSpace(s.Driver),
		Path:        path,
		BusyTimeout: busy,
		DSN:         s.DSN,
		Redis: jobstore.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		},
	}, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	maxAge, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, 720*time.Hour)
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   maxAge,
	}, nil
}

type httpTimeouts struct {
	read  time.Duration
	write time.Duration
}

func mapHTTPTimeouts(cfg *config.Config) (httpTimeouts, error) {
	r, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpTimeouts{}, err
	}
	w, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 10*time.Second)
	if err != nil {
		return httpTimeouts{}, err
	}
	return httpTimeouts{read: r, write: w}, nil
}

func httpAddr(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.HTTP.Addr); a != "" {
		return a
	}
	return ":3000"
}

// validateMappings runs every mapper so a reload that would not apply is
// rejected before commit.
func validateMappings(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPTimeouts(cfg)
	return err
}
