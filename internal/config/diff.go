package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeChange returns the changed sections, safe structured attrs for
// logging (never secrets), and the subset of changes that only take effect
// after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	attrs = make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.overdue_policy", newCfg.Scheduler.OverduePolicy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttempts),
			logx.String("dispatcher.backoff_base", newCfg.Dispatcher.BackoffBase),
			logx.String("dispatcher.backoff_max", newCfg.Dispatcher.BackoffMax),
			logx.Float64("dispatcher.jitter", newCfg.Dispatcher.Jitter),
			logx.Int("dispatcher.rate_per_sec", newCfg.Dispatcher.RatePerSec),
		)
		if oldCfg.Dispatcher.Workers != newCfg.Dispatcher.Workers {
			restart = append(restart, "dispatcher.workers")
		}
	}

	// Storage: compare secrets by presence only.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.DSN != nS.DSN ||
		!reflect.DeepEqual(oS.Redis, nS.Redis) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.redis_addr", strings.TrimSpace(nS.Redis.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channel, newCfg.Channel) {
		changed = append(changed, "channel")
		restart = append(restart, "channel")
		attrs = append(attrs,
			logx.String("channel.driver", strings.TrimSpace(newCfg.Channel.Driver)),
			logx.Bool("channel.telegram_token_set", strings.TrimSpace(newCfg.Channel.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Records, newCfg.Records) {
		changed = append(changed, "records")
		restart = append(restart, "records")
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", newCfg.Retention.Schedule),
			logx.String("retention.max_age", newCfg.Retention.MaxAge),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
