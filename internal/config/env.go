package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvTelegramToken = "REMINDBOT_TELEGRAM_TOKEN"
	EnvHTTPAddr      = "REMINDBOT_HTTP_ADDR"
	EnvPort          = "PORT"
	EnvStorageDSN    = "REMINDBOT_STORAGE_DSN"
	EnvRedisPassword = "REMINDBOT_REDIS_PASSWORD"
	EnvHTTPToken     = "REMINDBOT_HTTP_TOKEN"
	EnvTimezone      = "REMINDBOT_TIMEZONE"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg. lookup is usually
// os.LookupEnv. PORT is honored only when REMINDBOT_HTTP_ADDR is unset.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Channel.Telegram.Token = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	} else if v, ok := get(EnvPort); ok {
		cfg.HTTP.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvRedisPassword); ok {
		cfg.Storage.Redis.Password = v
	}
	if v, ok := get(EnvHTTPToken); ok {
		cfg.HTTP.Token = v
	}
	if v, ok := get(EnvTimezone); ok {
		cfg.Scheduler.Timezone = v
	}
}
