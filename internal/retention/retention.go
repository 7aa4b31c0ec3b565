// Package retention prunes old terminal reminder jobs on a cron schedule.
// It is off by default; nothing is deleted unless enabled.
package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

// Pruner deletes terminal jobs last updated before the cutoff.
// jobstore.Store satisfies it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	Enabled  bool
	Schedule string
	MaxAge   time.Duration
}

func (c Config) withDefaults() Config {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = "@daily"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	return c
}

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses as a cron expression.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return nil
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	ctx    context.Context
	pruner Pruner
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, pruner Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), pruner: pruner, log: log, now: time.Now}
}

// Start registers the prune job when enabled. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled || s.ctx == nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("retention schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("retention enabled", logx.String("schedule", s.cfg.Schedule), logx.Duration("max_age", s.cfg.MaxAge))
	return nil
}

// Stop halts the cron and waits for a running prune until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the policy, restarting the cron if it is running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if s.ctx == nil {
		return nil
	}
	return s.startLocked()
}

// RunOnce prunes jobs older than MaxAge and returns how many were removed.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	maxAge := s.cfg.MaxAge
	s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.log.Warn("retention prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("retention pruned jobs", logx.Int("count", n), logx.Time("before", cutoff))
	} else {
		s.log.Debug("retention found nothing to prune", logx.Time("before", cutoff))
	}
	return n, nil
}
