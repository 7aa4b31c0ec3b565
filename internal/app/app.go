package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/channel"
	"remindbot/internal/channel/telegram"
	"remindbot/internal/config"
	"remindbot/internal/dispatcher"
	"remindbot/internal/eventbus"
	"remindbot/internal/ingest"
	"remindbot/internal/jobstore"
	"remindbot/internal/records"
	"remindbot/internal/retention"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/timeresolve"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    jobstore.Store
	sender   channel.Sender
	resolver *timeresolve.Resolver
	rec      *records.Log

	disp   *dispatcher.Dispatcher
	sched  *scheduler.Scheduler
	retain *retention.Service
	ingest *ingest.Service

	srv      *http.Server
	addrMu   sync.Mutex
	addr     net.Addr
	stopOnce sync.Once
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	// Any failure below must release what was already opened.
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := jobstore.Open(sc, log.With(logx.String("comp", "jobstore")))
	if err != nil {
		return fail(fmt.Errorf("open job store: %w", err))
	}
	closers = append(closers, store.Close)
	log.Info("job store opened", logx.String("driver", driverName(sc.Driver)))

	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return fail(err)
	}

	var sender channel.Sender
	switch strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)) {
	case "log":
		sender = channel.LogSender{Log: log.With(logx.String("comp", "channel"))}
	default:
		tg, err := telegram.New(telegram.Config{
			Token:   cfg.Channel.Telegram.Token,
			APIURL:  cfg.Channel.Telegram.APIURL,
			Timeout: dc.SendTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		sender = tg
	}
	logSvc.SetAlertSender(sender)

	resolver, err := timeresolve.New(cfg.Scheduler.Timezone)
	if err != nil {
		return fail(fmt.Errorf("scheduler.timezone: %w", err))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	disp := dispatcher.New(dc, sender, store, log.With(logx.String("comp", "dispatcher")), bus)
	sched := scheduler.New(schedCfg, store, disp, log.With(logx.String("comp", "scheduler")), bus)

	recPath := strings.TrimSpace(cfg.Records.Path)
	if recPath == "" {
		recPath = "./data/records.jsonl"
	}
	rec, err := records.Open(recPath)
	if err != nil {
		return fail(fmt.Errorf("records: %w", err))
	}
	closers = append(closers, rec.Close)

	rc, err := mapRetentionConfig(cfg)
	if err != nil {
		return fail(err)
	}
	retain := retention.New(rc, store, log.With(logx.String("comp", "retention")))

	ingestSvc := ingest.NewService(resolver, store, sched, rec, log.With(logx.String("comp", "ingest")))

	timeouts, err := mapHTTPTimeouts(cfg)
	if err != nil {
		return fail(err)
	}
	handler := ingest.NewRouter(ingest.RouterConfig{
		Token:              cfg.HTTP.Token,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		Pprof:              cfg.HTTP.Pprof,
	}, ingestSvc, log.With(logx.String("comp", "http")))
	srv := &http.Server{
		Addr:              httpAddr(cfg),
		Handler:           handler,
		ReadTimeout:       timeouts.read,
		ReadHeaderTimeout: timeouts.read,
		WriteTimeout:      timeouts.write,
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sender:   sender,
		resolver: resolver,
		rec:      rec,
		disp:     disp,
		sched:    sched,
		retain:   retain,
		ingest:   ingestSvc,
		srv:      srv,
	}, nil
}

func driverName(d string) string {
	if strings.TrimSpace(d) == "" {
		return "sqlite"
	}
	return d
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr returns the bound HTTP address once Start has returned.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMappings(cfg)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					fields := []logx.Field{logx.String("type", e.Type)}
					if je, ok := e.Data.(eventbus.JobEvent); ok {
						fields = append(fields, logx.JobID(je.ID), logx.Int("attempts", je.Attempts))
						if je.Error != "" {
							fields = append(fields, logx.String("error", je.Error))
						}
					}
					a.log.Debug("event", fields...)
				}
			}
		})
	}

	// Workers first so recovered overdue jobs have somewhere to go.
	a.disp.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.retain.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.srv.Addr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log.With(logx.String("comp", "systemd")))
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("addr", ln.Addr().String()), logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes a committed config to every component that supports
// live changes and warns about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if err := a.resolver.SetDefault(newCfg.Scheduler.Timezone); err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	}
	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if dc, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	if rc, err := mapRetentionConfig(newCfg); err != nil {
		a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
	} else if err := a.retain.Apply(rc); err != nil {
		a.log.Warn("retention reconfigure failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var stopped bool
	a.stopOnce.Do(func() { stopped = true })
	if !stopped {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Intake first, then the wait set, then let workers drain what already fired.
	step("http", 3*time.Second, a.srv.Shutdown)
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("retention", 1*time.Second, func(c context.Context) error { a.retain.Stop(c); return nil })
	step("dispatcher", 10*time.Second, a.disp.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("records", 1*time.Second, func(context.Context) error { return a.rec.Close() })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
