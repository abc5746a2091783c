// Package app wires the bot together: config, logging, the event bus,
// the task store, scheduler and manager, the run journal and the
// built-in callbacks. It owns startup and shutdown ordering.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskbot/internal/announce"
	"taskbot/internal/config"
	"taskbot/internal/eventbus"
	"taskbot/internal/gateway"
	"taskbot/internal/history"
	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/tasks"
	"taskbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Bus
	gate *gateway.Gate

	store *tasks.Store
	sched *tasks.Scheduler
	mgr   *tasks.Manager

	announcer *announce.Announcer
	runs      history.Store
	recorder  *history.Recorder
}

type Option func(*options)

type options struct {
	messenger gateway.Messenger
	rotator   gateway.RoleRotator
}

// WithMessenger installs the chat transport the built-in callbacks
// send through. Without one a logging dry-run transport is used.
func WithMessenger(m gateway.Messenger) Option {
	return func(o *options) { o.messenger = m }
}

// WithRoleRotator enables the role-color rotation callback.
func WithRoleRotator(r gateway.RoleRotator) Option {
	return func(o *options) { o.rotator = r }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	gate := gateway.NewGate()

	store := tasks.NewStore(cfg.Tasks.Path, log)
	sched := tasks.NewScheduler(log,
		tasks.WithBus(bus),
		tasks.WithGate(gate),
		tasks.WithTimezone(cfg.Scheduler.Timezone),
	)
	registry := tasks.NewRegistry()
	mgr := tasks.NewManager(log, registry, store, sched)

	msgr := o.messenger
	if msgr == nil {
		msgr = dryRunMessenger{log: log.With(logx.String("comp", "dryrun"))}
		log.Warn("no messenger configured; messages will only be logged")
	}
	announcer := announce.New(log, msgr, announce.Config{
		AnnounceChannel: cfg.Announce.AnnounceChannel,
		ReminderChannel: cfg.Announce.ReminderChannel,
		RatePerSec:      cfg.Announce.RatePerSec,
		Burst:           cfg.Announce.Burst,
	})
	announce.Register(mgr, announcer, o.rotator)

	runs, err := history.Open(history.Options{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: cfg.History.BusyTimeout.Duration,
	}, log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open history store: %w", err)
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		gate:      gate,
		store:     store,
		sched:     sched,
		mgr:       mgr,
		announcer: announcer,
		runs:      runs,
		recorder:  history.NewRecorder(log, bus, runs),
	}, nil
}

// Manager exposes the task manager for operator surfaces built on top
// of the app (commands, admin APIs).
func (a *App) Manager() *tasks.Manager { return a.mgr }

// SetReady opens the readiness gate. Call it once the chat transport
// is connected; recurring tasks hold their first eligibility check
// until then.
func (a *App) SetReady() { a.gate.SetReady() }

// Done is closed when the supervisor context ends, either through
// Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit and publish.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()

	if _, err := a.store.Load(); err != nil {
		// An unreadable task file degrades to an empty list; the bad
		// content stays on disk for the operator to fix.
		a.log.Warn("task definitions unavailable", logx.Err(err))
	}

	if cfg.Scheduler.Enabled {
		started, skipped := a.mgr.StartTasks()
		if skipped > 0 {
			a.log.Warn("some tasks were skipped at startup",
				logx.Int("started", started),
				logx.Int("skipped", skipped))
		}
	} else {
		a.log.Info("scheduler disabled; persisted tasks not started")
	}

	a.sup.GoRestart("history.recorder", a.recorder.Run)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	if cfg.Tasks.Watch {
		a.sup.GoRestart("tasks.watch", func(c context.Context) error {
			return a.store.Watch(c, a.mgr.Reload)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("tasks", cfg.Tasks.Path),
		logx.String("history", cfg.History.Driver))
	return nil
}

// reloadLoop applies hot-reloadable config sections. Logging changes
// take effect immediately; sections that cannot change live are
// reported as restart-required.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest snapshot matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			if last != nil {
				if cfg.Scheduler.Timezone != last.Scheduler.Timezone {
					a.log.Warn("scheduler.timezone changed; restart required")
				}
				if cfg.Tasks.Path != last.Tasks.Path {
					a.log.Warn("tasks.path changed; restart required")
				}
				if cfg.History != last.History {
					a.log.Warn("history config changed; restart required")
				}
			}
			last = cfg
			a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
		}
	}
}

// Stop cancels live schedules, stops the supervised loops and closes
// the journal and logging sinks. Persisted definitions, including
// pending one-shots, are left on disk.
func (a *App) Stop(ctx context.Context) error {
	a.mgr.StopAll()

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}

	a.bus.Close()
	if cerr := a.runs.Close(); cerr != nil {
		a.log.Warn("history store close failed", logx.Err(cerr))
	}
	a.log.Info("app stopped")
	a.logs.Close()
	return err
}

func validateConfig(cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" && tz != "Local" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.History.Driver)) {
	case "", "none", "file", "sqlite":
	default:
		return fmt.Errorf("history.driver: unknown %q", cfg.History.Driver)
	}
	if strings.TrimSpace(cfg.Tasks.Path) == "" {
		return fmt.Errorf("tasks.path must not be empty")
	}
	if cfg.Announce.RatePerSec < 0 {
		return fmt.Errorf("announce.rate_per_sec must be >= 0")
	}
	if cfg.Announce.Burst < 0 {
		return fmt.Errorf("announce.burst must be >= 0")
	}
	return nil
}

// dryRunMessenger logs outbound messages instead of delivering them,
// so the bot can run without a chat transport.
type dryRunMessenger struct {
	log logx.Logger
}

func (d dryRunMessenger) Send(_ context.Context, channel, text string) error {
	d.log.Info("dry-run message",
		logx.String("channel", channel),
		logx.String("text", text))
	return nil
}
