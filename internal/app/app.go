package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"planbot/internal/alarm"
	"planbot/internal/calendar"
	"planbot/internal/config"
	"planbot/internal/engine"
	"planbot/internal/eventbus"
	"planbot/internal/lifecycle"
	"planbot/internal/notifier"
	rtsup "planbot/internal/runtime/supervisor"
	"planbot/internal/storage"
	"planbot/internal/suggest"
	kit "planbot/internal/transport"
	telegram "planbot/internal/transport/telegram/adapter"
	"planbot/internal/transport/telegram/router"
	logx "planbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter // nil when the log surface is used
	router  *router.Router
	updates chan kit.Update

	alarms    *alarm.Source
	presenter *notifier.Presenter
	sched     *lifecycle.Scheduler
	committer calendar.Committer
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	eng, err := engine.New(mapEngineConfig(cfg), root.With(logx.String("comp", "engine")))
	if err != nil {
		return err
	}
	// The oauth2 token source keeps this context for refreshes.
	a.committer, err = calendar.New(context.Background(), mapCalendarConfig(cfg), root.With(logx.String("comp", "calendar")))
	if err != nil {
		return err
	}

	var surface notifier.Surface
	switch strings.ToLower(strings.TrimSpace(cfg.Notifier.Surface)) {
	case "log":
		surface = notifier.NewLogSurface(root.With(logx.String("comp", "surface")))
	default:
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		target, err := notifyTarget(cfg)
		if err != nil {
			return err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.adapter = ad
		a.updates = make(chan kit.Update, 256)
		a.router = router.New(root.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs)
		surface = notifier.NewTelegramSurface(ad, target)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.presenter = notifier.NewPresenter(ncfg, surface, a.store, root.With(logx.String("comp", "notifier")), a.bus)

	poll, err := mapAlarmPoll(cfg)
	if err != nil {
		return err
	}
	a.alarms = alarm.New(alarm.WithLogger(root.With(logx.String("comp", "alarm"))), alarm.WithPoll(poll))

	lcfg, err := mapLifecycleConfig(cfg)
	if err != nil {
		return err
	}
	goals, err := mapGoals(cfg)
	if err != nil {
		return err
	}
	a.sched, err = lifecycle.New(lcfg, lifecycle.Deps{
		Store:     a.store,
		Engine:    eng,
		Presenter: a.presenter,
		Committer: a.committer,
		Alarm:     a.alarms,
		Busy:      a.loadBusy,
		Log:       root,
		Bus:       a.bus,
	})
	if err != nil {
		return err
	}
	a.sched.SetGoals(goals)
	a.log.Info("components ready",
		logx.String("engine", eng.Name()),
		logx.String("commit", a.committer.Name()),
		logx.String("surface", surface.Name()),
		logx.Int("goals", len(goals)),
	)
	return nil
}

// loadBusy reads calendar context from the busy_ics files of the live config.
func (a *App) loadBusy(from, until time.Time) ([]suggest.Busy, error) {
	cfg := a.cfgm.Get()
	if cfg == nil || len(cfg.Calendar.BusyICS) == 0 {
		return nil, nil
	}
	return calendar.LoadBusy(cfg.Calendar.BusyICS, from, until)
}

// Done is closed when the app's run context ends, e.g. after a fatal
// supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapLifecycleConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapGoals(cfg)
		return err
	})

	a.alarms.Start(runCtx)

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		cmds := &commands{plan: a.sched, runCtx: runCtx}
		list, cbs := cmds.registry()
		a.router.SetRegistry(runCtx, list, cbs)
		a.sup.Go("router", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}

	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Systemd.Notify {
		a.sdNotify(daemon.SdNotifyReady)
	}
	a.log.Info("app started")
	return nil
}

// drainLatest coalesces a burst of reloads into the newest config.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RequiresRestart(prev, next) {
		a.log.Warn("config change needs a restart to take effect", logx.String("field", s))
	}

	a.logs.Apply(mapLogConfig(next))

	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.presenter.Apply(ncfg)
	}
	if lcfg, err := mapLifecycleConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, lcfg); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
	}
	if goals, err := mapGoals(next); err != nil {
		a.log.Warn("invalid goals; keeping previous", logx.Err(err))
	} else {
		a.sched.SetGoals(goals)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if !sent {
		a.log.Debug("sd_notify skipped (NOTIFY_SOCKET unset)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Systemd.Notify {
		a.sdNotify(daemon.SdNotifyStopping)
	}

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err),
				)
			}()
		}
	}

	step("alarms", time.Second, func(context.Context) error { a.alarms.Stop(); return nil })
	step("cycles", 5*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.sched.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
