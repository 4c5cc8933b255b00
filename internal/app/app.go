// Package app wires the daemon together: config, logging, storage, the
// schedule service, the dispatch sweeper, the delivery pipeline, and the
// HTTP API, with hot-reload fan-out and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindd/internal/config"
	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/observability/pprof"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/schedule"
	"remindd/internal/server"
	"remindd/internal/storage"
	"remindd/internal/sweep"
	logx "remindd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *schedule.Service
	sweeper *sweep.Service
	notif   *notify.Service
	api     *server.Service
	pprof   *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
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

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender notify.Sender
	if strings.TrimSpace(cfg.Notify.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("notify.telegram.poll_timeout", cfg.Notify.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ts, err := notify.NewTelegramSender(notify.TelegramConfig{
			Token:       cfg.Notify.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = ts
	}
	notifSvc := notify.New(ncfg, sender, log.With(logx.String("comp", "notify")), bus, store)

	schedSvc := schedule.New(schedule.Config{}, store, store, store,
		log.With(logx.String("comp", "schedule")), bus)

	swcfg, err := mapSweepConfig(cfg)
	if err != nil {
		return nil, err
	}
	sweeper := sweep.New(swcfg, store, notifSvc, log.With(logx.String("comp", "sweep")), bus)

	apiCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSvc := server.New(apiCfg, schedSvc, log.With(logx.String("comp", "server")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		sweeper: sweeper,
		notif:   notifSvc,
		api:     apiSvc,
		pprof:   pprofSvc,
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapServerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSweepConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.sweeper.Enabled() {
		a.sweeper.Start(a.sup.Context())
	}
	a.api.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Debug visibility into component events.
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

	// Hot reload config fan-out.
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Under systemd Type=notify this flips the unit to active; elsewhere it
	// is a silent no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running components. The
// watcher already rejected unparsable configs, so the map* calls here only
// fail if validation and mapping ever diverge.
func (a *App) applyReload(ctx context.Context, prev, cur *config.Config) {
	if prev != nil && cur != nil && !reflect.DeepEqual(prev.Storage, cur.Storage) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(logx.Config{
		Level:   cur.Logging.Level,
		Console: cur.Logging.Console,
		File: logx.FileConfig{
			Enabled: cur.Logging.File.Enabled,
			Path:    cur.Logging.File.Path,
		},
	})

	// API token/timeout changes apply live; an address change needs a
	// listener restart.
	if apiCfg, err := mapServerConfig(cur); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Any("err", err))
	} else {
		restart := prev != nil && prev.Server.Addr != cur.Server.Addr
		a.api.Apply(apiCfg)
		if restart {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.api.Stop(stopCtx)
			cancel()
			a.api.Start(ctx)
		}
	}

	// The sweeper's cron trigger is bound at Start, so any sweep change is a
	// stop/apply/start cycle.
	if swcfg, err := mapSweepConfig(cur); err != nil {
		a.log.Warn("invalid sweep config; keeping previous", logx.Any("err", err))
	} else if prev == nil || !reflect.DeepEqual(prev.Sweep, cur.Sweep) {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sweeper.Stop(stopCtx)
		cancel()
		a.sweeper.Apply(swcfg)
		if swcfg.Enabled {
			a.sweeper.Start(ctx)
		} else {
			a.log.Info("sweeper disabled via config")
		}
	}

	if ncfg, err := mapNotifyConfig(cur); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Any("err", err))
	} else {
		prevEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notify disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notify enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(cur); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first, then the pipeline that drains it, then persistence.
	step("server", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("sweeper", 3*time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
