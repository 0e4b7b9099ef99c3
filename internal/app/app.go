package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reportpulse/internal/config"
	"reportpulse/internal/eventbus"
	"reportpulse/internal/history"
	"reportpulse/internal/httpapi"
	"reportpulse/internal/notify"
	"reportpulse/internal/progress"
	"reportpulse/internal/reconcile"
	"reportpulse/internal/reports"
	"reportpulse/internal/runtime/supervisor"
	"reportpulse/internal/storage"
	"reportpulse/internal/stream"
	logx "reportpulse/pkg/logx"
	"reportpulse/pkg/systemd"
)

// App wires the stream client, dispatcher and every consumer together.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      *eventbus.Dispatcher
	store    storage.Store
	stream   *stream.Client
	progress *progress.Aggregator
	recon    *reconcile.Reconciler
	history  *history.Recorder
	notif    *notify.Notifier
	http     *httpapi.Server

	detach []func()
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm = config.NewManager(cfgPath, log)
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc}
	if err := a.build(cfg, log); err != nil {
		_ = a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	a.bus = eventbus.New(log)

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	scfg, err := mapStreamConfig(cfg)
	if err != nil {
		return err
	}
	if a.stream, err = stream.New(scfg, a.bus, log); err != nil {
		return err
	}

	pcfg, err := mapProgressConfig(cfg)
	if err != nil {
		return err
	}
	a.progress = progress.New(pcfg, log)

	if rcfg, enabled, err := mapReconcileConfig(cfg); err != nil {
		return err
	} else if enabled {
		lcfg, err := mapReportsConfig(cfg)
		if err != nil {
			return err
		}
		lister, err := reports.New(lcfg, log)
		if err != nil {
			return err
		}
		if a.recon, err = reconcile.New(rcfg, lister, log); err != nil {
			return err
		}
	}

	if hcfg, enabled, err := mapHistoryConfig(cfg); err != nil {
		return err
	} else if enabled && a.store != nil {
		a.history = history.New(hcfg, a.store, log)
	}

	ncfg, tcfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return err
	}
	if ncfg.Enabled {
		sender, err := notify.NewTelegramSender(tcfg)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		a.notif = notify.New(ncfg, sender, a.store, log)
	}

	// Alerts can be switched on by a live reload, so the sender is installed
	// whenever chat credentials exist.
	if config.TelegramConfigured(cfg) {
		acfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		acfg.ParseMode = "" // alert text is plain; log values may contain markup
		sender, err := notify.NewTelegramSender(acfg)
		if err != nil {
			return fmt.Errorf("log alerts: %w", err)
		}
		a.logs.SetAlertSender(sender.Send)
	}

	if hc, enabled, err := mapHTTPConfig(cfg); err != nil {
		return err
	} else if enabled {
		deps := httpapi.Deps{
			Connection: a.stream,
			Progress:   a.progress,
			Bus:        a.bus,
			Runtime:    a.runtimeSnapshots,
		}
		if a.recon != nil {
			deps.Reports = a.recon
		}
		if a.history != nil {
			deps.History = a.history
		}
		a.http = httpapi.New(hc, deps, log)
	}
	return nil
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMapped(cfg) })

	// Consumers subscribe before the stream connects so no envelope is missed.
	a.detach = append(a.detach, a.progress.Attach(a.bus))
	a.detach = append(a.detach, a.progress.OnChange(func(c progress.Change) {
		a.log.Debug("progress", logx.String("kind", string(c.Kind)), logx.String("report_id", c.Entry.ReportID.String()),
			logx.String("status", string(c.Entry.Status)), logx.Int("progress", c.Entry.Percent))
	}))
	a.detach = append(a.detach, a.stream.Watch(func(st stream.Status) {
		a.log.Info("stream status", logx.String("status", string(st)))
		_, _ = systemd.Status("stream " + string(st))
	}))
	a.detach = append(a.detach, a.bus.Subscribe(eventbus.Any, func(env eventbus.Envelope) {
		// Keep this debug-level; progress updates are frequent.
		a.log.Debug("event", logx.String("type", string(env.Type)), logx.Int("bytes", len(env.Data)))
	}))

	if a.history != nil {
		a.detach = append(a.detach, a.history.Attach(a.bus))
		a.history.Start(a.sup.Context())
	}
	if a.notif != nil {
		a.detach = append(a.detach, a.notif.Attach(a.bus))
		a.notif.Start(a.sup.Context())
	}
	if a.recon != nil {
		a.detach = append(a.detach, a.recon.Attach(a.bus), a.recon.WatchStream(a.stream))
		if err := a.recon.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	a.stream.Connect()

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if d := systemd.WatchdogInterval(); d > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.RunWatchdog(c, d, func() bool { return a.sup.Err() == nil })
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started", logx.String("events_url", a.stream.URL()))
	return nil
}

// reloadLoop applies logging changes live and reports everything else as
// requiring a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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

			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLogging(newCfg))
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(pending, ",")))
			}
		}
	}
}

// runtimeSnapshots collects every component supervisor for the status API.
func (a *App) runtimeSnapshots() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{}
	add := func(name string, s *supervisor.Supervisor) {
		if s != nil {
			out[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("stream", a.stream.Supervisor())
	if a.recon != nil {
		add("reconcile", a.recon.Supervisor())
	}
	if a.history != nil {
		add("history", a.history.Supervisor())
	}
	if a.notif != nil {
		add("notify", a.notif.Supervisor())
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.runStep(ctx, name, max, fn)
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	step("detach", time.Second, func(context.Context) error {
		for i := len(a.detach) - 1; i >= 0; i-- {
			a.detach[i]()
		}
		a.detach = nil
		return nil
	})
	step("reconcile", 2*time.Second, func(c context.Context) error {
		if a.recon != nil {
			return a.recon.Stop(c)
		}
		return nil
	})
	step("notify", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			return a.notif.Stop(c)
		}
		return nil
	})
	step("history", 2*time.Second, func(c context.Context) error {
		if a.history != nil {
			return a.history.Stop(c)
		}
		return nil
	})
	step("stream", 2*time.Second, func(c context.Context) error { return a.stream.Close(c) })
	step("progress", time.Second, func(context.Context) error { a.progress.Close(); a.bus.Close(); return nil })
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	// Components drained above; now unwind config watch/reload and the watchdog.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep bounds one shutdown step so a stuck component can't stall Stop.
func (a *App) runStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// Accessors for tests and the status API.
func (a *App) Progress() *progress.Aggregator { return a.progress }
func (a *App) Stream() *stream.Client         { return a.stream }
func (a *App) HTTP() *httpapi.Server          { return a.http }
