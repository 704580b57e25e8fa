package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cruisectl/internal/config"
	"cruisectl/internal/control"
	"cruisectl/internal/diag"
	"cruisectl/internal/eventbus"
	"cruisectl/internal/loader"
	"cruisectl/internal/runner"
	"cruisectl/internal/runtime/supervisor"
	"cruisectl/internal/scheduler"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

const watchAttachTimeout = 5 * time.Second

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Backend
	metrics *diag.Metrics

	ctl    *control.Server
	loader *loader.Loader
	sched  *scheduler.Service
	runner *runner.Runner
	ann    *runner.Announcer
	diag   *diag.Server

	// watchCancel stops the cruise file watcher; nil when not watching.
	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type Option func(*options)

type options struct {
	applier runner.Applier
}

// WithApplier sets what the runner does with config changes. The default
// only logs them.
func WithApplier(a runner.Applier) Option { return func(o *options) { o.applier = a } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()
	metrics := diag.NewMetrics()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	ctl := control.New(store,
		control.WithBus(bus),
		control.WithMetrics(metrics),
		control.WithStatusLogRate(cfg.Status.LogRatePerSec),
		control.WithLogger(log.With(logx.String("comp", "control"))),
	)

	ld := loader.New(ctl, log.With(logx.String("comp", "loader")))
	ld.SetFiles(cruiseFiles(cfgPath, cfg))

	sched := scheduler.New(mapSchedulerConfig(cfg), ctl,
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithMetrics(metrics),
	)
	if err := sched.Replace(mapSchedules(cfg)); err != nil {
		_ = store.Close()
		return nil, err
	}

	applier := o.applier
	if applier == nil {
		applier = runner.LogApplier(log.With(logx.String("comp", "applier")))
	}
	ann := runner.NewAnnouncer(applier, log.With(logx.String("comp", "announce")))
	pipe, err := mapAnnounce(cfg, log.With(logx.String("comp", "announce")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ann.SetPipeline(pipe)
	rn := runner.New(ctl, ann, log.With(logx.String("comp", "runner")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: metrics,
		ctl:     ctl,
		loader:  ld,
		sched:   sched,
		runner:  rn,
		ann:     ann,
	}

	dc, err := mapDiagConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.diag = diag.NewServer(dc, metrics, a.gauges, log.With(logx.String("comp", "diag")))
	return a, nil
}

// Control exposes the control plane API.
func (a *App) Control() *control.Server { return a.ctl }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Loader() *loader.Loader { return a.loader }

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
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// A bad cruise file is logged by the loader; the rest still load.
	if _, err := a.loader.LoadAll(runCtx); err != nil {
		a.log.Warn("some cruise files failed to load", logx.Err(err))
	}
	if err := a.runner.Start(runCtx); err != nil {
		a.log.Warn("initial reconcile incomplete", logx.Err(err))
	}

	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	a.diag.Start(runCtx)

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("cruise", e.Cruise), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// keep only the latest config in the channel
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	// READY means config edits are observed from here on.
	select {
	case <-a.cfgm.Watching():
	case <-runCtx.Done():
		// canceled during start; Done() reports it to the caller
	case <-time.After(watchAttachTimeout):
		a.log.Warn("config watcher not attached yet; continuing", logx.Duration("waited", watchAttachTimeout))
	}

	if a.cfgm.Get().Cruises.Watch {
		a.startCruiseWatch(runCtx)
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("cruise_files", len(a.loader.Files())),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

// applyConfig applies a reloaded config to the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedSchedules := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("status") {
		a.ctl.SetStatusLogRate(newCfg.Status.LogRatePerSec)
	}

	if changed("cruises") {
		prev := a.loader.Files()
		next := cruiseFiles(a.cfgPath, newCfg)
		a.loader.SetFiles(next)
		for _, f := range a.loader.Files() {
			if !slices.Contains(prev, f) {
				a.loader.LoadFile(ctx, f)
			}
		}
		a.stopCruiseWatch(ctx)
		if newCfg.Cruises.Watch {
			a.startCruiseWatch(ctx)
		}
	}

	if changed("schedules") {
		if err := a.sched.Replace(mapSchedules(newCfg)); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		} else {
			a.log.Debug("schedules replaced", logx.Strings("changed", changedSchedules))
		}
	}
	if changed("scheduler") {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(mapSchedulerConfig(newCfg))
		switch {
		case wasEnabled && !newCfg.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && newCfg.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if changed("announce") {
		if pipe, err := mapAnnounce(newCfg, a.log); err != nil {
			a.log.Warn("invalid announce config; keeping previous", logx.Err(err))
		} else {
			a.ann.SetPipeline(pipe)
		}
	}

	if changed("diag") {
		if dc, err := mapDiagConfig(newCfg); err != nil {
			a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
		} else {
			a.diag.Reconfigure(ctx, dc)
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) startCruiseWatch(parent context.Context) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	a.watchCancel, a.watchDone = cancel, done
	a.sup.Go("cruises.watch", func(context.Context) error {
		defer close(done)
		return a.loader.Watch(ctx)
	})
}

func (a *App) stopCruiseWatch(ctx context.Context) {
	a.watchMu.Lock()
	cancel, done := a.watchCancel, a.watchDone
	a.watchCancel, a.watchDone = nil, nil
	a.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// gauges feeds point-in-time values to /metrics.
func (a *App) gauges() []diag.Gauge {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []diag.Gauge
	if ids, err := a.ctl.Cruises(ctx); err == nil {
		out = append(out, diag.Gauge{Name: "cruisectl_cruises", Help: "Cruises currently held.", Value: int64(len(ids))})
	}
	hs := a.ctl.Hub().Stats()
	out = append(out,
		diag.Gauge{Name: "cruisectl_observers", Help: "Registered update observers.", Value: int64(hs.Registrations)},
		diag.Gauge{Name: "cruisectl_signals", Help: "Update signals sent since start.", Value: int64(hs.Signals)},
		diag.Gauge{Name: "cruisectl_callback_invocations", Help: "Observer callbacks invoked since start.", Value: int64(hs.Invocations)},
		diag.Gauge{Name: "cruisectl_callback_failures", Help: "Observer callbacks that failed since start.", Value: int64(hs.Failures)},
		diag.Gauge{Name: "cruisectl_events_dropped", Help: "Event bus deliveries dropped for slow subscribers.", Value: int64(a.bus.Dropped())},
		diag.Gauge{Name: "cruisectl_goroutines_supervised", Help: "Supervised goroutines running.", Value: a.sup.Counters().Active},
	)
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// cancel the run context first so background loops start unwinding
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("runner", time.Second, func(context.Context) error { a.runner.Stop(); return nil })
	step("announce", time.Second, func(context.Context) error { return a.ann.Close() })
	step("cruises.watch", time.Second, func(c context.Context) error { a.stopCruiseWatch(c); return nil })
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
