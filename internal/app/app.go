package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"asyncq/internal/asyncqueue"
	"asyncq/internal/config"
	"asyncq/internal/eventbus"
	"asyncq/internal/journal"
	"asyncq/internal/observability/admin"
	"asyncq/internal/recurring"
	"asyncq/internal/runtime/supervisor"
	logx "asyncq/pkg/logx"
)

// App wires the queue daemon: one serial queue, the recurring jobs that feed
// it, the execution journal and config hot reload.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store journal.Store
	rec   *journal.Recorder

	queue        *asyncqueue.Queue
	closeTimeout time.Duration
	sched        *recurring.Scheduler

	watchdog    recurring.Job
	hasWatchdog bool

	admin *admin.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log)
	alog := log.With(logx.String("comp", "app"))

	qcfg, closeTimeout, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	bus := eventbus.New()

	var (
		store journal.Store
		rec   *journal.Recorder
	)
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := journal.Open(jc, log)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		store = st
		rec = journal.NewRecorder(st, bus, log)
		alog.Info("journal enabled", logx.String("driver", jc.Driver), logx.String("path", jc.Path))
	}

	a := &App{
		cfgm:         cfgm,
		log:          alog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		rec:          rec,
		closeTimeout: closeTimeout,
	}
	a.watchdog, a.hasWatchdog = watchdogJob(alog)

	a.queue = asyncqueue.New(qcfg, log.With(logx.String("comp", "asyncqueue")), bus)
	a.sched = recurring.New(a.queue, loc, log.With(logx.String("comp", "recurring")))
	if ac, enabled := mapAdminConfig(cfg); enabled {
		a.admin = admin.New(ac, a, log)
	}
	return a, nil
}

// Queue exposes the app's queue so callers can submit their own operations.
func (a *App) Queue() *asyncqueue.Queue { return a.queue }

// Jobs returns the registered recurring jobs.
func (a *App) Jobs() []recurring.JobInfo { return a.sched.Jobs() }

// Journal returns the execution journal, or nil when it is disabled.
func (a *App) Journal() journal.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

// Admin returns the diagnostics server, or nil when it is disabled.
func (a *App) Admin() *admin.Server { return a.admin }

// QueueSnapshot, RecentJournal and Jobs feed the diagnostics server.
func (a *App) QueueSnapshot() asyncqueue.Snapshot { return a.queue.Snapshot() }

func (a *App) RecentJournal(ctx context.Context, n int) ([]journal.Record, error) {
	if a.store == nil {
		return nil, nil
	}
	recs, err := a.store.Recent(ctx, n)
	if recs == nil && err == nil {
		recs = []journal.Record{}
	}
	return recs, err
}

// validate is installed on the config manager so a bad reload is rejected
// before anything is applied.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	for _, jc := range cfg.Jobs {
		name := strings.TrimSpace(jc.Name)
		if name == watchdogJobName {
			errs = append(errs, fmt.Errorf("jobs[%s]: name is reserved", name))
		}
		if strings.TrimSpace(jc.Schedule) == "" {
			continue
		}
		ps, err := recurring.ParseSchedule(jc.Schedule)
		if err == nil {
			_, err = ps.Schedule()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%s].schedule: %w", name, err))
		}
	}
	if _, _, err := mapQueueConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapJournalConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if ac, enabled := mapAdminConfig(cfg); enabled {
		if err := admin.CheckBind(ac); err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) jobDefs(cfg *config.Config) ([]recurring.Job, error) {
	jobs, err := buildJobs(cfg, a.log.With(logx.String("comp", "jobs")))
	if err != nil {
		return nil, err
	}
	if a.hasWatchdog {
		jobs = append(jobs, a.watchdog)
	}
	return jobs, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	if err := a.validate(ctx, cfg); err != nil {
		return err
	}
	a.cfgm.SetValidator(a.validate)

	if a.rec != nil {
		a.sup.GoRestart("journal.recorder", a.rec.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	jobs, err := a.jobDefs(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.Replace(jobs); err != nil {
		return err
	}

	// A payload panic terminates the queue for good: surface it as a fatal
	// app error so the process exits and the service manager restarts it.
	a.sup.Go("queue.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.queue.Done():
			return a.queue.Err()
		}
	})

	if a.log.Enabled(logx.LevelDebug) {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	if a.admin != nil {
		a.sup.GoRestart("admin", a.admin.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(applied, newCfg)
				applied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("queue", a.queue.Name()),
		logx.Int("jobs", len(jobs)),
		logx.String("config", a.cfgm.Path()),
	)
	sdNotify(a.log, daemon.SdNotifyReady, sdStatus("running %d jobs", len(jobs)))
	return nil
}

// Reload re-reads the config file now. The watcher normally does this on
// its own; Reload serves SIGHUP.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload requested (no changes)")
		return nil
	}
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
	}
	return err
}

// apply makes newCfg effective. Queue, journal and admin settings need a restart.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sdNotify(a.log, daemon.SdNotifyReloading)

	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		sdNotify(a.log, daemon.SdNotifyReady)
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range sections {
		if s == "queue" || s == "journal" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if loc, err := loadLocation(newCfg.Timezone); err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	} else if err := a.sched.SetLocation(loc); err != nil {
		a.log.Warn("timezone change incomplete", logx.Err(err))
	}

	if len(jobsChanged) > 0 {
		jobs, err := a.jobDefs(newCfg)
		if err == nil {
			err = a.sched.Replace(jobs)
		}
		if err != nil {
			a.log.Warn("jobs not fully applied", logx.Err(err))
		}
		a.log.Debug("jobs changed", logx.Any("jobs", jobsChanged))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	sdNotify(a.log, daemon.SdNotifyReady, sdStatus("running %d jobs", len(a.sched.Jobs())))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping, sdStatus("stopping (%s)", reason))

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Scheduler first so no new runs are submitted, then the queue: its
	// discards are published while the journal recorder still listens.
	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("queue", a.closeTimeout, a.queue.Close)

	// The recorder flushes what it already received when its context ends.
	step("supervisor", 3*time.Second, func(c context.Context) error {
		a.sup.Cancel()
		return a.sup.Wait(c)
	})
	step("journal", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.queue.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("executed", snap.Executed),
		logx.Uint64("cancelled", snap.Cancelled),
		logx.Uint64("discarded", snap.Discarded),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
