package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatdigest/internal/capture"
	"chatdigest/internal/commands"
	"chatdigest/internal/config"
	"chatdigest/internal/digest"
	"chatdigest/internal/eventbus"
	"chatdigest/internal/render/narrative"
	"chatdigest/internal/render/tabular"
	"chatdigest/internal/runtime/supervisor"
	"chatdigest/internal/storage"
	"chatdigest/internal/summarize"
	"chatdigest/internal/task/engine"
	"chatdigest/internal/task/scheduler"
	"chatdigest/internal/transport"
	telegram "chatdigest/internal/transport/telegram/adapter"
	"chatdigest/internal/transport/telegram/router"
	"chatdigest/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	archive *storage.Archive

	adapter *telegram.Adapter
	router  *router.Router

	summarizer *summarize.Client
	engine     *engine.Service
	runner     *digest.Runner
	registry   *scheduler.Registry

	pruneEvery time.Duration
	updates    chan transport.Update
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateWiring(ctx, cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}
	delivery := transport.NewDelivery(ad)

	// Bootstrap with Telegram logging off, set the target, then apply the
	// final config so Apply never warns about a missing target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logs, root := logx.New(bootCfg, delivery)
	logs.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logs.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	// Wiring failures below must release what was already opened.
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = logs.Close()
		return nil, err
	}

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	closers = append(closers, store.Close)

	ac, pruneEvery, _ := mapArchiveConfig(cfg)
	arc, err := storage.OpenArchive(ctx, ac, root)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, arc.Close)

	sumCfg, _ := mapSummarizerConfig(cfg)
	sum := summarize.New(sumCfg, root)

	renderOpts, _ := mapRenderOptions(cfg)
	engCfg, _ := mapTaskEngineConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	gap, _ := sendDelay(cfg)

	bus := eventbus.New()
	eng := engine.New(engCfg, root, bus)

	runner := digest.NewRunner(digest.RunnerDeps{
		Store:      store,
		Source:     arc,
		Aggregator: digest.NewAggregator(arc, sum, root),
		Narrative:  narrative.New(renderOpts, root),
		Tabular:    tabular.New(root),
		Pool:       eng,
		Sink:       delivery,
		Log:        root,
	}, digest.RunnerOptions{TempDir: cfg.Digest.TempDir, SendInterval: gap})

	reg, err := scheduler.New(schedCfg, store, func(ctx context.Context, job digest.Job) error {
		_, err := runner.Run(ctx, job)
		return err
	}, root, bus)
	if err != nil {
		return fail(err)
	}

	rec := capture.New(arc, root)
	rt := router.New(root.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs,
		router.WithPassive(rec.Handle))
	cmds := commands.New(commands.Deps{
		Registry: reg,
		Store:    store,
		Archive:  arc,
		Runner:   runner,
		Log:      root,
		Location: location(cfg),
	})
	rt.SetRegistry(cmds.Commands())

	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateWiring)

	log.Info("wired",
		logx.String("storage", sc.Driver),
		logx.String("archive", ac.Path),
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
	)
	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logs,
		bus:        bus,
		store:      store,
		archive:    arc,
		adapter:    ad,
		router:     rt,
		summarizer: sum,
		engine:     eng,
		runner:     runner,
		registry:   reg,
		pruneEvery: pruneEvery,
		updates:    make(chan transport.Update, 256),
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	a.registry.Start(run)
	n, err := a.registry.Restore(run)
	if err != nil {
		// Jobs of owners that failed to load stay dormant until re-added.
		a.log.Warn("restore incomplete", logx.Int("restored", n), logx.Err(err))
	} else {
		a.log.Info("jobs restored", logx.Int("count", n))
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("menu.publish", func(c context.Context) error {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
		return nil
	})
	a.sup.Go("archive.prune", a.pruneLoop)
	a.sup.Go("eventbus.log", a.eventLog)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) pruneLoop(ctx context.Context) error {
	prune := func() {
		if _, err := a.archive.Prune(ctx, time.Now()); err != nil && ctx.Err() == nil {
			a.log.Warn("archive prune failed", logx.Err(err))
		}
	}
	prune()
	t := time.NewTicker(a.pruneEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			prune()
		}
	}
}

// eventLog mirrors bus events at DEBUG.
func (a *App) eventLog(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if je, ok := e.Data.(scheduler.JobEvent); ok {
				fields = append(fields, logx.String("job", je.Key), logx.String("trigger", je.Trigger))
				if je.Error != "" {
					fields = append(fields, logx.String("error", je.Error))
				}
			}
			a.log.Debug("event", fields...)
		}
	}
}

// reloadLoop applies hot-reloadable sections. Storage, archive, telegram
// token and scheduler changes need a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if gap, err := sendDelay(next); err == nil {
		a.runner.SetSendInterval(gap)
	}
	if sc, err := mapSummarizerConfig(next); err == nil {
		a.summarizer.Apply(sc)
	}
	if ec, err := mapTaskEngineConfig(next); err == nil {
		a.engine.Apply(ec)
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "storage", "archive", "scheduler", "task_engine":
			restart = append(restart, s)
		}
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		restart = append(restart, "telegram")
	}
	slices.Sort(restart)
	restart = slices.Compact(restart)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
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

	step("adapter", 3*time.Second, a.adapter.Stop)
	step("scheduler", 5*time.Second, a.registry.Stop)
	step("taskengine", 3*time.Second, a.engine.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("archive", time.Second, func(context.Context) error { return a.archive.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
