// Package app wires the bot together: config, logging, transport,
// storage, the scheduler and everything that delivers quizzes.
package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"timerquiz/internal/config"
	"timerquiz/internal/content"
	"timerquiz/internal/delivery"
	"timerquiz/internal/eventbus"
	"timerquiz/internal/notifier"
	"timerquiz/internal/outbound"
	"timerquiz/internal/planner"
	"timerquiz/internal/polls"
	"timerquiz/internal/scoreboard"
	"timerquiz/internal/sequence"
	"timerquiz/internal/status"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/engine"
	"timerquiz/internal/task/scheduler"
	kit "timerquiz/internal/transport"
	"timerquiz/internal/transport/telegram/adapter"
	"timerquiz/internal/transport/telegram/router"
	logx "timerquiz/pkg/logx"

	rtsup "timerquiz/internal/runtime/supervisor"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *adapter.Adapter
	sender  *outbound.Sender
	store   storage.Store
	content *content.Cache
	redis   *redis.Client
	top     *scoreboard.RedisSink

	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	delivery *delivery.Engine
	seq      *sequence.Orchestrator
	plan     atomic.Pointer[planner.Planner]
	status   *status.Service
	cmdm     *router.CommandManager

	updates chan kit.Update
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)
	if chatID, ok := groupLogChat(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	} else if cfg.Logging.Telegram.Enabled {
		log.Warn("logging.telegram enabled but telegram.group_log is not a chat id")
	}
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, comp("storage")); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if a.store == nil {
		return fmt.Errorf("storage is required")
	}

	obc, err := mapOutbound(cfg)
	if err != nil {
		return err
	}
	a.sender = outbound.New(obc, a.adapter, comp("outbound"))

	if a.content, err = openContent(context.Background(), cfg, comp("content")); err != nil {
		return fmt.Errorf("content: %w", err)
	}

	var sbOpts []scoreboard.Option
	a.redis, a.top = openScoreboard(cfg)
	if a.top != nil {
		sbOpts = append(sbOpts, scoreboard.WithSink(a.top))
	}
	board := scoreboard.New(comp("scoreboard"), sbOpts...)

	nc, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, a.sender, comp("notifier"), a.bus)

	dc, err := mapDelivery(cfg)
	if err != nil {
		return err
	}
	a.delivery = delivery.New(dc, delivery.Deps{
		Content:    a.content,
		Sender:     a.sender,
		Polls:      polls.NewTracker(),
		Scoreboard: board,
		Notifier:   a.notif,
		Bus:        a.bus,
	}, comp("delivery"))

	seqc, err := mapSequence(cfg)
	if err != nil {
		return err
	}
	a.seq = sequence.New(seqc, sequence.Deps{
		Store:    a.store,
		Runner:   a.delivery,
		Content:  a.content,
		Notifier: a.notif,
		Bus:      a.bus,
	}, comp("sequence"))

	ec, err := mapTaskEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, comp("taskengine"), a.bus)

	schc, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	// The planner exists only after Start; missed jobs are reported then.
	a.sched = scheduler.New(schc, a.engine, log, scheduler.OnMissed(func(job scheduler.Job, late time.Duration) {
		if p := a.plan.Load(); p != nil {
			p.Missed(job, late)
		}
	}))

	a.cmdm = router.NewCommandManager(comp("commands"), a.sender, cfg.Telegram.OwnerUserIDs,
		router.WithMenuUpdater(a.adapter))
	a.cmdm.OnPollAnswer(a.delivery.HandleAnswer)
	return nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	pc, err := mapPlanner(cfg)
	if err != nil {
		return err
	}
	plan := planner.New(runCtx, pc, planner.Deps{
		Store:     a.store,
		Timers:    a.sched,
		Runner:    a.delivery,
		Sequences: a.seq,
		Notifier:  a.notif,
		Bus:       a.bus,
	}, a.log)
	a.plan.Store(plan)
	a.cmdm.SetRegistry(runCtx, a.commands(plan))

	stc, err := mapStatus(cfg)
	if err != nil {
		return err
	}
	stOpts := []status.Option{status.WithTimers(a.sched, a.seq.Registry().Active)}
	if a.top != nil {
		stOpts = append(stOpts, status.WithHistory(a.top))
	}
	a.status = status.New(stc, plan, a.bus, a.log, stOpts...)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		// Everything that can be applied live must map cleanly.
		if _, err := mapNotifier(c); err != nil {
			return err
		}
		_, err := mapStatus(c)
		return err
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.engine.Start(runCtx)

	n, err := plan.Restore(runCtx)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	a.log.Info("schedules restored", logx.Int("armed", n))
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if a.status.Enabled() {
		if err := a.status.Start(runCtx); err != nil {
			return err
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

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

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Sequences first: they leave their state for Restore.
	a.step(ctx, "sequences", 5*time.Second, func(c context.Context) error {
		if p := a.plan.Load(); p != nil {
			return p.Stop(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "status", time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// Never extend the caller's deadline.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
