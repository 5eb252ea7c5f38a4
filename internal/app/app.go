package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"salonnotify/internal/api"
	"salonnotify/internal/channel"
	"salonnotify/internal/config"
	"salonnotify/internal/eventbus"
	"salonnotify/internal/handler"
	"salonnotify/internal/notify"
	"salonnotify/internal/scheduler"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// App wires the engine together: config, logging, storage, the handler
// registry, the orchestrator, the scheduler and the admin API.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	bus   eventbus.Bus

	registry *handler.Registry
	orch     *notify.Orchestrator
	sched    *scheduler.Service

	api *api.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logs}
	if err := a.build(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// build constructs every component from a parsed config. Called once from
// New; config hot-reload only retunes logging (structural sections need a
// restart).
func (a *App) build(cfg *config.Config) error {
	storeCfg, err := storageConfig(cfg.Storage)
	if err != nil {
		return err
	}
	store, err := storage.Open(storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.bus = eventbus.New()

	renderer := channel.NewStaticRenderer()
	for key, tpl := range cfg.Templates {
		if tpl.Email != nil {
			renderer.Put(key, channel.ChannelEmail, channel.Rendered{
				Primary:   tpl.Email.Subject,
				Secondary: tpl.Email.Body,
			})
		}
		if tpl.Push != nil {
			renderer.Put(key, channel.ChannelPush, channel.Rendered{
				Primary:   tpl.Push.Title,
				Secondary: tpl.Push.Body,
				Tertiary:  tpl.Push.Preview,
			})
		}
	}
	dir := channel.NewStaticDirectory(cfg.Directory.Users, cfg.Directory.Audiences)

	email := channel.NewSMTPEmail(channel.SMTPConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		User:     cfg.Email.User,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
		ReplyTo:  cfg.Email.ReplyTo,
	}, a.log.With(logx.String("comp", "email")))

	pushTimeout, err := config.ParseDuration("push.timeout", cfg.Push.Timeout, 0)
	if err != nil {
		return err
	}
	push := channel.NewHTTPPush(channel.PushConfig{
		Endpoint: cfg.Push.Endpoint,
		Token:    cfg.Push.Token,
		Timeout:  pushTimeout,
	}, a.log.With(logx.String("comp", "push")))

	orchCfg := notify.Config{From: cfg.Email.From, RatePerSec: 10}
	if cfg.Orchestrator != nil {
		if cfg.Orchestrator.RatePerSec > 0 {
			orchCfg.RatePerSec = cfg.Orchestrator.RatePerSec
		}
		if strings.TrimSpace(cfg.Orchestrator.From) != "" {
			orchCfg.From = cfg.Orchestrator.From
		}
	}
	a.orch = notify.New(orchCfg, email, push, renderer, dir, store, a.bus,
		a.log.With(logx.String("comp", "orchestrator")))

	a.registry = handler.NewRegistry(a.log.With(logx.String("comp", "handlers")))

	schedCfg, err := schedulerConfig(cfg.Scheduler)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(schedCfg, store, a.registry, a.bus,
		a.log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return err
	}
	a.sched = sched
	a.orch.SetDeferrer(sched)

	handlerLog := a.log.With(logx.String("comp", "handlers"))
	a.registry.Register(task.TypeEmail, handler.NewEmailHandler(email, renderer, handlerLog))
	a.registry.Register(task.TypePush, handler.NewPushHandler(push, renderer, handlerLog))
	a.registry.Register(task.TypeIndividualEmail, handler.NewIndividualEmailHandler(email, renderer, orchCfg.RatePerSec, handlerLog))
	a.registry.Register(task.TypeOrchestration, handler.NewOrchestrationHandler(a.orch, handlerLog))
	a.registry.Register(task.TypeCustom, handler.NewLogHandler(handlerLog))

	if cfg.API.Enabled {
		srvCfg, err := serverConfig(cfg.API)
		if err != nil {
			return err
		}
		h := api.NewHandler(sched, a.orch, a.log.With(logx.String("comp", "api")))
		a.api = api.NewServer(srvCfg, h, a.log.With(logx.String("comp", "api")))
	}
	return nil
}

// Scheduler exposes the task scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Orchestrator exposes the delivery orchestrator for embedding callers.
func (a *App) Orchestrator() *notify.Orchestrator { return a.orch }

// Registry exposes the handler registry so callers can add custom handlers
// before Start.
func (a *App) Registry() *handler.Registry { return a.registry }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := storageConfig(cfg.Storage); err != nil {
			return err
		}
		if _, err := schedulerConfig(cfg.Scheduler); err != nil {
			return err
		}
		if _, err := serverConfig(cfg.API); err != nil {
			return err
		}
		if _, err := config.ParseDuration("push.timeout", cfg.Push.Timeout, 0); err != nil {
			return err
		}
		return nil
	})

	a.sched.Start(a.sup.Context())

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	// log bus traffic at debug so operators can trace task and delivery flow
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("events.log", func(c context.Context) {
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

	// hot reload fan-out; only logging is retuned live
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
				// Coalesce bursts: keep only the latest config.
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
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				structural := false
				for _, s := range sections {
					if s != "logging" {
						structural = true
						break
					}
				}
				if structural {
					a.log.Warn("config sections changed that need a restart to apply",
						logx.String("changed", strings.Join(sections, ",")))
				}
				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		fn(stepCtx)
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.api != nil {
		step("api", 3*time.Second, func(c context.Context) { a.api.Stop(c) })
	}
	step("scheduler", 5*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// ---- config mapping ----

func storageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
		Addr:        sc.Addr,
		Password:    sc.Password,
		DB:          sc.DB,
	}, nil
}

func schedulerConfig(sc config.SchedulerConfig) (scheduler.Config, error) {
	horizon, err := config.ParseDuration("scheduler.horizon", sc.Horizon, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	fast, err := config.ParseDuration("scheduler.fast_interval", sc.FastInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	slow, err := config.ParseDuration("scheduler.slow_interval", sc.SlowInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Horizon: horizon, FastInterval: fast, SlowInterval: slow}, nil
}

func serverConfig(ac config.APIConfig) (api.ServerConfig, error) {
	read, err := config.ParseDuration("api.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.ServerConfig{}, err
	}
	write, err := config.ParseDuration("api.write_timeout", ac.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.ServerConfig{}, err
	}
	idle, err := config.ParseDuration("api.idle_timeout", ac.IdleTimeout, time.Minute)
	if err != nil {
		return api.ServerConfig{}, err
	}
	return api.ServerConfig{
		Addr:         ac.Addr,
		Token:        ac.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
