// Package app wires configuration, stores, the Telegram adapter, the
// scheduler, workers, housekeeping, and the HTTP control surface into one
// process.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/ai"
	"relaybot/internal/backend"
	"relaybot/internal/config"
	"relaybot/internal/httpapi"
	"relaybot/internal/rules"
	"relaybot/internal/scheduler"
	"relaybot/internal/store"
	"relaybot/internal/telegram"
	"relaybot/internal/worker"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter

	tasks     *store.TaskStore
	ruleStore *store.RuleStore
	quota     *store.QuotaGate
	history   *store.HistoryStore

	ruleEngine *rules.Engine
	dispatcher *backend.Dispatcher
	sched      *scheduler.Scheduler
	workers    *worker.Manager
	aiClient   *ai.Client

	api  *httpapi.Server
	cron *cron.Cron

	wg sync.WaitGroup
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	dataDir := cfg.Data.Dir
	if dataDir == "" {
		dataDir = "./data"
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
		Stickers:    cfg.Telegram.Stickers,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	tasks := store.NewTaskStore(dataDir, log.With(logx.String("comp", "tasks")))
	ruleStore := store.NewRuleStore(dataDir, log.With(logx.String("comp", "rules")))
	quota := store.NewQuotaGate(dataDir, log.With(logx.String("comp", "quota")))
	history, err := store.OpenHistory(dataDir, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	ruleEngine := rules.NewEngine(ruleStore, log.With(logx.String("comp", "rules")))
	dispatcher := &backend.Dispatcher{Backend: adapter, Quota: quota}
	executor := scheduler.NewExecutor(tasks, dispatcher, log.With(logx.String("comp", "executor")))
	sched := scheduler.New(tasks, executor, log.With(logx.String("comp", "scheduler")))
	workers := worker.NewManager(log.With(logx.String("comp", "workers")))

	var aiClient *ai.Client
	if cfg.AI.Endpoint != "" {
		aiTimeout, err := config.ParseDurationOrDefault("ai.timeout", cfg.AI.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		aiClient = ai.New(ai.Config{
			Endpoint: cfg.AI.Endpoint,
			APIKey:   cfg.AI.APIKey,
			Model:    cfg.AI.Model,
			Timeout:  aiTimeout,
		})
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		adapter:    adapter,
		tasks:      tasks,
		ruleStore:  ruleStore,
		quota:      quota,
		history:    history,
		ruleEngine: ruleEngine,
		dispatcher: dispatcher,
		sched:      sched,
		workers:    workers,
		aiClient:   aiClient,
	}

	if cfg.API.Enabled {
		a.api = httpapi.New(cfg.API.Addr, httpapi.Deps{
			Scheduler:   sched,
			Tasks:       tasks,
			Quota:       quota,
			History:     history,
			Workers:     workers,
			StartWorker: a.startWorkerFromConfig,
			Log:         log,
		})
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.adapter.Start(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	a.watchLoggingConfig(ctx)

	a.startHousekeeping()

	for _, wc := range cfg.Workers {
		if err := a.startWorkerFromConfig(ctx, wc); err != nil {
			a.log.Error("boot worker failed", logx.String("contacts", wc.Contacts), logx.Err(err))
		}
	}

	if cfg.Scheduler.Autostart {
		a.sched.Start(ctx)
	}

	if a.api != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.api.Run(ctx); err != nil {
				a.log.Error("api server failed", logx.Err(err))
			}
		}()
	}

	a.log.Info("relaybot started")
	<-ctx.Done()
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.log.Info("shutting down")
	if a.cron != nil {
		a.cron.Stop()
	}
	a.workers.StopAll()
	a.sched.Stop()
	a.wg.Wait()
	if err := a.history.Close(); err != nil {
		a.log.Warn("history close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}

// watchLoggingConfig re-applies logging settings on config reloads. Other
// sections are intentionally boot-time only.
func (a *App) watchLoggingConfig(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-ch:
				if !ok || cfg == nil {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	}()
}

// startHousekeeping runs the periodic sweeps: the midnight quota reset and a
// one-minute status heartbeat.
func (a *App) startHousekeeping() {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		a.quota.ResetDaily()
		a.log.Info("daily quota sweep done")
	})
	if err != nil {
		a.log.Error("housekeeping cron setup failed", logx.Err(err))
	}
	_, err = c.AddFunc("@every 1m", func() {
		info := a.sched.StatusInfo()
		a.log.Debug("heartbeat",
			logx.Bool("scheduler_running", info.Running),
			logx.Int("pending_tasks", info.PendingCount),
			logx.Int("workers", len(a.workers.ListWorkers())),
			logx.Bool("backend_online", a.adapter.Online()))
	})
	if err != nil {
		a.log.Error("housekeeping cron setup failed", logx.Err(err))
	}
	c.Start()
	a.cron = c
}

// startWorkerFromConfig converts the wire shape into a runnable worker and
// registers it. Shared between boot-time workers and the HTTP surface.
func (a *App) startWorkerFromConfig(ctx context.Context, wc config.WorkerConfig) error {
	replyDelay, err := config.ParseDurationField("worker.reply_delay", wc.ReplyDelay)
	if err != nil {
		return err
	}
	minInterval, err := config.ParseDurationField("worker.min_reply_interval", wc.MinReplyInterval)
	if err != nil {
		return err
	}

	dataDir := "./data"
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Data.Dir != "" {
		dataDir = cfg.Data.Dir
	}

	wcfg := worker.Config{
		Backend:    a.adapter,
		Dispatcher: a.dispatcher,
		Rules:      a.ruleEngine,
		History:    a.history,
		Log:        a.log,

		Contacts: wc.Contacts,
		Model:    wc.Model,
		Persona:  wc.Persona,

		OnlyWhenMentioned: wc.OnlyWhenMentioned,
		MentionBack:       wc.MentionBack,
		ReplyDelay:        replyDelay,
		MinReplyInterval:  minInterval,

		GroupWatch:      wc.GroupWatch,
		SensitiveWords:  wc.SensitiveWords,
		ExtractPatterns: wc.ExtractPatterns,
		DataDir:         dataDir,
	}
	if a.aiClient != nil && wc.Model != "" && wc.Model != worker.ModelDisabled {
		wcfg.AI = a.aiClient
	}
	return a.workers.StartWorker(ctx, wcfg)
}
