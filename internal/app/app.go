// Package app assembles the bot: storage, fetcher, classifier, preference
// model, delivery pipeline, scheduler and the chat command surface.
package app

import (
	"context"
	"fmt"
	"time"

	"sitewatch/internal/bot"
	"sitewatch/internal/classify"
	"sitewatch/internal/config"
	"sitewatch/internal/eventbus"
	"sitewatch/internal/monitor"
	"sitewatch/internal/monitor/fetch"
	"sitewatch/internal/notify"
	"sitewatch/internal/prefs"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport/telegram"
	logx "sitewatch/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	bus      eventbus.Bus
	delivery *notify.Service
	pipeline *notify.Pipeline
	monitor  *monitor.Service
	router   *bot.Service

	cfgCh   chan *config.Config
	applyWG chan struct{}
}

// New wires all components from the committed configuration. It does not
// start anything.
func New(mgr *config.Manager, logSvc *logx.Service, log logx.Logger) (*App, error) {
	cfg := mgr.Get()
	if cfg == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: durationOr(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	fetcher := fetch.New(fetchConfig(cfg), log.With(logx.String("component", "fetch")))

	var primary classify.Analyzer
	if cfg.Classifier.Endpoint != "" {
		remote, err := classify.NewRemote(classify.RemoteConfig{
			Endpoint: cfg.Classifier.Endpoint,
			APIKey:   cfg.Classifier.APIKey,
			Model:    cfg.Classifier.Model,
			Timeout:  durationOr(cfg.Classifier.Timeout, 30*time.Second),
		}, log.With(logx.String("component", "classify")))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("classifier: %w", err)
		}
		primary = remote
	}
	analyzer := classify.NewFallback(primary, log.With(logx.String("component", "classify")))

	model := prefs.New(prefs.Config{
		NotifyThreshold: cfg.Preferences.NotifyThreshold,
		LikeRatioHigh:   cfg.Preferences.LikeRatioHigh,
		LikeRatioLow:    cfg.Preferences.LikeRatioLow,
		MinSamples:      cfg.Preferences.MinSamples,
		WeightStep:      cfg.Preferences.WeightStep,
	}, store, log.With(logx.String("component", "prefs")))

	notifyCfg := notifyConfig(cfg)
	delivery := notify.NewService(notifyCfg, adapter, store, bus,
		log.With(logx.String("component", "delivery")))
	pipeline := notify.NewPipeline(notifyCfg, analyzer, model, store, delivery, bus,
		log.With(logx.String("component", "pipeline")))

	mon := monitor.New(monitorConfig(cfg), store, fetcher, pipeline, bus,
		log.With(logx.String("component", "monitor")))

	router := bot.New(adapter, store, pipeline, bus, mon.DefaultCheckEvery,
		log.With(logx.String("component", "bot")))

	return &App{
		mgr:      mgr,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		bus:      bus,
		delivery: delivery,
		pipeline: pipeline,
		monitor:  mon,
		router:   router,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.delivery.Start(ctx); err != nil {
		return err
	}
	if err := a.router.Start(ctx); err != nil {
		return err
	}
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}

	a.cfgCh = a.mgr.Subscribe(4)
	a.applyWG = make(chan struct{})
	go a.applyLoop()

	a.log.Info("started")
	return nil
}

// Stop shuts components down in reverse dependency order so no producer
// outlives its consumer.
func (a *App) Stop(ctx context.Context) error {
	if a.cfgCh != nil {
		a.mgr.Unsubscribe(a.cfgCh)
		<-a.applyWG
	}

	if err := a.monitor.Stop(ctx); err != nil {
		a.log.Warn("monitor stop", logx.Err(err))
	}
	a.pipeline.Close()
	if err := a.delivery.Stop(ctx); err != nil {
		a.log.Warn("delivery stop", logx.Err(err))
	}
	if err := a.router.Stop(ctx); err != nil {
		a.log.Warn("router stop", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return nil
}

// applyLoop reacts to committed config changes. Logging and the scheduler
// take effect live; transport, storage and classifier changes need a restart.
func (a *App) applyLoop() {
	defer close(a.applyWG)
	for cfg := range a.cfgCh {
		a.log.Info("applying configuration change")
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.monitor.Apply(ctx, monitorConfig(cfg)); err != nil {
			a.log.Error("applying monitor config failed", logx.Err(err))
		}
		cancel()
	}
}

// durationOr parses a validated duration string, falling back to def for the
// empty string. Config validation already rejected malformed values.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: durationOr(cfg.Storage.BusyTimeout, 5*time.Second),
	}
}

func fetchConfig(cfg *config.Config) fetch.Config {
	return fetch.Config{
		Timeout:     durationOr(cfg.Fetch.Timeout, 30*time.Second),
		Attempts:    cfg.Fetch.Attempts,
		BackoffBase: durationOr(cfg.Fetch.BackoffBase, time.Second),
		PreDelayMin: durationOr(cfg.Fetch.PreDelayMin, time.Second),
		PreDelayMax: durationOr(cfg.Fetch.PreDelayMax, 3*time.Second),
		VerifyTLS:   cfg.Fetch.VerifyTLS,
	}
}

func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Enabled:      cfg.Monitor.Enabled,
		ScanEvery:    durationOr(cfg.Monitor.ScanEvery, 10*time.Minute),
		Workers:      cfg.Monitor.Workers,
		CheckEvery:   durationOr(cfg.Monitor.CheckEvery, 10*time.Minute),
		SiteDelayMin: durationOr(cfg.Monitor.SiteDelayMin, 2*time.Second),
		SiteDelayMax: durationOr(cfg.Monitor.SiteDelayMax, 5*time.Second),
	}
}

func notifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     durationOr(cfg.Notify.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: durationOr(cfg.Notify.RetryMaxDelay, 10*time.Second),
		SendTimeout:   durationOr(cfg.Notify.SendTimeout, 10*time.Second),
		GroupWindow:   durationOr(cfg.Notify.GroupWindow, 30*time.Minute),
	}
}
