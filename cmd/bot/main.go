package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sitewatch/internal/app"
	"sitewatch/internal/config"
	logx "sitewatch/pkg/logx"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (json or yaml)")
		watch      = flag.Bool("watch", true, "reload configuration on file change")
	)
	flag.Parse()

	mgr := config.NewManager(*configPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sitewatch: loading %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	a, err := app.New(mgr, logSvc, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		fmt.Fprintf(os.Stderr, "sitewatch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Error("startup failed", logx.Err(err))
		fmt.Fprintf(os.Stderr, "sitewatch: %v\n", err)
		os.Exit(1)
	}

	if *watch {
		go func() {
			if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Warn("config watcher exited", logx.Err(err))
			}
		}()
	}

	// Under systemd Type=notify this flips the unit to active; elsewhere it
	// is a no-op.
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && ok {
		log.Debug("systemd readiness notified")
	}

	<-ctx.Done()
	log.Info("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", logx.Err(err))
	}
}
