// Command unical runs the calendar aggregation service: periodic source
// syncing plus the HTTP feed and admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"unical/internal/adapter"
	"unical/internal/config"
	"unical/internal/credentials"
	"unical/internal/feed"
	"unical/internal/scheduler"
	"unical/internal/store"
	"unical/internal/syncer"
	"unical/internal/web"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/unical/config.yaml", "path to config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config if set)")
	dev := flag.Bool("dev", false, "human-readable log output")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("unical starting", zap.String("version", version))

	conf, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("config_path", *configPath), zap.Error(err))
	}
	if *listen != "" {
		conf.Listen = *listen
	}

	logger.Info("effective config",
		zap.String("listen", conf.Listen),
		zap.String("db_path", conf.DBPath),
		zap.Int("sync_interval_minutes", conf.SyncIntervalMinutes),
		zap.Int("sync_timeout_seconds", conf.SyncTimeoutSeconds),
		zap.Int("max_concurrent_syncs", conf.MaxConcurrentSyncs),
	)

	st, err := store.Open(conf.DBPath)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("db_path", conf.DBPath), zap.Error(err))
	}
	defer st.Close()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	adapters := adapter.NewRegistry(httpClient)
	creds := credentials.NewProvider(st, httpClient, logger)
	orch := syncer.New(st, creds, adapters, logger, syncer.Options{
		Timeout:       time.Duration(conf.SyncTimeoutSeconds) * time.Second,
		WindowPast:    time.Duration(conf.WindowPastDays) * 24 * time.Hour,
		WindowFuture:  time.Duration(conf.WindowFutureDays) * 24 * time.Hour,
		MaxConcurrent: conf.MaxConcurrentSyncs,
		BackoffBase:   time.Minute,
	})
	generator := feed.NewGenerator(st, logger)
	sched := scheduler.New(st, orch, time.Duration(conf.SyncIntervalMinutes)*time.Minute, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, st, orch, generator, logger).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", conf.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// Let in-flight sync attempts finish their commit or rollback.
	orch.Wait()

	logger.Info("shutdown complete")
}
