package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/config"
	"sitewatch/internal/logging"
	"sitewatch/internal/monitor"
	"sitewatch/internal/notify"
	"sitewatch/internal/ping"
	"sitewatch/internal/queue"
	"sitewatch/internal/repository"
	"sitewatch/internal/schedule"
	"sitewatch/internal/web"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("sitewatch: %v", err)
	}
}

// run wires the process together: config, logger, store, scheduler runtime
// and HTTP API. It returns once a SIGINT or SIGTERM has been handled.
func run(configPath string) error {
	start := time.Now()

	cfgMgr := config.NewManager(configPath)
	if err := cfgMgr.LoadOrDefault(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	logger, level := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = repo.Close() }()
	logger.Info("database ready", zap.String("driver", cfg.Database.Driver))

	registry := schedule.New(repo.DB)
	executor := ping.NewExecutor(ping.WithTimeout(config.Duration(cfg.Scheduler.PingTimeout, config.DefaultPingTimeout)))

	mailer := notify.NewMailer(cfg.SMTP)
	if cfg.SMTP.Enabled && cfg.SMTP.To != "" {
		go func() {
			if err := mailer.SendStartupCheck(ctx); err != nil {
				logger.Warn("smtp self-check failed", zap.Error(err))
				return
			}
			logger.Info("smtp self-check passed", zap.String("to", cfg.SMTP.To))
		}()
	}
	dispatchers := notify.Multi{mailer}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		dispatchers = append(dispatchers, tg)
	}
	alerts := notify.NewAsync(dispatchers, logger, 30*time.Second)
	defer alerts.Close()
	logger.Info("alert channels configured",
		zap.Bool("smtp", cfg.SMTP.Enabled), zap.Bool("telegram", cfg.Telegram.Enabled))

	mon := monitor.New(repo, registry, executor, alerts, monitor.Policy{
		AutoRemoveThreshold: cfg.Scheduler.AutoRemoveThreshold,
		NotifyRecovery:      cfg.Scheduler.NotifyRecovery,
	}, logger)

	if _, err := mon.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile schedules: %w", err)
	}

	rt := queue.New(repo, registry, mon.HandleJob, queue.Options{
		Workers:      cfg.Scheduler.Workers,
		PollInterval: config.Duration(cfg.Scheduler.PollInterval, config.DefaultPollInterval),
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBase:    config.Duration(cfg.Scheduler.RetryBase, config.DefaultRetryBase),
	}, logger)
	if err := rt.Start(ctx); err != nil {
		return err
	}

	handler := web.New(cfgMgr, repo, mon, rt, level, logger, start)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	// Stop accepting requests first, then let running checks finish.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	rt.Stop()
	logger.Info("sitewatch stopped")
	return runErr
}
