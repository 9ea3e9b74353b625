package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kal997/block-notification-server/internal/config"
	"github.com/kal997/block-notification-server/internal/logger"
	"github.com/kal997/block-notification-server/internal/metrics"
	"github.com/kal997/block-notification-server/internal/notifier"
	"github.com/kal997/block-notification-server/internal/server"
	"github.com/kal997/block-notification-server/internal/source"
)

// How often counter totals are written to the log
const metricsLogInterval = time.Minute

func main() {

	if value, ok := os.LookupEnv("ENV"); ok && value == "prod" {
		// In Docker/Compose, rely only on provided env vars
	} else {
		// Local dev: force load .env
		if err := godotenv.Overload(); err != nil {
			log.Fatalf("Could not load .env: %v", err)
		}
	}

	// Load configuration into config
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFile, err := os.OpenFile(cfg.GetLogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	logr, err := logger.New(string(cfg.GetLogLevel()), io.MultiWriter(os.Stdout, logFile))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Metrics
	provider := metrics.NewProvider()
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logr.WithError(err).Warn("failed to shut down meter provider")
		}
	}()
	recorder, err := metrics.New(provider.Meter())
	if err != nil {
		logr.WithError(err).Fatal("failed to initialize metrics")
	}

	svc, err := notifier.New(notifier.Options{
		ShardCount:   cfg.GetShardCount(),
		QueueDepth:   cfg.GetQueueDepth(),
		SendTimeout:  cfg.GetSendTimeout(),
		TracePublish: cfg.IsDebugEnabled(),
		Logger:       logr,
		Metrics:      recorder,
	})
	if err != nil {
		logr.WithError(err).Fatal("failed to initialize notification service")
	}
	defer svc.Close()

	// Initialize event source, worst case 5s before timeout
	src, err := source.NewRedisSource(cfg.GetRedisAddr(), svc, source.RedisOptions{
		KeyPrefix:    cfg.GetKeyPrefix(),
		EventChannel: cfg.GetEventChannel(),
		Logger:       logr,
	})
	if err != nil {
		logr.WithError(err).Fatal("failed to initialize event source")
	}
	defer func() {
		if err := src.Close(); err != nil {
			logr.WithError(err).Warn("failed to close event source")
		}
	}()

	logr.WithFields(logrus.Fields{
		"listen":    cfg.GetListenAddr(),
		"redis":     cfg.GetRedisAddr(),
		"log_file":  cfg.GetLogFile(),
		"shards":    cfg.GetShardCount(),
		"queue":     cfg.GetQueueDepth(),
		"send_wait": cfg.GetSendTimeout().String(),
	}).Info("starting block notification server")

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sourceErr := make(chan error, 1)
	go func() {
		sourceErr <- src.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr: cfg.GetListenAddr(),
		Handler: server.NewServerWithConfig(svc, logr, server.ServerConfig{
			HealthChecks: []server.HealthChecker{src},
			Metrics:      provider,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	go logMetrics(ctx, provider, svc, logr)

	// Wait for shutdown signal or a component failure
	select {
	case <-ctx.Done():
		logr.Info("received shutdown signal, stopping")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.WithError(err).Error("subscriber transport failed")
		}
	case err := <-sourceErr:
		if err != nil {
			logr.WithError(err).Error("event source failed")
		} else {
			logr.Warn("event source stopped")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logr.WithError(err).Warn("failed to shut down subscriber transport")
	}
	logr.Info("shut down")
}

func logMetrics(ctx context.Context, provider *metrics.Provider, svc *notifier.Service, log logrus.FieldLogger) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			totals, err := provider.Totals(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to collect metrics")
				continue
			}
			fields := logrus.Fields{}
			for name, v := range totals {
				fields[name] = v
			}
			stats := svc.Stats()
			fields["endpoints"] = stats.Endpoints
			fields["subscriptions"] = stats.Registry.Subscriptions
			fields["last_seq"] = stats.LastSeq
			log.WithFields(fields).Info("metrics")
		}
	}
}
