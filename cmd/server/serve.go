package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"guard-automation/internal/api"
	"guard-automation/internal/artifacts"
	"guard-automation/internal/automation"
	"guard-automation/internal/automation/guard"
	"guard-automation/internal/browserlock"
	"guard-automation/internal/config"
	"guard-automation/internal/jobs"
	"guard-automation/internal/logging"
	"guard-automation/internal/queue"
	"guard-automation/internal/ratelimit"
	"guard-automation/internal/store"
	"guard-automation/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			v, err := config.New(path)
			if err != nil {
				return err
			}
			// PORT wins over WEBHOOK_PORT in config.Load, so the flag binds there.
			if err := v.BindPFlag("PORT", cmd.Flags().Lookup("port")); err != nil {
				return err
			}
			if err := v.BindPFlag("MAX_WORKERS", cmd.Flags().Lookup("workers")); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().Int("port", 0, "listen port (overrides PORT and WEBHOOK_PORT)")
	cmd.Flags().Int("workers", 0, "worker count (overrides MAX_WORKERS)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logOpts := logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}
	if cfg.LogToFile {
		logOpts.File = filepath.Join(cfg.LogDir, "webhook_server.log")
	}
	logger, closeLog, err := logging.New(logOpts)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	arts, err := newArtifacts(ctx, cfg, logger)
	if err != nil {
		return err
	}
	st, err := store.New(store.Options{Retention: cfg.TaskRetention, MaxRetained: cfg.TaskRetentionMax})
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	q := queue.NewFIFO(cfg.QueueCapacity)
	lock := browserlock.New()

	drv, closeDriver := newDriver(cfg, logger)
	defer closeDriver()

	pool := worker.NewPool(q, st, lock, drv, arts, worker.Options{
		Workers:       cfg.MaxWorkers,
		LockTimeout:   cfg.LockTimeout,
		LockRetries:   cfg.LockRetries,
		DriverTimeout: cfg.DriverTimeout,
		Logger:        logger,
	})
	svc := jobs.New(st, q, lock, pool, arts, jobs.Options{
		DefaultSessionKey: cfg.DefaultSessionKey,
		Logger:            logger,
	})

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, webhook requests will fail until it recovers", "addr", cfg.RedisAddr, "error", err)
		}
		limiter = ratelimit.NewTokenBucket(client, ratelimit.Options{
			Capacity:        cfg.RateLimitCapacity,
			RefillPerSecond: cfg.RateLimitRefill,
			TTL:             time.Hour,
		})
	}

	server := api.New(svc, api.Options{
		WebhookPath: cfg.WebhookPath,
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     limiter,
		Metrics:     cfg.MetricsEnabled,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting guard automation server",
		"addr", cfg.Addr(),
		"webhook", cfg.WebhookPath,
		"driver", cfg.Driver,
		"workers", cfg.MaxWorkers,
		"queue_capacity", cfg.QueueCapacity,
		"headless", cfg.BrowserHeadless,
		"rate_limit", limiter != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped", "pending", q.Len())
	return err
}

func newArtifacts(ctx context.Context, cfg config.Config, logger *slog.Logger) (*artifacts.Store, error) {
	opts := []artifacts.Option{artifacts.WithLogger(logger)}
	if cfg.TraceS3Bucket != "" {
		mirror, err := artifacts.NewS3Mirror(ctx, artifacts.S3Options{
			Bucket:    cfg.TraceS3Bucket,
			Region:    cfg.TraceS3Region,
			Endpoint:  cfg.TraceS3Endpoint,
			PathStyle: cfg.TraceS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("trace mirror: %w", err)
		}
		opts = append(opts, artifacts.WithMirror(mirror))
		logger.Info("mirroring traces to s3", "bucket", cfg.TraceS3Bucket)
	}
	return artifacts.New(artifacts.Paths{
		SessionDir:    cfg.SessionDir,
		TraceDir:      cfg.TraceDir,
		ScreenshotDir: cfg.ScreenshotDir,
	}, opts...), nil
}

func newDriver(cfg config.Config, logger *slog.Logger) (automation.Driver, func()) {
	if cfg.Driver == "simulate" {
		logger.Warn("using simulated driver, no browser will be launched")
		return automation.Simulator{MinDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}, func() {}
	}
	d := guard.New(guard.Config{
		LoginURL: cfg.GuardLoginURL,
		BaseURL:  cfg.GuardBaseURL,
		Username: cfg.GuardUsername,
		Password: cfg.GuardPassword,
		Headless: cfg.BrowserHeadless,
		Timeout:  cfg.BrowserTimeout,
		Tracing:  cfg.EnableTracing,
		Install:  cfg.BrowserInstall,
		Logger:   logger,
	})
	return d, func() {
		if err := d.Close(); err != nil {
			logger.Warn("close browser driver", "error", err)
		}
	}
}
