// Package main runs the on-site agent: it watches NVR shared storage and
// uploads finished segments to object storage.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-nvr/backend/config"
	"github.com/aura-nvr/backend/internal/cloudsync"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/internal/watcher"
	"github.com/aura-nvr/backend/pkg/awsclient"
	"github.com/aura-nvr/backend/pkg/database"
	"github.com/aura-nvr/backend/pkg/storage"
)

const (
	housekeepingInterval = time.Minute
	maxFailedLogged      = 10
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(config.RoleAgent); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsclient.Load(ctx, awsclient.Options{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Endpoint:        cfg.AWS.Endpoint,
	}, logger)
	if err != nil {
		logger.Fatal("aws config", zap.Error(err))
	}
	s3Client := storage.NewS3(awsCfg, cfg.AWS.Bucket, logger)

	var sink failures.Sink
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, database.PoolOptions{URL: cfg.Database.URL, MaxConns: int32(cfg.Database.MaxConns)}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		sink = failures.NewRepository(pool)
	}
	reporter := failures.NewReporter(sink, logger)

	extractor := metadata.New(cfg.Watcher.DefaultSite)
	ready := make(chan models.LocalFile, cfg.Watcher.QueueSize)

	w := watcher.New(watcher.Options{
		Root:        cfg.Watcher.Root,
		Interval:    cfg.Watcher.Interval,
		Extensions:  cfg.Watcher.Extensions,
		Retention:   cfg.Watcher.Retention,
		MaxSeen:     cfg.Watcher.MaxSeen,
		QueuePolicy: cfg.Watcher.QueuePolicy,
		UseFSNotify: cfg.Watcher.UseFSNotify,
	}, extractor, ready, logger)

	up := cloudsync.New(s3Client, extractor, cloudsync.NewStateStore(cfg.Sync.StateRetention), reporter, cloudsync.Options{
		Concurrency:      cfg.Sync.Concurrency,
		MaxBandwidthMbps: cfg.Sync.MaxBandwidthMbps,
		RetryAttempts:    cfg.Sync.RetryAttempts,
		RetryBase:        cfg.Sync.RetryBase,
		RetryMax:         cfg.Sync.RetryMax,
		RetentionPolicy:  cfg.Sync.RetentionPolicy,
		DrainTimeout:     cfg.Sync.DrainTimeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return up.Run(gctx, ready) })
	g.Go(func() error {
		ticker := time.NewTicker(housekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				evicted := up.Evict()
				s := up.Stats()
				logger.Info("sync stats",
					zap.Int64("uploaded", s.Uploaded),
					zap.Int64("duplicates", s.Duplicates),
					zap.Int64("failed", s.Failed),
					zap.Int64("bytes", s.Bytes),
					zap.Int64("in_flight", s.InFlight),
					zap.Int("queued", len(ready)),
					zap.Int("evicted", evicted),
				)
				for i, st := range up.Failed() {
					if i == maxFailedLogged {
						break
					}
					logger.Warn("upload failed, file kept locally",
						zap.String("path", st.Path),
						zap.Int("attempts", st.Attempts),
						zap.String("last_error", st.LastError),
					)
				}
			}
		}
	})

	if cfg.Watcher.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Watcher.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("agent started",
		zap.String("root", cfg.Watcher.Root),
		zap.String("bucket", cfg.AWS.Bucket),
		zap.String("retention_policy", cfg.Sync.RetentionPolicy),
	)
	if err := g.Wait(); err != nil {
		logger.Error("agent exited", zap.Error(err))
	}
	logger.Info("agent stopped", zap.Any("stats", up.Stats()))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
