// Package main runs the event pipeline: S3 notifications from SQS drive the
// normalizer, which hands canonical keys to the indexer directly or through
// the Redis job queue.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-nvr/backend/config"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/indexer"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/normalizer"
	"github.com/aura-nvr/backend/pkg/awsclient"
	"github.com/aura-nvr/backend/pkg/database"
	"github.com/aura-nvr/backend/pkg/events"
	"github.com/aura-nvr/backend/pkg/indextable"
	"github.com/aura-nvr/backend/pkg/queue"
	"github.com/aura-nvr/backend/pkg/redis"
	"github.com/aura-nvr/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(config.RoleWorker); err != nil {
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
	table := indextable.New(awsCfg, cfg.AWS.Table, logger)
	if cfg.AWS.Endpoint != "" {
		if err := table.EnsureTable(ctx); err != nil {
			logger.Fatal("ensure index table", zap.Error(err))
		}
	}

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
	idx := indexer.New(table, s3Client, extractor, reporter, indexer.Options{
		Attempts: cfg.Pipeline.IndexAttempts,
		Backoff:  cfg.Pipeline.IndexBackoff,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	var invoker normalizer.IndexInvoker = idx
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		jobQueue := queue.NewQueue(rdb.Client, logger)
		invoker = jobQueue
		w := indexer.NewWorker(idx, jobQueue, logger)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
		logger.Info("indexer running behind redis queue", zap.String("queue", queue.QueueIndex))
	}

	norm := normalizer.New(s3Client, invoker, extractor, reporter, cfg.Pipeline.KeepRaw, logger)
	consumer := events.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.AWS.QueueURL, norm.Handle, cfg.Pipeline.EventConcurrency, logger)
	g.Go(func() error {
		return consumer.Run(gctx)
	})

	if cfg.Pipeline.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Pipeline.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
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

	logger.Info("worker started", zap.String("queue_url", cfg.AWS.QueueURL), zap.Bool("keep_raw", cfg.Pipeline.KeepRaw))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
