// Package main runs the VOD query and streaming API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-nvr/backend/config"
	"github.com/aura-nvr/backend/internal/auth"
	"github.com/aura-nvr/backend/internal/cameras"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/middleware"
	"github.com/aura-nvr/backend/internal/videos"
	"github.com/aura-nvr/backend/pkg/awsclient"
	"github.com/aura-nvr/backend/pkg/database"
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
	if err := cfg.Validate(config.RoleServer); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx := context.Background()
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

	var (
		signer  videos.Signer = s3Client
		cdnHost string
	)
	if cfg.AWS.CloudFrontKeyID != "" {
		cf, err := storage.NewCloudFrontSigner(cfg.AWS.CloudFrontDomain, cfg.AWS.CloudFrontKeyID, cfg.AWS.CloudFrontKeyPath)
		if err != nil {
			logger.Fatal("cloudfront signer", zap.Error(err))
		}
		signer = cf
		cdnHost = cfg.AWS.CloudFrontDomain
		logger.Info("signing playback URLs with CloudFront", zap.String("domain", cfg.AWS.CloudFrontDomain))
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
	} else {
		logger.Warn("DATABASE_URL not set, failure ledger is process-local")
	}
	reporter := failures.NewReporter(sink, logger)

	registry := cameras.NewRegistry(cfg.Cameras)
	svc := videos.NewService(table, signer, s3Client, metadata.New(cfg.Watcher.DefaultSite), registry,
		videos.Options{
			DefaultTTL:       cfg.Stream.DefaultTTL,
			MaxTTL:           cfg.Stream.MaxTTL,
			Region:           cfg.AWS.Region,
			CloudFrontDomain: cdnHost,
		}, logger)
	videoHandler := videos.NewHandler(svc, logger)
	cameraHandler := cameras.NewHandler(registry)

	var dlq failures.DeadLetterSource
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		dlq = queue.NewQueue(rdb.Client, logger)
	}
	failureHandler := failures.NewHandler(reporter, dlq, logger)

	var jwtService *auth.JWTService
	if cfg.JWT.Secret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	public := router.Group("/api/v1")
	public.GET("/health", videoHandler.Health)

	api := router.Group("/api/v1")
	api.Use(middleware.JWT(jwtService))
	{
		videoHandler.Register(api)
		api.GET("/cameras", cameraHandler.List)
		api.GET("/sites", cameraHandler.Sites)
		operator := middleware.RequireRole(jwtService != nil, auth.RoleOperator)
		api.GET("/failures", operator, failureHandler.List)
		api.GET("/failures/dead-letters", operator, failureHandler.DeadLetters)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.Int("cameras", len(cfg.Cameras)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
