package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shelfgate/internal/api"
	"shelfgate/internal/config"
	"shelfgate/internal/metrics"
	"shelfgate/internal/model"
	"shelfgate/internal/repository"
	"shelfgate/internal/service"
	"shelfgate/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	// Repositories
	mirrorRepo := repository.NewMirrorRepository(etcdCli)
	platformRepo := repository.NewPlatformFlagRepository(db)
	tenantRepo := repository.NewTenantFlagRepository(db)
	overrideRepo := repository.NewOverrideRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	sdkRepo := repository.NewSDKKeyRepository(db)

	// Services
	observer := metrics.NewPrometheusObserver()
	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize)

	flagSvc := service.NewFlagService(db, mirrorRepo, platformRepo, tenantRepo,
		overrideRepo, auditRepo, outboxRepo, cfg.Flags.Defaults)
	snapStore := service.NewSnapshotStore(mirrorRepo, hub, observer, cfg.Flags.Defaults, 1000)
	authSvc := service.NewAuthService(rdb, cfg.Auth.SigningKey, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	// Background workers
	outboxWorker := service.NewOutboxWorker(outboxRepo, mirrorRepo, cfg.Workers.OutboxInterval)
	reconciler := service.NewReconciler(etcdCli, mirrorRepo, platformRepo, tenantRepo, overrideRepo,
		service.ReconcilerConfig{
			Interval:   cfg.Workers.ReconcilerInterval,
			BatchSize:  cfg.Workers.ReconcilerBatchSize,
			BatchDelay: cfg.Workers.ReconcilerBatchDelay,
		})

	go func() {
		logger.Info("starting outbox worker")
		outboxWorker.Run(ctx)
	}()
	go func() {
		logger.Info("starting reconciler")
		reconciler.Run(ctx)
	}()
	go func() {
		logger.Info("starting hub")
		hub.Run()
	}()
	go func() {
		logger.Info("starting mirror watcher")
		snapStore.Run(ctx)
	}()

	devMode := cfg.Server.Environment != "production"
	r := api.RegisterRoutes(
		api.NewAdminHandler(flagSvc),
		api.NewStreamHandler(snapStore, hub),
		api.NewAuthHandler(authSvc),
		authSvc,
		sdkRepo,
		rdb,
		cfg.RateLimit.RequestsPerSecond,
		devMode,
	)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Signal all workers to stop
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	// Dev convenience, production schemas go through a migration tool
	err = db.AutoMigrate(
		&model.PlatformFlag{},
		&model.TenantFlag{},
		&model.FlagOverride{},
		&model.FlagAudit{},
		&model.OutboxTask{},
		&model.SDKClient{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
