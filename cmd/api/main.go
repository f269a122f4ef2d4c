package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/catalog"
	"trek-rest-api/internal/config"
	"trek-rest-api/internal/handler"
	"trek-rest-api/internal/logging"
	"trek-rest-api/internal/middleware"
	"trek-rest-api/internal/router"
	"trek-rest-api/internal/service"
	"trek-rest-api/internal/store"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.App)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting trek api", zap.String("environment", cfg.App.Environment))

	cat, err := catalog.LoadOrDefault(cfg.App.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded", zap.Int("items", len(cat.IDs())))

	// Remote document store
	st, err := store.Open(cfg.Store, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Local cache
	localCache, err := cache.Open(cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer localCache.Close()

	// Services
	syncManager := service.NewSyncManager(st, localCache, cfg.Sync.WriteTimeout, logger)
	defer syncManager.Close()

	accounts := service.NewAccountService(st, localCache, cat, syncManager, logger)
	purchase := service.NewPurchaseService(st, localCache, cat, cfg.Sync.WriteTimeout, logger)
	activity := service.NewActivityService(st, cfg.Economy.StepsPerCoin, logger)

	// Redis activity buffer (optional)
	var activityBuffer *cache.RedisActivityBuffer
	if cfg.Redis.Enabled {
		activityBuffer, err = cache.NewRedisActivityBuffer(cache.RedisBufferConfig{
			Addr:          cfg.Redis.Address(),
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			FlushInterval: cfg.Redis.FlushInterval,
			KeyPrefix:     cfg.Redis.BufferPrefix,
		}, activity.FlushFunc(), logger)
		if err != nil {
			logger.Warn("activity buffer unavailable, applying activity immediately", zap.Error(err))
			activityBuffer = nil
		} else {
			activity.SetBuffer(activityBuffer)
		}
	}

	cleanup := service.NewCleanupScheduler(localCache, service.CleanupConfig{
		Retention:       cfg.Cache.DailyRetention,
		CleanupInterval: cfg.Cache.CleanupEvery,
	}, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Handlers
	var pending handler.PendingCounter
	if activityBuffer != nil {
		pending = activityBuffer
	}
	syncHandler := handler.NewSyncHandler(syncManager, localCache, logger)

	r := router.New(router.Config{
		Handler:        handler.New(st, localCache, cfg.App.Version),
		UserHandler:    handler.NewUserHandler(cat, accounts, purchase, activity),
		SyncHandler:    syncHandler,
		AdminHandler:   handler.NewAdminHandler(st, localCache, pending, syncManager, cfg.Store.Type),
		AuthMiddleware: middleware.NewAuthMiddleware(cfg.Auth.APIKeys),
		RateLimiter:    middleware.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	srv.RegisterOnShutdown(syncHandler.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Close the buffer after the server so no new activity arrives during the
	// final flush, and before the store the flush writes to.
	if activityBuffer != nil {
		logger.Info("flushing activity buffer")
		if err := activityBuffer.Close(); err != nil {
			logger.Error("activity buffer close error", zap.Error(err))
		}
	}

	logger.Info("server stopped", zap.Duration("shutdown_budget", cfg.Server.ShutdownTimeout.Round(time.Second)))
	return nil
}
