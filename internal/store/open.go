package store

import (
	"fmt"
	"os"
	"path/filepath"

	"trek-rest-api/internal/config"

	"go.uber.org/zap"
)

// Open builds the document store selected by cfg.Type.
func Open(cfg config.StoreConfig, redisCfg config.RedisConfig, logger *zap.Logger) (DocumentStore, error) {
	logger = logger.Named("store")

	switch cfg.Type {
	case "memory", "":
		logger.Info("using in-memory document store")
		return NewMemoryStore(cfg.MaxAttempts), nil

	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		s, err := OpenSQLite(cfg.Path, SQLOptions{MaxAttempts: cfg.MaxAttempts, PollInterval: cfg.PollInterval})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to SQLite document store", zap.String("path", cfg.Path))
		return s, nil

	case "postgres":
		s, err := OpenPostgres(cfg.PostgresDSN(), SQLOptions{MaxAttempts: cfg.MaxAttempts, PollInterval: cfg.PollInterval})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL document store",
			zap.String("host", cfg.Host), zap.String("database", cfg.Name))
		return s, nil

	case "mysql":
		s, err := OpenMySQL(cfg.MySQLDSN(), SQLOptions{MaxAttempts: cfg.MaxAttempts, PollInterval: cfg.PollInterval})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to MySQL document store",
			zap.String("host", cfg.Host), zap.String("database", cfg.Name))
		return s, nil

	case "redis":
		s, err := NewRedisStore(RedisStoreConfig{
			Addr:        redisCfg.Address(),
			Password:    redisCfg.Password,
			DB:          redisCfg.DB,
			KeyPrefix:   cfg.RedisPrefix,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to Redis document store", zap.String("addr", redisCfg.Address()))
		return s, nil

	case "mongodb":
		s, err := NewMongoStore(MongoStoreConfig{
			URI:          cfg.MongoURI,
			Database:     cfg.MongoDatabase,
			Collection:   cfg.MongoCollection,
			MaxAttempts:  cfg.MaxAttempts,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to MongoDB document store",
			zap.String("database", cfg.MongoDatabase), zap.String("collection", cfg.MongoCollection))
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
