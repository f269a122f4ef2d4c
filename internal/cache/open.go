package cache

import (
	"fmt"

	"trek-rest-api/internal/config"

	"go.uber.org/zap"
)

// Open builds the local cache selected by CACHE_TYPE.
func Open(cfg config.CacheConfig, logger *zap.Logger) (LocalCache, error) {
	switch cfg.Type {
	case "memory":
		logger.Named("cache").Info("using in-memory local cache")
		return NewMemoryCache(), nil
	case "sqlite", "":
		return NewSQLiteCache(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}
