package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server  ServerConfig
	App     AppConfig
	Store   StoreConfig
	Cache   CacheConfig
	Redis   RedisConfig
	Economy EconomyConfig
	Sync    SyncConfig
	Auth    AuthConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"trek-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
	CatalogPath string `envconfig:"CATALOG_PATH" default:""` // optional YAML item catalog
}

// StoreConfig selects and configures the remote document store.
type StoreConfig struct {
	Type         string        `envconfig:"STORE_TYPE" default:"memory"` // memory, sqlite, postgres, mysql, redis, mongodb
	Path         string        `envconfig:"STORE_PATH" default:"./data/remote.db"`
	PollInterval time.Duration `envconfig:"STORE_POLL_INTERVAL" default:"1s"`
	MaxAttempts  int           `envconfig:"STORE_TX_MAX_ATTEMPTS" default:"5"`
	// SQL server settings (postgres, mysql)
	Host     string `envconfig:"STORE_DB_HOST" default:"localhost"`
	Port     int    `envconfig:"STORE_DB_PORT" default:"5432"`
	Name     string `envconfig:"STORE_DB_NAME" default:"trek"`
	User     string `envconfig:"STORE_DB_USER" default:"postgres"`
	Password string `envconfig:"STORE_DB_PASS" default:""`
	SSLMode  string `envconfig:"STORE_DB_SSLMODE" default:"disable"`
	// MongoDB settings
	MongoURI        string `envconfig:"MONGODB_URI" default:""`
	MongoDatabase   string `envconfig:"MONGODB_DATABASE" default:"trek"`
	MongoCollection string `envconfig:"MONGODB_COLLECTION" default:"documents"`
	// Redis key prefix when STORE_TYPE=redis (connection comes from RedisConfig)
	RedisPrefix string `envconfig:"STORE_REDIS_PREFIX" default:"trek:store"`
}

// CacheConfig holds local cache settings.
type CacheConfig struct {
	Type           string        `envconfig:"CACHE_TYPE" default:"sqlite"` // sqlite or memory
	Path           string        `envconfig:"CACHE_PATH" default:"./data/local_cache.db"`
	DailyRetention time.Duration `envconfig:"CACHE_DAILY_RETENTION" default:"2160h"`
	CleanupEvery   time.Duration `envconfig:"CACHE_CLEANUP_INTERVAL" default:"6h"`
}

// RedisConfig holds Redis connection settings shared by the activity buffer
// and the redis document store.
type RedisConfig struct {
	Enabled       bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host          string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port          int           `envconfig:"REDIS_PORT" default:"6379"`
	Password      string        `envconfig:"REDIS_PASSWORD" default:""`
	DB            int           `envconfig:"REDIS_DB" default:"0"`
	FlushInterval time.Duration `envconfig:"REDIS_FLUSH_INTERVAL" default:"30s"`
	BufferPrefix  string        `envconfig:"REDIS_BUFFER_PREFIX" default:"trek:activity"`
}

// EconomyConfig holds coin accrual settings.
type EconomyConfig struct {
	StepsPerCoin int64 `envconfig:"ECONOMY_STEPS_PER_COIN" default:"100"`
}

// SyncConfig holds cache reconciliation settings.
type SyncConfig struct {
	WriteTimeout time.Duration `envconfig:"SYNC_WRITE_TIMEOUT" default:"10s"`
}

// AuthConfig holds API protection settings.
type AuthConfig struct {
	APIKeys   []string `envconfig:"API_KEYS" default:""`
	RateLimit float64  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateBurst int      `envconfig:"RATE_LIMIT_BURST" default:"40"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresDSN returns the PostgreSQL connection string.
func (s *StoreConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.Name, s.SSLMode)
}

// MySQLDSN returns the MySQL data source name.
func (s *StoreConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// Address returns the Redis address in host:port format.
func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql", "mysql", "redis", "mongodb", "mongo":
	default:
		return fmt.Errorf("unknown STORE_TYPE %q", c.Store.Type)
	}
	switch c.Cache.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type)
	}
	if c.Economy.StepsPerCoin <= 0 {
		return fmt.Errorf("ECONOMY_STEPS_PER_COIN must be positive, got %d", c.Economy.StepsPerCoin)
	}
	if c.Store.MaxAttempts <= 0 {
		return fmt.Errorf("STORE_TX_MAX_ATTEMPTS must be positive, got %d", c.Store.MaxAttempts)
	}
	if (c.Store.Type == "mongodb" || c.Store.Type == "mongo") && c.Store.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required when STORE_TYPE=%s", c.Store.Type)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
