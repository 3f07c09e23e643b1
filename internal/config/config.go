package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envKeyReplacer maps nested keys to env names: server.port -> SERVER_PORT.
var envKeyReplacer = strings.NewReplacer(".", "_")

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutDownTimeout time.Duration
	RequestTimeout  time.Duration
}

// DataConfig holds durable state settings.
type DataConfig struct {
	Dir             string
	PersistInterval time.Duration
}

// CacheConfig sizes the entity caches and their background loaders.
type CacheConfig struct {
	FirstBatchSize         int
	ChunkSize              int
	BackgroundDelay        time.Duration
	MaxConsecutiveFailures int
	FacetMaxEntries        int
}

// RetryConfig bounds the retry wrapper around remote calls.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// StoreConfig selects and configures the remote entity store backend.
type StoreConfig struct {
	Backend string // "memory" or "postgres"
	DSN     string
}

// MiscConfig collects the remaining knobs.
type MiscConfig struct {
	LogLevel       string
	GinMode        string
	AllowedOrigins string
}

type Config struct {
	Server ServerConfig
	Data   DataConfig
	Cache  CacheConfig
	Retry  RetryConfig
	Store  StoreConfig
	Misc   MiscConfig
}

// LoadConfig reads config.yaml (from ./config or the working directory),
// after loading a .env file if present. Environment variables prefixed
// PIPECACHE_ override everything, e.g. PIPECACHE_SERVER_PORT.
func LoadConfig() (*Config, error) {
	// .env is optional; absence is not an error
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	// Defaults to allow running without config file
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.request_timeout", "5s")

	viper.SetDefault("data.dir", "./data")
	viper.SetDefault("data.persist_interval", "2s")

	viper.SetDefault("cache.first_batch_size", 20)
	viper.SetDefault("cache.chunk_size", 50)
	viper.SetDefault("cache.background_delay", "100ms")
	viper.SetDefault("cache.max_consecutive_failures", 5)
	viper.SetDefault("cache.facet_max_entries", 256)

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.backoff", "250ms")

	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.dsn", "")

	viper.SetDefault("misc.log_level", "info")
	viper.SetDefault("misc.gin_mode", "release")
	viper.SetDefault("misc.allowed_origins", "*")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PIPECACHE")
	viper.SetEnvKeyReplacer(envKeyReplacer)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config file error: %w", err)
		}
		// no config file: defaults + env vars
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetInt("server.port"),
			ReadTimeout:     viper.GetDuration("server.read_timeout"),
			WriteTimeout:    viper.GetDuration("server.write_timeout"),
			IdleTimeout:     viper.GetDuration("server.idle_timeout"),
			ShutDownTimeout: viper.GetDuration("server.shutdown_timeout"),
			RequestTimeout:  viper.GetDuration("server.request_timeout"),
		},
		Data: DataConfig{
			Dir:             viper.GetString("data.dir"),
			PersistInterval: viper.GetDuration("data.persist_interval"),
		},
		Cache: CacheConfig{
			FirstBatchSize:         viper.GetInt("cache.first_batch_size"),
			ChunkSize:              viper.GetInt("cache.chunk_size"),
			BackgroundDelay:        viper.GetDuration("cache.background_delay"),
			MaxConsecutiveFailures: viper.GetInt("cache.max_consecutive_failures"),
			FacetMaxEntries:        viper.GetInt("cache.facet_max_entries"),
		},
		Retry: RetryConfig{
			MaxAttempts: viper.GetInt("retry.max_attempts"),
			Backoff:     viper.GetDuration("retry.backoff"),
		},
		Store: StoreConfig{
			Backend: viper.GetString("store.backend"),
			DSN:     viper.GetString("store.dsn"),
		},
		Misc: MiscConfig{
			LogLevel:       viper.GetString("misc.log_level"),
			GinMode:        viper.GetString("misc.gin_mode"),
			AllowedOrigins: viper.GetString("misc.allowed_origins"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Data.PersistInterval <= 0 {
		return fmt.Errorf("data.persist_interval must be positive, got %v", c.Data.PersistInterval)
	}
	if c.Cache.FirstBatchSize <= 0 {
		return fmt.Errorf("cache.first_batch_size must be positive, got %d", c.Cache.FirstBatchSize)
	}
	if c.Cache.ChunkSize <= 0 {
		return fmt.Errorf("cache.chunk_size must be positive, got %d", c.Cache.ChunkSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
