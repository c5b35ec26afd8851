package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL     string
	ShutdownTimeout time.Duration

	// Sync loop
	SyncTickInterval        time.Duration
	SyncInitialJitter       time.Duration
	SyncFetchPolicy         string // "oldest" or "batch"
	SyncBatchLimit          int
	SyncDispatchConcurrency int
	StuckJobTimeout         time.Duration
	StuckCheckInterval      time.Duration

	// Expiry
	ArtifactExpiryInterval time.Duration
	StatusExpiryInterval   time.Duration
	ArtifactRetention      time.Duration
	SyncErrorRetention     time.Duration
	SyncErrorExpiry        time.Duration
	MaxQueueDuration       time.Duration
	ExpiryPageSize         int

	// Git
	GitOperationTimeout time.Duration
	GitClientID         string
	GitClientSecret     string
	GitTokenURL         string
	GitAuthorName       string
	GitAuthorEmail      string

	// Observability
	LogLevel    string
	LogFormat   string
	LogFile     string
	MetricsAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")

	v.SetDefault("SYNC_TICK_INTERVAL", "4s")
	v.SetDefault("SYNC_INITIAL_JITTER", "4s")
	v.SetDefault("SYNC_FETCH_POLICY", "oldest")
	v.SetDefault("SYNC_BATCH_LIMIT", 50)
	v.SetDefault("SYNC_DISPATCH_CONCURRENCY", 1)
	v.SetDefault("STUCK_JOB_TIMEOUT", "90m")
	v.SetDefault("STUCK_CHECK_INTERVAL", "30m")

	v.SetDefault("ARTIFACT_EXPIRY_INTERVAL", "12h")
	v.SetDefault("STATUS_EXPIRY_INTERVAL", "60m")
	v.SetDefault("ARTIFACT_RETENTION_DAYS", 365)
	v.SetDefault("SYNC_ERROR_RETENTION_DAYS", 365)
	v.SetDefault("SYNC_ERROR_EXPIRY_DAYS", 90)
	v.SetDefault("MAX_QUEUE_DURATION", "72h")
	v.SetDefault("EXPIRY_PAGE_SIZE", 1000)

	v.SetDefault("GIT_OPERATION_TIMEOUT", "10m")
	v.SetDefault("GIT_AUTHOR_NAME", "gitsync-worker")
	v.SetDefault("GIT_AUTHOR_EMAIL", "gitsync-worker@localhost")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:     dbURL,
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),

		SyncTickInterval:        v.GetDuration("SYNC_TICK_INTERVAL"),
		SyncInitialJitter:       v.GetDuration("SYNC_INITIAL_JITTER"),
		SyncFetchPolicy:         strings.ToLower(v.GetString("SYNC_FETCH_POLICY")),
		SyncBatchLimit:          v.GetInt("SYNC_BATCH_LIMIT"),
		SyncDispatchConcurrency: v.GetInt("SYNC_DISPATCH_CONCURRENCY"),
		StuckJobTimeout:         v.GetDuration("STUCK_JOB_TIMEOUT"),
		StuckCheckInterval:      v.GetDuration("STUCK_CHECK_INTERVAL"),

		ArtifactExpiryInterval: v.GetDuration("ARTIFACT_EXPIRY_INTERVAL"),
		StatusExpiryInterval:   v.GetDuration("STATUS_EXPIRY_INTERVAL"),
		ArtifactRetention:      days(v.GetInt("ARTIFACT_RETENTION_DAYS")),
		SyncErrorRetention:     days(v.GetInt("SYNC_ERROR_RETENTION_DAYS")),
		SyncErrorExpiry:        days(v.GetInt("SYNC_ERROR_EXPIRY_DAYS")),
		MaxQueueDuration:       v.GetDuration("MAX_QUEUE_DURATION"),
		ExpiryPageSize:         v.GetInt("EXPIRY_PAGE_SIZE"),

		GitOperationTimeout: v.GetDuration("GIT_OPERATION_TIMEOUT"),
		GitClientID:         v.GetString("GIT_CLIENT_ID"),
		GitClientSecret:     v.GetString("GIT_CLIENT_SECRET"),
		GitTokenURL:         v.GetString("GIT_TOKEN_URL"),
		GitAuthorName:       v.GetString("GIT_AUTHOR_NAME"),
		GitAuthorEmail:      v.GetString("GIT_AUTHOR_EMAIL"),

		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:   strings.ToLower(v.GetString("LOG_FORMAT")),
		LogFile:     v.GetString("LOG_FILE"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.GitTokenURL == "" || cfg.GitClientID == "" {
		fmt.Println("Warning: GIT_TOKEN_URL or GIT_CLIENT_ID not set, expired connector tokens will not be refreshed")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SyncFetchPolicy {
	case "oldest", "batch":
	default:
		return fmt.Errorf("SYNC_FETCH_POLICY must be one of oldest, batch (got %q)", c.SyncFetchPolicy)
	}
	if c.SyncTickInterval <= 0 {
		return fmt.Errorf("SYNC_TICK_INTERVAL must be positive")
	}
	if c.SyncDispatchConcurrency < 1 {
		return fmt.Errorf("SYNC_DISPATCH_CONCURRENCY must be at least 1")
	}
	if c.SyncBatchLimit < 1 {
		return fmt.Errorf("SYNC_BATCH_LIMIT must be at least 1")
	}
	if c.ExpiryPageSize < 1 {
		return fmt.Errorf("EXPIRY_PAGE_SIZE must be at least 1")
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
