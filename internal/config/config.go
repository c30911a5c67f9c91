package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/syncqueue"
)

type Config struct {
	Host        string
	Port        string
	AppEnv      string
	StoreID     string
	TerminalID  string
	LocalDBPath string
	DatabaseURL string
	SeedFile    string

	AllowedOrigin string

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RuleCacheTTLSeconds int

	DirectoryBaseURL        string
	DirectoryRatePerSecond  float64
	DirectoryTimeoutSeconds int

	SyncIntervalSeconds       int
	SyncMaxAttempts           int
	SyncInitialBackoffSeconds int
	SyncMaxBackoffSeconds     int
	SyncBackoffMultiplier     float64
	SyncBatchSize             int

	PointValueCents       int64
	EarnWhileRedeeming    bool
	MembershipWarningDays int

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	PrinterDevice string
	PrinterWidth  int

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("HOST", "")
	v.SetDefault("PORT", "8090")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("STORE_ID", "main-store")
	v.SetDefault("TERMINAL_ID", "T1")
	v.SetDefault("LOCAL_DB_PATH", "terminal.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SEED_FILE", "")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RULE_CACHE_TTL_SECONDS", 300)
	v.SetDefault("DIRECTORY_BASE_URL", "")
	v.SetDefault("DIRECTORY_RATE_PER_SECOND", 5)
	v.SetDefault("DIRECTORY_TIMEOUT_SECONDS", 5)
	v.SetDefault("SYNC_INTERVAL_SECONDS", 5)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 0)
	v.SetDefault("SYNC_INITIAL_BACKOFF_SECONDS", 2)
	v.SetDefault("SYNC_MAX_BACKOFF_SECONDS", 300)
	v.SetDefault("SYNC_BACKOFF_MULTIPLIER", 2)
	v.SetDefault("SYNC_BATCH_SIZE", 50)
	v.SetDefault("POINT_VALUE_CENTS", 100)
	v.SetDefault("EARN_WHILE_REDEEMING", true)
	v.SetDefault("MEMBERSHIP_WARNING_DAYS", 7)
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 720)
	v.SetDefault("MANAGER_PIN", "")
	v.SetDefault("PRINTER_DEVICE", "")
	v.SetDefault("PRINTER_WIDTH", 32)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg := Config{
		Host:        strings.TrimSpace(v.GetString("HOST")),
		Port:        v.GetString("PORT"),
		AppEnv:      strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		StoreID:     v.GetString("STORE_ID"),
		TerminalID:  v.GetString("TERMINAL_ID"),
		LocalDBPath: v.GetString("LOCAL_DB_PATH"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		SeedFile:    v.GetString("SEED_FILE"),

		AllowedOrigin: strings.TrimSpace(v.GetString("ALLOWED_ORIGIN")),

		RedisAddr:           v.GetString("REDIS_ADDR"),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisDB:             v.GetInt("REDIS_DB"),
		RuleCacheTTLSeconds: atLeast(v.GetInt("RULE_CACHE_TTL_SECONDS"), 1, 300),

		DirectoryBaseURL:        strings.TrimRight(v.GetString("DIRECTORY_BASE_URL"), "/"),
		DirectoryRatePerSecond:  v.GetFloat64("DIRECTORY_RATE_PER_SECOND"),
		DirectoryTimeoutSeconds: atLeast(v.GetInt("DIRECTORY_TIMEOUT_SECONDS"), 1, 5),

		SyncIntervalSeconds:       atLeast(v.GetInt("SYNC_INTERVAL_SECONDS"), 1, 5),
		SyncMaxAttempts:           atLeast(v.GetInt("SYNC_MAX_ATTEMPTS"), 0, 0),
		SyncInitialBackoffSeconds: atLeast(v.GetInt("SYNC_INITIAL_BACKOFF_SECONDS"), 1, 2),
		SyncMaxBackoffSeconds:     atLeast(v.GetInt("SYNC_MAX_BACKOFF_SECONDS"), 1, 300),
		SyncBackoffMultiplier:     v.GetFloat64("SYNC_BACKOFF_MULTIPLIER"),
		SyncBatchSize:             atLeast(v.GetInt("SYNC_BATCH_SIZE"), 1, 50),

		PointValueCents:       v.GetInt64("POINT_VALUE_CENTS"),
		EarnWhileRedeeming:    v.GetBool("EARN_WHILE_REDEEMING"),
		MembershipWarningDays: atLeast(v.GetInt("MEMBERSHIP_WARNING_DAYS"), 0, 7),

		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: atLeast(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 1, 720),
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),

		PrinterDevice: v.GetString("PRINTER_DEVICE"),
		PrinterWidth:  atLeast(v.GetInt("PRINTER_WIDTH"), 24, 32),

		LogLevel:     v.GetString("LOG_LEVEL"),
		LogFormat:    v.GetString("LOG_FORMAT"),
		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.PointValueCents < 1 {
		cfg.PointValueCents = 100
	}
	if cfg.SyncBackoffMultiplier < 1 {
		cfg.SyncBackoffMultiplier = 2
	}
	if cfg.DirectoryRatePerSecond <= 0 {
		cfg.DirectoryRatePerSecond = 5
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c Config) SyncPolicy() syncqueue.Policy {
	return syncqueue.Policy{
		MaxAttempts:    c.SyncMaxAttempts,
		InitialBackoff: time.Duration(c.SyncInitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(c.SyncMaxBackoffSeconds) * time.Second,
		Multiplier:     c.SyncBackoffMultiplier,
		BatchSize:      c.SyncBatchSize,
	}
}

func (c Config) LedgerPolicy() ledger.Policy {
	return ledger.Policy{
		PointValueCents:    c.PointValueCents,
		EarnWhileRedeeming: c.EarnWhileRedeeming,
	}
}

func (c Config) RuleCacheTTL() time.Duration {
	return time.Duration(c.RuleCacheTTLSeconds) * time.Second
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c Config) MembershipWarning() time.Duration {
	return time.Duration(c.MembershipWarningDays) * 24 * time.Hour
}

func atLeast(val int, min int, fallback int) int {
	if val < min {
		return fallback
	}
	return val
}
