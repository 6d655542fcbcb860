package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates all runtime settings required by the escrow service.
type Config struct {
	AppName     string
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Outbox      OutboxConfig
	Ledger      LedgerConfig
	Escrow      EscrowConfig
	Repository  RepositoryConfig
	Context     ContextConfig
	Logger      LoggerConfig
	Migrations  MigrationsConfig
}

type HTTPConfig struct {
	Host          string
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	MaxConn       int
	EnableMetrics bool
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
	SSLMode         string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	// Enabled turns the escrow snapshot cache on.
	Enabled bool
}

type JWTConfig struct {
	Secret string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// OutboxConfig controls the durable outbox and its reconciler.
type OutboxConfig struct {
	Path           string
	SyncInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	RetentionHours int
}

// LedgerConfig selects and tunes the ledger capability.
type LedgerConfig struct {
	Driver         string
	BaseURL        string
	APIKey         string
	Network        string
	PollAttempts   int
	PollInterval   time.Duration
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
}

type EscrowConfig struct {
	AddressFormat  string
	CacheTTL       time.Duration
	CommandTimeout time.Duration
}

type RepositoryConfig struct {
	Driver string
}

type ContextConfig struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type LoggerConfig struct {
	Level      string
	Encoding   string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type MigrationsConfig struct {
	Enabled bool
	Path    string
}

const (
	LedgerDriverHTTP      = "http"
	LedgerDriverSimulated = "simulated"

	RepositoryDriverPostgres = "postgres"
	RepositoryDriverMemory   = "memory"
)

// Load reads configuration from environment variables (optionally .env)
// and applies sane defaults so the service can boot in any environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		AppName:     getString("APP_NAME", "escrow"),
		Environment: getString("APP_ENV", "development"),
		HTTP: HTTPConfig{
			Host:          getString("SERVER_HOST", "0.0.0.0"),
			Port:          getString("SERVER_PORT", "8080"),
			ReadTimeout:   getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:   getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			MaxConn:       getInt("SERVER_MAX_CONN", 0),
			EnableMetrics: getBool("SERVER_ENABLE_METRICS", true),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getString("DB_HOST", "localhost"),
			Port:            getString("DB_PORT", "5432"),
			Name:            getString("DB_NAME", "escrow"),
			User:            getString("DB_USER", "escrow"),
			Password:        os.Getenv("DB_PASSWORD"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxConnLifetime: getDuration("DB_CONN_LIFETIME", time.Hour),
			SSLMode:         getString("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getString("REDIS_URL", "redis://localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
			Enabled:  getBool("REDIS_ENABLED", true),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: os.Getenv("JWT_ISSUER"),
		},
		Outbox: OutboxConfig{
			Path:           getString("OUTBOX_PATH", "./data/outbox.db"),
			SyncInterval:   getDuration("OUTBOX_SYNC_INTERVAL", 30*time.Second),
			BatchSize:      getInt("OUTBOX_BATCH_SIZE", 50),
			MaxRetries:     getInt("OUTBOX_MAX_RETRIES", 10),
			RetentionHours: getInt("OUTBOX_DEAD_RETENTION_HOURS", 24*30),
		},
		Ledger: LedgerConfig{
			Driver:         strings.ToLower(getString("LEDGER_DRIVER", LedgerDriverHTTP)),
			BaseURL:        strings.TrimRight(getString("LEDGER_BASE_URL", "http://localhost:8090"), "/"),
			APIKey:         os.Getenv("LEDGER_API_KEY"),
			Network:        getString("LEDGER_NETWORK", "testnet"),
			PollAttempts:   getInt("LEDGER_POLL_ATTEMPTS", 30),
			PollInterval:   getDuration("LEDGER_POLL_INTERVAL", 2*time.Second),
			RateLimit:      getFloat("LEDGER_RATE_LIMIT", 10),
			RateBurst:      getInt("LEDGER_RATE_BURST", 5),
			RequestTimeout: getDuration("LEDGER_REQUEST_TIMEOUT", 15*time.Second),
		},
		Escrow: EscrowConfig{
			AddressFormat:  getString("ADDRESS_FORMAT", "stellar"),
			CacheTTL:       getDuration("ESCROW_CACHE_TTL", time.Minute),
			CommandTimeout: getDuration("ESCROW_COMMAND_TIMEOUT", 90*time.Second),
		},
		Repository: RepositoryConfig{
			Driver: strings.ToLower(getString("REPOSITORY_DRIVER", RepositoryDriverPostgres)),
		},
		Context: ContextConfig{
			RequestTimeout:  getDuration("REQUEST_TIMEOUT_SECONDS", 100*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT_SECONDS", 15*time.Second),
		},
		Logger: LoggerConfig{
			Level:      getString("LOG_LEVEL", "info"),
			Encoding:   getString("LOG_ENCODING", "json"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getInt("LOG_MAX_AGE_DAYS", 14),
		},
		Migrations: MigrationsConfig{
			Enabled: getBool("RUN_MIGRATIONS", true),
			Path:    getString("MIGRATIONS_PATH", "./assets/migrations"),
		},
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = buildPostgresURL(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ledger.Driver {
	case LedgerDriverHTTP, LedgerDriverSimulated:
	default:
		return fmt.Errorf("config: unknown LEDGER_DRIVER %q", c.Ledger.Driver)
	}
	switch c.Repository.Driver {
	case RepositoryDriverPostgres, RepositoryDriverMemory:
	default:
		return fmt.Errorf("config: unknown REPOSITORY_DRIVER %q", c.Repository.Driver)
	}
	switch strings.ToLower(c.Escrow.AddressFormat) {
	case "stellar", "evm":
	default:
		return fmt.Errorf("config: unknown ADDRESS_FORMAT %q", c.Escrow.AddressFormat)
	}
	return nil
}

func buildPostgresURL(cfg *Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// Address returns the HTTP listen address for the fasthttp server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}
