package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	// SQLitePath is used when DatabaseURL is empty (lite mode).
	SQLitePath string
	RedisAddr  string

	PolicyBundle string
	GrantBundle  string

	ConfirmationTTL    time.Duration
	DefaultMaxDuration time.Duration
	DeferRetryAfter    time.Duration
	KillSwitchKey      string

	// ActionRoot confines the built-in file adapters. Empty disables them.
	ActionRoot   string
	WebhookHosts []string
	// SimulationModules is a directory of <action-type>.wasm projection modules.
	SimulationModules string

	JWTSecret string
	RateRPS   float64
	RateBurst int

	OTelEnabled  bool
	OTelEndpoint string

	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string

	RootSeed   []byte
	Production bool
}

// Load loads configuration from environment variables. Malformed values are
// an error rather than a silent fallback to the default.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        envOr("HELMGATE_SQLITE_PATH", "data/helmgate.db"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		PolicyBundle:      os.Getenv("HELMGATE_POLICY_BUNDLE"),
		GrantBundle:       os.Getenv("HELMGATE_GRANT_BUNDLE"),
		KillSwitchKey:     envOr("HELMGATE_KILL_SWITCH_KEY", "helmgate:killswitch"),
		JWTSecret:         os.Getenv("HELMGATE_JWT_SECRET"),
		ActionRoot:        os.Getenv("HELMGATE_ACTION_ROOT"),
		WebhookHosts:      listEnv("HELMGATE_WEBHOOK_HOSTS"),
		SimulationModules: os.Getenv("HELMGATE_SIMULATION_MODULES"),
		OTelEndpoint:      envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		ArchiveBucket:     os.Getenv("HELMGATE_ARCHIVE_BUCKET"),
		ArchiveRegion:     envOr("HELMGATE_ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:   os.Getenv("HELMGATE_ARCHIVE_ENDPOINT"),
		Production:        os.Getenv("HELMGATE_PRODUCTION") == "1",
	}

	var err error
	if cfg.ConfirmationTTL, err = durationEnv("HELMGATE_CONFIRMATION_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxDuration, err = durationEnv("HELMGATE_DEFAULT_MAX_DURATION", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeferRetryAfter, err = durationEnv("HELMGATE_DEFER_RETRY_AFTER", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateRPS, err = floatEnv("HELMGATE_RATE_RPS", 20); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = intEnv("HELMGATE_RATE_BURST", 40); err != nil {
		return nil, err
	}

	if seed := os.Getenv("HELMGATE_ROOT_SEED"); seed != "" {
		b, err := hex.DecodeString(seed)
		if err != nil {
			return nil, fmt.Errorf("HELMGATE_ROOT_SEED: %w", err)
		}
		if len(b) < 32 {
			return nil, fmt.Errorf("HELMGATE_ROOT_SEED: need at least 32 bytes, got %d", len(b))
		}
		cfg.RootSeed = b
	} else if cfg.Production {
		return nil, fmt.Errorf("HELMGATE_ROOT_SEED is required when HELMGATE_PRODUCTION=1")
	}

	return cfg, nil
}

// LiteMode reports whether the SQLite backend is used.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func listEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
