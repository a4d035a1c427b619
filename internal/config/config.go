package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP         HTTPConfig
	Logging      LoggingConfig
	Store        StoreConfig
	Auth         AuthConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	Events       EventsConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

type StoreConfig struct {
	Path       string
	MirrorPath string // empty disables the mirror
}

type AuthConfig struct {
	UserID             string
	DefaultPin         string
	MaxRetries         int
	LockoutDuration    time.Duration
	RequireSecondary   bool
	SecondaryThreshold float64
	ProcessingDelay    time.Duration
}

type ConnectivityConfig struct {
	ProbeURL        string
	ProbeTimeout    time.Duration
	Interval        time.Duration
	DegradedLatency time.Duration
}

// SyncConfig describes how pending records are confirmed remotely.
type SyncConfig struct {
	Delay             time.Duration // simulated remote latency
	Timeout           time.Duration
	RemoteDatabaseURL string // Postgres DSN; empty uses the simulated remote
}

type EventsConfig struct {
	KafkaBrokers []string // empty logs events instead
	Topic        string
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "text"
	defaultStorePath       = "vaultx.db"
	defaultMirrorPath      = "vaultx-mirror.json"
	defaultUserID          = "local-user"
	defaultPin             = "123456"
	defaultMaxRetries      = 5
	defaultLockout         = 20 * time.Second
	defaultThreshold       = 0.6
	defaultProbeURL        = "https://www.cloudflare.com/cdn-cgi/trace"
	defaultProbeTimeout    = 3 * time.Second
	defaultProbeInterval   = 3 * time.Second
	defaultDegradedLatency = time.Second
	defaultSyncDelay       = time.Second
	defaultSyncTimeout     = 10 * time.Second
	defaultTopic           = "transaction_completed"
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host: valueOrDefault("SERVER_HOST", defaultHost),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Store: StoreConfig{
			Path:       valueOrDefault("STORE_PATH", defaultStorePath),
			MirrorPath: defaultMirrorPath,
		},
		Auth: AuthConfig{
			UserID:           valueOrDefault("USER_ID", defaultUserID),
			DefaultPin:       valueOrDefault("DEFAULT_PIN", defaultPin),
			RequireSecondary: parseBoolWithDefault("AUTH_REQUIRE_SECONDARY", false),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL: valueOrDefault("PROBE_URL", defaultProbeURL),
		},
		Sync: SyncConfig{
			RemoteDatabaseURL: os.Getenv("REMOTE_DATABASE_URL"),
		},
		Events: EventsConfig{
			KafkaBrokers: parseCSV(os.Getenv("KAFKA_BROKERS")),
			Topic:        valueOrDefault("KAFKA_TOPIC", defaultTopic),
		},
	}

	// an explicitly empty MIRROR_PATH turns the mirror off
	if v, ok := os.LookupEnv("MIRROR_PATH"); ok {
		cfg.Store.MirrorPath = strings.TrimSpace(v)
	}

	var err error
	if cfg.HTTP.Port, err = parsePort("SERVER_PORT", defaultPort); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"AUTH_LOCKOUT", defaultLockout, &cfg.Auth.LockoutDuration},
		{"PAYMENT_PROCESSING_DELAY", 0, &cfg.Auth.ProcessingDelay},
		{"PROBE_TIMEOUT", defaultProbeTimeout, &cfg.Connectivity.ProbeTimeout},
		{"PROBE_INTERVAL", defaultProbeInterval, &cfg.Connectivity.Interval},
		{"PROBE_DEGRADED_LATENCY", defaultDegradedLatency, &cfg.Connectivity.DegradedLatency},
		{"SYNC_DELAY", defaultSyncDelay, &cfg.Sync.Delay},
		{"SYNC_TIMEOUT", defaultSyncTimeout, &cfg.Sync.Timeout},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationWithDefault(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.Auth.MaxRetries, err = parsePositiveInt("AUTH_MAX_RETRIES", defaultMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.Auth.SecondaryThreshold, err = parseThreshold("AUTH_SECONDARY_THRESHOLD", defaultThreshold); err != nil {
		return Config{}, err
	}
	if !isPin(cfg.Auth.DefaultPin) {
		return Config{}, fmt.Errorf("invalid DEFAULT_PIN: must be 6 digits")
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseDurationWithDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return n, nil
}

func parseThreshold(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	if f <= 0 || f > 1 {
		return 0, fmt.Errorf("%s must be in (0, 1]", key)
	}
	return f, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}

func parseCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isPin(v string) bool {
	if len(v) != 6 {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}
