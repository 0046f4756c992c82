package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Config holds all server configuration.
// Priority (lowest → highest): defaults < .env file < env vars < CLI flags.
type Config struct {
	Addr        string
	DatabaseURL string // empty: in-memory store
	RedisURL    string // empty: no cross-process relay
	LogLevel    string
	LogFormat   string

	// Supervisor
	HeartbeatInterval     time.Duration
	RoomInactivityTimeout time.Duration
	AdminGracePeriod      time.Duration
	MaxRoomLifetime       time.Duration // 0 = unlimited
	WarningLead           time.Duration

	StreamThrottle time.Duration
	SendBuffer     int

	// Verse generation
	GeneratorProvider string // ollama | openai | anthropic | none
	GeneratorModel    string
	GeneratorURL      string
	GeneratorAPIKey   string

	StatsSource string // local | remote
	StatsURL    string
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		LogLevel:              "info",
		LogFormat:             "json",
		HeartbeatInterval:     30 * time.Second,
		RoomInactivityTimeout: 30 * time.Minute,
		AdminGracePeriod:      5 * time.Minute,
		MaxRoomLifetime:       4 * time.Hour,
		WarningLead:           30 * time.Second,
		StreamThrottle:        100 * time.Millisecond,
		SendBuffer:            64,
		GeneratorProvider:     "none",
		GeneratorURL:          "http://localhost:11434",
		StatsSource:           "local",
		StatsURL:              "http://localhost:8080",
	}
}

// Load layers the sources over Default. envFile may be empty; a missing file
// is not an error.
func Load(envFile string, args []string) (Config, error) {
	if envFile != "" {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := applyFlags(&cfg, args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("ADDR", &cfg.Addr)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	dur("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	dur("ROOM_INACTIVITY_TIMEOUT", &cfg.RoomInactivityTimeout)
	dur("ADMIN_GRACE_PERIOD", &cfg.AdminGracePeriod)
	dur("MAX_ROOM_LIFETIME", &cfg.MaxRoomLifetime)
	dur("WARNING_LEAD", &cfg.WarningLead)
	dur("STREAM_THROTTLE", &cfg.StreamThrottle)
	if v := os.Getenv("SEND_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SEND_BUFFER: %w", err))
		} else {
			cfg.SendBuffer = n
		}
	}
	str("GENERATOR_PROVIDER", &cfg.GeneratorProvider)
	str("GENERATOR_MODEL", &cfg.GeneratorModel)
	str("GENERATOR_URL", &cfg.GeneratorURL)
	str("GENERATOR_API_KEY", &cfg.GeneratorAPIKey)
	str("STATS_SOURCE", &cfg.StatsSource)
	str("STATS_URL", &cfg.StatsURL)

	return multierr.Combine(errs...)
}

// applyFlags overlays only the flags that were passed explicitly.
func applyFlags(cfg *Config, args []string) error {
	set := flag.NewFlagSet("rapgpt", flag.ContinueOnError)

	addr := set.String("addr", "", "HTTP listen address (e.g. :8080)")
	db := set.String("database-url", "", "Postgres DSN; empty keeps battles in memory")
	redis := set.String("redis-url", "", "Redis URL for the cross-process relay")
	logLevel := set.String("log-level", "", "debug|info|warn|error")
	logFormat := set.String("log-format", "", "json|console")
	heartbeat := set.Duration("heartbeat-interval", 0, "supervisor tick interval")
	inactivity := set.Duration("room-inactivity-timeout", 0, "end rooms idle for this long")
	grace := set.Duration("admin-grace-period", 0, "end live battles whose host is gone this long")
	lifetime := set.Duration("max-room-lifetime", 0, "hard cap on room age, 0 = unlimited")
	lead := set.Duration("warning-lead", 0, "warning countdown before a forced ending")
	throttle := set.Duration("stream-throttle", 0, "minimum interval between verse:streaming events")
	sendBuffer := set.Int("send-buffer", 0, "per-connection outbox size")
	provider := set.String("generator-provider", "", "ollama|openai|anthropic|none")
	model := set.String("generator-model", "", "model name")
	genURL := set.String("generator-url", "", "provider base URL")
	apiKey := set.String("generator-api-key", "", "provider API key")
	statsSource := set.String("stats-source", "", "local|remote")
	statsURL := set.String("stats-url", "", "base URL of the server whose /stats the remote provider reads")

	if err := set.Parse(args); err != nil {
		return err
	}

	set.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "database-url":
			cfg.DatabaseURL = *db
		case "redis-url":
			cfg.RedisURL = *redis
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "heartbeat-interval":
			cfg.HeartbeatInterval = *heartbeat
		case "room-inactivity-timeout":
			cfg.RoomInactivityTimeout = *inactivity
		case "admin-grace-period":
			cfg.AdminGracePeriod = *grace
		case "max-room-lifetime":
			cfg.MaxRoomLifetime = *lifetime
		case "warning-lead":
			cfg.WarningLead = *lead
		case "stream-throttle":
			cfg.StreamThrottle = *throttle
		case "send-buffer":
			cfg.SendBuffer = *sendBuffer
		case "generator-provider":
			cfg.GeneratorProvider = *provider
		case "generator-model":
			cfg.GeneratorModel = *model
		case "generator-url":
			cfg.GeneratorURL = *genURL
		case "generator-api-key":
			cfg.GeneratorAPIKey = *apiKey
		case "stats-source":
			cfg.StatsSource = *statsSource
		case "stats-url":
			cfg.StatsURL = *statsURL
		}
	})
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.RoomInactivityTimeout < 0 || c.AdminGracePeriod < 0 || c.MaxRoomLifetime < 0 || c.WarningLead < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.StreamThrottle < 0 {
		errs = append(errs, errors.New("stream throttle must not be negative"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	switch c.GeneratorProvider {
	case "ollama", "openai", "anthropic", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown generator provider %q", c.GeneratorProvider))
	}
	switch c.StatsSource {
	case "local", "remote":
	default:
		errs = append(errs, fmt.Errorf("unknown stats source %q", c.StatsSource))
	}
	return multierr.Combine(errs...)
}
