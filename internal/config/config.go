// Package config handles loading and validation of onStride configuration.
// It loads from .env files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backends for daily metrics.
const (
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
	CacheMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	// Health bridge
	BridgeURL   string // ONSTRIDE_BRIDGE_URL
	BridgeToken string // ONSTRIDE_BRIDGE_TOKEN

	// Sync
	RefreshInterval  time.Duration // ONSTRIDE_REFRESH_INTERVAL (seconds → Duration)
	RetentionDays    int           // ONSTRIDE_RETENTION_DAYS
	FetchConcurrency int           // ONSTRIDE_FETCH_CONCURRENCY
	SettleDelay      time.Duration // ONSTRIDE_SETTLE_DELAY_MS (milliseconds → Duration)

	// Goals
	StepGoal   float64 // ONSTRIDE_STEP_GOAL
	EnergyGoal float64 // ONSTRIDE_ENERGY_GOAL

	// Server
	Port      int    // ONSTRIDE_PORT
	Host      string // ONSTRIDE_HOST (bind address, default: 0.0.0.0)
	AdminUser string // ONSTRIDE_ADMIN_USER
	AdminPass string // ONSTRIDE_ADMIN_PASS

	// Storage
	DBPath         string // ONSTRIDE_DB_PATH
	DBPathExplicit bool   // true if user explicitly set --db or ONSTRIDE_DB_PATH
	DatabaseURL    string // ONSTRIDE_DATABASE_URL
	Cache          string // ONSTRIDE_CACHE

	LogLevel     string // ONSTRIDE_LOG_LEVEL
	OTLPEndpoint string // ONSTRIDE_OTLP_ENDPOINT
	DebugMode    bool   // --debug flag (foreground mode)
	TestMode     bool   // --test flag (test mode isolation)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	interval int
	port     int
	db       string
	debug    bool
	test     bool
}

// Load reads configuration from .env file, environment variables, and CLI flags.
// Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case arg == "--test":
			flags.test = true
		case strings.HasPrefix(arg, "--interval="):
			if v, err := strconv.Atoi(strings.TrimPrefix(arg, "--interval=")); err == nil {
				flags.interval = v
			}
		case arg == "--interval":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.interval = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--port="):
			if v, err := strconv.Atoi(strings.TrimPrefix(arg, "--port=")); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	cfg.BridgeURL = strings.TrimSpace(os.Getenv("ONSTRIDE_BRIDGE_URL"))
	cfg.BridgeToken = strings.TrimSpace(os.Getenv("ONSTRIDE_BRIDGE_TOKEN"))

	// Refresh interval (seconds)
	if flags.interval > 0 {
		cfg.RefreshInterval = time.Duration(flags.interval) * time.Second
	} else if v, ok := envInt("ONSTRIDE_REFRESH_INTERVAL"); ok {
		cfg.RefreshInterval = time.Duration(v) * time.Second
	}

	if flags.port > 0 {
		cfg.Port = flags.port
	} else if v, ok := envInt("ONSTRIDE_PORT"); ok {
		cfg.Port = v
	}
	cfg.Host = os.Getenv("ONSTRIDE_HOST")

	cfg.AdminUser = os.Getenv("ONSTRIDE_ADMIN_USER")
	cfg.AdminPass = os.Getenv("ONSTRIDE_ADMIN_PASS")

	if flags.db != "" {
		cfg.DBPath = flags.db
		cfg.DBPathExplicit = true
	} else if envDB := os.Getenv("ONSTRIDE_DB_PATH"); envDB != "" {
		cfg.DBPath = envDB
		cfg.DBPathExplicit = true
	}
	cfg.DatabaseURL = os.Getenv("ONSTRIDE_DATABASE_URL")
	cfg.Cache = strings.ToLower(strings.TrimSpace(os.Getenv("ONSTRIDE_CACHE")))

	if v, ok := envFloat("ONSTRIDE_STEP_GOAL"); ok {
		cfg.StepGoal = v
	}
	if v, ok := envFloat("ONSTRIDE_ENERGY_GOAL"); ok {
		cfg.EnergyGoal = v
	}
	if v, ok := envInt("ONSTRIDE_RETENTION_DAYS"); ok {
		cfg.RetentionDays = v
	}
	if v, ok := envInt("ONSTRIDE_FETCH_CONCURRENCY"); ok {
		cfg.FetchConcurrency = v
	}
	if v, ok := envInt("ONSTRIDE_SETTLE_DELAY_MS"); ok {
		cfg.SettleDelay = time.Duration(v) * time.Millisecond
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("ONSTRIDE_LOG_LEVEL"))
	cfg.OTLPEndpoint = os.Getenv("ONSTRIDE_OTLP_ENDPOINT")

	// CLI flag only
	cfg.DebugMode = flags.debug
	cfg.TestMode = flags.test

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envInt(key string) (int, bool) {
	env := os.Getenv(key)
	if env == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(env))
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	env := os.Getenv(key)
	if env == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(env), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 900 * time.Second
	}
	if c.Port == 0 {
		c.Port = 9311
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.AdminUser == "" {
		c.AdminUser = "admin"
	}
	if c.AdminPass == "" {
		c.AdminPass = "changeme"
	}
	if c.DBPath == "" {
		// Check if running in Docker and use /data/onstride.db as default
		if c.IsDockerEnvironment() {
			c.DBPath = "/data/onstride.db"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DBPath = "./onstride.db"
			} else {
				c.DBPath = filepath.Join(home, ".onstride", "data", "onstride.db")
			}
		}
	}
	if c.Cache == "" {
		if c.DatabaseURL != "" {
			c.Cache = CachePostgres
		} else {
			c.Cache = CacheSQLite
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StepGoal == 0 {
		c.StepGoal = 10000
	}
	if c.EnergyGoal == 0 {
		c.EnergyGoal = 500
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.FetchConcurrency == 0 {
		c.FetchConcurrency = 7
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 800 * time.Millisecond
	}
}

// Validate checks the configuration for errors. A missing bridge URL is not
// an error here: one may have been saved through the API.
func (c *Config) Validate() error {
	if c.BridgeURL != "" {
		u, err := url.Parse(c.BridgeURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ONSTRIDE_BRIDGE_URL must be an http(s) URL")
		}
	}

	minInterval := 60 * time.Second
	maxInterval := 86400 * time.Second
	if c.RefreshInterval < minInterval {
		return fmt.Errorf("refresh interval must be at least %v", minInterval)
	}
	if c.RefreshInterval > maxInterval {
		return fmt.Errorf("refresh interval must be at most %v", maxInterval)
	}

	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}

	switch c.Cache {
	case CacheSQLite, CacheMemory:
	case CachePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("ONSTRIDE_CACHE=postgres requires ONSTRIDE_DATABASE_URL")
		}
	default:
		return fmt.Errorf("ONSTRIDE_CACHE must be one of sqlite, postgres, memory")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("ONSTRIDE_LOG_LEVEL must be one of debug, info, warn, error")
	}

	if c.StepGoal <= 0 || c.EnergyGoal <= 0 {
		return fmt.Errorf("step and energy goals must be positive")
	}
	if c.RetentionDays < 7 {
		return fmt.Errorf("retention must be at least 7 days")
	}
	if c.FetchConcurrency < 1 || c.FetchConcurrency > 31 {
		return fmt.Errorf("fetch concurrency must be between 1 and 31")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative")
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  BridgeURL: %s,\n", valueOrNotSet(c.BridgeURL))
	fmt.Fprintf(&sb, "  BridgeToken: %s,\n", redactSecret(c.BridgeToken))
	fmt.Fprintf(&sb, "  RefreshInterval: %v,\n", c.RefreshInterval)
	fmt.Fprintf(&sb, "  RetentionDays: %d,\n", c.RetentionDays)
	fmt.Fprintf(&sb, "  FetchConcurrency: %d,\n", c.FetchConcurrency)
	fmt.Fprintf(&sb, "  SettleDelay: %v,\n", c.SettleDelay)
	fmt.Fprintf(&sb, "  Goals: %.0f steps, %.0f kcal,\n", c.StepGoal, c.EnergyGoal)
	fmt.Fprintf(&sb, "  Host: %s,\n", c.Host)
	fmt.Fprintf(&sb, "  Port: %d,\n", c.Port)
	fmt.Fprintf(&sb, "  AdminUser: %s,\n", c.AdminUser)
	fmt.Fprintf(&sb, "  AdminPass: ****,\n")
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  Cache: %s,\n", c.Cache)
	fmt.Fprintf(&sb, "  DatabaseURL: %s,\n", redactDSN(c.DatabaseURL))
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  OTLPEndpoint: %s,\n", valueOrNotSet(c.OTLPEndpoint))
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")

	return sb.String()
}

func valueOrNotSet(v string) string {
	if v == "" {
		return "(not set)"
	}
	return v
}

// redactSecret masks a token for display.
func redactSecret(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 7 {
		return "***...***"
	}
	// Show first 4 chars and last 3 chars
	return key[:4] + "***...***" + key[len(key)-3:]
}

// redactDSN hides the password of a connection URL.
func redactDSN(dsn string) string {
	if dsn == "" {
		return "(not set)"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

// LogWriter returns the appropriate log destination based on debug mode.
// In debug mode: returns os.Stdout
// In Docker: returns os.Stdout (containers should log to stdout)
// Otherwise: returns a file handle to .onstride.log next to the database
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode {
		return os.Stdout, nil
	}

	if c.IsDockerEnvironment() {
		return os.Stdout, nil
	}

	logName := ".onstride.log"
	if c.TestMode {
		logName = ".onstride-test.log"
	}
	logPath := filepath.Join(filepath.Dir(c.DBPath), logName)

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return file, nil
}

// IsDockerEnvironment detects if running inside a Docker container.
// Checks for the presence of /.dockerenv (created by Docker) or the
// DOCKER_CONTAINER environment variable (set by some container runtimes).
func (c *Config) IsDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if os.Getenv("DOCKER_CONTAINER") != "" {
		return true
	}
	return false
}
