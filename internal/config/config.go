package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Database drivers understood by the repository.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3095)
	Port string

	// BasePath is the URL base path for reverse proxy setups (default: "/")
	BasePath string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DataDir is the directory for persistent data (sqlite database, logs)
	DataDir string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// DatabaseDriver selects the store engine: "sqlite", "mysql" or "postgres" (default: "sqlite")
	DatabaseDriver string

	// DatabaseURI is the file path (sqlite) or DSN (mysql, postgres).
	// Default: <DataDir>/panoguard.db
	DatabaseURI string

	// StreetViewAPIKey authenticates requests to the metadata endpoint
	StreetViewAPIKey string

	// StreetViewBaseURL is the metadata endpoint, overridable for tests and proxies
	StreetViewBaseURL string

	// ResolverTimeout bounds a single metadata request (default: 10s)
	ResolverTimeout time.Duration

	// ResolverMaxRetries is the number of transport-level retries per request (default: 1)
	ResolverMaxRetries int

	// ResolverRateLimitRPS is the sustained request budget against the resolver (default: 50)
	ResolverRateLimitRPS float64

	// ResolverRateLimitBurst allows short bursts above the RPS limit (default: 10)
	ResolverRateLimitBurst int

	// ResolverBreakerThreshold opens the resolver circuit after this many
	// consecutive transient failures, 0 disables it (default: 20)
	ResolverBreakerThreshold int

	// ResolverBreakerCooldown is how long an open circuit rejects lookups (default: 30s)
	ResolverBreakerCooldown time.Duration

	// SearchRadius is the coordinate lookup radius in meters (default: 50000)
	SearchRadius int

	// ScanWindowSize is the number of records read per batch (default: 100)
	ScanWindowSize int

	// ScanConcurrency is the ceiling on in-flight availability checks (default: 10)
	ScanConcurrency int

	// RefreshDelay is the pause between refresh items (default: 50ms)
	RefreshDelay time.Duration

	// ProgressEvery throttles availability progress events (default: 10)
	ProgressEvery int

	// JWTSecret verifies HS256 bearer tokens. Protected routes reject every token when empty.
	JWTSecret string

	// NotifyURLs are shoutrrr URLs notified when a scan finishes or fails
	NotifyURLs []string

	// NotifyThrottle is the minimum interval between notifications per URL (default: 1m)
	NotifyThrottle time.Duration

	// CORSOrigin is a comma-separated list of allowed origins, or "*"
	CORSOrigin string
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	dataDir := getEnvOrDefault("PANOGUARD_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	os.MkdirAll(dataDir, 0755)

	logDir := filepath.Join(dataDir, "logs")

	driver := strings.ToLower(getEnvOrDefault("PANOGUARD_DATABASE_DRIVER", DriverSQLite))
	uri := getEnvOrDefault("PANOGUARD_DATABASE_URI", "")
	if uri == "" && driver == DriverSQLite {
		uri = filepath.Join(dataDir, "panoguard.db")
	}

	cfg = &Config{
		Port:                     getEnvOrDefault("PANOGUARD_PORT", "3095"),
		BasePath:                 normalizeBasePath(getEnvOrDefault("PANOGUARD_BASE_PATH", "/")),
		LogLevel:                 strings.ToLower(getEnvOrDefault("PANOGUARD_LOG_LEVEL", "info")),
		DataDir:                  dataDir,
		LogDir:                   logDir,
		DatabaseDriver:           driver,
		DatabaseURI:              uri,
		StreetViewAPIKey:         getEnvOrDefault("PANOGUARD_STREETVIEW_API_KEY", ""),
		StreetViewBaseURL:        getEnvOrDefault("PANOGUARD_STREETVIEW_URL", "https://maps.googleapis.com/maps/api/streetview/metadata"),
		ResolverTimeout:          getEnvDurationOrDefault("PANOGUARD_RESOLVER_TIMEOUT", 10*time.Second),
		ResolverMaxRetries:       getEnvIntOrDefault("PANOGUARD_RESOLVER_MAX_RETRIES", 1),
		ResolverRateLimitRPS:     getEnvFloatOrDefault("PANOGUARD_RESOLVER_RATE_LIMIT_RPS", 50),
		ResolverRateLimitBurst:   getEnvIntOrDefault("PANOGUARD_RESOLVER_RATE_LIMIT_BURST", 10),
		ResolverBreakerThreshold: getEnvIntOrDefault("PANOGUARD_RESOLVER_BREAKER_THRESHOLD", 20),
		ResolverBreakerCooldown:  getEnvDurationOrDefault("PANOGUARD_RESOLVER_BREAKER_COOLDOWN", 30*time.Second),
		SearchRadius:             getEnvIntOrDefault("PANOGUARD_SEARCH_RADIUS", 50000),
		ScanWindowSize:           getEnvIntOrDefault("PANOGUARD_SCAN_WINDOW", 100),
		ScanConcurrency:          getEnvIntOrDefault("PANOGUARD_SCAN_CONCURRENCY", 10),
		RefreshDelay:             getEnvDurationOrDefault("PANOGUARD_REFRESH_DELAY", 50*time.Millisecond),
		ProgressEvery:            getEnvIntOrDefault("PANOGUARD_PROGRESS_EVERY", 10),
		JWTSecret:                getEnvOrDefault("PANOGUARD_JWT_SECRET", ""),
		NotifyURLs:               getEnvListOrDefault("PANOGUARD_NOTIFY_URLS", nil),
		NotifyThrottle:           getEnvDurationOrDefault("PANOGUARD_NOTIFY_THROTTLE", time.Minute),
		CORSOrigin:               getEnvOrDefault("PANOGUARD_CORS_ORIGIN", ""),
	}

	cfg.normalize()
	return cfg
}

// normalize clamps values that would make the scan pipeline misbehave.
func (c *Config) normalize() {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		c.DatabaseDriver = DriverSQLite
	}
	if c.ScanWindowSize < 1 {
		c.ScanWindowSize = 100
	}
	if c.ScanConcurrency < 1 {
		c.ScanConcurrency = 1
	}
	if c.ProgressEvery < 1 {
		c.ProgressEvery = 10
	}
	if c.RefreshDelay < 0 {
		c.RefreshDelay = 0
	}
	if c.ResolverMaxRetries < 0 {
		c.ResolverMaxRetries = 0
	}
	if c.ResolverBreakerThreshold < 0 {
		c.ResolverBreakerThreshold = 0
	}
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                   "8080",
		BasePath:               "/",
		LogLevel:               "debug",
		DataDir:                "/tmp/panoguard-test",
		LogDir:                 "/tmp/panoguard-test/logs",
		DatabaseDriver:         DriverSQLite,
		DatabaseURI:            "/tmp/panoguard-test/panoguard.db",
		StreetViewAPIKey:       "test-key",
		StreetViewBaseURL:      "http://127.0.0.1:0/metadata",
		ResolverTimeout:        2 * time.Second,
		ResolverMaxRetries:     0,
		ResolverRateLimitRPS:   1000,
		ResolverRateLimitBurst: 100,
		SearchRadius:           50000,
		ScanWindowSize:         5,
		ScanConcurrency:        3,
		RefreshDelay:           0,
		ProgressEvery:          10,
		JWTSecret:              "test-secret",
		NotifyThrottle:         time.Minute,
	}
}

func normalizeBasePath(basePath string) string {
	if basePath == "" || basePath == "/" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings like "50ms", "10s".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma-separated variable, dropping empty entries.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port            *string
	BasePath        *string
	LogLevel        *string
	DataDir         *string
	DatabaseDriver  *string
	DatabaseURI     *string
	ScanWindowSize  *int
	ScanConcurrency *int
	RefreshDelay    *time.Duration
	ResolverRPS     *float64
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Only non-nil, non-zero flag values override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.BasePath != nil && *flags.BasePath != "" {
		cfg.BasePath = normalizeBasePath(*flags.BasePath)
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if flags.DatabaseDriver != nil && *flags.DatabaseDriver != "" {
		cfg.DatabaseDriver = strings.ToLower(*flags.DatabaseDriver)
	}
	if flags.DatabaseURI != nil && *flags.DatabaseURI != "" {
		cfg.DatabaseURI = *flags.DatabaseURI
	}
	if flags.ScanWindowSize != nil && *flags.ScanWindowSize != 0 {
		cfg.ScanWindowSize = *flags.ScanWindowSize
	}
	if flags.ScanConcurrency != nil && *flags.ScanConcurrency != 0 {
		cfg.ScanConcurrency = *flags.ScanConcurrency
	}
	if flags.RefreshDelay != nil && *flags.RefreshDelay != 0 {
		cfg.RefreshDelay = *flags.RefreshDelay
	}
	if flags.ResolverRPS != nil && *flags.ResolverRPS != 0 {
		cfg.ResolverRateLimitRPS = *flags.ResolverRPS
	}

	cfg.normalize()
}
