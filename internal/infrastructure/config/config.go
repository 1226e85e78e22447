package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Client IP sources for the HTTP access context
const (
	ClientIPOff       = "off"
	ClientIPRemote    = "remote"
	ClientIPForwarded = "forwarded"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Authz     AuthzConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host        string
	HTTPPort    int
	GRPCPort    int
	MetricsPort int // Port for Prometheus metrics HTTP server

	RateLimit  int // requests per RateWindow per caller, 0 disables limiting
	RateWindow time.Duration

	// ProtectDecisions requires callers of the decision endpoints to hold "check" on "Decision"
	ProtectDecisions bool

	// ClientIP selects where context.ipAddress comes from: off, remote or forwarded
	ClientIP string
}

// CacheConfig represents permission cache configuration
type CacheConfig struct {
	Enabled        bool
	Backend        string // memory or redis
	TTL            time.Duration
	MaxMemoryBytes int64 // Maximum memory usage in bytes (e.g., 104857600 = 100MB)
	SweepInterval  time.Duration
	Prefix         string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// AuthzConfig configures the permission engine
type AuthzConfig struct {
	SuperRoles      []string
	TenantIsolation bool
	CELCacheSize    int
	// ManifestPath is applied at startup when set
	ManifestPath string
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string
	Format string // json or text
}

// TelemetryConfig configures the OTLP trace exporter
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver   string // postgres or memory
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

// findProjectRoot finds the project root directory by looking for go.mod
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up the directory tree until we find go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// InitConfig initializes viper configuration
// env: environment name (dev, test, prod)
func InitConfig(env string) error {
	if env == "" {
		env = "dev"
	}

	// Deployed binaries run outside the source tree; the working directory is used then
	root, err := findProjectRoot()
	if err != nil {
		if root, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to resolve config directory: %w", err)
		}
	}

	// Set config file name based on environment
	viper.SetConfigName(fmt.Sprintf(".env.%s", env))
	viper.SetConfigType("env")
	viper.AddConfigPath(root)

	// Read config file (optional, ignore error if not found)
	_ = viper.ReadInConfig()

	// Environment variables take precedence over config file
	viper.AutomaticEnv()

	SetDefaults()
	return nil
}

// SetDefaults registers the default value of every key
func SetDefaults() {
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("HTTP_PORT", 8080)
	viper.SetDefault("GRPC_PORT", 50051)
	viper.SetDefault("METRICS_PORT", 9090)
	viper.SetDefault("RATE_LIMIT", 0)
	viper.SetDefault("RATE_WINDOW", time.Minute)
	viper.SetDefault("PROTECT_DECISIONS", false)
	viper.SetDefault("CLIENT_IP", ClientIPOff)

	viper.SetDefault("DB_DRIVER", DriverPostgres)
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 15432)
	viper.SetDefault("DB_USER", "monban")
	viper.SetDefault("DB_NAME", "monban_dev")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	viper.SetDefault("DB_MIGRATIONS_PATH", "internal/infrastructure/database/migrations/postgres")

	// Cache defaults
	viper.SetDefault("CACHE_ENABLED", true)
	viper.SetDefault("CACHE_BACKEND", CacheBackendMemory)
	viper.SetDefault("CACHE_TTL", 5*time.Minute)
	viper.SetDefault("CACHE_MAX_MEMORY_BYTES", 100*1024*1024) // 100MB
	viper.SetDefault("CACHE_SWEEP_INTERVAL", time.Minute)
	viper.SetDefault("CACHE_PREFIX", "monban:")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)

	viper.SetDefault("AUTHZ_SUPER_ROLES", "SUPER_ADMIN")
	viper.SetDefault("AUTHZ_TENANT_ISOLATION", true)
	viper.SetDefault("AUTHZ_CEL_CACHE_SIZE", 1000)

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	viper.SetDefault("OTEL_ENABLED", false)
	viper.SetDefault("OTEL_ENDPOINT", "localhost:4317")
	viper.SetDefault("OTEL_INSECURE", true)
	viper.SetDefault("OTEL_SERVICE_NAME", "monban")
	viper.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

// Load loads configuration from viper
func Load() (*Config, error) {
	driver := strings.ToLower(viper.GetString("DB_DRIVER"))
	if driver != DriverPostgres && driver != DriverMemory {
		return nil, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, driver)
	}
	// DB_PASSWORD is required for security
	dbPassword := viper.GetString("DB_PASSWORD")
	if driver == DriverPostgres && dbPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required (set via environment variable or .env file)")
	}

	backend := strings.ToLower(viper.GetString("CACHE_BACKEND"))
	if backend != CacheBackendMemory && backend != CacheBackendRedis {
		return nil, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheBackendMemory, CacheBackendRedis, backend)
	}

	clientIP := strings.ToLower(viper.GetString("CLIENT_IP"))
	if clientIP != ClientIPOff && clientIP != ClientIPRemote && clientIP != ClientIPForwarded {
		return nil, fmt.Errorf("CLIENT_IP must be %q, %q or %q, got %q", ClientIPOff, ClientIPRemote, ClientIPForwarded, clientIP)
	}

	config := &Config{
		Server: ServerConfig{
			Host:        viper.GetString("SERVER_HOST"),
			HTTPPort:    viper.GetInt("HTTP_PORT"),
			GRPCPort:    viper.GetInt("GRPC_PORT"),
			MetricsPort: viper.GetInt("METRICS_PORT"),
			RateLimit:   viper.GetInt("RATE_LIMIT"),
			RateWindow:  viper.GetDuration("RATE_WINDOW"),

			ProtectDecisions: viper.GetBool("PROTECT_DECISIONS"),
			ClientIP:         clientIP,
		},
		Database: DatabaseConfig{
			Driver:          driver,
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			User:            viper.GetString("DB_USER"),
			Password:        dbPassword,
			Database:        viper.GetString("DB_NAME"),
			SSLMode:         viper.GetString("DB_SSLMODE"),
			MaxOpenConns:    viper.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    viper.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: viper.GetDuration("DB_CONN_MAX_LIFETIME"),
			MigrationsPath:  viper.GetString("DB_MIGRATIONS_PATH"),
		},
		Cache: CacheConfig{
			Enabled:        viper.GetBool("CACHE_ENABLED"),
			Backend:        backend,
			TTL:            viper.GetDuration("CACHE_TTL"),
			MaxMemoryBytes: viper.GetInt64("CACHE_MAX_MEMORY_BYTES"),
			SweepInterval:  viper.GetDuration("CACHE_SWEEP_INTERVAL"),
			Prefix:         viper.GetString("CACHE_PREFIX"),
			RedisAddr:      viper.GetString("REDIS_ADDR"),
			RedisPassword:  viper.GetString("REDIS_PASSWORD"),
			RedisDB:        viper.GetInt("REDIS_DB"),
		},
		Authz: AuthzConfig{
			SuperRoles:      splitList(viper.GetString("AUTHZ_SUPER_ROLES")),
			TenantIsolation: viper.GetBool("AUTHZ_TENANT_ISOLATION"),
			CELCacheSize:    viper.GetInt("AUTHZ_CEL_CACHE_SIZE"),
			ManifestPath:    viper.GetString("AUTHZ_MANIFEST"),
		},
		Log: LogConfig{
			Level:  viper.GetString("LOG_LEVEL"),
			Format: strings.ToLower(viper.GetString("LOG_FORMAT")),
		},
		Telemetry: TelemetryConfig{
			Enabled:     viper.GetBool("OTEL_ENABLED"),
			Endpoint:    viper.GetString("OTEL_ENDPOINT"),
			Insecure:    viper.GetBool("OTEL_INSECURE"),
			ServiceName: viper.GetString("OTEL_SERVICE_NAME"),
			SampleRatio: viper.GetFloat64("OTEL_SAMPLE_RATIO"),
		},
	}

	return config, nil
}

// splitList parses a comma separated list, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}
