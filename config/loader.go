// =============================================================================
// AgentGrid configuration loader
// =============================================================================
// Loads YAML files with environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentgrid.yaml").
//	    WithEnvPrefix("AGENTGRID").
//	    Load()
//
// Precedence: defaults → YAML file → environment.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Bus       BusConfig       `yaml:"bus" env:"BUS"`
	Context   ContextConfig   `yaml:"context" env:"CONTEXT"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// APIKeys enables X-API-Key authentication when non-empty.
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// AllowQueryAPIKey also accepts ?api_key=, for WebSocket clients that
	// cannot set headers.
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`

	// RateLimitRPS is the per-IP steady rate; 0 disables rate limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig enables bearer-token authentication when Secret or PublicKey
// is set. Secret selects HS256, PublicKey (PEM) selects RS256.
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled reports whether JWT authentication is configured.
func (j JWTConfig) Enabled() bool { return j.Secret != "" || j.PublicKey != "" }

// BusConfig configures the message bus.
type BusConfig struct {
	// QueueCapacity bounds each subscriber queue; 0 is unbounded.
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// Durable is "none" or "redis".
	Durable      string `yaml:"durable" env:"DURABLE"`
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	StreamMaxLen int64  `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
}

// ContextConfig configures the context store.
type ContextConfig struct {
	// Backend is "memory" or "redis".
	Backend         string `yaml:"backend" env:"BACKEND"`
	KeyPrefix       string `yaml:"key_prefix" env:"KEY_PREFIX"`
	ConflictRetries int    `yaml:"conflict_retries" env:"CONFLICT_RETRIES"`
	WatchBuffer     int    `yaml:"watch_buffer" env:"WATCH_BUFFER"`
}

// EngineConfig configures the scheduler and run retention.
type EngineConfig struct {
	// MaxWorkers caps concurrently executing steps across runs; 0 is unbounded.
	MaxWorkers int64 `yaml:"max_workers" env:"MAX_WORKERS"`
	// DefaultMaxParallel applies to workflows that declare none; 0 is unbounded.
	DefaultMaxParallel int           `yaml:"default_max_parallel" env:"DEFAULT_MAX_PARALLEL"`
	RetentionTTL       time.Duration `yaml:"retention_ttl" env:"RETENTION_TTL"`
	RetentionMaxRuns   int           `yaml:"retention_max_runs" env:"RETENTION_MAX_RUNS"`
	JanitorInterval    time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
	// ArchiveMaxRuns bounds the in-memory archive used without a database.
	ArchiveMaxRuns int         `yaml:"archive_max_runs" env:"ARCHIVE_MAX_RUNS"`
	DefaultRetry   RetryConfig `yaml:"default_retry" env:"DEFAULT_RETRY"`
	// DefinitionsDir holds *.yaml / *.json workflow files registered on start.
	DefinitionsDir   string `yaml:"definitions_dir" env:"DEFINITIONS_DIR"`
	WatchDefinitions bool   `yaml:"watch_definitions" env:"WATCH_DEFINITIONS"`
	// IdempotencyTTL is how long Idempotency-Key results are kept in Redis.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
}

// RetryConfig is the engine-wide default step retry policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Multiplier     float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter         float64       `yaml:"jitter" env:"JITTER"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr                string        `yaml:"addr" env:"ADDR"`
	Password            string        `yaml:"password" env:"PASSWORD"`
	DB                  int           `yaml:"db" env:"DB"`
	PoolSize            int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns        int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	TLS                 bool          `yaml:"tls" env:"TLS"`
}

// DatabaseConfig configures the run archive database.
type DatabaseConfig struct {
	// Enabled switches the run archive from memory to SQL.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver is postgres, mysql or sqlite.
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// Name is the database name, or the file path for sqlite.
	Name                string        `yaml:"name" env:"NAME"`
	SSLMode             string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads Config in builder style.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader returns a loader with the AGENTGRID env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "AGENTGRID"}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, then the file, then the environment, then the
// validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults and environment overrides only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []string

	validPort := func(p int) bool { return p > 0 && p <= 65535 }
	if !validPort(c.Server.HTTPPort) {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort != 0 && !validPort(c.Server.MetricsPort) {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limit must not be negative")
	}

	if c.Bus.QueueCapacity < 0 {
		errs = append(errs, "bus.queue_capacity must not be negative")
	}
	switch c.Bus.Durable {
	case "", "none", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown bus.durable %q", c.Bus.Durable))
	}

	switch c.Context.Backend {
	case "", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown context.backend %q", c.Context.Backend))
	}
	if c.Context.ConflictRetries < 0 {
		errs = append(errs, "context.conflict_retries must not be negative")
	}

	e := c.Engine
	if e.MaxWorkers < 0 || e.DefaultMaxParallel < 0 || e.RetentionMaxRuns < 0 || e.ArchiveMaxRuns < 0 {
		errs = append(errs, "engine limits must not be negative")
	}
	if e.RetentionTTL < 0 || e.JanitorInterval < 0 {
		errs = append(errs, "engine durations must not be negative")
	}
	if e.DefaultRetry.MaxAttempts < 0 {
		errs = append(errs, "engine.default_retry.max_attempts must not be negative")
	}
	if e.DefaultRetry.Jitter < 0 || e.DefaultRetry.Jitter > 1 {
		errs = append(errs, "engine.default_retry.jitter must be between 0 and 1")
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
		}
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.Bus.Durable == "redis" || c.Context.Backend == "redis"
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
