package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "none", cfg.Bus.Durable)
	assert.Equal(t, 0, cfg.Bus.QueueCapacity)
	assert.Equal(t, "memory", cfg.Context.Backend)
	assert.Equal(t, 8, cfg.Context.ConflictRetries)

	assert.Equal(t, int64(0), cfg.Engine.MaxWorkers)
	assert.Equal(t, time.Hour, cfg.Engine.RetentionTTL)
	assert.Equal(t, 1, cfg.Engine.DefaultRetry.MaxAttempts)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)

	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.UsesRedis())
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
  api_keys: [k1, k2]
bus:
  queue_capacity: 64
  durable: redis
context:
  backend: redis
engine:
  max_workers: 16
  default_max_parallel: 4
  retention_ttl: 10m
  definitions_dir: ./workflows
  default_retry:
    max_attempts: 3
    initial_backoff: 250ms
database:
  enabled: true
  driver: sqlite
  name: /tmp/agentgrid.db
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, 64, cfg.Bus.QueueCapacity)
	assert.Equal(t, int64(16), cfg.Engine.MaxWorkers)
	assert.Equal(t, 4, cfg.Engine.DefaultMaxParallel)
	assert.Equal(t, 10*time.Minute, cfg.Engine.RetentionTTL)
	assert.Equal(t, "./workflows", cfg.Engine.DefinitionsDir)
	assert.Equal(t, 3, cfg.Engine.DefaultRetry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.DefaultRetry.InitialBackoff)
	// Unset nested fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Engine.DefaultRetry.MaxBackoff)
	assert.Equal(t, "/tmp/agentgrid.db", cfg.Database.DSN())
	assert.True(t, cfg.UsesRedis())
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTGRID_SERVER_HTTP_PORT", "7070")
	t.Setenv("AGENTGRID_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AGENTGRID_ENGINE_JANITOR_INTERVAL", "15s")
	t.Setenv("AGENTGRID_ENGINE_DEFAULT_RETRY_JITTER", "0.5")
	t.Setenv("AGENTGRID_DATABASE_ENABLED", "true")
	t.Setenv("AGENTGRID_SERVER_JWT_SECRET", "s3cret")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Engine.JanitorInterval)
	assert.Equal(t, 0.5, cfg.Engine.DefaultRetry.Jitter)
	assert.True(t, cfg.Database.Enabled)
	assert.True(t, cfg.Server.JWT.Enabled())
}

func TestLoader_EnvPrefix(t *testing.T) {
	t.Setenv("GRID_LOG_LEVEL", "debug")
	cfg, err := NewLoader().WithEnvPrefix("GRID").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_EnvInvalidValue(t *testing.T) {
	t.Setenv("AGENTGRID_ENGINE_MAX_WORKERS", "many")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error { return c.Validate() }).Load()
	assert.NoError(t, err)

	t.Setenv("AGENTGRID_BUS_DURABLE", "kafka")
	_, err = NewLoader().WithValidator(func(c *Config) error { return c.Validate() }).Load()
	assert.ErrorContains(t, err, "unknown bus.durable")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"bad metrics port", func(c *Config) { c.Server.MetricsPort = -1 }, "invalid metrics port"},
		{"negative queue", func(c *Config) { c.Bus.QueueCapacity = -1 }, "queue_capacity"},
		{"unknown backend", func(c *Config) { c.Context.Backend = "etcd" }, "unknown context.backend"},
		{"negative workers", func(c *Config) { c.Engine.MaxWorkers = -2 }, "engine limits"},
		{"negative ttl", func(c *Config) { c.Engine.RetentionTTL = -time.Second }, "engine durations"},
		{"jitter range", func(c *Config) { c.Engine.DefaultRetry.Jitter = 1.5 }, "jitter"},
		{"unknown driver", func(c *Config) { c.Database.Enabled = true; c.Database.Driver = "oracle" }, "database.driver"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "grid", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=grid sslmode=disable", d.DSN())

	d.Driver = "mysql"
	assert.Equal(t, "u:p@tcp(db:5432)/grid?parseTime=true", d.DSN())

	d.Driver = "oracle"
	assert.Empty(t, d.DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- bad"), 0o644))
	assert.Panics(t, func() { MustLoad(path) })
}
