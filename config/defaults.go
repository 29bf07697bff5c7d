package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Bus:       DefaultBusConfig(),
		Context:   DefaultContextConfig(),
		Engine:    DefaultEngineConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns HTTP defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultBusConfig returns an unbounded in-memory bus.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Durable:      "none",
		StreamPrefix: "agentgrid:events:",
	}
}

// DefaultContextConfig returns an in-memory context store.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Backend:         "memory",
		KeyPrefix:       "agentgrid:ctx:",
		ConflictRetries: 8,
		WatchBuffer:     1024,
	}
}

// DefaultEngineConfig returns scheduler and retention defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetentionTTL:     time.Hour,
		RetentionMaxRuns: 1000,
		JanitorInterval:  time.Minute,
		ArchiveMaxRuns:   10000,
		DefaultRetry: RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
		IdempotencyTTL: 24 * time.Hour,
	}
}

// DefaultRedisConfig returns local Redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultDatabaseConfig returns a disabled postgres archive.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agentgrid",
		Name:                "agentgrid",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig returns JSON logging to stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns disabled telemetry.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentgrid",
		SampleRate:   0.1,
	}
}
