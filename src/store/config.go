package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/storelog"
	"github.com/storedaemon/client/src/storepath"
)

// Config configures a Store. A nil Config is equivalent to
// DefaultConfig().
type Config struct {
	// Pool holds connection pool configuration.
	Pool *PoolConfig

	// Observability holds telemetry configuration.
	Observability *ObservabilityConfig

	// Logging holds logging configuration.
	Logging *LoggingConfig

	// Settings is the read-only settings snapshot transmitted during
	// the greeting's set_options call.
	Settings daemon.Settings

	// SameMachine and LockCPU gate the minor>=14 CPU-affinity hint.
	SameMachine bool
	LockCPU     bool
	CPUID       int

	// PathCodec parses and prints store paths. DefaultCodec is used
	// when nil.
	PathCodec storepath.Codec
}

// PoolConfig configures the underlying connection pool.
type PoolConfig struct {
	// MaxConnections bounds the pool's steady-state capacity.
	MaxConnections int

	// MaxConnectionAge retires a connection once it has been open this
	// long, regardless of how many operations it has served.
	MaxConnectionAge time.Duration
}

// LoggingConfig selects the logger. Level is carried but not applied by
// the store; the Logger's own settings decide what is written.
type LoggingConfig struct {
	Logger storelog.Logger
	Level  storelog.Level
}

// DefaultLoggingConfig returns a LoggingConfig with a discarding logger
// at info level.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{Logger: storelog.NoOpLogger{}, Level: storelog.LevelInfo}
}

// ObservabilityConfig controls OpenTelemetry tracing and metrics.
type ObservabilityConfig struct {
	EnableTracing     bool
	EnableMetrics     bool
	TracingAttributes []attribute.KeyValue
	MetricAttributes  []attribute.KeyValue
}

// DefaultObservabilityConfig returns an ObservabilityConfig with both
// tracing and metrics enabled.
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		EnableTracing: true,
		EnableMetrics: true,
		TracingAttributes: []attribute.KeyValue{
			attribute.String("store.system", "worker-protocol"),
			attribute.String("store.client", "storedaemon"),
		},
		MetricAttributes: []attribute.KeyValue{
			attribute.String("store.system", "worker-protocol"),
		},
	}
}

// DefaultConfig returns a Config with sensible defaults: pool capacity
// 4, a one-hour connection lifetime, tracing/metrics on, a discarding
// logger, and the default "/nix/store"-rooted path codec.
func DefaultConfig() *Config {
	return &Config{
		Pool: &PoolConfig{
			MaxConnections:   4,
			MaxConnectionAge: 1 * time.Hour,
		},
		Observability: DefaultObservabilityConfig(),
		Logging:       DefaultLoggingConfig(),
		Settings: daemon.Settings{
			Verbosity:  0,
			BuildCores: 1,
		},
	}
}
