// Package am holds pulsed configuration: defaults, file and environment
// loading through viper, validation, and hot reload.
package am

import "time"

// Config represents the pulsed configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Leader     LeaderConfig     `mapstructure:"leader"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Timer      TimerConfig      `mapstructure:"timer"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Server     ServerConfig     `mapstructure:"server"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig selects the SQL driver and connection string.
// Driver is "sqlite3" (DSN is a file path) or "pgx" (DSN is a postgres URL).
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the shared redis client used by the redis
// repository backend, the status stream sink, the sink executor and the consumer.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Repository backends
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// RepositoryConfig selects where jobs and the leadership record live
type RepositoryConfig struct {
	Backend string `mapstructure:"backend"`
}

// LeaderConfig configures leader election between replicas
type LeaderConfig struct {
	RecordID            string        `mapstructure:"record_id"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	HeartbeatExpiration time.Duration `mapstructure:"heartbeat_expiration"`
}

// SchedulerConfig configures the job state machine
type SchedulerConfig struct {
	Lanes        int           `mapstructure:"lanes"`         // per-job ordered workers
	LaneBuffer   int           `mapstructure:"lane_buffer"`   // queued commands per lane before callers block
	LoadWindow   time.Duration `mapstructure:"load_window"`   // how far ahead timers are armed
	LoadInterval time.Duration `mapstructure:"load_interval"` // periodic loader period; 0 disables it
	RecoveryRate float64       `mapstructure:"recovery_rate"` // re-arms per second during a sweep
}

// RetryConfig is the retry budget and backoff applied to failed executions
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// TimerConfig configures the timer service
type TimerConfig struct {
	MaxConcurrent   int64         `mapstructure:"max_concurrent"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExecutorConfig holds executor timeouts
type ExecutorConfig struct {
	DefaultTimeout time.Duration      `mapstructure:"default_timeout"`
	HTTP           ExecutorKindConfig `mapstructure:"http"`
	Sink           ExecutorKindConfig `mapstructure:"sink"`
	InProcess      ExecutorKindConfig `mapstructure:"in_process"`
}

// ExecutorKindConfig bounds the per-job timeout a recipient kind accepts
type ExecutorKindConfig struct {
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`      // 0 = unlimited
	BlockPrivateIP bool          `mapstructure:"block_private_ip"` // http(s) targets only
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// DefaultServerPort is the admin API port when none is configured
const DefaultServerPort = 8480

// StreamConfig configures job status stream sinks
type StreamConfig struct {
	RedisEnabled bool `mapstructure:"redis_enabled"`
}

// ConsumerConfig configures the redis job-command consumer
type ConsumerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"`
}
