package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// Durations are given as strings so `am show` prints them readably.
func SetDefaults(v *viper.Viper) {
	// Storage
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "pulsed.db")
	v.SetDefault("repository.backend", BackendSQL)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pulsed")

	// Leader election
	v.SetDefault("leader.record_id", "pulsed-leader")
	v.SetDefault("leader.heartbeat_interval", "1s")
	v.SetDefault("leader.check_interval", "1s")
	v.SetDefault("leader.heartbeat_expiration", "10s")

	// Scheduler
	v.SetDefault("scheduler.lanes", 16)
	v.SetDefault("scheduler.lane_buffer", 64)
	v.SetDefault("scheduler.load_window", "10m")
	v.SetDefault("scheduler.load_interval", "1m")
	v.SetDefault("scheduler.recovery_rate", 200.0)

	// Retry budget
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_interval", "1s")
	v.SetDefault("retry.max_interval", "1m")
	v.SetDefault("retry.multiplier", 2.0)

	// Timers
	v.SetDefault("timer.max_concurrent", 32)
	v.SetDefault("timer.shutdown_timeout", "30s")

	// Executors
	v.SetDefault("executor.default_timeout", "5s")
	v.SetDefault("executor.http.max_timeout", "1m")
	v.SetDefault("executor.sink.max_timeout", "30s")
	v.SetDefault("executor.in_process.max_timeout", "0s")
	v.SetDefault("executor.http.block_private_ip", false)
	v.SetDefault("executor.sink.block_private_ip", false)

	// Server
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", DefaultServerPort)

	// Streams and consumer
	v.SetDefault("stream.redis_enabled", false)
	v.SetDefault("consumer.enabled", false)
	v.SetDefault("consumer.channel", "pulsed:commands")

	// Logging
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 1)
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables so
// they never need to be written to a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "PULSED_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("redis.password", "PULSED_REDIS_PASSWORD")
}
