package am

import "github.com/teranos/pulsed/errors"

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Repository.Backend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		return errors.Newf("repository.backend must be one of memory, sql, redis; got %q", c.Repository.Backend)
	}

	if c.Repository.Backend == BackendSQL {
		if c.Database.Driver != "sqlite3" && c.Database.Driver != "pgx" {
			return errors.Newf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
		}
		if c.Database.DSN == "" {
			return errors.New("database.dsn cannot be empty for the sql backend")
		}
	}

	needsRedis := c.Repository.Backend == BackendRedis || c.Stream.RedisEnabled || c.Consumer.Enabled
	if needsRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr cannot be empty when a redis component is enabled")
	}

	if c.Leader.RecordID == "" {
		return errors.New("leader.record_id cannot be empty")
	}
	if c.Leader.HeartbeatInterval <= 0 {
		return errors.Newf("leader.heartbeat_interval must be > 0, got %s", c.Leader.HeartbeatInterval)
	}
	if c.Leader.CheckInterval <= 0 {
		return errors.Newf("leader.check_interval must be > 0, got %s", c.Leader.CheckInterval)
	}
	// A leader must be able to miss at least one heartbeat before losing the record
	if c.Leader.HeartbeatExpiration <= c.Leader.HeartbeatInterval {
		return errors.Newf("leader.heartbeat_expiration (%s) must exceed leader.heartbeat_interval (%s)",
			c.Leader.HeartbeatExpiration, c.Leader.HeartbeatInterval)
	}

	if c.Scheduler.Lanes <= 0 {
		return errors.Newf("scheduler.lanes must be > 0, got %d", c.Scheduler.Lanes)
	}
	if c.Scheduler.LaneBuffer < 0 {
		return errors.Newf("scheduler.lane_buffer must be >= 0, got %d", c.Scheduler.LaneBuffer)
	}
	if c.Scheduler.LoadWindow <= 0 {
		return errors.Newf("scheduler.load_window must be > 0, got %s", c.Scheduler.LoadWindow)
	}
	// 0 = no periodic loader, negative = invalid
	if c.Scheduler.LoadInterval < 0 {
		return errors.Newf("scheduler.load_interval must be >= 0, got %s", c.Scheduler.LoadInterval)
	}
	if c.Scheduler.RecoveryRate <= 0 {
		return errors.Newf("scheduler.recovery_rate must be > 0, got %f", c.Scheduler.RecoveryRate)
	}

	if err := c.Retry.Validate(); err != nil {
		return err
	}

	if c.Timer.MaxConcurrent <= 0 {
		return errors.Newf("timer.max_concurrent must be > 0, got %d", c.Timer.MaxConcurrent)
	}
	if c.Executor.DefaultTimeout <= 0 {
		return errors.Newf("executor.default_timeout must be > 0, got %s", c.Executor.DefaultTimeout)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port out of range: %d", c.Server.Port)
	}

	if c.Consumer.Enabled && c.Consumer.Channel == "" {
		return errors.New("consumer.channel cannot be empty when the consumer is enabled")
	}

	return nil
}

// Validate checks the retry policy on its own; the watcher reuses it on reload
func (r RetryConfig) Validate() error {
	// 0 = failures go straight to ERROR
	if r.MaxRetries < 0 {
		return errors.Newf("retry.max_retries must be >= 0, got %d", r.MaxRetries)
	}
	if r.InitialInterval < 0 {
		return errors.Newf("retry.initial_interval must be >= 0, got %s", r.InitialInterval)
	}
	if r.MaxInterval < r.InitialInterval {
		return errors.Newf("retry.max_interval (%s) must be >= retry.initial_interval (%s)", r.MaxInterval, r.InitialInterval)
	}
	if r.Multiplier < 1 {
		return errors.Newf("retry.multiplier must be >= 1, got %f", r.Multiplier)
	}
	return nil
}
