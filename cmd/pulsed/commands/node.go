package commands

import (
	"context"
	"database/sql"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/consumer"
	"github.com/teranos/pulsed/pulse/executor"
	"github.com/teranos/pulsed/pulse/leader"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/pulse/repository"
	"github.com/teranos/pulsed/pulse/scheduler"
	"github.com/teranos/pulsed/pulse/stream"
	"github.com/teranos/pulsed/pulse/timer"
	"github.com/teranos/pulsed/server"
)

// stores are the repositories selected by repository.backend
type stores struct {
	jobs       repository.JobRepository
	management repository.ManagementRepository
	conn       *sql.DB
	rdb        redis.UniversalClient
}

func (s *stores) Close() error {
	var result *multierror.Error
	if s.conn != nil {
		result = multierror.Append(result, s.conn.Close())
	}
	if s.rdb != nil {
		result = multierror.Append(result, s.rdb.Close())
	}
	return result.ErrorOrNil()
}

// needsRedis reports whether any configured component talks to redis
func needsRedis(cfg *am.Config) bool {
	return cfg.Repository.Backend == am.BackendRedis || cfg.Stream.RedisEnabled || cfg.Consumer.Enabled
}

func newRedisClient(cfg am.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// openStores connects the configured backend. pub receives status changes.
func openStores(ctx context.Context, cfg *am.Config, pub stream.Publisher, log *zap.SugaredLogger) (*stores, error) {
	s := &stores{}
	if needsRedis(cfg) {
		s.rdb = newRedisClient(cfg.Redis)
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			_ = s.rdb.Close()
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.Redis.Addr)
		}
	}

	switch cfg.Repository.Backend {
	case am.BackendMemory:
		log.Warnw("Memory backend: jobs do not survive a restart and replicas do not share them")
		s.jobs = repository.NewMemoryJobRepository(pub)
		s.management = repository.NewMemoryManagementRepository()

	case am.BackendRedis:
		s.jobs = repository.NewRedisJobRepository(s.rdb, cfg.Redis.Prefix, pub)
		s.management = repository.NewRedisManagementRepository(s.rdb, cfg.Redis.Prefix)

	default:
		conn, dialect, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, log)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.conn = conn
		if err := db.Migrate(conn, dialect, log); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, "failed to migrate database")
		}
		s.jobs = repository.NewSQLJobRepository(conn, dialect, pub)
		s.management = repository.NewSQLManagementRepository(conn, dialect)
	}
	return s, nil
}

// node is one running pulsed instance
type node struct {
	cfg       *am.Config
	log       *zap.SugaredLogger
	stores    *stores
	streams   *stream.Streams
	timers    *timer.Service
	scheduler *scheduler.Scheduler
	leader    *leader.Manager
	consumer  *consumer.Consumer
	server    *server.Server
}

// newNode wires every component; nothing runs until start
func newNode(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*node, error) {
	n := &node{cfg: cfg, log: log}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(registry)

	n.streams = stream.New(log)
	st, err := openStores(ctx, cfg, n.streams, log)
	if err != nil {
		return nil, err
	}
	n.stores = st
	if cfg.Stream.RedisEnabled {
		n.streams.AddSink(stream.NewRedisSink(st.rdb, cfg.Redis.Prefix))
	}

	resolver, inProcess := executor.NewDefaultResolver(cfg.Executor, st.rdb)
	executor.RegisterBuiltins(inProcess, log)

	n.timers = timer.NewService(resolver, nil, timer.ConfigFrom(cfg.Timer), log)
	n.timers.SetMetrics(mt)

	n.scheduler = scheduler.New(st.jobs, n.timers, resolver, scheduler.ConfigFrom(cfg), log)
	n.scheduler.SetMetrics(mt)
	n.timers.SetDispatcher(n.scheduler)

	n.leader = leader.NewManager(st.management, leader.ConfigFrom(cfg.Leader), log, n.scheduler.Listener(n.timers))
	n.leader.SetMetrics(mt)

	if cfg.Consumer.Enabled {
		n.consumer = consumer.New(st.rdb, cfg.Consumer.Channel, n.scheduler, log)
		n.leader.AddListener(n.consumer)
	}

	n.server = server.New(cfg.Server, server.Deps{
		Jobs:     n.scheduler,
		Leader:   n.leader,
		Feed:     n.streams,
		Gatherer: registry,
	}, log)
	return n, nil
}

// start runs the scheduler lanes, then joins the election
func (n *node) start(ctx context.Context) error {
	n.streams.Start(ctx)
	if err := n.scheduler.Start(ctx); err != nil {
		return err
	}
	return n.leader.Start(ctx)
}

// shutdown stops in dependency order: stop taking requests, give up
// leadership, drain timers, stop lanes, then close stores
func (n *node) shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := n.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.leader.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if n.consumer != nil {
		n.consumer.Suspend()
	}
	if err := n.timers.Shutdown(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "timer shutdown"))
	}
	if err := n.scheduler.Stop(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "scheduler stop"))
	}
	n.streams.Close()
	if err := n.stores.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	logger.PulseCloseInfow("pulsed stopped")
	return result.ErrorOrNil()
}
