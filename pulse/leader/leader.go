// Package leader elects the single pulsed instance allowed to fire timers.
//
// Every instance shares one management record. The instance whose token the
// record carries is the leader; it keeps the record alive with heartbeats.
// Followers poll the record and claim it once it is released, unowned or
// its heartbeat has expired.
package leader

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/host"
	ua "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/pulse/repository"
)

// Role is an instance's place in the election
type Role int32

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// Listener is told about role changes. Calls are serialized and the first
// call after Start announces the initial role.
type Listener interface {
	OnBecameLeader(ctx context.Context)
	OnBecameFollower(ctx context.Context)
}

// Config holds election timing
type Config struct {
	RecordID            string
	HeartbeatInterval   time.Duration
	CheckInterval       time.Duration
	HeartbeatExpiration time.Duration
}

// ConfigFrom maps the [leader] config section
func ConfigFrom(c am.LeaderConfig) Config {
	return Config{
		RecordID:            c.RecordID,
		HeartbeatInterval:   c.HeartbeatInterval,
		CheckInterval:       c.CheckInterval,
		HeartbeatExpiration: c.HeartbeatExpiration,
	}
}

func (c Config) withDefaults() Config {
	if c.RecordID == "" {
		c.RecordID = "pulsed-leader"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.HeartbeatExpiration <= 0 {
		c.HeartbeatExpiration = 10 * c.HeartbeatInterval
	}
	return c
}

// Manager runs the election for one instance
type Manager struct {
	repo      repository.ManagementRepository
	cfg       Config
	log       *zap.SugaredLogger
	listeners []Listener
	metrics   *metrics.Metrics

	token string
	owner string
	now   func() time.Time

	leader   ua.Bool
	started  ua.Bool
	stopped  ua.Bool
	lastBeat ua.Time

	// mu serializes role transitions and listener notification
	mu        sync.Mutex
	announced bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a follower with a fresh fencing token
func NewManager(repo repository.ManagementRepository, cfg Config, log *zap.SugaredLogger, listeners ...Listener) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:      repo,
		cfg:       cfg.withDefaults(),
		log:       logger.AddLeaderSymbol(log),
		listeners: listeners,
		token:     uuid.NewString(),
		owner:     hostname(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func hostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, _ := os.Hostname()
	return name
}

// SetMetrics attaches collectors; call before Start
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// AddListener registers l; call before Start
func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Token is this instance's fencing token
func (m *Manager) Token() string { return m.token }

// TokenPrefix is the short form of Token shown in logs and the admin API
func (m *Manager) TokenPrefix() string { return shortToken(m.token) }

// Owner is the hostname recorded alongside the token
func (m *Manager) Owner() string { return m.owner }

// IsLeader reports whether this instance currently holds leadership
func (m *Manager) IsLeader() bool { return m.leader.Load() }

// Role returns the current role
func (m *Manager) Role() Role {
	if m.leader.Load() {
		return Leader
	}
	return Follower
}

// Start makes one synchronous claim attempt, announces the resulting role
// and then keeps heartbeating or polling in the background.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	if m.stopped.Load() {
		return errors.Wrap(errors.ErrServiceUnavailable, "leader manager is shut down")
	}

	if _, err := m.TryBecomeLeader(ctx); err != nil {
		// Still announce: listeners must know they are followers
		m.log.Warnw("Initial leadership claim failed", logger.FieldError, err)
		m.transition(ctx, false)
	}

	m.wg.Add(1)
	go m.run()
	return nil
}

// TryBecomeLeader claims the record when it is absent, unowned, already
// ours, or its heartbeat has expired. It returns whether this instance is
// leader afterwards. Losing the claim is not an error.
func (m *Manager) TryBecomeLeader(ctx context.Context) (bool, error) {
	now := m.now()
	rec, err := m.repo.GetAndUpdate(ctx, m.cfg.RecordID, func(current *repository.ManagementInfo) *repository.ManagementInfo {
		if !m.claimable(current, now) {
			return nil
		}
		return &repository.ManagementInfo{
			ID:            m.cfg.RecordID,
			Token:         m.token,
			Owner:         m.owner,
			LastHeartbeat: &now,
		}
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim leadership record %s", m.cfg.RecordID)
	}

	won := rec != nil && rec.Token == m.token
	if won {
		m.lastBeat.Store(now)
	} else if rec != nil {
		m.log.Debugw("Leadership held by another instance",
			logger.FieldRecordID, m.cfg.RecordID,
			logger.FieldOwner, rec.Owner)
	}
	m.transition(ctx, won)
	return won, nil
}

func (m *Manager) claimable(current *repository.ManagementInfo, now time.Time) bool {
	switch {
	case current == nil, current.Token == "", current.Token == m.token:
		return true
	case current.LastHeartbeat == nil:
		return true
	default:
		return now.Sub(*current.LastHeartbeat) > m.cfg.HeartbeatExpiration
	}
}

// transition moves to the given role and notifies listeners on a change
func (m *Manager) transition(ctx context.Context, leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.announced && m.leader.Load() == leader {
		return
	}
	m.announced = true
	m.leader.Store(leader)
	m.metrics.SetLeader(leader)

	if leader {
		m.log.Infow("Became leader",
			logger.FieldRole, Leader,
			logger.FieldRecordID, m.cfg.RecordID,
			logger.FieldToken, shortToken(m.token))
		for _, l := range m.listeners {
			l.OnBecameLeader(ctx)
		}
		return
	}
	m.log.Infow("Became follower",
		logger.FieldRole, Follower,
		logger.FieldRecordID, m.cfg.RecordID,
		logger.FieldToken, shortToken(m.token))
	for _, l := range m.listeners {
		l.OnBecameFollower(ctx)
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	t := time.NewTimer(m.interval())
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
		}

		if m.leader.Load() {
			m.heartbeat(m.ctx)
		} else if _, err := m.TryBecomeLeader(m.ctx); err != nil && m.ctx.Err() == nil {
			m.log.Warnw("Leadership check failed", logger.FieldError, err)
		}
		t.Reset(m.interval())
	}
}

func (m *Manager) interval() time.Duration {
	if m.leader.Load() {
		return m.cfg.HeartbeatInterval
	}
	return m.cfg.CheckInterval
}

// stepDownAfter is how long heartbeats may fail before the leader demotes
// itself: one heartbeat interval short of the expiration a follower waits for.
func (m *Manager) stepDownAfter() time.Duration {
	if d := m.cfg.HeartbeatExpiration - m.cfg.HeartbeatInterval; d > 0 {
		return d
	}
	return m.cfg.HeartbeatExpiration / 2
}

// heartbeat refreshes the record. A fenced-out heartbeat demotes at once;
// I/O errors demote once stepDownAfter passes without a successful beat.
func (m *Manager) heartbeat(ctx context.Context) {
	rec, err := m.repo.Heartbeat(ctx, &repository.ManagementInfo{ID: m.cfg.RecordID, Token: m.token})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		since := m.now().Sub(m.lastBeat.Load())
		if since >= m.stepDownAfter() {
			m.log.Errorw("Heartbeat failing near expiration, stepping down",
				logger.FieldInterval, since, logger.FieldError, err)
			m.transition(ctx, false)
			return
		}
		m.log.Warnw("Heartbeat failed", logger.FieldError, err)
		return
	}
	if rec == nil {
		m.log.Infow("Leadership record taken over", logger.FieldRecordID, m.cfg.RecordID)
		m.transition(ctx, false)
		return
	}
	if rec.LastHeartbeat != nil {
		m.lastBeat.Store(*rec.LastHeartbeat)
	} else {
		m.lastBeat.Store(m.now())
	}
}

// Shutdown stops the loops and, when leader, releases the record so a
// follower can take over without waiting for expiration. Listeners are
// demoted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	var result *multierror.Error
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "waiting for leadership loop"))
	}

	if m.leader.Load() {
		released, err := m.repo.Release(ctx, &repository.ManagementInfo{ID: m.cfg.RecordID, Token: m.token})
		switch {
		case err != nil:
			result = multierror.Append(result, errors.Wrapf(err, "failed to release leadership record %s", m.cfg.RecordID))
		case released:
			logger.PulseCloseInfow("Released leadership", logger.FieldRecordID, m.cfg.RecordID)
		}
		m.transition(ctx, false)
	}
	return result.ErrorOrNil()
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
