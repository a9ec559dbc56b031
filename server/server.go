// Package server is the pulsed admin API: job CRUD over HTTP, the leader
// view, health, prometheus metrics and a websocket feed of job status
// changes.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ua "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/leader"
	"github.com/teranos/pulsed/pulse/stream"
	"github.com/teranos/pulsed/pulse/trigger"
)

// JobService is the scheduler surface the API exposes
type JobService interface {
	Schedule(ctx context.Context, d job.Description) (*job.JobDetails, error)
	Cancel(ctx context.Context, id string) (*job.JobDetails, error)
	Reschedule(ctx context.Context, id string, t trigger.Trigger) (*job.JobDetails, error)
	Patch(ctx context.Context, id string, p *job.Patch) (*job.JobDetails, error)
	Get(ctx context.Context, id string) (*job.JobDetails, error)
	List(ctx context.Context, statuses ...job.Status) ([]*job.JobDetails, error)
}

// LeaderView reports this instance's election state
type LeaderView interface {
	Role() leader.Role
	TokenPrefix() string
	Owner() string
}

// StatusFeed fans out job status events
type StatusFeed interface {
	Subscribe() chan stream.StatusEvent
	Unsubscribe(ch chan stream.StatusEvent)
}

// Deps are the components behind the API. Leader, Feed and Gatherer are
// optional; their routes answer 503 when unset.
type Deps struct {
	Jobs     JobService
	Leader   LeaderView
	Feed     StatusFeed
	Gatherer prometheus.Gatherer
}

// Server serves the admin API
type Server struct {
	cfg     am.ServerConfig
	deps    Deps
	log     *zap.SugaredLogger
	mux     *http.ServeMux
	now     func() time.Time
	started time.Time

	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex

	// websocket clients currently attached
	clients ua.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the server and its routes
func New(cfg am.ServerConfig, deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log.With(logger.FieldComponent, "server"),
		mux:     http.NewServeMux(),
		now:     time.Now,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("PATCH /api/jobs/{id}", s.handlePatchJob)
	s.mux.HandleFunc("GET /api/leader", s.handleLeader)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /ws/jobs", s.handleJobsWebSocket)

	if s.deps.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// Handler returns the routed handler with request logging
func (s *Server) Handler() http.Handler {
	return s.requestLogging(s.mux)
}

// requestLogging tags each request with an id and logs it at debug level
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		start := s.now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.FromContext(ctx, s.log).Debugw("Request served",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldDurationMS, s.now().Sub(start).Milliseconds())
	})
}

// Addr is the configured listen address
func (s *Server) Addr() string {
	port := s.cfg.Port
	if port == 0 {
		port = am.DefaultServerPort
	}
	return fmt.Sprintf("%s:%d", s.cfg.BindAddress, port)
}

// ListenAndServe binds the configured address and serves until Shutdown
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.Addr())
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.PulseOpenInfow("Admin API listening", logger.FieldAddress, ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin API stopped")
	}
	return nil
}

// Shutdown stops accepting requests, closes websocket feeds and waits for
// in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return errors.Wrap(err, "admin API shutdown")
	}
	logger.PulseCloseInfow("Admin API stopped")
	return nil
}
