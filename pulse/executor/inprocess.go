package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
)

// HandlerFunc is an in-process job target
type HandlerFunc func(ctx context.Context, j *job.JobDetails, payload json.RawMessage) error

// InProcessExecutor calls handlers registered by name in this process
type InProcessExecutor struct {
	timeouts
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
}

// NewInProcessExecutor creates an executor with no handlers
func NewInProcessExecutor(defaultTimeout, maxTimeout time.Duration) *InProcessExecutor {
	return &InProcessExecutor{
		timeouts: timeouts{defaultTimeout: defaultTimeout, maxTimeout: maxTimeout},
		handlers: make(map[string]HandlerFunc),
	}
}

func (e *InProcessExecutor) Type() job.RecipientType { return job.RecipientInProcess }

// Register adds a handler.
// Panics if one is already registered under name.
func (e *InProcessExecutor) Register(name string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	e.handlers[name] = fn
}

// Names returns registered handler names, sorted
func (e *InProcessExecutor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateJob rejects jobs naming an unregistered handler
func (e *InProcessExecutor) ValidateJob(j *job.JobDetails) error {
	if j.Recipient.InProcess == nil {
		return nil
	}
	if e.handler(j.Recipient.InProcess.Handler) == nil {
		return errors.NewInvalidRequestError("no in-process handler named %q", j.Recipient.InProcess.Handler)
	}
	return nil
}

func (e *InProcessExecutor) handler(name string) HandlerFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[name]
}

func (e *InProcessExecutor) Execute(ctx context.Context, j *job.JobDetails) error {
	r := j.Recipient.InProcess
	if r == nil {
		return errors.NewInvalidRequestError("job %s has no in-process recipient", j.ID)
	}
	fn := e.handler(r.Handler)
	if fn == nil {
		return errors.NewInvalidRequestError("no in-process handler named %q", r.Handler)
	}
	return fn(ctx, j, r.Payload)
}

// Builtin handler names registered by RegisterBuiltins
const (
	HandlerNoop = "noop"
	HandlerLog  = "log"
)

// RegisterBuiltins adds the handlers every pulsed binary ships: noop, and
// log, which writes the job and its payload at info level
func RegisterBuiltins(e *InProcessExecutor, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e.Register(HandlerNoop, func(context.Context, *job.JobDetails, json.RawMessage) error { return nil })
	e.Register(HandlerLog, func(_ context.Context, j *job.JobDetails, payload json.RawMessage) error {
		logger.AddPulseSymbol(log).Infow("Job fired",
			logger.FieldJobID, j.ID,
			logger.FieldCorrelationID, j.CorrelationID,
			logger.FieldExecuted, j.ExecutionCounter+1,
			"payload", string(payload))
		return nil
	})
}
