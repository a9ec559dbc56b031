// Package executor delivers a fired job to its recipient.
//
// Each recipient type has one Executor, registered in a Resolver. The timer
// service resolves the executor when a job fires and runs it under a
// deadline; the scheduler uses the same Resolver to reject jobs no executor
// can take before they are stored.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
)

// Executor runs one recipient type.
//
// Execute must honor ctx: the caller sets its deadline from the job's
// ExecutionTimeout or DefaultTimeout. A nil return is a successful fire;
// any error is a failed one and counts against the retry budget.
type Executor interface {
	Type() job.RecipientType
	Execute(ctx context.Context, j *job.JobDetails) error
	DefaultTimeout() time.Duration
	// MaxTimeout bounds ExecutionTimeout; 0 means unlimited
	MaxTimeout() time.Duration
}

// Resolver maps recipient types to executors.
// Thread-safe for concurrent registration and lookup.
type Resolver struct {
	executors map[job.RecipientType]Executor
	mu        sync.RWMutex
}

// NewResolver creates a resolver holding executors
func NewResolver(executors ...Executor) *Resolver {
	r := &Resolver{executors: make(map[job.RecipientType]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds an executor under its type.
// Panics if one is already registered for that type.
func (r *Resolver) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[e.Type()]; exists {
		panic(fmt.Sprintf("executor already registered for recipient type: %s", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Get returns the executor for t, or an invalid-request error
func (r *Resolver) Get(t job.RecipientType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, errors.NewInvalidRequestError("no executor registered for recipient type %q", t)
	}
	return e, nil
}

// Types lists registered recipient types, sorted
func (r *Resolver) Types() []job.RecipientType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]job.RecipientType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, k int) bool { return types[i] < types[k] })
	return types
}

// Validate checks that j can be executed: a well-formed recipient, a
// registered executor and a timeout within that executor's maximum.
func (r *Resolver) Validate(j *job.JobDetails) error {
	if err := j.Recipient.Validate(); err != nil {
		return err
	}
	e, err := r.Get(j.Recipient.Type)
	if err != nil {
		return err
	}
	if j.ExecutionTimeout < 0 {
		return errors.NewInvalidRequestError("execution timeout cannot be negative")
	}
	if limit := e.MaxTimeout(); limit > 0 && j.ExecutionTimeout > limit {
		return errors.NewInvalidRequestError("execution timeout %s exceeds the %s maximum of %s",
			j.ExecutionTimeout, e.Type(), limit)
	}
	if v, ok := e.(interface{ ValidateJob(*job.JobDetails) error }); ok {
		return v.ValidateJob(j)
	}
	return nil
}

// Timeout is the deadline to execute j under
func Timeout(e Executor, j *job.JobDetails) time.Duration {
	if j.ExecutionTimeout > 0 {
		return j.ExecutionTimeout
	}
	return e.DefaultTimeout()
}

// timeouts is embedded by the concrete executors
type timeouts struct {
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func (t timeouts) DefaultTimeout() time.Duration { return t.defaultTimeout }
func (t timeouts) MaxTimeout() time.Duration { return t.maxTimeout }
