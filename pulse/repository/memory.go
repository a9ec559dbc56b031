package repository

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/stream"
)

// MemoryJobRepository keeps jobs in a map. Records are cloned on the way in
// and out so callers never alias stored state.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*job.JobDetails
	pub  stream.Publisher
	now  func() time.Time
}

// NewMemoryJobRepository creates an empty repository; pub may be nil
func NewMemoryJobRepository(pub stream.Publisher) *MemoryJobRepository {
	if pub == nil {
		pub = stream.Nop{}
	}
	return &MemoryJobRepository{
		jobs: make(map[string]*job.JobDetails),
		pub:  pub,
		now:  time.Now,
	}
}

func (r *MemoryJobRepository) Get(_ context.Context, id string) (*job.JobDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return j.Clone(), nil
}

func (r *MemoryJobRepository) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok, nil
}

func (r *MemoryJobRepository) Save(_ context.Context, j *job.JobDetails) (*job.JobDetails, error) {
	if j == nil || j.ID == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	stored := stamp(j, r.now())

	r.mu.Lock()
	r.jobs[stored.ID] = stored
	r.mu.Unlock()

	r.pub.PublishJobStatusChange(stored.Clone())
	return stored.Clone(), nil
}

func (r *MemoryJobRepository) SaveIf(_ context.Context, j *job.JobDetails, expect Expect) (*job.JobDetails, error) {
	if j == nil || j.ID == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	stored := stamp(j, r.now())

	r.mu.Lock()
	if !expect.Matches(r.jobs[stored.ID]) {
		r.mu.Unlock()
		return nil, errExpectation(stored.ID, expect)
	}
	r.jobs[stored.ID] = stored
	r.mu.Unlock()

	r.pub.PublishJobStatusChange(stored.Clone())
	return stored.Clone(), nil
}

func (r *MemoryJobRepository) Delete(_ context.Context, id string) (*job.JobDetails, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()

	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	r.pub.PublishJobStatusChange(j.Clone())
	return j.Clone(), nil
}

func (r *MemoryJobRepository) Merge(_ context.Context, id string, patch *job.Patch) (*job.JobDetails, error) {
	if err := job.CheckPatchTarget(id, patch); err != nil {
		return nil, err
	}

	r.mu.Lock()
	current, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	merged := job.ApplyPatch(current, patch)
	merged.LastUpdate = r.now()
	r.jobs[id] = merged
	r.mu.Unlock()

	r.pub.PublishJobStatusChange(merged.Clone())
	return merged.Clone(), nil
}

// snapshot copies matching records under the read lock
func (r *MemoryJobRepository) snapshot(match func(*job.JobDetails) bool) []*job.JobDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*job.JobDetails
	for _, j := range r.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

func (r *MemoryJobRepository) FindAll(_ context.Context) iter.Seq2[*job.JobDetails, error] {
	return yieldAll(r.snapshot(func(*job.JobDetails) bool { return true }))
}

func (r *MemoryJobRepository) FindByStatus(_ context.Context, statuses ...job.Status) iter.Seq2[*job.JobDetails, error] {
	return yieldAll(r.snapshot(func(j *job.JobDetails) bool { return hasStatus(j.Status, statuses) }))
}

func (r *MemoryJobRepository) FindByStatusBetweenDatesOrderByPriority(_ context.Context, from, to time.Time, statuses ...job.Status) iter.Seq2[*job.JobDetails, error] {
	jobs := r.snapshot(func(j *job.JobDetails) bool {
		return hasStatus(j.Status, statuses) && inWindow(j, from, to)
	})
	sortByPriority(jobs)
	return yieldAll(jobs)
}

// MemoryManagementRepository holds leadership records for instances sharing
// one process, mainly tests and single-node deployments.
type MemoryManagementRepository struct {
	mu      sync.Mutex
	records map[string]*ManagementInfo
	now     func() time.Time
}

// NewMemoryManagementRepository creates an empty repository
func NewMemoryManagementRepository() *MemoryManagementRepository {
	return &MemoryManagementRepository{
		records: make(map[string]*ManagementInfo),
		now:     time.Now,
	}
}

func (r *MemoryManagementRepository) GetAndUpdate(_ context.Context, id string, fn func(*ManagementInfo) *ManagementInfo) (*ManagementInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.records[id]
	next := fn(current.Clone())
	if next == nil {
		return current.Clone(), nil
	}
	stored := next.Clone()
	stored.ID = id
	r.records[id] = stored
	return stored.Clone(), nil
}

func (r *MemoryManagementRepository) Set(_ context.Context, info *ManagementInfo) (*ManagementInfo, error) {
	if info == nil || info.ID == "" {
		return nil, errors.NewInvalidRequestError("management record id cannot be blank")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[info.ID] = info.Clone()
	return info.Clone(), nil
}

func (r *MemoryManagementRepository) Heartbeat(_ context.Context, info *ManagementInfo) (*ManagementInfo, error) {
	if info == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[info.ID]
	if !ok || current.Token == "" || current.Token != info.Token {
		return nil, nil
	}
	now := r.now()
	current.LastHeartbeat = &now
	return current.Clone(), nil
}

func (r *MemoryManagementRepository) Release(_ context.Context, info *ManagementInfo) (bool, error) {
	if info == nil {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[info.ID]
	if !ok || current.Token == "" || current.Token != info.Token {
		return false, nil
	}
	r.records[info.ID] = &ManagementInfo{ID: info.ID}
	return true, nil
}
