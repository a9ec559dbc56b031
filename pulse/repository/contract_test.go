package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/internal/util"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/trigger"
)

// recordingPublisher captures every published job
type recordingPublisher struct {
	mu   sync.Mutex
	jobs []*job.JobDetails
}

func (p *recordingPublisher) PublishJobStatusChange(j *job.JobDetails) *job.JobDetails {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, j)
	return j
}

func (p *recordingPublisher) statuses() []job.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]job.Status, len(p.jobs))
	for i, j := range p.jobs {
		out[i] = j.Status
	}
	return out
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, status job.Status, priority int, at time.Time) *job.JobDetails {
	return &job.JobDetails{
		ID:        id,
		Status:    status,
		Priority:  priority,
		Recipient: job.NewHTTPRecipient("http://localhost:8080/hook", "POST", json.RawMessage(`{"n":1}`)),
		Trigger:   trigger.NewPointInTime(at),
	}
}

type jobRepoFactory func(t *testing.T, pub *recordingPublisher) JobRepository

func runJobRepositoryContract(t *testing.T, factory jobRepoFactory) {
	ctx := context.Background()

	t.Run("save and get round trip", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		in := newJob("J1", job.StatusScheduled, 3, epoch)
		in.CorrelationID = "corr-1"
		in.ExecutionTimeout = 1500 * time.Millisecond
		in.ScheduledID = "handle-1"

		saved, err := repo.Save(ctx, in)
		require.NoError(t, err)
		assert.False(t, saved.Created.IsZero())
		assert.False(t, saved.LastUpdate.IsZero())

		got, err := repo.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, "corr-1", got.CorrelationID)
		assert.Equal(t, job.StatusScheduled, got.Status)
		assert.Equal(t, 3, got.Priority)
		assert.Equal(t, "handle-1", got.ScheduledID)
		assert.Equal(t, 1500*time.Millisecond, got.ExecutionTimeout)
		assert.Equal(t, job.RecipientHTTP, got.Recipient.Type)
		assert.Equal(t, "http://localhost:8080/hook", got.Recipient.HTTP.URL)
		require.NotNil(t, got.FireTime())
		assert.True(t, got.FireTime().Equal(epoch))
		assert.True(t, got.Created.Equal(saved.Created))
	})

	t.Run("created survives resave", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		first, err := repo.Save(ctx, newJob("J1", job.StatusScheduled, 0, epoch))
		require.NoError(t, err)

		first.Status = job.StatusRunning
		second, err := repo.Save(ctx, first)
		require.NoError(t, err)
		assert.True(t, second.Created.Equal(first.Created))
		assert.False(t, second.LastUpdate.Before(first.LastUpdate))
	})

	t.Run("missing job", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})

		_, err := repo.Get(ctx, "nope")
		assert.True(t, errors.IsNotFoundError(err))

		_, err = repo.Delete(ctx, "nope")
		assert.True(t, errors.IsNotFoundError(err))

		exists, err := repo.Exists(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("blank id rejected", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		_, err := repo.Save(ctx, newJob("", job.StatusScheduled, 0, epoch))
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("delete returns removed record", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		_, err := repo.Save(ctx, newJob("J1", job.StatusScheduled, 0, epoch))
		require.NoError(t, err)

		deleted, err := repo.Delete(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, "J1", deleted.ID)

		exists, err := repo.Exists(ctx, "J1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("merge applies only set fields", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		_, err := repo.Save(ctx, newJob("J1", job.StatusScheduled, 5, epoch))
		require.NoError(t, err)

		merged, err := repo.Merge(ctx, "J1", &job.Patch{
			Status:  util.Ptr(job.StatusRunning),
			Retries: util.Ptr(2),
		})
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, merged.Status)
		assert.Equal(t, 2, merged.Retries)
		assert.Equal(t, 5, merged.Priority)

		got, err := repo.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, got.Status)
		assert.True(t, got.FireTime().Equal(epoch))
	})

	t.Run("merge edge cases", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})

		_, err := repo.Merge(ctx, "", &job.Patch{})
		assert.True(t, errors.IsInvalidRequestError(err))

		_, err = repo.Merge(ctx, "J1", &job.Patch{ID: "J2"})
		assert.True(t, errors.IsInvalidRequestError(err))

		merged, err := repo.Merge(ctx, "absent", &job.Patch{Priority: util.Ptr(1)})
		require.NoError(t, err)
		assert.Nil(t, merged)
	})

	t.Run("find by status", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		for _, j := range []*job.JobDetails{
			newJob("a", job.StatusScheduled, 0, epoch),
			newJob("b", job.StatusRetry, 0, epoch),
			newJob("c", job.StatusExecuted, 0, epoch),
			newJob("d", job.StatusScheduled, 0, epoch),
		} {
			_, err := repo.Save(ctx, j)
			require.NoError(t, err)
		}

		found, err := Collect(repo.FindByStatus(ctx, job.StatusScheduled, job.StatusRetry))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "d"}, ids(found))

		all, err := Collect(repo.FindAll(ctx))
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("find all stops when the consumer stops", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		for _, id := range []string{"a", "b", "c"} {
			_, err := repo.Save(ctx, newJob(id, job.StatusScheduled, 0, epoch))
			require.NoError(t, err)
		}
		seen := 0
		for _, err := range repo.FindAll(ctx) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})

	t.Run("window ordered by priority", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		for _, j := range []*job.JobDetails{
			newJob("low", job.StatusScheduled, 1, epoch.Add(time.Minute)),
			newJob("high", job.StatusScheduled, 9, epoch.Add(2*time.Minute)),
			newJob("mid-late", job.StatusRetry, 5, epoch.Add(3*time.Minute)),
			newJob("mid-early", job.StatusScheduled, 5, epoch.Add(time.Minute)),
			newJob("outside", job.StatusScheduled, 10, epoch.Add(time.Hour)),
			newJob("running", job.StatusRunning, 10, epoch.Add(time.Minute)),
		} {
			_, err := repo.Save(ctx, j)
			require.NoError(t, err)
		}

		found, err := Collect(repo.FindByStatusBetweenDatesOrderByPriority(ctx,
			epoch, epoch.Add(10*time.Minute), job.StatusScheduled, job.StatusRetry))
		require.NoError(t, err)
		assert.Equal(t, []string{"high", "mid-early", "mid-late", "low"}, ids(found))
	})

	t.Run("terminal jobs without trigger are kept out of the window", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})
		done := newJob("done", job.StatusScheduled, 0, epoch)
		done.Trigger = nil
		_, err := repo.Save(ctx, done)
		require.NoError(t, err)

		found, err := Collect(repo.FindByStatusBetweenDatesOrderByPriority(ctx,
			epoch.Add(-time.Hour), epoch.Add(time.Hour), job.StatusScheduled))
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("mutations are published", func(t *testing.T) {
		pub := &recordingPublisher{}
		repo := factory(t, pub)

		_, err := repo.Save(ctx, newJob("J1", job.StatusScheduled, 0, epoch))
		require.NoError(t, err)
		_, err = repo.Merge(ctx, "J1", &job.Patch{Status: util.Ptr(job.StatusRunning)})
		require.NoError(t, err)
		_, err = repo.Delete(ctx, "J1")
		require.NoError(t, err)

		assert.Equal(t, []job.Status{job.StatusScheduled, job.StatusRunning, job.StatusRunning}, pub.statuses())
	})

	t.Run("conditional save creates only absent records", func(t *testing.T) {
		repo := factory(t, &recordingPublisher{})

		first := newJob("J1", job.StatusScheduled, 0, epoch)
		first.ScheduledID = "h1"
		_, err := repo.SaveIf(ctx, first, Expect{})
		require.NoError(t, err)

		dup := newJob("J1", job.StatusScheduled, 9, epoch)
		_, err = repo.SaveIf(ctx, dup, Expect{})
		assert.True(t, errors.IsConflictError(err))

		got, err := repo.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Priority)
	})

	t.Run("conditional save rejects a record changed since it was read", func(t *testing.T) {
		pub := &recordingPublisher{}
		repo := factory(t, pub)

		in := newJob("J1", job.StatusRunning, 0, epoch)
		in.ScheduledID = "h1"
		_, err := repo.Save(ctx, in)
		require.NoError(t, err)

		read, err := repo.Get(ctx, "J1")
		require.NoError(t, err)
		expect := ExpectOf(read)

		// Another writer cancels in between
		canceled := read.Clone()
		canceled.Status = job.StatusCanceled
		canceled.ScheduledID = ""
		canceled.Trigger = nil
		_, err = repo.SaveIf(ctx, canceled, expect)
		require.NoError(t, err)

		read.Status = job.StatusScheduled
		read.ScheduledID = "h2"
		_, err = repo.SaveIf(ctx, read, expect)
		assert.True(t, errors.IsConflictError(err))

		got, err := repo.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCanceled, got.Status)
		assert.Empty(t, got.ScheduledID)
		assert.Equal(t, []job.Status{job.StatusRunning, job.StatusCanceled}, pub.statuses())

		_, err = repo.SaveIf(ctx, newJob("missing", job.StatusScheduled, 0, epoch), expect)
		assert.True(t, errors.IsConflictError(err))
	})
}

type mgmtRepoFactory func(t *testing.T) ManagementRepository

func runManagementRepositoryContract(t *testing.T, factory mgmtRepoFactory) {
	ctx := context.Background()
	claim := func(token string) func(*ManagementInfo) *ManagementInfo {
		return func(current *ManagementInfo) *ManagementInfo {
			if current != nil && current.Token != "" {
				return nil
			}
			now := time.Now()
			return &ManagementInfo{Token: token, Owner: "node-" + token, LastHeartbeat: &now}
		}
	}

	t.Run("first claim wins", func(t *testing.T) {
		repo := factory(t)

		got, err := repo.GetAndUpdate(ctx, "leader", claim("t1"))
		require.NoError(t, err)
		assert.Equal(t, "leader", got.ID)
		assert.Equal(t, "t1", got.Token)
		assert.NotNil(t, got.LastHeartbeat)

		got, err = repo.GetAndUpdate(ctx, "leader", claim("t2"))
		require.NoError(t, err)
		assert.Equal(t, "t1", got.Token, "second claimant sees the holder")
	})

	t.Run("heartbeat requires the token", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.GetAndUpdate(ctx, "leader", claim("t1"))
		require.NoError(t, err)

		hb, err := repo.Heartbeat(ctx, &ManagementInfo{ID: "leader", Token: "t1"})
		require.NoError(t, err)
		require.NotNil(t, hb)
		assert.NotNil(t, hb.LastHeartbeat)

		hb, err = repo.Heartbeat(ctx, &ManagementInfo{ID: "leader", Token: "stale"})
		require.NoError(t, err)
		assert.Nil(t, hb)

		hb, err = repo.Heartbeat(ctx, &ManagementInfo{ID: "missing", Token: "t1"})
		require.NoError(t, err)
		assert.Nil(t, hb)
	})

	t.Run("release frees the record", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.GetAndUpdate(ctx, "leader", claim("t1"))
		require.NoError(t, err)

		released, err := repo.Release(ctx, &ManagementInfo{ID: "leader", Token: "wrong"})
		require.NoError(t, err)
		assert.False(t, released)

		released, err = repo.Release(ctx, &ManagementInfo{ID: "leader", Token: "t1"})
		require.NoError(t, err)
		assert.True(t, released)

		got, err := repo.GetAndUpdate(ctx, "leader", claim("t2"))
		require.NoError(t, err)
		assert.Equal(t, "t2", got.Token)
	})

	t.Run("set overwrites", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.GetAndUpdate(ctx, "leader", claim("t1"))
		require.NoError(t, err)

		_, err = repo.Set(ctx, &ManagementInfo{ID: "leader", Token: "forced"})
		require.NoError(t, err)

		hb, err := repo.Heartbeat(ctx, &ManagementInfo{ID: "leader", Token: "forced"})
		require.NoError(t, err)
		assert.NotNil(t, hb)
	})

	t.Run("concurrent claims elect one holder", func(t *testing.T) {
		repo := factory(t)
		tokens := []string{"a", "b", "c", "d", "e"}
		results := make([]string, len(tokens))

		var wg sync.WaitGroup
		for i, tok := range tokens {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := repo.GetAndUpdate(ctx, "leader", claim(tok))
				if assert.NoError(t, err) {
					results[i] = got.Token
				}
			}()
		}
		wg.Wait()

		for _, r := range results {
			assert.Equal(t, results[0], r)
		}
	})
}

func ids(jobs []*job.JobDetails) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
