package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	pulsedtest "github.com/teranos/pulsed/internal/testing"
	"github.com/teranos/pulsed/pulse/job"
)

func TestSQLJobRepository(t *testing.T) {
	runJobRepositoryContract(t, func(t *testing.T, pub *recordingPublisher) JobRepository {
		return NewSQLJobRepository(pulsedtest.CreateTestDB(t), db.SQLite, pub)
	})
}

func TestSQLManagementRepository(t *testing.T) {
	runManagementRepositoryContract(t, func(t *testing.T) ManagementRepository {
		return NewSQLManagementRepository(pulsedtest.CreateTestDB(t), db.SQLite)
	})
}

func TestSQLFindAllPagesPastOnePage(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLJobRepository(pulsedtest.CreateTestDB(t), db.SQLite, nil)

	total := findAllPageSize + 7
	for i := range total {
		_, err := repo.Save(ctx, newJob(fmt.Sprintf("job-%04d", i), job.StatusScheduled, 0, epoch))
		require.NoError(t, err)
	}

	all, err := Collect(repo.FindAll(ctx))
	require.NoError(t, err)
	assert.Len(t, all, total)
}

func TestSQLWritesInsideIteration(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLJobRepository(pulsedtest.CreateTestDB(t), db.SQLite, nil)
	for _, id := range []string{"a", "b"} {
		_, err := repo.Save(ctx, newJob(id, job.StatusRunning, 0, epoch))
		require.NoError(t, err)
	}

	// The sqlite pool holds one connection; iteration must not pin it
	for j, err := range repo.FindByStatus(ctx, job.StatusRunning) {
		require.NoError(t, err)
		j.Status = job.StatusRetry
		_, err = repo.Save(ctx, j)
		require.NoError(t, err)
	}

	retry, err := Collect(repo.FindByStatus(ctx, job.StatusRetry))
	require.NoError(t, err)
	assert.Len(t, retry, 2)
}

func TestSQLSaveError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO job_details").WillReturnError(assert.AnError)

	repo := NewSQLJobRepository(conn, db.SQLite, nil)
	_, err = repo.Save(context.Background(), newJob("J1", job.StatusScheduled, 0, epoch))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save job J1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLHeartbeatFencedOut(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE job_service_management SET last_heartbeat").
		WithArgs(sqlmock.AnyArg(), "leader", "old-token").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewSQLManagementRepository(conn, db.SQLite)
	hb, err := repo.Heartbeat(context.Background(), &ManagementInfo{ID: "leader", Token: "old-token"})
	require.NoError(t, err)
	assert.Nil(t, hb)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLPostgresPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(`UPDATE job_service_management SET token = NULL, owner = NULL, last_heartbeat = NULL WHERE id = \$1 AND token = \$2`).
		WithArgs("leader", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewSQLManagementRepository(conn, db.Postgres)
	released, err := repo.Release(context.Background(), &ManagementInfo{ID: "leader", Token: "tok"})
	require.NoError(t, err)
	assert.True(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}


func TestSQLConditionalSaveOnPostgres(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(`UPDATE job_details SET .* WHERE id = \$15 AND status = \$16 AND COALESCE\(scheduled_id, ''\) = \$17`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewSQLJobRepository(conn, db.Postgres, nil)
	_, err = repo.SaveIf(context.Background(), newJob("J1", job.StatusScheduled, 0, epoch),
		Expect{Status: job.StatusRunning, ScheduledID: "h1"})
	assert.True(t, errors.IsConflictError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
