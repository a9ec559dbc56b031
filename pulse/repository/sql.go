package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/stream"
	"github.com/teranos/pulsed/pulse/trigger"
)

// findAllPageSize bounds the rows held in memory per FindAll page
const findAllPageSize = 500

const jobColumns = `id, correlation_id, status, priority, recipient, trigger_spec, fire_time,
	retries, execution_counter, scheduled_id, execution_timeout_ms,
	exception_message, exception_details, created, last_update`

// SQLJobRepository stores jobs in the job_details table.
//
// Iterators materialize each page before yielding so callers may write to
// the repository from inside the loop, even on a single-connection sqlite pool.
type SQLJobRepository struct {
	db      *sql.DB
	dialect db.Dialect
	pub     stream.Publisher
	now     func() time.Time
}

// NewSQLJobRepository wraps a migrated database; pub may be nil
func NewSQLJobRepository(conn *sql.DB, dialect db.Dialect, pub stream.Publisher) *SQLJobRepository {
	if pub == nil {
		pub = stream.Nop{}
	}
	return &SQLJobRepository{db: conn, dialect: dialect, pub: pub, now: time.Now}
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLJobRepository) Get(ctx context.Context, id string) (*job.JobDetails, error) {
	j, err := r.get(ctx, r.db, id, false)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return j, nil
}

// get returns nil, nil when the row does not exist
func (r *SQLJobRepository) get(ctx context.Context, q queryer, id string, lock bool) (*job.JobDetails, error) {
	query := `SELECT ` + jobColumns + ` FROM job_details WHERE id = ?`
	if lock {
		query += r.dialect.ForUpdate()
	}
	j, err := scanJob(q.QueryRowContext(ctx, r.dialect.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	return j, nil
}

func (r *SQLJobRepository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT 1 FROM job_details WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job %s", id)
	}
	return true, nil
}

func (r *SQLJobRepository) Save(ctx context.Context, j *job.JobDetails) (*job.JobDetails, error) {
	if j == nil || j.ID == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	stored := stamp(j, r.now())
	if err := r.upsert(ctx, r.db, stored); err != nil {
		return nil, err
	}
	r.pub.PublishJobStatusChange(stored.Clone())
	return stored, nil
}

func (r *SQLJobRepository) upsert(ctx context.Context, q queryer, j *job.JobDetails) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO job_details (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			correlation_id = excluded.correlation_id,
			status = excluded.status,
			priority = excluded.priority,
			recipient = excluded.recipient,
			trigger_spec = excluded.trigger_spec,
			fire_time = excluded.fire_time,
			retries = excluded.retries,
			execution_counter = excluded.execution_counter,
			scheduled_id = excluded.scheduled_id,
			execution_timeout_ms = excluded.execution_timeout_ms,
			exception_message = excluded.exception_message,
			exception_details = excluded.exception_details,
			created = excluded.created,
			last_update = excluded.last_update
	`
	if _, err := q.ExecContext(ctx, r.dialect.Rebind(query), args...); err != nil {
		return errors.Wrapf(err, "failed to save job %s", j.ID)
	}
	return nil
}

// updateIfSQL rewrites every column but id while status and handle still
// match. Arguments follow jobArgs without the id, then the id and the
// expected status and handle.
const updateIfSQL = `
	UPDATE job_details SET
		correlation_id = ?, status = ?, priority = ?, recipient = ?, trigger_spec = ?,
		fire_time = ?, retries = ?, execution_counter = ?, scheduled_id = ?,
		execution_timeout_ms = ?, exception_message = ?, exception_details = ?,
		created = ?, last_update = ?
	WHERE id = ? AND status = ? AND COALESCE(scheduled_id, '') = ?`

func (r *SQLJobRepository) SaveIf(ctx context.Context, j *job.JobDetails, expect Expect) (*job.JobDetails, error) {
	if j == nil || j.ID == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	stored := stamp(j, r.now())
	args, err := jobArgs(stored)
	if err != nil {
		return nil, err
	}

	var res sql.Result
	if expect.Absent() {
		query := `INSERT INTO job_details (` + jobColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`
		res, err = r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	} else {
		updateArgs := append(args[1:len(args):len(args)], stored.ID, string(expect.Status), expect.ScheduledID)
		res, err = r.db.ExecContext(ctx, r.dialect.Rebind(updateIfSQL), updateArgs...)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to save job %s", stored.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to save job %s", stored.ID)
	}
	if n == 0 {
		return nil, errExpectation(stored.ID, expect)
	}

	r.pub.PublishJobStatusChange(stored.Clone())
	return stored, nil
}

func (r *SQLJobRepository) Delete(ctx context.Context, id string) (*job.JobDetails, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	j, err := r.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if _, err := tx.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM job_details WHERE id = ?`), id); err != nil {
		return nil, errors.Wrapf(err, "failed to delete job %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit delete of job %s", id)
	}

	r.pub.PublishJobStatusChange(j.Clone())
	return j, nil
}

func (r *SQLJobRepository) Merge(ctx context.Context, id string, patch *job.Patch) (*job.JobDetails, error) {
	if err := job.CheckPatchTarget(id, patch); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	current, err := r.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	merged := job.ApplyPatch(current, patch)
	merged.LastUpdate = r.now()
	if err := r.upsert(ctx, tx, merged); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit merge of job %s", id)
	}

	r.pub.PublishJobStatusChange(merged.Clone())
	return merged, nil
}

func (r *SQLJobRepository) FindAll(ctx context.Context) iter.Seq2[*job.JobDetails, error] {
	return r.pagedByID(ctx, "", nil)
}

func (r *SQLJobRepository) FindByStatus(ctx context.Context, statuses ...job.Status) iter.Seq2[*job.JobDetails, error] {
	if len(statuses) == 0 {
		return yieldAll(nil)
	}
	clause, args := statusClause(statuses)
	return r.pagedByID(ctx, " AND "+clause, args)
}

// pagedByID walks the table in id order, one page at a time
func (r *SQLJobRepository) pagedByID(ctx context.Context, filter string, filterArgs []any) iter.Seq2[*job.JobDetails, error] {
	query := r.dialect.Rebind(`SELECT ` + jobColumns + ` FROM job_details WHERE id > ?` + filter + ` ORDER BY id LIMIT ?`)
	return func(yield func(*job.JobDetails, error) bool) {
		after := ""
		for {
			args := append([]any{after}, filterArgs...)
			args = append(args, findAllPageSize)
			page, err := r.queryJobs(ctx, query, args...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, j := range page {
				if !yield(j, nil) {
					return
				}
			}
			if len(page) < findAllPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (r *SQLJobRepository) FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) iter.Seq2[*job.JobDetails, error] {
	if len(statuses) == 0 {
		return yieldAll(nil)
	}
	clause, args := statusClause(statuses)
	query := r.dialect.Rebind(`SELECT ` + jobColumns + ` FROM job_details
		WHERE ` + clause + ` AND fire_time IS NOT NULL AND fire_time >= ? AND fire_time <= ?
		ORDER BY priority DESC, fire_time ASC, id ASC`)
	args = append(args, db.FormatTime(from), db.FormatTime(to))

	jobs, err := r.queryJobs(ctx, query, args...)
	if err != nil {
		return yieldErr(err)
	}
	return yieldAll(jobs)
}

func (r *SQLJobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*job.JobDetails, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*job.JobDetails
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func statusClause(statuses []job.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", args
}

func jobArgs(j *job.JobDetails) ([]any, error) {
	recipient, err := json.Marshal(j.Recipient)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode recipient of job %s", j.ID)
	}

	var triggerSpec, fireTime any
	if j.Trigger != nil {
		spec, err := trigger.Marshal(j.Trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode trigger of job %s", j.ID)
		}
		triggerSpec = string(spec)
	}
	if ft := j.FireTime(); ft != nil {
		fireTime = db.FormatTime(*ft)
	}

	var excMessage, excDetails any
	if j.ExceptionDetails != nil {
		excMessage = j.ExceptionDetails.Message
		excDetails = j.ExceptionDetails.Details
	}

	return []any{
		j.ID,
		nullString(j.CorrelationID),
		string(j.Status),
		j.Priority,
		string(recipient),
		triggerSpec,
		fireTime,
		j.Retries,
		j.ExecutionCounter,
		nullString(j.ScheduledID),
		j.ExecutionTimeout.Milliseconds(),
		excMessage,
		excDetails,
		db.FormatTime(j.Created),
		db.FormatTime(j.LastUpdate),
	}, nil
}

func scanJob(row rowScanner) (*job.JobDetails, error) {
	var (
		j                                    job.JobDetails
		status, recipient, created, updated  string
		correlationID, triggerSpec, fireTime sql.NullString
		scheduledID, excMessage, excDetails  sql.NullString
		timeoutMS                            int64
	)
	err := row.Scan(
		&j.ID, &correlationID, &status, &j.Priority, &recipient, &triggerSpec, &fireTime,
		&j.Retries, &j.ExecutionCounter, &scheduledID, &timeoutMS,
		&excMessage, &excDetails, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	j.CorrelationID = correlationID.String
	j.Status = job.Status(status)
	j.ScheduledID = scheduledID.String
	j.ExecutionTimeout = time.Duration(timeoutMS) * time.Millisecond

	if err := json.Unmarshal([]byte(recipient), &j.Recipient); err != nil {
		return nil, errors.Wrapf(err, "invalid recipient for job %s", j.ID)
	}
	if triggerSpec.Valid && triggerSpec.String != "" {
		t, err := trigger.Unmarshal([]byte(triggerSpec.String))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trigger for job %s", j.ID)
		}
		j.Trigger = t
	}
	if excMessage.Valid {
		j.ExceptionDetails = &job.ExceptionDetails{Message: excMessage.String, Details: excDetails.String}
	}
	if j.Created, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if j.LastUpdate, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
