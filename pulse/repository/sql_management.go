package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
)

// SQLManagementRepository stores the leadership record in job_service_management.
// Heartbeat and Release are single conditional UPDATEs; GetAndUpdate is a
// locked read-modify-write inside one transaction.
type SQLManagementRepository struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewSQLManagementRepository wraps a migrated database
func NewSQLManagementRepository(conn *sql.DB, dialect db.Dialect) *SQLManagementRepository {
	return &SQLManagementRepository{db: conn, dialect: dialect, now: time.Now}
}

func (r *SQLManagementRepository) GetAndUpdate(ctx context.Context, id string, fn func(*ManagementInfo) *ManagementInfo) (*ManagementInfo, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("management record id cannot be blank")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	// The row must exist before it can be locked
	ensure := `INSERT INTO job_service_management (id) VALUES (?) ON CONFLICT (id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, r.dialect.Rebind(ensure), id); err != nil {
		return nil, errors.Wrapf(err, "failed to create management record %s", id)
	}

	query := `SELECT id, token, owner, last_heartbeat FROM job_service_management WHERE id = ?` + r.dialect.ForUpdate()
	current, err := scanManagement(tx.QueryRowContext(ctx, r.dialect.Rebind(query), id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load management record %s", id)
	}

	next := fn(current.Clone())
	if next == nil {
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit transaction")
		}
		return current, nil
	}

	stored := next.Clone()
	stored.ID = id
	var heartbeat any
	if stored.LastHeartbeat != nil {
		heartbeat = db.FormatTime(*stored.LastHeartbeat)
	}
	update := `UPDATE job_service_management SET token = ?, owner = ?, last_heartbeat = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, r.dialect.Rebind(update),
		nullString(stored.Token), nullString(stored.Owner), heartbeat, id); err != nil {
		return nil, errors.Wrapf(err, "failed to update management record %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return stored, nil
}

func (r *SQLManagementRepository) Set(ctx context.Context, info *ManagementInfo) (*ManagementInfo, error) {
	if info == nil || info.ID == "" {
		return nil, errors.NewInvalidRequestError("management record id cannot be blank")
	}
	var heartbeat any
	if info.LastHeartbeat != nil {
		heartbeat = db.FormatTime(*info.LastHeartbeat)
	}
	query := `
		INSERT INTO job_service_management (id, token, owner, last_heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			token = excluded.token,
			owner = excluded.owner,
			last_heartbeat = excluded.last_heartbeat
	`
	if _, err := r.db.ExecContext(ctx, r.dialect.Rebind(query),
		info.ID, nullString(info.Token), nullString(info.Owner), heartbeat); err != nil {
		return nil, errors.Wrapf(err, "failed to set management record %s", info.ID)
	}
	return info.Clone(), nil
}

func (r *SQLManagementRepository) Heartbeat(ctx context.Context, info *ManagementInfo) (*ManagementInfo, error) {
	if info == nil || info.Token == "" {
		return nil, nil
	}
	now := r.now()
	query := `UPDATE job_service_management SET last_heartbeat = ? WHERE id = ? AND token = ?`
	result, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), db.FormatTime(now), info.ID, info.Token)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to heartbeat management record %s", info.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read heartbeat result")
	}
	if affected == 0 {
		return nil, nil
	}
	out := info.Clone()
	out.LastHeartbeat = &now
	return out, nil
}

func (r *SQLManagementRepository) Release(ctx context.Context, info *ManagementInfo) (bool, error) {
	if info == nil || info.Token == "" {
		return false, nil
	}
	query := `UPDATE job_service_management SET token = NULL, owner = NULL, last_heartbeat = NULL WHERE id = ? AND token = ?`
	result, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), info.ID, info.Token)
	if err != nil {
		return false, errors.Wrapf(err, "failed to release management record %s", info.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read release result")
	}
	return affected > 0, nil
}

func scanManagement(row rowScanner) (*ManagementInfo, error) {
	var (
		info                    ManagementInfo
		token, owner, heartbeat sql.NullString
	)
	if err := row.Scan(&info.ID, &token, &owner, &heartbeat); err != nil {
		return nil, err
	}
	info.Token = token.String
	info.Owner = owner.String
	if heartbeat.Valid && heartbeat.String != "" {
		t, err := db.ParseTime(heartbeat.String)
		if err != nil {
			return nil, err
		}
		info.LastHeartbeat = &t
	}
	return &info, nil
}
