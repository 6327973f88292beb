package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/assist-relay/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.Session, error)
	FindByTechnician(ctx context.Context, technicianID string, limit, offset int) ([]model.Session, error)
	FindRecentAutoCreated(ctx context.Context, hostname string, since time.Time) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	Update(ctx context.Context, id string, patch model.SessionPatch) (*model.Session, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// sessionDB is the subset of *sqlx.DB the repository queries through.
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE device_id = $1
		AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, deviceID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByTechnician(ctx context.Context, technicianID string, limit, offset int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE technician_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, technicianID, limit, offset)
	return sessions, err
}

func (r *sessionRepo) FindRecentAutoCreated(ctx context.Context, hostname string, since time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE auto_created = TRUE
		AND hostname = $1
		AND created_at > $2
		AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, hostname, since)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, technician_id, device_id, hostname, auto_created, allow_unattended, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'waiting', $7)
		RETURNING *
	`, params.ID, params.TechnicianID, params.DeviceID, params.Hostname,
		params.AutoCreated, params.AllowUnattended, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Update writes the given columns and returns the stored row. Columns outside
// the writable set are rejected before any SQL is issued.
func (r *sessionRepo) Update(ctx context.Context, id string, patch model.SessionPatch) (*model.Session, error) {
	cols := patch.Columns()
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if !model.IsWritableSessionColumn(col) {
			return nil, fmt.Errorf("column %q is not writable", col)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, patch[col])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE sessions SET %s WHERE id = $%d RETURNING *",
		strings.Join(sets, ", "), len(args),
	)

	var session model.Session
	err := r.db.GetContext(ctx, &session, query, args...)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at < $1
		AND status = 'waiting'
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
