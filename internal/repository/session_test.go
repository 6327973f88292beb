package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/assist-relay/internal/model"
)

var sessionColumns = []string{
	"id", "technician_id", "device_id", "hostname", "auto_created", "status", "allow_unattended",
	"helper_connected", "active_technicians", "viewing_technicians", "billable_seconds",
	"billable_started_at", "connected_at", "ended_at", "expires_at", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (SessionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSessionRepository(sqlx.NewDb(db, "postgres")), mock
}

func sessionRow(id string, status model.SessionStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sessionColumns).AddRow(
		id, nil, nil, "10.0.0.5", true, string(status), false,
		true, 1, 0, int64(0),
		nil, nil, nil, now.Add(time.Hour), now, now,
	)
}

func TestSessionRepository_FindByID(t *testing.T) {
	t.Run("returns session", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM sessions WHERE id = $1")).
			WithArgs("ABC-234-XYZ").
			WillReturnRows(sessionRow("ABC-234-XYZ", model.SessionStatusConnected))

		session, err := repo.FindByID(context.Background(), "ABC-234-XYZ")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "ABC-234-XYZ", session.ID)
		assert.Equal(t, model.SessionStatusConnected, session.Status)
		assert.True(t, session.AutoCreated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns nil when missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM sessions WHERE id = $1")).
			WithArgs("NOP-222-NOP").
			WillReturnRows(sqlmock.NewRows(sessionColumns))

		session, err := repo.FindByID(context.Background(), "NOP-222-NOP")
		assert.NoError(t, err)
		assert.Nil(t, session)
	})
}

func TestSessionRepository_Update(t *testing.T) {
	t.Run("builds sorted SET clause", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(
			"UPDATE sessions SET helper_connected = $1, status = $2, updated_at = NOW() WHERE id = $3 RETURNING *",
		)).
			WithArgs(true, model.SessionStatusConnected, "ABC-234-XYZ").
			WillReturnRows(sessionRow("ABC-234-XYZ", model.SessionStatusConnected))

		session, err := repo.Update(context.Background(), "ABC-234-XYZ", model.SessionPatch{
			model.ColStatus:          model.SessionStatusConnected,
			model.ColHelperConnected: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "ABC-234-XYZ", session.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown columns", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		_, err := repo.Update(context.Background(), "ABC-234-XYZ", model.SessionPatch{"id": "x"})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository_FindRecentAutoCreated(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT \\* FROM sessions\\s+WHERE auto_created = TRUE").
		WithArgs("10.0.0.5", since).
		WillReturnRows(sessionRow("AUT-345-OMA", model.SessionStatusWaiting))

	session, err := repo.FindRecentAutoCreated(context.Background(), "10.0.0.5", since)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "AUT-345-OMA", session.ID)
}

func TestSessionRepository_DeleteExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	before := time.Now()
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.DeleteExpired(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestSessionRepository_FindByTechnician(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 OFFSET $3")).
		WithArgs("tech-1", 10, 20).
		WillReturnRows(sessionRow("ABC-234-XYZ", model.SessionStatusWaiting))

	sessions, err := repo.FindByTechnician(context.Background(), "tech-1", 10, 20)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "ABC-234-XYZ", sessions[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
