package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
)

func TestSessionCreateIgnoresExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sessions"`) + ".*" + regexp.QuoteMeta(`ON CONFLICT ("session_id") DO NOTHING`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), &models.Session{SessionID: "7d9f1c1e-2f39-4f0a-9d43-6c1a0f6b1a11", UserID: "u1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "sessions" WHERE session_id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestSessionEnd(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "sessions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.End(context.Background(), "s1", time.Now(), 1200))
	assert.NoError(t, mock.ExpectationsWereMet())
}
