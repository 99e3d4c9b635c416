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
)

func TestEventInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "events"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), &models.Event{
		ID:        "0d6c3c9a-8f59-4c55-a0d6-1f6f0e3b2c10",
		SessionID: "7d9f1c1e-2f39-4f0a-9d43-6c1a0f6b1a11",
		UserID:    "u1",
		Label:     "task B started",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventListBySessionOrdersByTime(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	rows := sqlmock.NewRows([]string{"id", "session_id", "user_id", "label", "timestamp"}).
		AddRow("e1", "s1", "u1", "baseline", time.Unix(1700000000, 0)).
		AddRow("e2", "s1", "u1", "task B", time.Unix(1700000060, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "events" WHERE session_id = $1 ORDER BY timestamp ASC LIMIT`)).
		WillReturnRows(rows)

	out, err := repo.ListBySession(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "baseline", out[0].Label)
	assert.NoError(t, mock.ExpectationsWereMet())
}
