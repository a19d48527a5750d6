package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewPostgresLedger(sqlxDB), mock
}

func TestAppend_SucceedsOnEmptyBranch(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id FROM commits").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO commits").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c, err := l.Append(ctx, "main", nil, "alice (u1) [verified]", "init", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Nil(t, c.Parent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ConflictOnParentMismatch(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id FROM commits").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("def2"))

	parent := "abc1"
	_, err := l.Append(ctx, "main", &parent, "alice (u1) [verified]", "update", []byte(`{"a":2}`))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
