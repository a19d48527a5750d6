package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/oms-core/internal/author"
	"github.com/R3E-Network/oms-core/internal/outbox"
)

func sqlmockTime() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestEmit_WritesOutboxRowWithinTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sdb := sqlx.NewDb(db, "postgres")

	e := New(outbox.New(sdb, nil, 1, nil), 0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := sdb.Beginx()
	require.NoError(t, err)

	err = e.Emit(context.Background(), tx, Record{
		Action: "update",
		Actor:  author.UserContext{UserID: "u1", Username: "alice", Roles: []string{"developer"}},
		Target: Target{ResourceType: "OBJECT_TYPE", ResourceID: "Person", Branch: "main"},
		Success: true,
		CommitBefore: "abc1", CommitAfter: "def2",
		Old: map[string]any{"email": "a@example.com"},
		New: map[string]any{"email": "b@example.com"},
		PIIFields: []string{"email"},
		RequestID: "req-1", CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaskPII_RedactsListedFieldsOnly(t *testing.T) {
	in := map[string]any{"email": "a@example.com", "name": "Alice"}
	out := maskPII(in, []string{"email"})
	require.Equal(t, maskedValue, out["email"])
	require.Equal(t, "Alice", out["name"])
	require.Equal(t, "a@example.com", in["email"], "input must not be mutated")
}

func TestCommitLinkedID_IsDeterministicAndStable(t *testing.T) {
	ts := sqlmockTime()
	id1, err := commitLinkedID("update", "OBJECT_TYPE", "Person", ts, "def2")
	require.NoError(t, err)
	id2, err := commitLinkedID("update", "OBJECT_TYPE", "Person", ts, "def2")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, id1, 16)

	id3, _ := commitLinkedID("update", "OBJECT_TYPE", "Person", ts, "ghi3")
	require.NotEqual(t, id1, id3)
}
