package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/oms-core/internal/outbox"
)

var errBoom = errors.New("handler boom")

func sqlmockTime() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func newTestConsumer(t *testing.T, handler Handler) (*Consumer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sdb := sqlx.NewDb(db, "postgres")
	return New(sdb, outbox.New(sdb, nil, 1, nil), "schema_consumer", "v1", handler, nil), mock
}

func TestProcess_FirstTimeRunsHandlerAndPersistsState(t *testing.T) {
	handler := func(ctx context.Context, state json.RawMessage, event outbox.Envelope) (json.RawMessage, []SideEffect, error) {
		return json.RawMessage(`{"count":1}`), nil, nil
	}
	c, mock := newTestConsumer(t, handler)

	mock.ExpectQuery("SELECT event_id, event_type").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT consumer_id, consumer_version").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_processing_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO consumer_states").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event := outbox.Envelope{EventID: "evt_001", Type: "object_type.created"}
	result, err := c.Process(context.Background(), event, false)
	require.NoError(t, err)
	require.True(t, result.Processed)
	require.False(t, result.WasDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_DuplicateEventShortCircuits(t *testing.T) {
	handlerCalled := false
	handler := func(ctx context.Context, state json.RawMessage, event outbox.Envelope) (json.RawMessage, []SideEffect, error) {
		handlerCalled = true
		return json.RawMessage(`{}`), nil, nil
	}
	c, mock := newTestConsumer(t, handler)

	rows := sqlmock.NewRows([]string{
		"event_id", "event_type", "event_version", "consumer_id", "consumer_version",
		"input_commit", "output_commit", "processed_at", "duration_ms", "status", "error",
		"retry_count", "side_effects", "created_resources", "updated_resources",
		"idempotency_key", "is_duplicate",
	}).AddRow("evt_001", "object_type.created", 1, "schema_consumer", "v1",
		"h0", "h1", sqlmockTime(), 5, StatusSuccess, nil, 0, []byte(`[]`), []byte(`[]`), []byte(`[]`), "evt_001", false)
	mock.ExpectQuery("SELECT event_id, event_type").WillReturnRows(rows)

	event := outbox.Envelope{EventID: "evt_001", Type: "object_type.created"}
	result, err := c.Process(context.Background(), event, false)
	require.NoError(t, err)
	require.False(t, result.Processed)
	require.True(t, result.WasDuplicate)
	require.Equal(t, "h1", result.NewCommit)
	require.False(t, handlerCalled, "replayed duplicate must not re-run side effects")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_HandlerFailureRecordsFailureAndReturnsError(t *testing.T) {
	wantErr := require.Error
	handler := func(ctx context.Context, state json.RawMessage, event outbox.Envelope) (json.RawMessage, []SideEffect, error) {
		return nil, nil, errBoom
	}
	c, mock := newTestConsumer(t, handler)

	mock.ExpectQuery("SELECT event_id, event_type").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT consumer_id, consumer_version").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_processing_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE consumer_states SET error_count").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event := outbox.Envelope{EventID: "evt_bad", Type: "object_type.created"}
	_, err := c.Process(context.Background(), event, false)
	wantErr(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
