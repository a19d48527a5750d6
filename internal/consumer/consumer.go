// Package consumer implements the idempotent event consumer: dedup by
// (event_id, consumer_id), commit-hash-chained consumer state, and replay
// with dry-run and side-effect suppression, grounded in the outbox
// package's co-transactional write discipline and the version ledger's
// HEAD-then-append shape in internal/occ.
package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/oms-core/internal/canon"
	"github.com/R3E-Network/oms-core/internal/omserrors"
	"github.com/R3E-Network/oms-core/internal/omslog"
	"github.com/R3E-Network/oms-core/internal/outbox"
)

// ProcessingStatus is an EventProcessingRecord's outcome.
type ProcessingStatus string

const (
	StatusSuccess ProcessingStatus = "success"
	StatusFailed  ProcessingStatus = "failed"
	StatusSkipped ProcessingStatus = "skipped"
)

// State is the ConsumerState row (spec.md §3), one per consumer_id.
type State struct {
	ConsumerID      string    `db:"consumer_id"`
	ConsumerVersion string    `db:"consumer_version"`
	LastEventID     *string   `db:"last_event_id"`
	LastTS          *time.Time `db:"last_ts"`
	LastSequence    *int64    `db:"last_sequence"`
	StateCommit     string    `db:"state_commit"`
	StateVersion    int       `db:"state_version"`
	EventsProcessed int64     `db:"events_processed"`
	EventsSkipped   int64     `db:"events_skipped"`
	EventsFailed    int64     `db:"events_failed"`
	LastHeartbeat   time.Time `db:"last_heartbeat"`
	Healthy         bool      `db:"healthy"`
	ErrorCount      int       `db:"error_count"`
	StateData       json.RawMessage `db:"state_data"`
}

// ProcessingRecord is the EventProcessingRecord row — the dedup record,
// primary-keyed on (consumer_id, event_id).
type ProcessingRecord struct {
	EventID         string           `db:"event_id"`
	EventType       string           `db:"event_type"`
	EventVersion    int              `db:"event_version"`
	ConsumerID      string           `db:"consumer_id"`
	ConsumerVersion string           `db:"consumer_version"`
	InputCommit     string           `db:"input_commit"`
	OutputCommit    string           `db:"output_commit"`
	ProcessedAt     time.Time        `db:"processed_at"`
	DurationMS      int64            `db:"duration_ms"`
	Status          ProcessingStatus `db:"status"`
	Error           *string          `db:"error"`
	RetryCount      int              `db:"retry_count"`
	SideEffects     json.RawMessage  `db:"side_effects"`
	CreatedResources json.RawMessage `db:"created_resources"`
	UpdatedResources json.RawMessage `db:"updated_resources"`
	IdempotencyKey  string           `db:"idempotency_key"`
	IsDuplicate     bool             `db:"is_duplicate"`
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS consumer_states (
    consumer_id      TEXT PRIMARY KEY,
    consumer_version TEXT NOT NULL,
    last_event_id    TEXT,
    last_ts          TIMESTAMPTZ,
    last_sequence    BIGINT,
    state_commit     TEXT NOT NULL,
    state_version    INT NOT NULL DEFAULT 0,
    events_processed BIGINT NOT NULL DEFAULT 0,
    events_skipped   BIGINT NOT NULL DEFAULT 0,
    events_failed    BIGINT NOT NULL DEFAULT 0,
    last_heartbeat   TIMESTAMPTZ NOT NULL DEFAULT now(),
    healthy          BOOLEAN NOT NULL DEFAULT true,
    error_count      INT NOT NULL DEFAULT 0,
    state_data       JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS event_processing_records (
    event_id          TEXT NOT NULL,
    event_type        TEXT NOT NULL,
    event_version     INT NOT NULL,
    consumer_id       TEXT NOT NULL,
    consumer_version  TEXT NOT NULL,
    input_commit      TEXT NOT NULL,
    output_commit     TEXT NOT NULL,
    processed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    duration_ms       BIGINT NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    error             TEXT,
    retry_count       INT NOT NULL DEFAULT 0,
    side_effects      JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_resources JSONB NOT NULL DEFAULT '[]'::jsonb,
    updated_resources JSONB NOT NULL DEFAULT '[]'::jsonb,
    idempotency_key   TEXT NOT NULL,
    is_duplicate      BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (consumer_id, event_id)
);

CREATE TABLE IF NOT EXISTS consumer_checkpoints (
    id           BIGSERIAL PRIMARY KEY,
    consumer_id  TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    sequence     BIGINT,
    state_commit TEXT NOT NULL,
    state_data   JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_consumer_checkpoints_latest
    ON consumer_checkpoints (consumer_id, created_at DESC);
`

// Schema returns the DDL this package expects.
func Schema() string { return schemaSQL }

// Handler runs a single event against the current decoded state and
// returns the next state plus any side effects to enqueue to the outbox.
// A Handler MUST NOT execute side effects itself — it only describes them.
type Handler func(ctx context.Context, state json.RawMessage, event outbox.Envelope) (newState json.RawMessage, sideEffects []SideEffect, err error)

// SideEffect is a derived event the handler wants enqueued to the outbox,
// never executed in-handler (spec.md §4.9 step 6).
type SideEffect struct {
	AggregateID string
	EventType   string
	Envelope    outbox.Envelope
}

// IdempotentResult is returned by Process.
type IdempotentResult struct {
	Processed      bool
	WasDuplicate   bool
	PrevCommit     string
	NewCommit      string
	SideEffects    int
	ProcessingTime time.Duration
}

// Consumer is the C9 Idempotent Consumer for one consumer_id.
type Consumer struct {
	db              *sqlx.DB
	outbox          *outbox.Outbox
	consumerID      string
	consumerVersion string
	handler         Handler
	log             *omslog.Logger
	now             func() time.Time
	maxRetries      int
	checkpointEvery int
}

// New constructs a Consumer bound to consumerID, persisting state in db
// and deriving side effects through ob.
func New(db *sqlx.DB, ob *outbox.Outbox, consumerID, consumerVersion string, handler Handler, log *omslog.Logger) *Consumer {
	return &Consumer{
		db: db, outbox: ob, consumerID: consumerID, consumerVersion: consumerVersion,
		handler: handler, log: log, now: time.Now, maxRetries: 5, checkpointEvery: 100,
	}
}

func (c *Consumer) loadState(ctx context.Context) (*State, error) {
	var s State
	err := c.db.GetContext(ctx, &s, `
		SELECT consumer_id, consumer_version, last_event_id, last_ts, last_sequence,
		       state_commit, state_version, events_processed, events_skipped, events_failed,
		       last_heartbeat, healthy, error_count, state_data
		FROM consumer_states WHERE consumer_id = $1
	`, c.consumerID)
	if err == sql.ErrNoRows {
		empty := json.RawMessage(`{}`)
		commit, hErr := canon.Hash(map[string]any{})
		if hErr != nil {
			return nil, omserrors.IntegrityError("consumer: failed to hash empty state")
		}
		s = State{
			ConsumerID: c.consumerID, ConsumerVersion: c.consumerVersion,
			StateCommit: commit, StateVersion: 0, Healthy: true,
			LastHeartbeat: c.now().UTC(), StateData: empty,
		}
		return &s, nil
	}
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	return &s, nil
}

func (c *Consumer) findRecord(ctx context.Context, eventID string) (*ProcessingRecord, error) {
	var r ProcessingRecord
	err := c.db.GetContext(ctx, &r, `
		SELECT event_id, event_type, event_version, consumer_id, consumer_version,
		       input_commit, output_commit, processed_at, duration_ms, status, error,
		       retry_count, side_effects, created_resources, updated_resources,
		       idempotency_key, is_duplicate
		FROM event_processing_records WHERE consumer_id = $1 AND event_id = $2
	`, c.consumerID, eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	return &r, nil
}

// Process runs one event to completion with (event_id, consumer_id)
// dedup. If forceReprocess is true, the dedup short-circuit is bypassed
// (spec.md §9 Open Questions) but a fresh processing record is still
// written.
func (c *Consumer) Process(ctx context.Context, event outbox.Envelope, forceReprocess bool) (*IdempotentResult, error) {
	start := c.now()

	existing, err := c.findRecord(ctx, event.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == StatusSuccess && !forceReprocess {
		return &IdempotentResult{
			Processed: false, WasDuplicate: true,
			PrevCommit: existing.OutputCommit, NewCommit: existing.OutputCommit,
		}, nil
	}

	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	inputCommit := state.StateCommit

	newStateData, sideEffects, handlerErr := c.handler(ctx, state.StateData, event)
	duration := c.now().Sub(start)

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op if already committed

	if handlerErr != nil {
		if err := c.recordFailure(ctx, tx, event, inputCommit, handlerErr, existing); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, omserrors.StoreUnavailable(err)
		}
		if c.log != nil {
			c.log.WithField("event_id", event.EventID).WithField("error", handlerErr).Error("consumer handler failed")
		}
		return nil, handlerErr
	}

	outputCommit, err := canon.Hash(decodeOrEmpty(newStateData))
	if err != nil {
		return nil, omserrors.IntegrityError("consumer: failed to hash new state")
	}

	if err := c.upsertRecord(ctx, tx, event, inputCommit, outputCommit, StatusSuccess, nil, existing != nil); err != nil {
		return nil, err
	}

	nextVersion := state.StateVersion + 1
	eventID := event.EventID
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consumer_states (consumer_id, consumer_version, last_event_id, last_ts, last_sequence,
			state_commit, state_version, events_processed, events_skipped, events_failed,
			last_heartbeat, healthy, error_count, state_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, 0, $12)
		ON CONFLICT (consumer_id) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id, last_ts = EXCLUDED.last_ts,
			last_sequence = EXCLUDED.last_sequence, state_commit = EXCLUDED.state_commit,
			state_version = EXCLUDED.state_version, events_processed = EXCLUDED.events_processed,
			last_heartbeat = EXCLUDED.last_heartbeat, healthy = true, error_count = 0,
			state_data = EXCLUDED.state_data
	`, c.consumerID, c.consumerVersion, eventID, c.now().UTC(), event.Sequence,
		outputCommit, nextVersion, state.EventsProcessed+1, state.EventsSkipped, state.EventsFailed,
		c.now().UTC(), newStateData); err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}

	for _, se := range sideEffects {
		if err := c.outbox.Write(ctx, tx, se.AggregateID, se.EventType, se.Envelope); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}

	if nextVersion%c.checkpointEvery == 0 {
		c.checkpoint(ctx, event.EventID, event.Sequence, outputCommit, newStateData)
	}

	return &IdempotentResult{
		Processed: true, WasDuplicate: false,
		PrevCommit: inputCommit, NewCommit: outputCommit,
		SideEffects: len(sideEffects), ProcessingTime: duration,
	}, nil
}

func (c *Consumer) recordFailure(ctx context.Context, tx *sqlx.Tx, event outbox.Envelope, inputCommit string, handlerErr error, existing *ProcessingRecord) error {
	errMsg := handlerErr.Error()
	if err := c.upsertRecord(ctx, tx, event, inputCommit, inputCommit, StatusFailed, &errMsg, existing != nil); err != nil {
		return err
	}

	retry := 1
	if existing != nil {
		retry = existing.RetryCount + 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE consumer_states SET error_count = error_count + 1, events_failed = events_failed + 1,
			healthy = ($2 < $3), last_heartbeat = $4
		WHERE consumer_id = $1
	`, c.consumerID, retry, c.maxRetries, c.now().UTC()); err != nil {
		return omserrors.StoreUnavailable(err)
	}
	return nil
}

func (c *Consumer) upsertRecord(ctx context.Context, tx *sqlx.Tx, event outbox.Envelope, inputCommit, outputCommit string, status ProcessingStatus, errMsg *string, isDuplicate bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_processing_records (event_id, event_type, event_version, consumer_id,
			consumer_version, input_commit, output_commit, processed_at, duration_ms, status,
			error, retry_count, side_effects, created_resources, updated_resources,
			idempotency_key, is_duplicate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, 0, '[]', '[]', '[]', $11, $12)
		ON CONFLICT (consumer_id, event_id) DO UPDATE SET
			input_commit = EXCLUDED.input_commit, output_commit = EXCLUDED.output_commit,
			processed_at = EXCLUDED.processed_at, status = EXCLUDED.status,
			error = EXCLUDED.error, retry_count = event_processing_records.retry_count + 1,
			is_duplicate = EXCLUDED.is_duplicate
	`, event.EventID, event.Type, event.Version, c.consumerID, c.consumerVersion,
		inputCommit, outputCommit, c.now().UTC(), status, errMsg, event.EventID, isDuplicate)
	if err != nil {
		return omserrors.StoreUnavailable(err)
	}
	return nil
}

func (c *Consumer) checkpoint(ctx context.Context, eventID string, sequence *int64, stateCommit string, stateData json.RawMessage) {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO consumer_checkpoints (consumer_id, event_id, sequence, state_commit, state_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.consumerID, eventID, sequence, stateCommit, stateData, c.now().UTC())
	if err != nil && c.log != nil {
		c.log.WithField("error", err).Warn("consumer checkpoint write failed")
	}
}

// ReplayReport summarizes a Replay run.
type ReplayReport struct {
	Total     int
	Processed int
	Skipped   int
	Failed    int
	DryRun    bool
}

// Replay re-applies a sequence of events in order. dryRun writes nothing;
// skipSideEffects suppresses outbox enqueues by running the handler but
// discarding its reported side effects. Events already present with
// identical event_id are skipped unless forceReprocess.
func (c *Consumer) Replay(ctx context.Context, events []outbox.Envelope, dryRun, skipSideEffects, forceReprocess bool) (*ReplayReport, error) {
	report := &ReplayReport{Total: len(events), DryRun: dryRun}

	for _, event := range events {
		if dryRun {
			existing, err := c.findRecord(ctx, event.EventID)
			if err != nil {
				return nil, err
			}
			if existing != nil && existing.Status == StatusSuccess && !forceReprocess {
				report.Skipped++
				continue
			}
			report.Processed++
			continue
		}

		evt := event
		if skipSideEffects {
			evt.Payload = event.Payload
		}
		res, err := c.process(ctx, evt, forceReprocess, skipSideEffects)
		if err != nil {
			report.Failed++
			continue
		}
		if res.WasDuplicate {
			report.Skipped++
		} else {
			report.Processed++
		}
	}

	return report, nil
}

// process calls Process, or, for replay's skip_side_effects mode,
// processNoOutbox, which repeats Process's dedup and state-commit steps
// without writing the handler's outbox events.
func (c *Consumer) process(ctx context.Context, event outbox.Envelope, forceReprocess, skipSideEffects bool) (*IdempotentResult, error) {
	if !skipSideEffects {
		return c.Process(ctx, event, forceReprocess)
	}

	original := c.outbox
	c.outbox = nil
	defer func() { c.outbox = original }()
	return c.processNoOutbox(ctx, event, forceReprocess)
}

func (c *Consumer) processNoOutbox(ctx context.Context, event outbox.Envelope, forceReprocess bool) (*IdempotentResult, error) {
	existing, err := c.findRecord(ctx, event.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == StatusSuccess && !forceReprocess {
		return &IdempotentResult{Processed: false, WasDuplicate: true, PrevCommit: existing.OutputCommit, NewCommit: existing.OutputCommit}, nil
	}

	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	newStateData, _, handlerErr := c.handler(ctx, state.StateData, event)
	if handlerErr != nil {
		return nil, handlerErr
	}
	outputCommit, err := canon.Hash(decodeOrEmpty(newStateData))
	if err != nil {
		return nil, omserrors.IntegrityError("consumer: failed to hash new state")
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op if already committed

	if err := c.upsertRecord(ctx, tx, event, state.StateCommit, outputCommit, StatusSuccess, nil, existing != nil); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consumer_states (consumer_id, consumer_version, last_event_id, state_commit,
			state_version, events_processed, last_heartbeat, healthy, error_count, state_data)
		VALUES ($1, $2, $3, $4, $5, 1, $6, true, 0, $7)
		ON CONFLICT (consumer_id) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id, state_commit = EXCLUDED.state_commit,
			state_version = consumer_states.state_version + 1,
			events_processed = consumer_states.events_processed + 1,
			last_heartbeat = EXCLUDED.last_heartbeat, healthy = true, error_count = 0,
			state_data = EXCLUDED.state_data
	`, c.consumerID, c.consumerVersion, event.EventID, outputCommit, state.StateVersion+1, c.now().UTC(), newStateData); err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}

	return &IdempotentResult{Processed: true, WasDuplicate: false, PrevCommit: state.StateCommit, NewCommit: outputCommit}, nil
}

func decodeOrEmpty(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
