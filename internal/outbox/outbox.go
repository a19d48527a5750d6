// Package outbox implements the transactional outbox pattern: event rows
// written co-transactionally with the business commit, relayed to the
// event bus by a single-writer background task per shard, grounded in the
// service layer's pg-notify bus and resilience/circuit-breaker
// conventions. A failed delivery is retried on the shard's next tick, with
// no backoff delay between attempts, until maxRetries failures mark the
// row failed.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/oms-core/internal/metrics"
	"github.com/R3E-Network/oms-core/internal/omserrors"
	"github.com/R3E-Network/oms-core/internal/omslog"
	"github.com/R3E-Network/oms-core/internal/resilience"
)

// Status is an OutboxRecord's delivery lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Envelope is the EventEnvelope shape from spec.md §3, with the CloudEvents
// fields the publisher injects.
type Envelope struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	SourceService    string          `json:"source_service"`
	SourceVersion   string          `json:"source_version"`
	SourceCommit    string          `json:"source_commit"`
	CorrelationID   string          `json:"correlation_id"`
	CausationID     string          `json:"causation_id,omitempty"`
	Sequence        *int64          `json:"sequence,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IdempotencyToken string         `json:"idempotency_token,omitempty"`
	SpecVersion     string          `json:"specversion"`
	Source          string          `json:"source"`
	DataContentType string          `json:"datacontenttype"`
}

// Record is an OutboxRecord row.
type Record struct {
	ID          int64     `db:"id"`
	AggregateID string    `db:"aggregate_id"`
	Type        string    `db:"type"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
	Status      Status    `db:"status"`
	RetryCount  int       `db:"retry_count"`
	LastError   *string   `db:"last_error"`
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS outbox (
    id           BIGSERIAL PRIMARY KEY,
    aggregate_id TEXT NOT NULL,
    type         TEXT NOT NULL,
    payload      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    status       TEXT NOT NULL DEFAULT 'pending',
    retry_count  INT NOT NULL DEFAULT 0,
    last_error   TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (status, id) WHERE status = 'pending';
`

// Schema returns the DDL this publisher expects.
func Schema() string { return schemaSQL }

// Publisher is the bus-facing collaborator the relay ships to.
type Publisher interface {
	Publish(ctx context.Context, subject string, idempotencyKey string, body []byte) error
}

// StreamName derives the subject per spec.md §4.8: oms.<aggregate>.<type>.<branch>.
func StreamName(aggregate, eventType, branch string) string {
	return "oms." + aggregate + "." + eventType + "." + branch
}

const maxRetries = 5

// Outbox is the C8 Outbox Publisher.
type Outbox struct {
	db      *sqlx.DB
	bus     Publisher
	shards  int
	log     *omslog.Logger
	limiter *rate.Limiter
	cron    *cron.Cron
	now     func() time.Time
	metrics *metrics.Metrics
	breaker *resilience.CircuitBreaker
}

// New constructs an Outbox writing to db and relaying via bus, using
// shardCount background relay workers.
func New(db *sqlx.DB, bus Publisher, shardCount int, log *omslog.Logger) *Outbox {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Outbox{
		db: db, bus: bus, shards: shardCount, log: log,
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		cron:    cron.New(),
		now:     time.Now,
	}
}

// WithMetrics attaches a collector set recording delivery outcomes and
// latency by event type. Safe to call with nil.
func (o *Outbox) WithMetrics(m *metrics.Metrics) *Outbox {
	o.metrics = m
	return o
}

// WithBreaker wraps bus publish calls in cb, so a bus outage trips the
// breaker instead of exhausting retries one shard-tick at a time. Safe to
// call with nil.
func (o *Outbox) WithBreaker(cb *resilience.CircuitBreaker) *Outbox {
	o.breaker = cb
	return o
}

// Write inserts a pending OutboxRecord within the given transaction, so
// it is co-transactional with the business commit. Callers build
// Envelope themselves (commit-linked, audit, etc.) and pass it; Write
// marshals it into the row's payload.
func (o *Outbox) Write(ctx context.Context, tx *sqlx.Tx, aggregateID, eventType string, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return omserrors.IntegrityError("outbox: failed to marshal envelope")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (aggregate_id, type, payload, created_at, status, retry_count)
		VALUES ($1, $2, $3, $4, 'pending', 0)
	`, aggregateID, eventType, []byte(payload), o.now().UTC())
	if err != nil {
		return omserrors.StoreUnavailable(err)
	}
	return nil
}

// NewEnvelope builds an envelope with the CloudEvents fields stamped, a
// fresh event id, and the given correlation id.
func NewEnvelope(eventType string, version int, sourceCommit, correlationID string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID: uuid.NewString(), Type: eventType, Version: version,
		CreatedAt: time.Now().UTC(), SourceService: "oms-core", SourceCommit: sourceCommit,
		CorrelationID: correlationID, Payload: payload,
		SpecVersion: "1.0", Source: "/oms", DataContentType: "application/json",
	}
}

// StartRelay launches shardCount background relay tickers.
func (o *Outbox) StartRelay(shardInterval time.Duration) error {
	for shard := 0; shard < o.shards; shard++ {
		s := shard
		spec := "@every " + shardInterval.String()
		if _, err := o.cron.AddFunc(spec, func() { o.relayOnce(context.Background(), s) }); err != nil {
			return err
		}
	}
	o.cron.Start()
	return nil
}

// StopRelay halts all relay workers.
func (o *Outbox) StopRelay() {
	ctx := o.cron.Stop()
	<-ctx.Done()
}

// relayOnce drains one batch of pending rows owned by this shard
// (partitioned by id modulo shard count), publishing each with an
// idempotency key equal to the event id.
func (o *Outbox) relayOnce(ctx context.Context, shard int) {
	var rows []Record
	err := o.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, type, payload, created_at, status, retry_count, last_error
		FROM outbox WHERE status = 'pending' AND (id % $1) = $2
		ORDER BY id ASC LIMIT 100
	`, o.shards, shard)
	if err != nil {
		if o.log != nil {
			o.log.WithField("shard", shard).WithField("error", err).Error("outbox relay query failed")
		}
		return
	}

	for _, r := range rows {
		o.deliver(ctx, r)
	}
}

func (o *Outbox) deliver(ctx context.Context, r Record) {
	if err := o.limiter.Wait(ctx); err != nil {
		return
	}

	var envelope Envelope
	if err := json.Unmarshal(r.Payload, &envelope); err != nil {
		o.markFailed(ctx, r.ID, "malformed envelope: "+err.Error())
		return
	}

	subject := StreamName(r.AggregateID, r.Type, "")
	publish := func() error { return o.bus.Publish(ctx, subject, envelope.EventID, r.Payload) }
	var err error
	if o.breaker != nil {
		err = o.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}

	if err == nil {
		if o.metrics != nil {
			metrics.ObserveLatency(o.metrics.OutboxLatency, r.CreatedAt, r.Type)
		}
		o.recordDelivery(r.Type, "delivered")
		o.markDelivered(ctx, r.ID)
		return
	}

	o.recordDelivery(r.Type, "error")
	if r.RetryCount+1 >= maxRetries {
		o.markFailed(ctx, r.ID, err.Error())
		if o.log != nil {
			o.log.WithField("outbox_id", r.ID).Error("outbox delivery permanently failed")
		}
		return
	}

	o.incrementRetry(ctx, r.ID, err.Error())
}

func (o *Outbox) recordDelivery(eventType, result string) {
	if o.metrics == nil {
		return
	}
	o.metrics.OutboxDelivered.WithLabelValues(eventType, result).Inc()
}

func (o *Outbox) markDelivered(ctx context.Context, id int64) {
	_, _ = o.db.ExecContext(ctx, `UPDATE outbox SET status = 'delivered' WHERE id = $1`, id)
}

func (o *Outbox) markFailed(ctx context.Context, id int64, reason string) {
	_, _ = o.db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', last_error = $2 WHERE id = $1`, id, reason)
}

func (o *Outbox) incrementRetry(ctx context.Context, id int64, reason string) {
	_, _ = o.db.ExecContext(ctx, `UPDATE outbox SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1`, id, reason)
}

// Pending returns pending rows for test/inspection, bypassing sharding.
func (o *Outbox) Pending(ctx context.Context) ([]Record, error) {
	var rows []Record
	err := o.db.SelectContext(ctx, &rows, `SELECT id, aggregate_id, type, payload, created_at, status, retry_count, last_error FROM outbox WHERE status = 'pending' ORDER BY id ASC`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	return rows, nil
}
