// Package eventbus adapts PostgreSQL NOTIFY/LISTEN into the subject-
// addressed pub/sub the outbox relay (C8) publishes to and the
// idempotent consumer (C9) reads from, trimmed from the teacher's
// pkg/pgnotify bus down to the publish/subscribe surface this spine
// actually exercises (the teacher's table-trigger "realtime" feature has
// no OMS consumer, so it is left out per DESIGN.md).
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Message is a delivered NOTIFY payload, wrapping the CloudEvents-shaped
// body the outbox relay published.
type Message struct {
	Subject   string          `json:"subject"`
	Body      json.RawMessage `json:"body"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Bus is a Postgres NOTIFY/LISTEN backed event bus with per-subject dedup
// on message id. A handler's error is discarded: the bus does not
// redeliver a message whose handler failed.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener

	mu       sync.RWMutex
	handlers map[string][]Handler
	seen     map[string]time.Time // channel+idempotencyKey -> delivery time, for dedup window
	seenTTL  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a Postgres connection at dsn and starts its listener loop.
func New(dsn string) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventbus: ping: %w", err)
	}
	return NewWithDB(db, dsn)
}

// NewWithDB wraps an existing *sql.DB plus its dsn (pq.Listener needs its
// own connection, separate from db's pool).
func NewWithDB(db *sql.DB, dsn string) (*Bus, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db: db, listener: listener,
		handlers: make(map[string][]Handler),
		seen:     make(map[string]time.Time),
		seenTTL:  24 * time.Hour,
		ctx:      ctx, cancel: cancel,
	}

	b.wg.Add(1)
	go b.listen()
	return b, nil
}

// Publish sends body to subject via pg_notify, tagged with an
// idempotencyKey the receiving side dedups on. Implements
// outbox.Publisher.
func (b *Bus) Publish(ctx context.Context, subject string, idempotencyKey string, body []byte) error {
	envelope := Message{Subject: subject, Body: body, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	// pg_notify payloads are capped at 8000 bytes; callers with larger
	// envelopes must subject-partition or use a blob-backed payload. This
	// spine's schema documents are small enough to fit in practice.
	channel := channelFor(subject)
	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, idempotencyKeyedPayload(idempotencyKey, raw)); err != nil {
		return fmt.Errorf("eventbus: notify: %w", err)
	}
	return nil
}

// Subscribe registers handler for subject, LISTENing on first subscriber.
func (b *Bus) Subscribe(subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	channel := channelFor(subject)
	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil {
			return fmt.Errorf("eventbus: listen: %w", err)
		}
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Close stops the listener loop and releases the connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case n := <-b.listener.Notify:
			if n == nil {
				continue
			}
			b.deliver(n)
		case <-time.After(90 * time.Second):
			go b.listener.Ping() //nolint:errcheck // best-effort keepalive
		}
	}
}

func (b *Bus) deliver(n *pq.Notification) {
	key, raw, err := splitIdempotencyKeyedPayload(n.Extra)
	if err != nil {
		return
	}
	if b.alreadyDelivered(n.Channel + keySep + key) {
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[n.Channel]))
	copy(handlers, b.handlers[n.Channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = handler(ctx, msg) //nolint:errcheck // handler errors are discarded; the message is not redelivered
		}()
	}
}

// alreadyDelivered reports whether key was delivered within the dedup
// window, recording it if not. This is the bus-side half of the
// exactly-once-per-(event-id,stream) guarantee spec.md §6 calls for;
// consumer-side (event_id, consumer_id) dedup in C9 is the other half.
func (b *Bus) alreadyDelivered(key string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, ts := range b.seen {
		if now.Sub(ts) > b.seenTTL {
			delete(b.seen, k)
		}
	}

	if _, ok := b.seen[key]; ok {
		return true
	}
	b.seen[key] = now
	return false
}

func channelFor(subject string) string {
	// Postgres channel identifiers are limited to 63 bytes; subjects like
	// oms.<aggregate>.<type>.<branch> fit comfortably for realistic
	// resource-type and branch names.
	return subject
}

const keySep = "\x1f"

func idempotencyKeyedPayload(key string, body []byte) string {
	return key + keySep + string(body)
}

func splitIdempotencyKeyedPayload(payload string) (string, []byte, error) {
	for i := 0; i < len(payload); i++ {
		if payload[i] == keySep[0] {
			return payload[:i], []byte(payload[i+1:]), nil
		}
	}
	return "", nil, fmt.Errorf("eventbus: malformed payload, missing key separator")
}
