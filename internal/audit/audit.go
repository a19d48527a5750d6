// Package audit implements the C10 Audit Emitter: a CloudEvents-shaped
// record for every Policy-Gate-authorized mutation, delivered through the
// outbox so audit durability matches business-commit durability, grounded
// in the outbox package's co-transactional write and the author
// package's verified-identity shape.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/oms-core/internal/author"
	"github.com/R3E-Network/oms-core/internal/omserrors"
	"github.com/R3E-Network/oms-core/internal/outbox"
)

// EventType is the CloudEvents type stamped on every AuditEvent.
const EventType = "audit.activity.v1"

// Source is the CloudEvents source stamped on every AuditEvent.
const Source = "/oms"

const maskedValue = "***MASKED***"

// Actor is the verified caller identity embedded in an AuditEvent.
type Actor struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	Roles      []string `json:"roles"`
	Tenant     string   `json:"tenant,omitempty"`
	AuthMethod string   `json:"auth_method"`
	IP         string   `json:"ip,omitempty"`
	UA         string   `json:"ua,omitempty"`
}

// Target identifies the resource a mutation acted on.
type Target struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Branch       string `json:"branch,omitempty"`
	Parent       string `json:"parent,omitempty"`
}

// Changes is the commit-linked delta recorded against a mutation.
type Changes struct {
	CommitBefore  string         `json:"commit_before,omitempty"`
	CommitAfter   string         `json:"commit_after,omitempty"`
	FieldsChanged []string       `json:"fields_changed,omitempty"`
	Old           map[string]any `json:"old,omitempty"`
	New           map[string]any `json:"new,omitempty"`
}

// Compliance carries the PII-masking and retention metadata spec.md §6
// requires on every audit record.
type Compliance struct {
	PIIFields    []string `json:"pii_fields,omitempty"`
	GDPRRelevant bool     `json:"gdpr_relevant"`
	RetentionDays int     `json:"retention_days"`
}

// Event is the AuditEvent (v1) payload (spec.md §3), wrapped by the
// CloudEvents envelope fields the outbox stamps on delivery.
type Event struct {
	ID            string     `json:"id"`
	Action        string     `json:"action"`
	Actor         Actor      `json:"actor"`
	Target        Target     `json:"target"`
	Success       bool       `json:"success"`
	ErrorCode     string     `json:"error_code,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	Changes       Changes    `json:"changes"`
	Compliance    Compliance `json:"compliance"`
	RequestID     string     `json:"request_id"`
	CorrelationID string     `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Emitter is the C10 Audit Emitter.
type Emitter struct {
	outbox        *outbox.Outbox
	retentionDays int
	now           func() time.Time
}

// New constructs an Emitter delivering through ob, defaulting compliance
// retention to retentionDays (spec.md leaves the concrete value to the
// deployment; 0 falls back to 365).
func New(ob *outbox.Outbox, retentionDays int) *Emitter {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &Emitter{outbox: ob, retentionDays: retentionDays, now: time.Now}
}

// Record describes one mutation to audit. PIIFields names fields in Old
// and New that must be masked before emission.
type Record struct {
	Action        string
	Actor         author.UserContext
	Target        Target
	Success       bool
	ErrorCode     string
	DurationMS    *int64
	CommitBefore  string
	CommitAfter   string
	FieldsChanged []string
	Old           map[string]any
	New           map[string]any
	PIIFields     []string
	GDPRRelevant  bool
	RequestID     string
	CorrelationID string
	Metadata      map[string]any
}

// Emit builds an AuditEvent from r and writes it to the outbox within tx,
// co-transactional with the business write it audits. Per spec.md §4.10,
// a failure here MUST abort the business write — callers run Emit before
// committing tx.
func (e *Emitter) Emit(ctx context.Context, tx *sqlx.Tx, r Record) error {
	ts := e.now().UTC()

	old := maskPII(r.Old, r.PIIFields)
	new_ := maskPII(r.New, r.PIIFields)

	event := Event{
		Action: r.Action,
		Actor: Actor{
			ID: r.Actor.UserID, Username: r.Actor.Username, Roles: r.Actor.Roles,
			Tenant: r.Actor.Tenant, AuthMethod: r.Actor.AuthMethod,
		},
		Target:  r.Target,
		Success: r.Success, ErrorCode: r.ErrorCode, DurationMS: r.DurationMS,
		Changes: Changes{
			CommitBefore: r.CommitBefore, CommitAfter: r.CommitAfter,
			FieldsChanged: r.FieldsChanged, Old: old, New: new_,
		},
		Compliance: Compliance{
			PIIFields: r.PIIFields, GDPRRelevant: r.GDPRRelevant, RetentionDays: e.retentionDays,
		},
		RequestID: r.RequestID, CorrelationID: r.CorrelationID, Metadata: r.Metadata,
		Timestamp: ts,
	}

	id, err := commitLinkedID(r.Action, r.Target.ResourceType, r.Target.ResourceID, ts, r.CommitAfter)
	if err != nil {
		return omserrors.IntegrityError("audit: failed to derive audit id")
	}
	event.ID = id

	payload, err := json.Marshal(event)
	if err != nil {
		return omserrors.IntegrityError("audit: failed to marshal event")
	}

	envelope := outbox.NewEnvelope(EventType, 1, r.CommitAfter, r.CorrelationID, payload)
	envelope.Source = Source

	if err := e.outbox.Write(ctx, tx, r.Target.ResourceID, EventType, envelope); err != nil {
		return err
	}
	return nil
}

// commitLinkedID derives the deterministic audit id: the first 16 hex
// characters of sha256(action|resource_type|resource_id|ts|commit_after)
// (spec.md §3).
func commitLinkedID(action, resourceType, resourceID string, ts time.Time, commitAfter string) (string, error) {
	raw := action + "|" + resourceType + "|" + resourceID + "|" + ts.Format(time.RFC3339Nano) + "|" + commitAfter
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16], nil
}

// maskPII returns a copy of fields with every key named in piiFields
// replaced by the masked sentinel, leaving the input untouched.
func maskPII(fields map[string]any, piiFields []string) map[string]any {
	if fields == nil {
		return nil
	}
	masked := make(map[string]any, len(fields))
	isPII := make(map[string]bool, len(piiFields))
	for _, f := range piiFields {
		isPII[f] = true
	}
	for k, v := range fields {
		if isPII[k] {
			masked[k] = maskedValue
			continue
		}
		masked[k] = v
	}
	return masked
}
