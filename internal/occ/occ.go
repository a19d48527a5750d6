// Package occ implements optimistic concurrency control over the
// version ledger: parent-commit validation, retry-on-conflict, and
// advisory locks reserved for structural operations, grounded in
// optimistic_lock.py's FoundryStyleLockManager.
package occ

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/oms-core/internal/author"
	"github.com/R3E-Network/oms-core/internal/canon"
	"github.com/R3E-Network/oms-core/internal/ledger"
	"github.com/R3E-Network/oms-core/internal/metrics"
	"github.com/R3E-Network/oms-core/internal/omserrors"
)

// ResourceVersion is the OCC ledger row (spec.md §3).
type ResourceVersion struct {
	ResourceType  string    `db:"resource_type"`
	ResourceID    string    `db:"resource_id"`
	Version       int       `db:"version"`
	ParentCommit  string    `db:"parent_commit"`
	CurrentCommit string    `db:"current_commit"`
	CreatedAt     time.Time `db:"created_at"`
	CreatedBy     string    `db:"created_by"`
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS resource_versions (
    id             BIGSERIAL PRIMARY KEY,
    resource_type  TEXT NOT NULL,
    resource_id    TEXT NOT NULL,
    version        INT NOT NULL,
    parent_commit  TEXT NOT NULL,
    current_commit TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_by     TEXT NOT NULL,
    UNIQUE (resource_type, resource_id, version)
);
CREATE INDEX IF NOT EXISTS idx_resource_versions_head
    ON resource_versions (resource_type, resource_id, version DESC);
`

// Schema returns the DDL this engine expects.
func Schema() string { return schemaSQL }

// Mutator transforms the current document into its next version. A
// Mutator is idempotent by convention unless the caller explicitly
// passes MaxRetries=0, since retries re-invoke it against a fresh read.
type Mutator func(current json.RawMessage) (json.RawMessage, error)

// UpdateResult is returned by Update.
type UpdateResult struct {
	NewCommit    string
	ParentCommit string
	Result       json.RawMessage
}

// Engine is the C5 OCC Engine.
type Engine struct {
	db      *sqlx.DB
	ledger  ledger.Port
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewEngine wires an Engine to its version-ledger database and the
// commit ledger port.
func NewEngine(db *sqlx.DB, l ledger.Port) *Engine {
	return &Engine{db: db, ledger: l, now: time.Now}
}

// WithMetrics attaches a collector set; conflicts are counted by resource
// type. Safe to call with nil, which disables metrics (the zero value).
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) head(ctx context.Context, resourceType, resourceID string) (*ResourceVersion, error) {
	var rv ResourceVersion
	err := e.db.GetContext(ctx, &rv, `
		SELECT resource_type, resource_id, version, parent_commit, current_commit, created_at, created_by
		FROM resource_versions
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version DESC LIMIT 1
	`, resourceType, resourceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	return &rv, nil
}

// Update validates parentCommit against the version ledger's HEAD (the
// source of truth, not the graph store), applies mutator, appends a branch
// commit and then a new version row, and retries on conflict up to
// maxRetries times by re-fetching HEAD and re-running mutator. The two
// writes do not share a transaction: if the version insert fails, the
// branch commit stays appended.
func (e *Engine) Update(ctx context.Context, branch, resourceType, resourceID, parentCommit string, mutator Mutator, userCtx author.UserContext, authorProvider *author.Provider, maxRetries int) (*UpdateResult, error) {
	attempt := 0
	currentParent := parentCommit

	for {
		select {
		case <-ctx.Done():
			return nil, omserrors.DeadlineExceeded()
		default:
		}

		head, err := e.head(ctx, resourceType, resourceID)
		if err != nil {
			return nil, err
		}

		var currentDoc json.RawMessage
		actual := ""
		nextVersion := 1
		if head != nil {
			actual = head.CurrentCommit
			nextVersion = head.Version + 1
			currentDoc, err = e.ledger.Read(ctx, branch, head.CurrentCommit, resourceID)
			if err != nil {
				return nil, err
			}
		}

		if actual != currentParent {
			if e.metrics != nil {
				e.metrics.OCCConflicts.WithLabelValues(resourceType).Inc()
			}
			if attempt >= maxRetries {
				return nil, omserrors.Conflict(resourceType, resourceID, currentParent, actual)
			}
			attempt++
			currentParent = actual
			continue
		}

		newDoc, err := mutator(currentDoc)
		if err != nil {
			return nil, err
		}

		newCommitHash, err := canon.CommitHash(newDoc, 12)
		if err != nil {
			return nil, omserrors.IntegrityError("occ: failed to canonicalize document")
		}

		authorStr, err := authorProvider.Secure(userCtx)
		if err != nil {
			return nil, err
		}

		ledgerParent, err := e.ledger.Head(ctx, branch)
		if err != nil {
			return nil, err
		}
		_, err = e.ledger.Append(ctx, branch, ledgerParent, authorStr, "occ update "+resourceType+"/"+resourceID, newDoc)
		if err != nil {
			return nil, err
		}

		_, err = e.db.ExecContext(ctx, `
			INSERT INTO resource_versions (resource_type, resource_id, version, parent_commit, current_commit, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, resourceType, resourceID, nextVersion, currentParent, newCommitHash, e.now().UTC(), authorStr)
		if err != nil {
			return nil, omserrors.StoreUnavailable(err)
		}

		return &UpdateResult{NewCommit: newCommitHash, ParentCommit: currentParent, Result: newDoc}, nil
	}
}

// AdvisoryLockKey derives the pg_advisory_xact_lock key for a structural
// operation scope tag and resource id, per optimistic_lock.py's
// calculate_resource_hash: the first 8 bytes of SHA-256 as a signed
// int64.
func AdvisoryLockKey(scopeTag, resourceID string) int64 {
	sum := sha256.Sum256([]byte(scopeTag + "|" + resourceID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// WithAdvisoryLock runs fn while holding a transaction-scoped Postgres
// advisory lock keyed by AdvisoryLockKey(scopeTag, resourceID). Reserved
// for structural operations (branch create/delete/merge, schema-wide
// migrations, index rebuilds); ordinary document updates MUST NOT use
// this — they rely on OCC conflict detection instead.
func (e *Engine) WithAdvisoryLock(ctx context.Context, scopeTag, resourceID string, fn func(tx *sqlx.Tx) error) error {
	key := AdvisoryLockKey(scopeTag, resourceID)

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return omserrors.StoreUnavailable(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op if already committed

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return omserrors.StoreUnavailable(err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return omserrors.StoreUnavailable(err)
	}
	return nil
}
