// Package ledger defines the commit ledger port: the abstract boundary
// between the concurrency spine and the content-addressed graph store.
// The store itself is an external collaborator; this package only owns
// the contract and a Postgres-backed adapter for the commit log rows
// this spine needs to reason about (parent chains, HEAD lookups).
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/oms-core/internal/canon"
	"github.com/R3E-Network/oms-core/internal/omserrors"
)

// Commit is an immutable, append-only entry in a branch's commit chain.
type Commit struct {
	ID      string          `db:"id" json:"id"`
	Parent  *string         `db:"parent" json:"parent,omitempty"`
	Author  string          `db:"author" json:"author"`
	Message string          `db:"message" json:"message"`
	Time    time.Time       `db:"created_at" json:"time"`
	Branch  string          `db:"branch" json:"branch"`
	Docs    json.RawMessage `db:"docs_delta" json:"docs_delta"`
}

// Health reports the ledger port's connectivity state.
type Health struct {
	OK     bool
	Reason string
}

// Port is the whole surface C1 exposes to the rest of the spine. It is a
// pure I/O boundary: no business rules live here.
type Port interface {
	// Read fetches the document identified by docID as of commit (or
	// branch HEAD if commit is empty).
	Read(ctx context.Context, branch, commit, docID string) (json.RawMessage, error)
	// Append atomically writes a new commit and its delta rows. It fails
	// with omserrors.CodeConflict if branch HEAD != parent.
	Append(ctx context.Context, branch string, parent *string, author, message string, docsDelta json.RawMessage) (*Commit, error)
	// Log returns up to limit commits on branch, optionally before a
	// given commit id, most recent first.
	Log(ctx context.Context, branch string, limit int, before string) ([]Commit, error)
	// Head returns the commit id at branch's HEAD, or nil for an empty
	// branch. Callers that need to pass a parent to Append must read it
	// from here, not from any resource-level commit id.
	Head(ctx context.Context, branch string) (*string, error)
	// Reset moves a branch's HEAD to targetCommit, recording a
	// compensating commit. Callers MUST hold a BRANCH-scope lock.
	Reset(ctx context.Context, branch, targetCommit, author, reason string) (*Commit, error)
	HealthCheck(ctx context.Context) Health
}

// PostgresLedger is the Postgres-backed adapter for Port, storing commits
// in an append-only `commits` table keyed by branch lineage.
type PostgresLedger struct {
	db *sqlx.DB
}

// NewPostgresLedger wraps an open *sqlx.DB as a Port.
func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS commits (
    id          TEXT PRIMARY KEY,
    parent      TEXT REFERENCES commits(id),
    branch      TEXT NOT NULL,
    author      TEXT NOT NULL,
    message     TEXT NOT NULL,
    docs_delta  JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(branch, created_at DESC);
`

// Schema returns the DDL this adapter expects; callers run it at startup
// migration time.
func Schema() string { return schemaSQL }

func (l *PostgresLedger) headOf(ctx context.Context, branch string) (*string, error) {
	var id *string
	err := l.db.GetContext(ctx, &id, `
		SELECT id FROM commits WHERE branch = $1 ORDER BY created_at DESC LIMIT 1
	`, branch)
	if err == sql.ErrNoRows {
		return nil, nil // empty branch, not an error
	}
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Read returns the whole docs_delta of the given commit, or of the
// branch's latest commit when commit is empty. It does not look inside the
// delta for docID: docID only names the document in the NotFound error.
func (l *PostgresLedger) Read(ctx context.Context, branch, commit, docID string) (json.RawMessage, error) {
	query := `SELECT docs_delta FROM commits WHERE branch = $1`
	args := []any{branch}
	if commit != "" {
		query += ` AND id = $2`
		args = append(args, commit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT 1`
	}

	var docs json.RawMessage
	if err := l.db.GetContext(ctx, &docs, query, args...); err != nil {
		return nil, omserrors.NotFound("document " + docID)
	}
	return docs, nil
}

// Append inserts a new commit row, enforcing parent == current HEAD.
func (l *PostgresLedger) Append(ctx context.Context, branch string, parent *string, author, message string, docsDelta json.RawMessage) (*Commit, error) {
	head, err := l.headOf(ctx, branch)
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}

	if !sameParent(head, parent) {
		expected := ""
		if parent != nil {
			expected = *parent
		}
		actual := ""
		if head != nil {
			actual = *head
		}
		return nil, omserrors.Conflict("branch", branch, expected, actual)
	}

	id, err := contentHash(branch, author, message, docsDelta)
	if err != nil {
		return nil, omserrors.IntegrityError("ledger: failed to hash commit content")
	}
	c := &Commit{ID: id, Parent: parent, Author: author, Message: message, Branch: branch, Docs: docsDelta, Time: time.Now().UTC()}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO commits (id, parent, branch, author, message, docs_delta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Parent, c.Branch, c.Author, c.Message, []byte(c.Docs), c.Time)
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}

	return c, nil
}

// Head returns branch's current HEAD commit id, or nil if the branch has
// no commits yet.
func (l *PostgresLedger) Head(ctx context.Context, branch string) (*string, error) {
	return l.headOf(ctx, branch)
}

// Log returns the most recent commits on branch.
func (l *PostgresLedger) Log(ctx context.Context, branch string, limit int, before string) ([]Commit, error) {
	query := `SELECT id, parent, author, message, branch, docs_delta, created_at FROM commits WHERE branch = $1`
	args := []any{branch}
	if before != "" {
		query += ` AND created_at < (SELECT created_at FROM commits WHERE id = $2)`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + limitClause(limit)

	var commits []Commit
	if err := l.db.SelectContext(ctx, &commits, query, args...); err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	return commits, nil
}

// Reset appends a compensating commit moving HEAD to targetCommit.
func (l *PostgresLedger) Reset(ctx context.Context, branch, targetCommit, author, reason string) (*Commit, error) {
	head, err := l.headOf(ctx, branch)
	if err != nil {
		return nil, omserrors.StoreUnavailable(err)
	}
	var target json.RawMessage
	if err := l.db.GetContext(ctx, &target, `SELECT docs_delta FROM commits WHERE id = $1`, targetCommit); err != nil {
		return nil, omserrors.NotFound("commit " + targetCommit)
	}
	return l.Append(ctx, branch, head, author, "reset: "+reason, target)
}

// HealthCheck pings the underlying database.
func (l *PostgresLedger) HealthCheck(ctx context.Context) Health {
	if err := l.db.PingContext(ctx); err != nil {
		return Health{OK: false, Reason: err.Error()}
	}
	return Health{OK: true}
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func limitClause(limit int) string {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return strconv.Itoa(limit)
}

// contentHash derives a commit id as the first 12 hex characters of the
// SHA-256 over the commit's canonical content plus a nanosecond time
// nonce, so two commits with the same content get different ids.
func contentHash(branch, author, message string, docsDelta json.RawMessage) (string, error) {
	var docs any
	if len(docsDelta) > 0 {
		if err := json.Unmarshal(docsDelta, &docs); err != nil {
			return "", err
		}
	}
	return canon.CommitHash(map[string]any{
		"branch":  branch,
		"author":  author,
		"message": message,
		"docs":    docs,
		"nonce":   time.Now().UnixNano(),
	}, 12)
}
