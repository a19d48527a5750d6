// Package lockmanager implements the multi-scope distributed lock
// manager: conflict-checked acquire/release, TTL+heartbeat expiry, and
// deadlock detection over an in-process wait-for graph, modeled on the
// ledger's lock_monitor.py and the service layer's CAS-based state
// store for the cross-process synchronization point.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/oms-core/internal/branchstate"
	"github.com/R3E-Network/oms-core/internal/metrics"
	"github.com/R3E-Network/oms-core/internal/omserrors"
	"github.com/R3E-Network/oms-core/internal/omslog"
)

// Type is the purpose of a lock, used to decide release-state rollback.
type Type string

const (
	TypeIndexing    Type = "INDEXING"
	TypeMigration   Type = "MIGRATION"
	TypeBackup      Type = "BACKUP"
	TypeMaintenance Type = "MAINTENANCE"
	TypeManual      Type = "MANUAL"
)

// Scope is the granularity a lock is held at.
type Scope string

const (
	ScopeBranch       Scope = "BRANCH"
	ScopeResourceType Scope = "RESOURCE_TYPE"
	ScopeResource     Scope = "RESOURCE"
)

// ReleaseReason records why a lock stopped being active.
type ReleaseReason string

const (
	ReasonExplicit       ReleaseReason = "explicit"
	ReasonAutoExpired    ReleaseReason = "auto_expired"
	ReasonHeartbeatLost  ReleaseReason = "heartbeat_lost"
	ReasonDeadlockVictim ReleaseReason = "deadlock_victim"
)

// Lock is a BranchLock row (spec.md §3).
type Lock struct {
	ID              string
	Branch          string
	Type            Type
	Scope           Scope
	ResourceType    string
	ResourceID      string
	LockedBy        string
	LockedAt        time.Time
	ExpiresAt       time.Time
	Reason          string
	HeartbeatInterval time.Duration
	LastHeartbeat   time.Time
	HeartbeatSource string
	AutoRelease     bool
	Active          bool
}

func (l *Lock) expiredByTTL(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

func (l *Lock) expiredByHeartbeat(now time.Time, graceMultiplier int) bool {
	if l.HeartbeatInterval <= 0 {
		return false
	}
	grace := time.Duration(graceMultiplier) * l.HeartbeatInterval
	return now.After(l.LastHeartbeat.Add(grace))
}

func (l *Lock) expired(now time.Time, graceMultiplier int) bool {
	return l.expiredByTTL(now) || l.expiredByHeartbeat(now, graceMultiplier)
}

// conflicts reports whether a and b contend per the symmetric predicate
// of spec.md §3. Locks on different branches never conflict.
func conflicts(a, b *Lock) bool {
	if a.Branch != b.Branch {
		return false
	}
	if a.Scope == ScopeBranch || b.Scope == ScopeBranch {
		return true
	}
	if a.Scope == ScopeResourceType && b.Scope == ScopeResourceType {
		return a.ResourceType == b.ResourceType
	}
	if a.Scope == ScopeResourceType && b.Scope == ScopeResource {
		return a.ResourceType == b.ResourceType
	}
	if a.Scope == ScopeResource && b.Scope == ScopeResourceType {
		return a.ResourceType == b.ResourceType
	}
	// both RESOURCE
	return a.ResourceType == b.ResourceType && a.ResourceID == b.ResourceID
}

// AcquireRequest mirrors spec.md §4.4's req shape.
type AcquireRequest struct {
	Branch              string
	Type                Type
	Scope               Scope
	ResourceType        string
	ResourceID          string
	LockedBy            string
	Reason              string
	TTL                 time.Duration
	HeartbeatInterval   time.Duration
	AutoRelease         bool
}

const defaultTTL = time.Hour

// Config controls sweeper cadence and heartbeat grace.
type Config struct {
	SweepInterval            time.Duration
	HeartbeatGraceMultiplier int
	AcquireTimeout           time.Duration
}

// DefaultConfig mirrors spec.md §4.4/§5 defaults.
func DefaultConfig() Config {
	return Config{SweepInterval: 10 * time.Second, HeartbeatGraceMultiplier: 3, AcquireTimeout: 30 * time.Second}
}

// Manager is the C4 Lock Manager.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*Lock
	waits  *waitForGraph
	states *branchstate.Store
	cfg     Config
	log     *omslog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewManager constructs a Manager backed by a branch state store.
func NewManager(states *branchstate.Store, cfg Config, log *omslog.Logger) *Manager {
	return &Manager{
		locks:  make(map[string]*Lock),
		waits:  newWaitForGraph(),
		states: states,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// WithMetrics attaches a collector set recording acquisitions (by scope,
// type, result) and wait latency. Safe to call with nil.
func (m *Manager) WithMetrics(mx *metrics.Metrics) *Manager {
	m.metrics = mx
	return m
}

// Acquire attempts to take a new lock, failing with LockConflict if any
// active non-expired lock contends, or InvalidScope for a malformed
// RESOURCE-scope request.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Lock, error) {
	if req.Scope == ScopeResource && (req.ResourceType == "" || req.ResourceID == "") {
		return nil, omserrors.InvalidScope()
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	candidate := &Lock{
		ID: uuid.NewString(), Branch: req.Branch, Type: req.Type, Scope: req.Scope,
		ResourceType: req.ResourceType, ResourceID: req.ResourceID, LockedBy: req.LockedBy,
		LockedAt: m.now(), ExpiresAt: m.now().Add(ttl), Reason: req.Reason,
		HeartbeatInterval: req.HeartbeatInterval, LastHeartbeat: m.now(),
		HeartbeatSource: req.LockedBy, AutoRelease: req.AutoRelease, Active: true,
	}

	m.mu.Lock()
	holders := m.activeConflictsLocked(candidate)
	if len(holders) > 0 {
		m.mu.Unlock()
		m.recordAcquisition(req, "conflict")
		return nil, omserrors.LockConflict(holders)
	}
	m.locks[candidate.ID] = candidate
	m.mu.Unlock()

	if req.Scope == ScopeBranch {
		if err := m.transitionOnAcquire(ctx, req.Branch, candidate.ID, req.LockedBy); err != nil {
			m.mu.Lock()
			delete(m.locks, candidate.ID)
			m.mu.Unlock()
			m.recordAcquisition(req, "error")
			return nil, err
		}
	}

	m.recordAcquisition(req, "acquired")
	return candidate, nil
}

func (m *Manager) recordAcquisition(req AcquireRequest, result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockAcquisitions.WithLabelValues(string(req.Scope), string(req.Type), result).Inc()
}

func (m *Manager) activeConflictsLocked(candidate *Lock) []string {
	now := m.now()
	var holders []string
	for _, l := range m.locks {
		if !l.Active || l.expired(now, m.cfg.HeartbeatGraceMultiplier) {
			continue
		}
		if conflicts(l, candidate) {
			holders = append(holders, l.ID)
		}
	}
	return holders
}

func (m *Manager) transitionOnAcquire(ctx context.Context, branch, lockID, by string) error {
	info, err := m.states.Get(ctx, branch)
	if err != nil {
		return err
	}
	if info.State != branchstate.Active && info.State != branchstate.Ready {
		return nil
	}
	_, err = m.states.CASUpdate(ctx, branch, info.Version, by, "branch lock acquired", lockID, func(i *branchstate.Info) error {
		i.State = branchstate.LockedForWrite
		i.ActiveLocks = append(i.ActiveLocks, lockID)
		return nil
	})
	return err
}

// Release releases a lock held by releasedBy, rolling back any
// branch-state transition caused by Acquire if this was the last active
// BRANCH-scope lock.
func (m *Manager) Release(ctx context.Context, lockID, releasedBy string) error {
	m.mu.Lock()
	l, ok := m.locks[lockID]
	if !ok {
		m.mu.Unlock()
		return omserrors.NotFound("lock " + lockID)
	}
	if !l.Active {
		m.mu.Unlock()
		return omserrors.NotFound("lock " + lockID)
	}
	if l.LockedBy != releasedBy {
		m.mu.Unlock()
		return omserrors.NotOwner()
	}
	l.Active = false
	branch, scope, typ := l.Branch, l.Scope, l.Type
	m.mu.Unlock()

	return m.rollbackIfLastBranchLock(ctx, branch, scope, typ, releasedBy, ReasonExplicit)
}

func (m *Manager) rollbackIfLastBranchLock(ctx context.Context, branch string, scope Scope, typ Type, by string, reason ReleaseReason) error {
	if scope != ScopeBranch {
		return nil
	}
	if m.hasActiveBranchLock(branch) {
		return nil
	}

	target := branchstate.Active
	if typ == TypeIndexing {
		target = branchstate.Ready
	}

	info, err := m.states.Get(ctx, branch)
	if err != nil {
		return err
	}
	if info.State != branchstate.LockedForWrite {
		return nil
	}
	_, err = m.states.CASUpdate(ctx, branch, info.Version, by, string(reason), "", func(i *branchstate.Info) error {
		i.State = target
		i.ActiveLocks = nil
		return nil
	})
	return err
}

func (m *Manager) hasActiveBranchLock(branch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, l := range m.locks {
		if l.Branch == branch && l.Scope == ScopeBranch && l.Active && !l.expired(now, m.cfg.HeartbeatGraceMultiplier) {
			return true
		}
	}
	return false
}

// Heartbeat refreshes a lock's liveness signal.
func (m *Manager) Heartbeat(ctx context.Context, lockID, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockID]
	if !ok {
		return omserrors.NotFound("lock " + lockID)
	}
	if l.expired(m.now(), m.cfg.HeartbeatGraceMultiplier) {
		return omserrors.Expired()
	}
	if l.HeartbeatSource != source {
		return omserrors.NotOwner()
	}
	l.LastHeartbeat = m.now()
	return nil
}

// LockForIndexing acquires either a single BRANCH lock or one
// RESOURCE_TYPE lock per type, per spec.md §4.4.
func (m *Manager) LockForIndexing(ctx context.Context, branch, lockedBy string, resourceTypes []string, forceBranchLock bool) ([]string, error) {
	if forceBranchLock || len(resourceTypes) == 0 {
		l, err := m.Acquire(ctx, AcquireRequest{
			Branch: branch, Type: TypeIndexing, Scope: ScopeBranch, LockedBy: lockedBy,
			Reason: "indexing", AutoRelease: true,
		})
		if err != nil {
			return nil, err
		}
		return []string{l.ID}, nil
	}

	var ids []string
	for _, rt := range resourceTypes {
		l, err := m.Acquire(ctx, AcquireRequest{
			Branch: branch, Type: TypeIndexing, Scope: ScopeResourceType, ResourceType: rt,
			LockedBy: lockedBy, Reason: "indexing", AutoRelease: true,
		})
		if err != nil {
			for _, acquired := range ids {
				_ = m.Release(ctx, acquired, lockedBy)
			}
			return nil, err
		}
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// CompleteIndexing releases the INDEXING locks matching resourceTypes (or
// all INDEXING locks on branch if empty), transitioning to READY once
// none remain and branch is LOCKED_FOR_WRITE.
func (m *Manager) CompleteIndexing(ctx context.Context, branch, completedBy string, resourceTypes []string) error {
	rtSet := make(map[string]bool, len(resourceTypes))
	for _, rt := range resourceTypes {
		rtSet[rt] = true
	}

	m.mu.Lock()
	var toRelease []*Lock
	for _, l := range m.locks {
		if l.Branch != branch || l.Type != TypeIndexing || !l.Active {
			continue
		}
		if len(rtSet) == 0 || rtSet[l.ResourceType] {
			toRelease = append(toRelease, l)
		}
	}
	for _, l := range toRelease {
		l.Active = false
	}
	m.mu.Unlock()

	if len(toRelease) == 0 {
		return nil
	}

	if m.hasActiveIndexingLock(branch) {
		return nil
	}

	info, err := m.states.Get(ctx, branch)
	if err != nil {
		return err
	}
	if info.State != branchstate.LockedForWrite {
		return nil
	}
	_, err = m.states.CASUpdate(ctx, branch, info.Version, completedBy, "indexing complete", "", func(i *branchstate.Info) error {
		i.State = branchstate.Ready
		i.ActiveLocks = nil
		return nil
	})
	return err
}

func (m *Manager) hasActiveIndexingLock(branch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, l := range m.locks {
		if l.Branch == branch && l.Type == TypeIndexing && l.Active && !l.expired(now, m.cfg.HeartbeatGraceMultiplier) {
			return true
		}
	}
	return false
}
