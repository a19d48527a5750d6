package lockmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/oms-core/internal/branchstate"
	"github.com/R3E-Network/oms-core/internal/omserrors"
)

func newTestManager() *Manager {
	return NewManager(branchstate.NewStore(), DefaultConfig(), nil)
}

func TestAcquire_BranchLockTransitionsState(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeIndexing, Scope: ScopeBranch, LockedBy: "worker-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)

	info, err := m.states.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, branchstate.LockedForWrite, info.State)
}

func TestAcquire_ConflictingBranchLockFails(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeIndexing, Scope: ScopeBranch, LockedBy: "worker-1"})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeManual, Scope: ScopeResourceType, ResourceType: "object_type", LockedBy: "worker-2"})
	require.Error(t, err)
	e, ok := omserrors.As(err)
	require.True(t, ok)
	assert.Equal(t, omserrors.CodeLockConflict, e.Code)
}

func TestAcquire_ResourceTypeLocksAreIndependentAcrossTypes(t *testing.T) {
	// Mirrors spec.md S2: object_type/link_type INDEXING locks plus an
	// independent action_type MANUAL lock all coexist.
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, AcquireRequest{Branch: "feature-analytics", Type: TypeIndexing, Scope: ScopeResourceType, ResourceType: "object_type", LockedBy: "worker"})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, AcquireRequest{Branch: "feature-analytics", Type: TypeIndexing, Scope: ScopeResourceType, ResourceType: "link_type", LockedBy: "worker"})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, AcquireRequest{Branch: "feature-analytics", Type: TypeManual, Scope: ScopeResourceType, ResourceType: "action_type", LockedBy: "dev"})
	require.NoError(t, err)

	info, err := m.states.Get(ctx, "feature-analytics")
	require.NoError(t, err)
	assert.Equal(t, branchstate.Active, info.State)
}

func TestInvalidScope_MissingResourceFields(t *testing.T) {
	m := newTestManager()
	_, err := m.Acquire(context.Background(), AcquireRequest{Branch: "main", Scope: ScopeResource, LockedBy: "worker"})
	require.Error(t, err)
}

func TestRelease_RollsBackToReadyForIndexing(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeIndexing, Scope: ScopeBranch, LockedBy: "worker"})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, l.ID, "worker"))

	info, err := m.states.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, branchstate.Ready, info.State)
}

func TestRelease_NotOwnerRejected(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeManual, Scope: ScopeBranch, LockedBy: "worker"})
	require.NoError(t, err)

	err = m.Release(ctx, l.ID, "someone-else")
	require.Error(t, err)
	e, ok := omserrors.As(err)
	require.True(t, ok)
	assert.Equal(t, omserrors.CodeNotOwner, e.Code)
}

func TestHeartbeat_WrongSourceRejected(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeManual, Scope: ScopeBranch, LockedBy: "worker", HeartbeatInterval: time.Second})
	require.NoError(t, err)

	err = m.Heartbeat(ctx, l.ID, "impostor")
	require.Error(t, err)
}

func TestSweep_ExpiresTTLAndRollsBackState(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeIndexing, Scope: ScopeBranch, LockedBy: "worker", TTL: time.Millisecond})
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	m.sweepOnce(ctx)

	m.mu.Lock()
	active := m.locks[l.ID].Active
	m.mu.Unlock()
	assert.False(t, active)

	info, err := m.states.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, branchstate.Ready, info.State)
}

func TestLockForIndexing_ForceBranchLock(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	ids, err := m.LockForIndexing(ctx, "main", "worker", nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestLockForIndexing_PerResourceType(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	ids, err := m.LockForIndexing(ctx, "main", "worker", []string{"object_type", "link_type"}, false)
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestCompleteIndexing_ResourceTypeLocksLeaveBranchActive(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	ids, err := m.LockForIndexing(ctx, "main", "worker", []string{"object_type", "link_type"}, false)
	require.NoError(t, err)
	_ = ids

	require.NoError(t, m.CompleteIndexing(ctx, "main", "worker", []string{"object_type"}))
	info, err := m.states.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, branchstate.Active, info.State)

	require.NoError(t, m.CompleteIndexing(ctx, "main", "worker", []string{"link_type"}))
	info, err = m.states.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, branchstate.Active, info.State)
}

func TestDeadlockDetection_ReleasesYoungestVictim(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	older := &Lock{ID: "lock-a", Branch: "main", Scope: ScopeBranch, LockedBy: "a", Active: true, LockedAt: time.Now().Add(-time.Minute), ExpiresAt: time.Now().Add(time.Hour)}
	younger := &Lock{ID: "lock-b", Branch: "other", Scope: ScopeBranch, LockedBy: "b", Active: true, LockedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	m.mu.Lock()
	m.locks[older.ID] = older
	m.locks[younger.ID] = younger
	m.mu.Unlock()

	m.RecordWait("lock-a", []string{"lock-b"})
	m.RecordWait("lock-b", []string{"lock-a"})

	m.detectAndResolveDeadlocks(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.False(t, m.locks["lock-b"].Active)
	assert.True(t, m.locks["lock-a"].Active)
}

func TestDiagnose_ReportsActiveLocks(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, AcquireRequest{Branch: "main", Type: TypeManual, Scope: ScopeBranch, LockedBy: "worker"})
	require.NoError(t, err)

	d := m.Diagnose("main", "", "")
	assert.Equal(t, "locked", d.Status)
	assert.Len(t, d.ActiveLocks, 1)
}
