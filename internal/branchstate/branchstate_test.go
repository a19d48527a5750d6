package branchstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_LazilyCreatesActive(t *testing.T) {
	s := NewStore()
	info, err := s.Get(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, Active, info.State)
	assert.Equal(t, 1, info.Version)
}

func TestCASUpdate_ValidTransition(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	info, _ := s.Get(ctx, "main")

	updated, err := s.CASUpdate(ctx, "main", info.Version, "alice", "indexing", "lock-1", func(i *Info) error {
		i.State = LockedForWrite
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, LockedForWrite, updated.State)
	assert.Equal(t, Active, updated.PrevState)
	assert.Equal(t, 2, updated.Version)
}

func TestCASUpdate_InvalidTransitionRejected(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	info, _ := s.Get(ctx, "main")

	_, err := s.CASUpdate(ctx, "main", info.Version, "alice", "bogus", "", func(i *Info) error {
		i.State = Merged
		return nil
	})
	require.Error(t, err)
}

func TestCASUpdate_StaleVersionConflict(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	info, _ := s.Get(ctx, "main")

	_, err := s.CASUpdate(ctx, "main", info.Version, "alice", "ok", "", func(i *Info) error {
		i.State = LockedForWrite
		return nil
	})
	require.NoError(t, err)

	_, err = s.CASUpdate(ctx, "main", info.Version, "bob", "stale", "", func(i *Info) error {
		i.State = Active
		return nil
	})
	require.Error(t, err)
}

func TestArchived_IsTerminal(t *testing.T) {
	assert.False(t, CanTransition(Archived, Active))
	assert.False(t, CanTransition(Archived, LockedForWrite))
}

func TestTransitions_Recorded(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	info, _ := s.Get(ctx, "main")
	_, err := s.CASUpdate(ctx, "main", info.Version, "alice", "indexing", "lock-1", func(i *Info) error {
		i.State = LockedForWrite
		return nil
	})
	require.NoError(t, err)

	log := s.Transitions(ctx, "main")
	require.Len(t, log, 1)
	assert.Equal(t, "lock-1", log[0].LockID)
}
