// Package branchstate persists BranchStateInfo rows and enforces the
// branch state machine's transition table under optimistic versioning,
// modeled on the service layer's CAS-based PersistentState store.
package branchstate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/oms-core/internal/omserrors"
)

// State is one of the fixed branch lifecycle states.
type State string

const (
	Active         State = "ACTIVE"
	LockedForWrite State = "LOCKED_FOR_WRITE"
	Ready          State = "READY"
	Merged         State = "MERGED"
	Failed         State = "FAILED"
	Archived       State = "ARCHIVED"
	Error          State = "ERROR"
)

// allowedTransitions is the fixed table from spec.md §3. ARCHIVED is
// terminal; absence of a source key means no outbound transitions.
var allowedTransitions = map[State]map[State]bool{
	Active:         {LockedForWrite: true, Archived: true, Error: true},
	LockedForWrite: {Ready: true, Active: true, Error: true},
	Ready:          {Active: true, Archived: true},
	Error:          {Active: true, LockedForWrite: true},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return allowedTransitions[from][to]
}

// Info is the persisted branch state row.
type Info struct {
	Branch               string
	State                State
	PrevState            State
	ChangedAt            time.Time
	ChangedBy            string
	Reason               string
	ActiveLocks          []string
	IndexingStartedAt    *time.Time
	IndexingCompletedAt  *time.Time
	AutoMergeEnabled     bool
	Version              int
}

// Transition is one recorded row in the transition log.
type Transition struct {
	Branch    string
	From      State
	To        State
	At        time.Time
	By        string
	Reason    string
	LockID    string
}

// Mutator transforms the current Info into its post-transition shape. It
// must set info.State to the desired target state; Store validates the
// transition before committing the write.
type Mutator func(info *Info) error

// Store is the C3 Branch State Store: an in-process, mutex-guarded,
// optimistically versioned map of branch -> Info, plus a transition log.
// Swappable for a Postgres-backed implementation behind the same
// interface; the in-memory form is sufficient for the spine's own
// correctness guarantees since the cross-process synchronization point
// is CASUpdate, not the storage medium.
type Store struct {
	mu          sync.Mutex
	branches    map[string]*Info
	transitions []Transition
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{branches: make(map[string]*Info)}
}

// Get lazily creates an ACTIVE state with version=1 if the branch is
// unseen, mirroring spec.md §4.3.
func (s *Store) Get(ctx context.Context, branch string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(branch), nil
}

func (s *Store) getLocked(branch string) *Info {
	if info, ok := s.branches[branch]; ok {
		return copyInfo(info)
	}
	info := &Info{Branch: branch, State: Active, ChangedAt: time.Now().UTC(), Version: 1}
	s.branches[branch] = info
	return copyInfo(info)
}

// CASUpdate is the only mutator: it applies mutator to a copy of the
// current state, validates the resulting transition, and commits only if
// expectedVersion still matches. lockID, if non-empty, is recorded on the
// transition log entry.
func (s *Store) CASUpdate(ctx context.Context, branch string, expectedVersion int, by, reason, lockID string, mutator Mutator) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getLocked(branch)
	if current.Version != expectedVersion {
		return nil, omserrors.Conflict("branch_state", branch, strconv.Itoa(expectedVersion), strconv.Itoa(current.Version))
	}

	next := copyInfo(current)
	if err := mutator(next); err != nil {
		return nil, err
	}

	if next.State != current.State && !CanTransition(current.State, next.State) {
		return nil, omserrors.InvalidTransition(string(current.State), string(next.State))
	}

	next.PrevState = current.State
	next.ChangedAt = time.Now().UTC()
	next.ChangedBy = by
	next.Reason = reason
	next.Version = current.Version + 1

	s.branches[branch] = next
	if next.State != current.State {
		s.transitions = append(s.transitions, Transition{
			Branch: branch, From: current.State, To: next.State,
			At: next.ChangedAt, By: by, Reason: reason, LockID: lockID,
		})
	}

	return copyInfo(next), nil
}

// Transitions returns the recorded transition log for a branch, oldest
// first.
func (s *Store) Transitions(ctx context.Context, branch string) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transition
	for _, t := range s.transitions {
		if t.Branch == branch {
			out = append(out, t)
		}
	}
	return out
}

func copyInfo(i *Info) *Info {
	c := *i
	c.ActiveLocks = append([]string(nil), i.ActiveLocks...)
	return &c
}
