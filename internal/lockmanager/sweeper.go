package lockmanager

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the periodic TTL/heartbeat expiry tick and deadlock
// detection pass on cron/v3's scheduler, matching the teacher's
// background-job convention used for its own recurring maintenance jobs.
type Sweeper struct {
	mgr    *Manager
	cron   *cron.Cron
	entryID cron.EntryID
}

// NewSweeper wires a Sweeper to mgr using mgr's configured SweepInterval.
func NewSweeper(mgr *Manager) *Sweeper {
	return &Sweeper{mgr: mgr, cron: cron.New()}
}

// Start begins the periodic sweep. It returns an error only if the cron
// spec is malformed, which does not happen for the fixed interval used
// here.
func (s *Sweeper) Start() error {
	spec := "@every " + s.mgr.cfg.SweepInterval.String()
	id, err := s.cron.AddFunc(spec, func() {
		s.mgr.sweepOnce(context.Background())
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the sweeper and waits for any in-flight tick to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweepOnce expires dead locks and runs one deadlock-detection pass.
// Defined as a method on Manager so tests can drive it without a timer.
func (m *Manager) sweepOnce(ctx context.Context) {
	m.expireDeadLocks(ctx)
	m.detectAndResolveDeadlocks(ctx)
}

func (m *Manager) expireDeadLocks(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []*Lock
	for _, l := range m.locks {
		if !l.Active {
			continue
		}
		if l.expiredByTTL(now) || l.expiredByHeartbeat(now, m.cfg.HeartbeatGraceMultiplier) {
			l.Active = false
			expired = append(expired, l)
		}
	}
	m.mu.Unlock()

	for _, l := range expired {
		reason := ReasonAutoExpired
		if !l.expiredByTTL(now) {
			reason = ReasonHeartbeatLost
		}
		if m.log != nil {
			m.log.WithField("lock_id", l.ID).WithField("reason", reason).Warn("lock expired")
		}
		_ = m.rollbackIfLastBranchLock(ctx, l.Branch, l.Scope, l.Type, l.LockedBy, reason)
	}
}
