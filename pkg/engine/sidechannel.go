package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/commands"
	"github.com/quailmail/quail/pkg/reliability"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
)

// sideChannel opportunistically runs hot queued operations on their own
// connections so a long-running background sync never blocks a waiting user.
// Each run opens a fresh session, executes one operation, and closes it.
type sideChannel struct {
	// envBase is a construction-time snapshot; the primary loop's env may be
	// updated concurrently and is never read from side goroutines.
	envBase    commands.Env
	newSession func() session.Session
	sem        *semaphore.Weighted
	// breaker stops the side channel from hammering a server that rejects
	// its extra connections; the primary connection is not subject to it.
	breaker *reliability.Breaker
	notify  func()
	active  atomic.Int32
}

func newSideChannel(env *commands.Env, factory func() session.Session, limit int64, notify func()) *sideChannel {
	return &sideChannel{
		envBase:    *env,
		newSession: factory,
		sem:        semaphore.NewWeighted(limit),
		breaker:    reliability.NewBreaker(4, 30*time.Second),
		notify:     notify,
	}
}

func (s *sideChannel) running() int { return int(s.active.Load()) }

// maybeLaunch starts one side run when the link is healthy, a slot is free,
// and a hot operation is queued. excludeFolder is the folder the primary
// machine is syncing; operations against it stay on the primary path.
func (s *sideChannel) maybeLaunch(ctx context.Context, excludeFolder string) bool {
	if s.envBase.Comm.Quality() != comm.QualityOK || s.envBase.Comm.Speed() == comm.SpeedCellSlow {
		return false
	}
	if s.breaker.Allow() != nil {
		return false
	}
	if !s.sem.TryAcquire(1) {
		return false
	}
	op, err := s.envBase.Store.NextEligible(ctx, s.envBase.Account.ID, true)
	if err != nil || op == nil ||
		op.Kind == store.PendingSync || op.FolderServerID == excludeFolder {
		s.sem.Release(1)
		return false
	}
	if err := s.envBase.Store.Dispatch(ctx, op); err != nil {
		// Raced with the primary pick; not an error.
		s.sem.Release(1)
		return false
	}

	s.active.Add(1)
	go s.run(ctx, op)
	return true
}

func (s *sideChannel) run(ctx context.Context, op *store.PendingOp) {
	defer func() {
		s.active.Add(-1)
		s.sem.Release(1)
		if s.notify != nil {
			s.notify()
		}
	}()

	log := s.envBase.Log.With().Str("component", "side-channel").Str("token", op.Token).Logger()
	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	sess := s.newSession()
	defer sess.Close()
	if err := sess.Connect(cctx); err != nil {
		s.breaker.Record(err)
		s.requeue(op, "side connect failed")
		log.Warn().Err(err).Msg("side connect failed")
		return
	}
	if err := sess.Authenticate(cctx); err != nil {
		s.breaker.Record(err)
		s.requeue(op, "side auth failed")
		log.Warn().Err(err).Msg("side auth failed")
		return
	}
	s.breaker.Record(nil)

	env := s.envBase
	env.Session = sess
	env.Log = log
	out := commands.NewQOp(&env, op).Execute(cctx)
	if cctx.Err() != nil && op.State == store.StateDispatched {
		s.requeue(op, "cancelled")
		return
	}
	log.Debug().Stringer("outcome", out.Kind).Str("kind", string(op.Kind)).Msg("side run done")
}

// requeue defers an operation the side run could not complete so the primary
// machine retries it.
func (s *sideChannel) requeue(op *store.PendingOp, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.envBase.Store.Defer(ctx, op, reason, time.Now().Add(30*time.Second))
	if err != nil && !errors.Is(err, store.ErrStale) {
		s.envBase.Log.Warn().Err(err).Str("token", op.Token).Msg("requeueing side op")
	}
}
