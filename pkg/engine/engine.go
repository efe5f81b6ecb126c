package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/commands"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
	"github.com/quailmail/quail/pkg/strategy"
)

// discoveryMaxRetries bounds in-place discovery/connect retries before the
// engine gives up and asks for a fresh server configuration.
const discoveryMaxRetries = 5

// event is one state-machine input. gen is zero for external signals;
// command completions carry the generation they were launched under so
// completions of cancelled commands are dropped.
type event struct {
	kind EventKind
	gen  uint64
}

// Engine is the protocol-control state machine for one account. All state
// transitions happen on the Run goroutine; other goroutines interact only by
// posting events.
type Engine struct {
	env   *commands.Env
	table map[State]map[EventKind]transition
	log   zerolog.Logger
	side  *sideChannel

	events chan event
	runCtx context.Context

	// Run-goroutine-owned.
	state       State
	prePark     State
	gen         uint64
	cancelCmd   context.CancelFunc
	connRetries int
	syncFolder  string

	// Visible to the watchdog.
	visState     atomic.Int32
	lastActivity atomic.Int64
	parkedByComm atomic.Bool
	parkedAt     atomic.Int64
}

// New builds an engine. sideFactory, when non-nil, opens extra sessions for
// the side channel; sideLimit caps its concurrency.
func New(env *commands.Env, sideFactory func() session.Session, sideLimit int64) *Engine {
	e := &Engine{
		env:    env,
		table:  newTable(),
		log:    env.Log.With().Str("component", "engine").Logger(),
		events: make(chan event, 64),
		state:  StateStart,
	}
	if sideFactory != nil && sideLimit > 0 {
		e.side = newSideChannel(env, sideFactory, sideLimit, func() {
			e.post(event{kind: EvWake})
		})
	}
	return e
}

func (e *Engine) Name() string { return e.env.Account.Name }

// State is the current machine state, safe to read from any goroutine.
func (e *Engine) State() State { return State(e.visState.Load()) }

// LastActivity is when the engine last processed an event.
func (e *Engine) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// ParkedByComm reports whether the engine parked itself on link failure, and
// when. The watchdog uses this to resume after a cooldown; externally
// requested parks are never auto-resumed.
func (e *Engine) ParkedByComm() (bool, time.Time) {
	return e.parkedByComm.Load(), time.Unix(0, e.parkedAt.Load())
}

// External signals.

// Park stands the engine down: the in-flight command is cancelled, pending
// operations that cannot wait are failed, the rest stay queued.
func (e *Engine) Park() { e.post(event{kind: EvPark}) }

// Resume returns a parked engine to service.
func (e *Engine) Resume() { e.post(event{kind: EvResume}) }

// Wake nudges an idle engine to re-pick.
func (e *Engine) Wake() { e.post(event{kind: EvWake}) }

// SetCredentials installs fresh credentials and re-drives a machine waiting
// on them. Discovery reruns so server parameters are re-verified.
func (e *Engine) SetCredentials(username, secret string) {
	e.env.Session.SetAuth(username, secret)
	if e.side != nil {
		e.side.breaker.Reset()
	}
	e.post(event{kind: EvCredentialsSet})
}

// ServerConfigUpdated re-drives the machine after the owning application
// changed the server configuration.
func (e *Engine) ServerConfigUpdated() { e.post(event{kind: EvServerConfigSet}) }

// RequestQuickSync shortens examine intervals and wakes the engine, used
// when the owning application comes to the foreground.
func (e *Engine) RequestQuickSync() {
	e.env.Strategy.SetQuickSync(true)
	e.post(event{kind: EvWake})
}

// ForceFullResync flags every folder for a metadata-driven resync and drops
// the account back to the bootstrap rung.
func (e *Engine) ForceFullResync(ctx context.Context) error {
	if err := e.env.Store.MarkAllFoldersFullSync(ctx, e.env.Account.ID); err != nil {
		return err
	}
	acct, err := e.env.Store.UpdateAccount(ctx, e.env.Account.ID, func(a *store.Account) error {
		a.Rung = strategy.RungBootstrap
		a.InboxSynced = false
		return nil
	})
	if err != nil {
		return err
	}
	e.env.Account = acct
	e.env.Strategy.SetQuickSync(true)
	e.post(event{kind: EvWake})
	return nil
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	default:
		// Only a wedged loop can fill the buffer; dropping an external
		// signal then loses nothing that a later wake will not recover.
		e.log.Warn().Stringer("event", ev.kind).Msg("event buffer full, dropped")
	}
}

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.lastActivity.Store(time.Now().UnixNano())
	e.post(event{kind: EvLaunch})
	for {
		select {
		case <-ctx.Done():
			e.cancelCurrent()
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	e.lastActivity.Store(time.Now().UnixNano())
	if ev.gen != 0 && ev.gen != e.gen {
		e.log.Debug().Stringer("event", ev.kind).Msg("stale command completion dropped")
		return
	}

	// Bounded in-place retries for discovery and connect.
	if e.state == StateDiscovery || e.state == StateConnAuth {
		switch ev.kind {
		case EvTempFail, EvHardFail:
			e.connRetries++
			if e.connRetries >= discoveryMaxRetries {
				ev.kind = EvGiveUp
			}
		}
	}
	if ev.kind != EvTempFail && ev.kind != EvHardFail {
		e.connRetries = 0
	}

	t := e.table[e.state][ev.kind]
	switch {
	case t.ignore:
	case t.invalid:
		e.log.Error().Stringer("state", e.state).Stringer("event", ev.kind).
			Msg("event invalid in state")
	default:
		e.apply(ev, t)
	}

	if e.side != nil {
		e.side.maybeLaunch(e.runCtx, e.currentSyncFolder())
	}
}

func (e *Engine) apply(ev event, t transition) {
	var next State
	var cmd commands.Command
	switch {
	case t.pick:
		next, cmd = e.pick()
	case t.resume:
		e.env.Comm.Reset()
		if e.side != nil {
			e.side.breaker.Reset()
		}
		next = e.prePark
		if next.working() || next == StateStart {
			next, cmd = e.pick()
		}
	default:
		next = t.next
	}

	e.cancelCurrent()
	prev := e.state
	if next == StateParked && prev != StateParked {
		e.prePark = prev
		e.parkedByComm.Store(ev.kind != EvPark)
		e.parkedAt.Store(time.Now().UnixNano())
	}
	e.state = next
	e.log.Debug().Stringer("from", prev).Stringer("to", next).
		Stringer("event", ev.kind).Msg("transition")

	e.persistState(next)
	e.publishBackendState(next)
	e.enter(next, cmd)
	// Published last so observers of State() see the entry effects done.
	e.visState.Store(int32(next))
}

// cancelCurrent invalidates the in-flight command: its completion event
// becomes stale and its context is cancelled.
func (e *Engine) cancelCurrent() {
	e.gen++
	if e.cancelCmd != nil {
		e.cancelCmd()
		e.cancelCmd = nil
	}
}

func (e *Engine) persistState(next State) {
	if next == StateParked {
		// A restart resumes the pre-park state, so parking is not persisted.
		return
	}
	acct, err := e.env.Store.UpdateAccount(e.runCtx, e.env.Account.ID, func(a *store.Account) error {
		a.State = int(next)
		return nil
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("persisting state failed")
		return
	}
	e.env.Account = acct
}

func (e *Engine) publishBackendState(next State) {
	var bs events.BackendState
	switch next {
	case StateStart:
		bs = events.BackendNotStarted
	case StateParked:
		bs = events.BackendParked
	case StateCredentialWait:
		bs = events.BackendCredentialWait
	case StateServerConfigWait:
		bs = events.BackendServerConfigWait
	case StateDiscovery, StateConnAuth, StateFolderSync:
		bs = events.BackendRunning
	default:
		if e.env.Account.InboxSynced {
			bs = events.BackendSteady
		} else {
			bs = events.BackendSyncingFirst
		}
	}
	e.env.Events.PublishBackendState(e.env.Account.Name, bs)
}

func (e *Engine) enter(next State, cmd commands.Command) {
	switch next {
	case StateDiscovery:
		e.launch(commands.NewDiscover(e.env))
	case StateConnAuth:
		e.launch(commands.NewConnect(e.env))
	case StateFolderSync:
		e.launch(commands.NewFolderSync(e.env))
	case StateSync, StateIdle, StateQueuedOp, StateHotQueuedOp, StateFetch:
		if cmd == nil {
			e.log.Error().Stringer("state", next).Msg("working state entered without a command")
			return
		}
		e.launch(cmd)
	case StateCredentialWait:
		e.env.Events.Publish(e.env.Account.Name, events.KindNeedCredentials, nil)
	case StateServerConfigWait:
		e.env.Events.Publish(e.env.Account.Name, events.KindNeedServerConfig,
			"server unreachable after repeated discovery attempts")
	case StateParked:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := e.env.Store.FailNonDelayable(ctx, e.env.Account.ID)
		if err != nil {
			e.log.Warn().Err(err).Msg("failing non-delayable ops")
		} else if n > 0 {
			e.log.Info().Int64("failed", n).Msg("non-delayable operations failed on park")
		}
	}
}

// launch runs cmd on a worker goroutine. A cancelled command posts no
// completion; its pending operations are deferred instead.
func (e *Engine) launch(cmd commands.Command) {
	gen := e.gen
	cctx, cancel := context.WithCancel(e.runCtx)
	e.cancelCmd = cancel
	go func() {
		out := cmd.Execute(cctx)
		if cctx.Err() != nil {
			deferPendings(e.env.Store, cmd.Pendings(), e.log)
			return
		}
		e.post(event{kind: eventFor(out), gen: gen})
	}()
}

func eventFor(out commands.Outcome) EventKind {
	switch out.Kind {
	case commands.Success, commands.WaitOut:
		return EvSuccess
	case commands.HardFail:
		return EvHardFail
	case commands.AuthFail:
		return EvAuthFail
	default:
		return EvTempFail
	}
}

// deferPendings returns a cancelled command's still-dispatched operations to
// the queue so they are retried rather than abandoned.
func deferPendings(st *store.Store, ops []*store.PendingOp, log zerolog.Logger) {
	if len(ops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, op := range ops {
		if op.State != store.StateDispatched {
			continue
		}
		if err := st.Defer(ctx, op, "cancelled", time.Now()); err != nil && !errors.Is(err, store.ErrStale) {
			log.Warn().Err(err).Str("token", op.Token).Msg("deferring cancelled op")
		}
	}
}

// currentSyncFolder is the folder the primary machine is syncing, which the
// side channel must not touch.
func (e *Engine) currentSyncFolder() string {
	if e.state == StateSync {
		return e.syncFolder
	}
	return ""
}

// pick chooses the next unit of work: reconnect if the link dropped, park if
// it is unusable, then hot and background pending operations, then the next
// strategy window, and finally idle.
func (e *Engine) pick() (State, commands.Command) {
	ctx := e.runCtx
	e.syncFolder = ""

	if e.env.Comm.Quality() == comm.QualityUnusable {
		e.log.Warn().Msg("comm quality unusable, parking")
		return StateParked, nil
	}
	if !e.env.Session.Connected() {
		return StateConnAuth, commands.NewConnect(e.env)
	}

	for i := 0; i < 64; i++ {
		op, err := e.env.Store.NextEligible(ctx, e.env.Account.ID, false)
		if err != nil {
			e.log.Warn().Err(err).Msg("queue query failed")
			break
		}
		if op == nil {
			break
		}
		st, cmd, err := e.takeOp(ctx, op)
		if err != nil {
			if errors.Is(err, store.ErrStale) {
				// The side channel claimed it first; look again.
				continue
			}
			e.log.Warn().Err(err).Str("token", op.Token).Msg("dispatching op failed")
			break
		}
		if cmd == nil {
			// Resolved without server work (already satisfied or unusable).
			continue
		}
		return st, cmd
	}

	w, acct, err := e.env.Strategy.NextWindow(ctx, e.env.Account)
	if err != nil {
		e.log.Warn().Err(err).Msg("strategy failed")
	}
	if acct != nil {
		e.env.Account = acct
	}
	if w != nil {
		e.syncFolder = w.Folder.ServerID
		return StateSync, commands.NewSync(e.env, w)
	}

	return StateIdle, commands.NewIdle(e.env, e.inboxName(ctx))
}

// takeOp dispatches one eligible operation and builds its command. A nil
// command with nil error means the operation was resolved in place.
func (e *Engine) takeOp(ctx context.Context, op *store.PendingOp) (State, commands.Command, error) {
	if op.Kind == store.PendingSync {
		folder, err := e.env.Store.FolderByServerID(ctx, e.env.Account.ID, op.FolderServerID)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.env.Store.Dispatch(ctx, op); err != nil {
				return 0, nil, err
			}
			return 0, nil, e.env.Store.ResolveFailure(ctx, op, "unknown folder "+op.FolderServerID)
		}
		if err != nil {
			return 0, nil, err
		}
		w, err := e.env.Strategy.WindowForFolder(ctx, e.env.Account, folder)
		if err != nil {
			return 0, nil, err
		}
		if err := e.env.Store.Dispatch(ctx, op); err != nil {
			return 0, nil, err
		}
		if w == nil {
			// Already caught up; the demanded sync is satisfied.
			return 0, nil, e.env.Store.ResolveSuccess(ctx, op)
		}
		w.Pending = op
		e.syncFolder = folder.ServerID
		return StateSync, commands.NewSync(e.env, w), nil
	}

	if err := e.env.Store.Dispatch(ctx, op); err != nil {
		return 0, nil, err
	}
	st := StateQueuedOp
	switch {
	case op.Kind == store.PendingFetchBody:
		st = StateFetch
	case op.Priority >= store.PriorityHot:
		st = StateHotQueuedOp
	}
	return st, commands.NewQOp(e.env, op), nil
}

func (e *Engine) inboxName(ctx context.Context) string {
	folders, err := e.env.Store.Folders(ctx, e.env.Account.ID)
	if err == nil && len(folders) > 0 && folders[0].IsInbox {
		return folders[0].ServerID
	}
	return "INBOX"
}
