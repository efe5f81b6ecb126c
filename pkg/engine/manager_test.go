package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailmail/quail/pkg/config"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/store"
)

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(cfg, st, events.NewBus(), zerolog.Nop()), st
}

func expectPosted(t *testing.T, eng *Engine, want EventKind) {
	t.Helper()
	select {
	case ev := <-eng.events:
		assert.Equal(t, want, ev.kind)
	default:
		t.Fatalf("expected %v to be posted, got nothing", want)
	}
}

func expectNothingPosted(t *testing.T, eng *Engine) {
	t.Helper()
	select {
	case ev := <-eng.events:
		t.Fatalf("unexpected %v posted", ev.kind)
	default:
	}
}

func TestWatchdogResumesLinkParkedEngine(t *testing.T) {
	m, _ := newTestManager(t, &config.Config{})
	et := newEngTest(t)
	et.eng.visState.Store(int32(StateParked))
	et.eng.parkedByComm.Store(true)
	et.eng.parkedAt.Store(time.Now().Add(-2 * parkCooldown).UnixNano())
	m.engines["acct"] = et.eng

	m.checkEngines()
	expectPosted(t, et.eng, EvResume)
}

func TestWatchdogWaitsOutTheParkCooldown(t *testing.T) {
	m, _ := newTestManager(t, &config.Config{})
	et := newEngTest(t)
	et.eng.visState.Store(int32(StateParked))
	et.eng.parkedByComm.Store(true)
	et.eng.parkedAt.Store(time.Now().UnixNano())
	m.engines["acct"] = et.eng

	m.checkEngines()
	expectNothingPosted(t, et.eng)
}

func TestWatchdogNeverResumesRequestedPark(t *testing.T) {
	m, _ := newTestManager(t, &config.Config{})
	et := newEngTest(t)
	et.eng.visState.Store(int32(StateParked))
	et.eng.parkedByComm.Store(false)
	et.eng.parkedAt.Store(time.Now().Add(-time.Hour).UnixNano())
	m.engines["acct"] = et.eng

	m.checkEngines()
	expectNothingPosted(t, et.eng)
}

func TestWatchdogWakesQuietEngine(t *testing.T) {
	m, _ := newTestManager(t, &config.Config{})
	et := newEngTest(t)
	et.eng.visState.Store(int32(StateIdle))
	et.eng.lastActivity.Store(time.Now().Add(-2 * stallAfter).UnixNano())
	m.engines["acct"] = et.eng

	m.checkEngines()
	expectPosted(t, et.eng, EvWake)
}

func TestWatchdogLeavesBusyEngineAlone(t *testing.T) {
	m, _ := newTestManager(t, &config.Config{})
	et := newEngTest(t)
	et.eng.visState.Store(int32(StateSync))
	et.eng.lastActivity.Store(time.Now().UnixNano())
	m.engines["acct"] = et.eng

	m.checkEngines()
	expectNothingPosted(t, et.eng)
}

func TestManagerRunBuildsEngines(t *testing.T) {
	cfg := &config.Config{
		Sync: config.SyncConfig{SideChannelLimit: 2},
		Accounts: []config.AccountConfig{
			{Name: "work", Host: "127.0.0.1", Port: 1, Username: "u", Password: "p"},
		},
	}
	m, st := newTestManager(t, cfg)
	ctx := context.Background()

	// An operation left dispatched by the previous run requeues on startup.
	acct, err := st.UpsertAccount(ctx, "work")
	require.NoError(t, err)
	op := &store.PendingOp{AccountID: acct.ID, Kind: store.PendingMarkRead,
		FolderServerID: "INBOX", UIDs: "1"}
	require.NoError(t, st.Enqueue(ctx, op))
	require.NoError(t, st.Dispatch(ctx, op))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	require.Eventually(t, func() bool { return m.Engine("work") != nil },
		5*time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Engine("home"))

	requeued, err := st.PendingByToken(ctx, op.Token)
	require.NoError(t, err)
	assert.Equal(t, store.StateEligible, requeued.State)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}
