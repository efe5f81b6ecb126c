package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/commands"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/reliability"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
	"github.com/quailmail/quail/pkg/strategy"
)

type engTest struct {
	eng  *Engine
	env  *commands.Env
	fake *session.Fake
	bus  *events.Bus
	st   *store.Store
}

func newEngTest(t *testing.T) *engTest {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	acct, err := st.UpsertAccount(context.Background(), "acct")
	require.NoError(t, err)

	fake := session.NewFake()
	bus := events.NewBus()
	tracker := comm.NewTracker()
	env := &commands.Env{
		Account:  acct,
		Store:    st,
		Session:  fake,
		Events:   bus,
		Comm:     tracker,
		Strategy: strategy.New(st, tracker, zerolog.Nop(), 0),
		Log:      zerolog.Nop(),
		// Single attempt with no backoff keeps failure paths fast in tests.
		Retry: reliability.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond,
			MaxDelay: time.Millisecond, BackoffFactor: 1},
	}
	eng := New(env, func() session.Session { return fake }, 4)
	return &engTest{eng: eng, env: env, fake: fake, bus: bus, st: st}
}

func (et *engTest) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go et.eng.Run(ctx)
}

func waitState(t *testing.T, eng *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return eng.State() == want },
		5*time.Second, 5*time.Millisecond, "waiting for state %v, at %v", want, eng.State())
}

func waitOpState(t *testing.T, st *store.Store, token string, want store.PendingState) {
	t.Helper()
	require.Eventually(t, func() bool {
		op, err := st.PendingByToken(context.Background(), token)
		return err == nil && op.State == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for op %s to reach %v", token, want)
}

func TestEngineColdStartToIdle(t *testing.T) {
	et := newEngTest(t)
	ctx := context.Background()
	et.fake.AddFolder("INBOX", 1)
	for i := 0; i < 12; i++ {
		et.fake.AddMessage("INBOX", "msg", time.Now())
	}

	et.start(t)
	waitState(t, et.eng, StateIdle)

	acct, err := et.st.AccountByName(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, acct.DiscoveryDone)
	assert.True(t, acct.InboxSynced)
	assert.Equal(t, strategy.RungSteady, acct.Rung)

	folder, err := et.st.FolderByServerID(ctx, acct.ID, "INBOX")
	require.NoError(t, err)
	assert.EqualValues(t, 12, folder.HighestSynced)
	n, err := et.st.MessageCount(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	assert.Equal(t, events.BackendSteady, et.bus.BackendState("acct"))
}

func TestEngineAuthFailureWaitsForCredentials(t *testing.T) {
	et := newEngTest(t)
	et.fake.AddFolder("INBOX", 1)
	et.fake.AuthFails = 1

	ch, cancel := et.bus.Subscribe(64)
	defer cancel()

	et.start(t)
	waitState(t, et.eng, StateCredentialWait)
	assert.Equal(t, events.BackendCredentialWait, et.bus.BackendState("acct"))

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.Kind == events.KindNeedCredentials {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond, "no credential request published")

	// Fresh credentials restart discovery, not folder-sync directly.
	et.eng.SetCredentials("user", "better-secret")
	waitState(t, et.eng, StateIdle)
	assert.Contains(t, et.fake.Calls, "set-auth user")
}

func TestEngineDiscoveryGiveUp(t *testing.T) {
	et := newEngTest(t)
	et.fake.AddFolder("INBOX", 1)
	et.fake.ConnectFails = 100

	ch, cancel := et.bus.Subscribe(64)
	defer cancel()

	et.start(t)
	waitState(t, et.eng, StateServerConfigWait)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.Kind == events.KindNeedServerConfig {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond, "no server-config request published")

	// A corrected configuration re-drives discovery.
	et.fake.ConnectFails = 0
	et.env.Comm.Reset()
	et.eng.ServerConfigUpdated()
	waitState(t, et.eng, StateIdle)
}

func TestEngineParkFailsNonDelayableKeepsRest(t *testing.T) {
	et := newEngTest(t)
	ctx := context.Background()
	et.fake.AddFolder("INBOX", 1)
	for i := 0; i < 10; i++ {
		et.fake.AddMessage("INBOX", "msg", time.Now())
	}
	// The first fetch window blocks until the park cancels it.
	et.fake.FetchDelay = time.Minute

	et.start(t)
	waitState(t, et.eng, StateSync)

	delayable := &store.PendingOp{AccountID: et.env.Account.ID, Kind: store.PendingMarkRead,
		FolderServerID: "INBOX", UIDs: "1"}
	urgent := &store.PendingOp{AccountID: et.env.Account.ID, Kind: store.PendingSend,
		FolderServerID: "INBOX", Body: []byte("x"), DelayNotAllowed: true}
	require.NoError(t, et.st.Enqueue(ctx, delayable))
	require.NoError(t, et.st.Enqueue(ctx, urgent))

	et.eng.Park()
	waitState(t, et.eng, StateParked)
	assert.Equal(t, events.BackendParked, et.bus.BackendState("acct"))
	byComm, _ := et.eng.ParkedByComm()
	assert.False(t, byComm)

	waitOpState(t, et.st, urgent.Token, store.StateFailed)
	kept, err := et.st.PendingByToken(ctx, delayable.Token)
	require.NoError(t, err)
	assert.Equal(t, store.StateEligible, kept.State)

	et.fake.SetFetchDelay(0)
	et.eng.Resume()
	waitState(t, et.eng, StateIdle)
	waitOpState(t, et.st, delayable.Token, store.StateSucceeded)
	assert.True(t, et.fake.Folder("INBOX").Messages[1].Seen)
}

func TestEngineSelfParksOnUnusableLink(t *testing.T) {
	et := newEngTest(t)
	et.fake.AddFolder("INBOX", 1)
	et.fake.AddMessage("INBOX", "msg", time.Now())

	et.start(t)
	waitState(t, et.eng, StateIdle)

	for i := 0; i < 10; i++ {
		et.env.Comm.ReportResult(false)
	}
	et.eng.Wake()
	waitState(t, et.eng, StateParked)
	byComm, at := et.eng.ParkedByComm()
	assert.True(t, byComm)
	assert.False(t, at.IsZero())

	// Resume clears the failure history so the engine can work again.
	et.eng.Resume()
	waitState(t, et.eng, StateIdle)
	assert.Equal(t, comm.QualityOK, et.env.Comm.Quality())
}

func TestEngineSideChannelRunsHotOpDuringSync(t *testing.T) {
	et := newEngTest(t)
	ctx := context.Background()
	et.fake.AddFolder("INBOX", 1)
	for i := 0; i < 40; i++ {
		et.fake.AddMessage("INBOX", "msg", time.Now())
	}
	et.fake.AddFolder("Docs", 1)
	et.fake.AddMessage("Docs", "report", time.Now())
	et.fake.FetchDelay = 50 * time.Millisecond

	ch, cancel := et.bus.Subscribe(256)
	defer cancel()

	et.start(t)
	waitState(t, et.eng, StateSync)

	op := &store.PendingOp{AccountID: et.env.Account.ID, Kind: store.PendingFetchBody,
		FolderServerID: "Docs", UIDs: "1"}
	require.NoError(t, et.st.Enqueue(ctx, op))
	et.eng.Wake()

	waitOpState(t, et.st, op.Token, store.StateSucceeded)
	waitState(t, et.eng, StateIdle)

	var gotBody bool
	for !gotBody {
		select {
		case ev := <-ch:
			if r, ok := ev.Payload.(commands.BodyResult); ok {
				assert.Equal(t, op.Token, r.Token)
				assert.NotEmpty(t, r.Body)
				gotBody = true
			}
		default:
			t.Fatal("no body result published")
		}
	}

	// The concurrent side run never corrupted the primary folder's cursors.
	folder, err := et.st.FolderByServerID(ctx, et.env.Account.ID, "INBOX")
	require.NoError(t, err)
	assert.EqualValues(t, 40, folder.HighestSynced)
	assert.EqualValues(t, 1, folder.LastSynced)
	n, err := et.st.MessageCount(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestEngineServicesQueuedSearch(t *testing.T) {
	et := newEngTest(t)
	ctx := context.Background()
	et.fake.AddFolder("INBOX", 1)
	et.fake.AddMessage("INBOX", "quarterly report", time.Now())
	et.fake.AddMessage("INBOX", "lunch", time.Now())

	et.start(t)
	waitState(t, et.eng, StateIdle)

	op := &store.PendingOp{AccountID: et.env.Account.ID, Kind: store.PendingSearch,
		FolderServerID: "INBOX", Query: "quarterly"}
	require.NoError(t, et.st.Enqueue(ctx, op))
	et.eng.Wake()
	waitOpState(t, et.st, op.Token, store.StateSucceeded)
}

func TestEngineForceFullResync(t *testing.T) {
	et := newEngTest(t)
	ctx := context.Background()
	et.fake.AddFolder("INBOX", 1)
	et.fake.AddMessage("INBOX", "msg", time.Now())

	et.start(t)
	waitState(t, et.eng, StateIdle)

	require.NoError(t, et.eng.ForceFullResync(ctx))
	acct, err := et.st.AccountByName(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, strategy.RungBootstrap, acct.Rung)

	// The resync drains again and lands back at steady state.
	waitState(t, et.eng, StateIdle)
	require.Eventually(t, func() bool {
		a, err := et.st.AccountByName(ctx, "acct")
		return err == nil && a.Rung == strategy.RungSteady && a.InboxSynced
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngineResolvesSatisfiedDemandSync(t *testing.T) {
	et := newEngTest(t)
	ctx := context.Background()
	et.fake.AddFolder("INBOX", 1)
	et.fake.AddMessage("INBOX", "msg", time.Now())

	et.start(t)
	waitState(t, et.eng, StateIdle)

	op := &store.PendingOp{AccountID: et.env.Account.ID, Kind: store.PendingSync,
		FolderServerID: "INBOX"}
	require.NoError(t, et.st.Enqueue(ctx, op))
	et.eng.Wake()
	waitOpState(t, et.st, op.Token, store.StateSucceeded)
}

func TestEventForMapsOutcomes(t *testing.T) {
	assert.Equal(t, EvSuccess, eventFor(commands.Outcome{Kind: commands.Success}))
	assert.Equal(t, EvSuccess, eventFor(commands.Outcome{Kind: commands.WaitOut}))
	assert.Equal(t, EvTempFail, eventFor(commands.Outcome{Kind: commands.TempFail}))
	assert.Equal(t, EvHardFail, eventFor(commands.Outcome{Kind: commands.HardFail}))
	assert.Equal(t, EvAuthFail, eventFor(commands.Outcome{Kind: commands.AuthFail}))
}
