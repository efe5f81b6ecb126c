package commands

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
	"github.com/quailmail/quail/pkg/strategy"
)

type testEnv struct {
	*Env
	fake *session.Fake
	bus  *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	acct, err := st.UpsertAccount(context.Background(), "test")
	require.NoError(t, err)

	fake := session.NewFake()
	bus := events.NewBus()
	tracker := comm.NewTracker()
	return &testEnv{
		Env: &Env{
			Account:  acct,
			Store:    st,
			Session:  fake,
			Events:   bus,
			Comm:     tracker,
			Strategy: strategy.New(st, tracker, zerolog.Nop(), 0),
			Log:      zerolog.Nop(),
		},
		fake: fake,
		bus:  bus,
	}
}

// driveFolder runs metadata refreshes and fetch windows for one folder until
// the strategy reports it caught up, returning how many fetch rounds ran.
func driveFolder(t *testing.T, env *testEnv, folderID int64) int {
	t.Helper()
	ctx := context.Background()
	rounds := 0
	for i := 0; i < 100; i++ {
		folder, err := env.Store.FolderByID(ctx, folderID)
		require.NoError(t, err)
		acct, err := env.Store.AccountByID(ctx, env.Account.ID)
		require.NoError(t, err)
		env.Account = acct
		w, err := env.Strategy.WindowForFolder(ctx, acct, folder)
		require.NoError(t, err)
		if w == nil {
			return rounds
		}
		if !w.MetadataOnly {
			rounds++
		}
		out := NewSync(env.Env, w).Execute(ctx)
		require.Equal(t, Success, out.Kind, "round %d: %v", i, out.Err)
	}
	t.Fatal("folder never converged")
	return rounds
}

func inboxFolder(t *testing.T, env *testEnv) *store.Folder {
	t.Helper()
	f := &store.Folder{AccountID: env.Account.ID, ServerID: "INBOX", IsInbox: true}
	require.NoError(t, env.Store.InsertFolder(context.Background(), f))
	return f
}

func TestSyncColdStartNoGaps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	for i := 0; i < 40; i++ {
		env.fake.AddMessage("INBOX", "msg", time.Now())
	}
	f := inboxFolder(t, env)

	driveFolder(t, env, f.ID)

	// Every server UID is local: no gaps, no duplicates.
	uids, err := env.Store.LocalUIDs(ctx, f.ID, 0)
	require.NoError(t, err)
	require.Len(t, uids, 40)
	for i, u := range uids {
		assert.EqualValues(t, i+1, u)
	}

	folder, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 40, folder.HighestSynced)
	assert.EqualValues(t, 1, folder.LastSynced)

	acct, err := env.Store.AccountByID(ctx, env.Account.ID)
	require.NoError(t, err)
	assert.True(t, acct.InboxSynced)
}

func TestSyncNewArrivalsDuringSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	for i := 0; i < 30; i++ {
		env.fake.AddMessage("INBOX", "old", time.Now())
	}
	f := inboxFolder(t, env)

	// One metadata refresh plus one fetch round.
	for i := 0; i < 2; i++ {
		folder, err := env.Store.FolderByID(ctx, f.ID)
		require.NoError(t, err)
		w, err := env.Strategy.WindowForFolder(ctx, env.Account, folder)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind)
	}

	// New mail lands mid-sweep; a later examine sees the new UIDNEXT.
	env.fake.AddMessage("INBOX", "new", time.Now())
	_, err := env.Store.UpdateFolder(ctx, f.ID, func(x *store.Folder) error {
		x.LastExamine = time.Now().Add(-2 * time.Minute)
		return nil
	})
	require.NoError(t, err)

	driveFolder(t, env, f.ID)
	uids, err := env.Store.LocalUIDs(ctx, f.ID, 0)
	require.NoError(t, err)
	assert.Len(t, uids, 31)
}

func TestSyncWindowIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	for i := 0; i < 10; i++ {
		env.fake.AddMessage("INBOX", "msg", time.Now())
	}
	f := inboxFolder(t, env)

	// Metadata first.
	folder, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	w, err := env.Strategy.WindowForFolder(ctx, env.Account, folder)
	require.NoError(t, err)
	require.True(t, w.MetadataOnly)
	require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind)

	folder, err = env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	w, err = env.Strategy.WindowForFolder(ctx, env.Account, folder)
	require.NoError(t, err)
	require.NotNil(t, w)

	// Run the same fetch window twice: same rows, same cursors.
	require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind)
	first, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)

	w.Folder = first
	require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind)
	second, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)

	assert.Equal(t, first.HighestSynced, second.HighestSynced)
	assert.Equal(t, first.LowestSynced, second.LowestSynced)
	assert.Equal(t, first.LastSynced, second.LastSynced)
	n, err := env.Store.MessageCount(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestSyncVanishedMessagesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	for i := 0; i < 10; i++ {
		env.fake.AddMessage("INBOX", "msg", time.Now())
	}
	f := inboxFolder(t, env)
	driveFolder(t, env, f.ID)

	env.fake.RemoveMessage("INBOX", 5)
	_, err := env.Store.UpdateFolder(ctx, f.ID, func(x *store.Folder) error {
		x.LastExamine = time.Now().Add(-2 * time.Minute)
		return nil
	})
	require.NoError(t, err)
	driveFolder(t, env, f.ID)

	uids, err := env.Store.LocalUIDs(ctx, f.ID, 0)
	require.NoError(t, err)
	assert.NotContains(t, uids, imap.UID(5))
	assert.Len(t, uids, 9)
}

func TestSyncUIDValidityChangeResetsFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	for i := 0; i < 5; i++ {
		env.fake.AddMessage("INBOX", "msg", time.Now())
	}
	f := inboxFolder(t, env)
	driveFolder(t, env, f.ID)

	// Server rebuilds the mailbox with a new UIDVALIDITY and new contents.
	ff := env.fake.AddFolder("INBOX", 2)
	ff.UIDNext = 1
	env.fake.AddMessage("INBOX", "fresh", time.Now())
	_, err := env.Store.UpdateFolder(ctx, f.ID, func(x *store.Folder) error {
		x.LastExamine = time.Now().Add(-2 * time.Minute)
		return nil
	})
	require.NoError(t, err)

	driveFolder(t, env, f.ID)
	uids, err := env.Store.LocalUIDs(ctx, f.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{1}, uids)

	folder, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, folder.UIDValidity)
}

func TestSyncMetadataReleasesDeferred(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	f := inboxFolder(t, env)

	op := &store.PendingOp{AccountID: env.Account.ID, Kind: store.PendingFetchBody, FolderServerID: "INBOX", UIDs: "3"}
	require.NoError(t, env.Store.Enqueue(ctx, op))
	got, err := env.Store.NextEligible(ctx, env.Account.ID, false)
	require.NoError(t, err)
	require.NoError(t, env.Store.Dispatch(ctx, got))
	require.NoError(t, env.Store.Defer(ctx, got, "awaiting metadata", time.Time{}))

	folder, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	w, err := env.Strategy.WindowForFolder(ctx, env.Account, folder)
	require.NoError(t, err)
	require.True(t, w.MetadataOnly)
	require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind)

	released, err := env.Store.NextEligible(ctx, env.Account.ID, false)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, op.Token, released.Token)
}

func TestSyncUploadsQueuedSends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	env.fake.AddMessage("INBOX", "existing", time.Now())
	f := inboxFolder(t, env)

	op := &store.PendingOp{
		AccountID: env.Account.ID, Kind: store.PendingSend,
		FolderServerID: "INBOX", Body: []byte("From: me\r\n\r\nhi"),
	}
	require.NoError(t, env.Store.Enqueue(ctx, op))

	driveFolder(t, env, f.ID)

	resolved, err := env.Store.PendingByToken(ctx, op.Token)
	require.NoError(t, err)
	assert.Equal(t, store.StateSucceeded, resolved.State)

	// The appended message surfaces on the next examine round.
	_, err = env.Store.UpdateFolder(ctx, f.ID, func(x *store.Folder) error {
		x.LastExamine = time.Now().Add(-2 * time.Minute)
		return nil
	})
	require.NoError(t, err)
	driveFolder(t, env, f.ID)
	n, err := env.Store.MessageCount(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSyncPendingResolvedWhenCaughtUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	env.fake.AddMessage("INBOX", "msg", time.Now())
	f := inboxFolder(t, env)

	op := &store.PendingOp{AccountID: env.Account.ID, Kind: store.PendingSync, FolderServerID: "INBOX"}
	require.NoError(t, env.Store.Enqueue(ctx, op))
	got, err := env.Store.NextEligible(ctx, env.Account.ID, true)
	require.NoError(t, err)
	require.NoError(t, env.Store.Dispatch(ctx, got))

	for i := 0; i < 20; i++ {
		folder, err := env.Store.FolderByID(ctx, f.ID)
		require.NoError(t, err)
		w, err := env.Strategy.WindowForFolder(ctx, env.Account, folder)
		require.NoError(t, err)
		if w == nil {
			break
		}
		w.Pending = got
		require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind)
		st, err := env.Store.PendingByToken(ctx, op.Token)
		require.NoError(t, err)
		if st.State == store.StateSucceeded {
			break
		}
		// Re-claim the deferred-then-released op for the next round.
		got, err = env.Store.NextEligible(ctx, env.Account.ID, true)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, env.Store.Dispatch(ctx, got))
	}

	final, err := env.Store.PendingByToken(ctx, op.Token)
	require.NoError(t, err)
	assert.Equal(t, store.StateSucceeded, final.State)
}

func TestSyncFetchErrorSurfacesTempFail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.AddFolder("INBOX", 1)
	env.fake.AddMessage("INBOX", "msg", time.Now())
	f := inboxFolder(t, env)

	folder, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	w, err := env.Strategy.WindowForFolder(ctx, env.Account, folder)
	require.NoError(t, err)
	require.Equal(t, Success, NewSync(env.Env, w).Execute(ctx).Kind) // metadata

	env.fake.FetchErr = assert.AnError
	folder, err = env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	w, err = env.Strategy.WindowForFolder(ctx, env.Account, folder)
	require.NoError(t, err)
	require.NotNil(t, w)
	out := NewSync(env.Env, w).Execute(ctx)
	assert.Equal(t, TempFail, out.Kind)

	// Cursors untouched by the failed window.
	after, err := env.Store.FolderByID(ctx, f.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, after.HighestSynced)
}
