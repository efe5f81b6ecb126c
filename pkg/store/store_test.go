package store

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newAccount(t *testing.T, s *Store) *Account {
	t.Helper()
	a, err := s.UpsertAccount(context.Background(), "test")
	require.NoError(t, err)
	return a
}

func TestUpsertAccountIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a1, err := s.UpsertAccount(ctx, "acct")
	require.NoError(t, err)
	a2, err := s.UpsertAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)
}

func TestUpdateAccountOptimistic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	got, err := s.UpdateAccount(ctx, a.ID, func(x *Account) error {
		x.Rung = 2
		x.DiscoveryDone = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Rung)
	assert.True(t, got.DiscoveryDone)
	assert.Greater(t, got.Version, a.Version)
}

func TestFolderCursorRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	f := &Folder{AccountID: a.ID, ServerID: "INBOX", IsInbox: true}
	require.NoError(t, s.InsertFolder(ctx, f))

	_, err := s.UpdateFolder(ctx, f.ID, func(x *Folder) error {
		x.UIDValidity = 7
		x.UIDNext = 101
		x.HighestSynced = 100
		x.LowestSynced = 95
		x.LastSynced = 95
		x.LastExamine = time.Now()
		return nil
	})
	require.NoError(t, err)

	got, err := s.FolderByServerID(ctx, a.ID, "INBOX")
	require.NoError(t, err)
	assert.EqualValues(t, 101, got.UIDNext)
	assert.EqualValues(t, 100, got.HighestSynced)
	assert.EqualValues(t, 95, got.LowestSynced)
	assert.False(t, got.LastExamine.IsZero())
}

func TestFoldersOrderInboxFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)
	for _, f := range []*Folder{
		{AccountID: a.ID, ServerID: "Archive"},
		{AccountID: a.ID, ServerID: "INBOX", IsInbox: true},
		{AccountID: a.ID, ServerID: "Work"},
	} {
		require.NoError(t, s.InsertFolder(ctx, f))
	}
	got, err := s.Folders(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "INBOX", got[0].ServerID)
}

func TestMessagesUpsertAndVanish(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)
	f := &Folder{AccountID: a.ID, ServerID: "INBOX", IsInbox: true}
	require.NoError(t, s.InsertFolder(ctx, f))

	for _, uid := range []imap.UID{5, 6, 7} {
		require.NoError(t, s.UpsertMessage(ctx, &Message{
			AccountID: a.ID, FolderID: f.ID, UID: uid, Subject: "s",
		}))
	}
	// Re-upsert is idempotent.
	require.NoError(t, s.UpsertMessage(ctx, &Message{
		AccountID: a.ID, FolderID: f.ID, UID: 6, Subject: "updated", Seen: true,
	}))
	n, err := s.MessageCount(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.DeleteMessages(ctx, f.ID, []imap.UID{5, 7}))
	uids, err := s.LocalUIDs(ctx, f.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{6}, uids)
}

func TestPendingLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	p := &PendingOp{AccountID: a.ID, Kind: PendingMarkRead, FolderServerID: "INBOX", UIDs: "5"}
	require.NoError(t, s.Enqueue(ctx, p))
	assert.NotEmpty(t, p.Token)
	assert.Equal(t, PriorityBackground, p.Priority)

	got, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, s.Dispatch(ctx, got))

	// Same row cannot be dispatched twice.
	stale := *p
	assert.ErrorIs(t, s.Dispatch(ctx, &stale), ErrStale)

	require.NoError(t, s.ResolveSuccess(ctx, got))
	next, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestPendingPriorityOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	bg := &PendingOp{AccountID: a.ID, Kind: PendingMarkRead}
	require.NoError(t, s.Enqueue(ctx, bg))
	hot := &PendingOp{AccountID: a.ID, Kind: PendingSearch, Query: "urgent"}
	require.NoError(t, s.Enqueue(ctx, hot))

	got, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, hot.Token, got.Token)

	// hotOnly skips background work entirely.
	require.NoError(t, s.Dispatch(ctx, got))
	require.NoError(t, s.ResolveSuccess(ctx, got))
	onlyHot, err := s.NextEligible(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Nil(t, onlyHot)
}

func TestPendingDeferAndRelease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	p := &PendingOp{AccountID: a.ID, Kind: PendingFetchBody, FolderServerID: "INBOX", UIDs: "9"}
	require.NoError(t, s.Enqueue(ctx, p))
	got, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.Dispatch(ctx, got))
	require.NoError(t, s.Defer(ctx, got, "awaiting metadata", time.Time{}))

	// Parked until released.
	next, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.ReleaseDeferred(ctx, a.ID, "INBOX"))
	next, err = s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, got.Token, next.Token)
	assert.Equal(t, 1, next.DeferCount)
}

func TestPendingDeferWithBackoff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	p := &PendingOp{AccountID: a.ID, Kind: PendingDelete, FolderServerID: "INBOX", UIDs: "1"}
	require.NoError(t, s.Enqueue(ctx, p))
	got, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.Dispatch(ctx, got))
	require.NoError(t, s.Defer(ctx, got, "cancelled", time.Now().Add(-time.Second)))

	// Backoff already expired, so it is released on the next query.
	next, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, got.Token, next.Token)
}

func TestFailNonDelayable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	keep := &PendingOp{AccountID: a.ID, Kind: PendingMarkRead}
	require.NoError(t, s.Enqueue(ctx, keep))
	drop := &PendingOp{AccountID: a.ID, Kind: PendingSearch, DelayNotAllowed: true}
	require.NoError(t, s.Enqueue(ctx, drop))

	n, err := s.FailNonDelayable(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.PendingByToken(ctx, drop.Token)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	kept, err := s.PendingByToken(ctx, keep.Token)
	require.NoError(t, err)
	assert.Equal(t, StateEligible, kept.State)
}

func TestRequeueDispatched(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := newAccount(t, s)

	p := &PendingOp{AccountID: a.ID, Kind: PendingMove, FolderServerID: "INBOX", DestServerID: "Archive", UIDs: "3"}
	require.NoError(t, s.Enqueue(ctx, p))
	got, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.Dispatch(ctx, got))

	require.NoError(t, s.RequeueDispatched(ctx, a.ID))
	next, err := s.NextEligible(ctx, a.ID, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, p.Token, next.Token)
}
