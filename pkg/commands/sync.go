package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
	"github.com/quailmail/quail/pkg/strategy"
)

// SyncCommand executes one strategy window: either a metadata refresh
// (examine + UID snapshot) or a summary fetch. Cursor advancement happens
// here and nowhere else, so a crashed or cancelled window leaves the cursors
// untouched and the window is simply re-planned later.
type SyncCommand struct {
	base
	window *strategy.Window
}

func NewSync(env *Env, w *strategy.Window) *SyncCommand {
	c := &SyncCommand{base: base{env: env, name: "sync"}, window: w}
	if w.Pending != nil {
		c.pendings = append(c.pendings, w.Pending)
	}
	return c
}

func (c *SyncCommand) Execute(ctx context.Context) Outcome {
	var out Outcome
	if c.window.MetadataOnly {
		out = c.refreshMetadata(ctx)
	} else {
		out = c.fetchWindow(ctx)
	}
	if out.Kind != Success {
		return out
	}
	if err := c.settlePending(ctx); err != nil {
		return tempFail(err)
	}
	return out
}

// settlePending resolves a demanded folder-sync operation once its folder
// has no further windows; otherwise the operation re-enters the queue to
// drive the next round.
func (c *SyncCommand) settlePending(ctx context.Context) error {
	p := c.window.Pending
	if p == nil {
		return nil
	}
	folder, err := c.env.Store.FolderByID(ctx, c.window.Folder.ID)
	if err != nil {
		return err
	}
	next, err := c.env.Strategy.WindowForFolder(ctx, c.env.Account, folder)
	if err != nil {
		return err
	}
	if next == nil {
		return c.env.Store.ResolveSuccess(ctx, p)
	}
	return c.env.Store.Defer(ctx, p, "more to sync", time.Now())
}

// refreshMetadata re-examines the folder: UIDVALIDITY check, fresh UIDNEXT,
// and a UID snapshot for the repair sweep. Operations deferred against this
// folder are released afterwards.
func (c *SyncCommand) refreshMetadata(ctx context.Context) Outcome {
	folder := c.window.Folder

	var status *session.FolderStatus
	var snapshot []imap.UID
	out := c.run(ctx, func(ctx context.Context) error {
		var err error
		status, err = c.env.Session.Examine(ctx, folder.ServerID)
		if err != nil {
			return err
		}
		snapshot, err = c.env.Session.SearchUIDs(ctx, folder.ServerID, c.env.Strategy.SinceTime(), nil)
		return err
	})
	if out.Kind != Success {
		return out
	}

	invalidated := folder.UIDValidity != 0 && status.UIDValidity != folder.UIDValidity
	if invalidated {
		// The server renumbered the mailbox; every local UID is meaningless.
		c.env.Log.Warn().Str("folder", folder.ServerID).
			Uint32("old", folder.UIDValidity).Uint32("new", status.UIDValidity).
			Msg("uidvalidity changed, resetting folder")
		local, err := c.env.Store.LocalUIDs(ctx, folder.ID, 0)
		if err != nil {
			return tempFail(err)
		}
		if err := c.env.Store.DeleteMessages(ctx, folder.ID, local); err != nil {
			return tempFail(err)
		}
	}

	snapSet := store.UIDSetFromList(snapshot)
	vanished, err := c.vanishedLocally(ctx, folder, status, snapSet)
	if err != nil {
		return tempFail(err)
	}
	if len(vanished) > 0 {
		if err := c.env.Store.DeleteMessages(ctx, folder.ID, vanished); err != nil {
			return tempFail(err)
		}
	}

	if _, err := c.env.Store.UpdateFolder(ctx, folder.ID, func(f *store.Folder) error {
		if invalidated || f.NeedFullSync {
			f.HighestSynced = 0
			f.LowestSynced = 0
			f.LastSynced = 0
			f.NeedFullSync = false
		}
		f.UIDValidity = status.UIDValidity
		f.UIDNext = status.UIDNext
		f.ExistsCount = status.NumMessages
		f.ServerUIDs = store.FormatUIDSet(snapSet)
		f.LastExamine = time.Now()
		return nil
	}); err != nil {
		return tempFail(err)
	}

	if err := c.env.Store.ReleaseDeferred(ctx, c.env.Account.ID, folder.ServerID); err != nil {
		return tempFail(err)
	}
	if invalidated || len(vanished) > 0 {
		c.env.Events.Publish(c.env.Account.Name, events.KindEmailSetChanged,
			EmailSetChange{Folder: folder.ServerID, UIDs: vanished})
	}
	return success()
}

// vanishedLocally lists stored UIDs the snapshot no longer contains. With a
// bounded snapshot search, locals older than the search horizon are left
// alone.
func (c *SyncCommand) vanishedLocally(ctx context.Context, folder *store.Folder, status *session.FolderStatus, snapSet imap.UIDSet) ([]imap.UID, error) {
	local, err := c.env.Store.LocalUIDs(ctx, folder.ID, 0)
	if err != nil {
		return nil, err
	}
	if len(snapSet) == 0 {
		if status.NumMessages == 0 {
			return local, nil
		}
		return nil, nil
	}
	floor := store.MinUID(snapSet)
	var vanished []imap.UID
	for _, u := range local {
		if u >= floor && !snapSet.Contains(u) {
			vanished = append(vanished, u)
		}
	}
	return vanished, nil
}

// fetchWindow uploads queued sends targeting the folder, fetches the
// window's summaries, refreshes resync flags, prunes vanished rows, and
// commits the cursors.
func (c *SyncCommand) fetchWindow(ctx context.Context) Outcome {
	folder := c.window.Folder

	if out := c.uploadQueuedSends(ctx, folder); out.Kind != Success {
		return out
	}

	var fetched, refreshed []*session.Summary
	out := c.run(ctx, func(ctx context.Context) error {
		var err error
		fetched, refreshed = nil, nil
		if len(c.window.UIDs) > 0 {
			fetched, err = c.env.Session.FetchSummaries(ctx, folder.ServerID, c.window.UIDs, c.window.Fields)
			if err != nil {
				return err
			}
		}
		if len(c.window.ResyncUIDs) > 0 {
			refreshed, err = c.env.Session.FetchSummaries(ctx, folder.ServerID, c.window.ResyncUIDs,
				session.FetchFields{Flags: true})
		}
		return err
	})
	if out.Kind != Success {
		return out
	}

	var changedUIDs []imap.UID
	for _, sum := range fetched {
		if err := c.env.Store.UpsertMessage(ctx, &store.Message{
			AccountID: c.env.Account.ID,
			FolderID:  folder.ID,
			UID:       sum.UID,
			MessageID: sum.MessageID,
			Subject:   sum.Subject,
			Sender:    sum.Sender,
			Date:      sum.Date,
			Size:      sum.Size,
			Seen:      sum.Seen,
			Answered:  sum.Answered,
			Flagged:   sum.Flagged,
		}); err != nil {
			return tempFail(err)
		}
		c.env.Log.Trace().Uint32("uid", uint32(sum.UID)).
			Str("subject", c.env.sanitizer().Subject(sum.Subject)).
			Str("from", c.env.sanitizer().Address(sum.Sender)).
			Msg("stored summary")
		changedUIDs = append(changedUIDs, sum.UID)
	}
	for _, sum := range refreshed {
		if err := c.env.Store.UpdateMessageFlags(ctx, folder.ID, sum.UID,
			sum.Seen, sum.Answered, sum.Flagged); err != nil {
			return tempFail(err)
		}
	}

	// UIDs asked for but not returned are gone from the server.
	vanished := missingFrom(c.window.ResyncUIDs, refreshed)
	if len(vanished) > 0 {
		if err := c.env.Store.DeleteMessages(ctx, folder.ID, vanished); err != nil {
			return tempFail(err)
		}
		changedUIDs = append(changedUIDs, vanished...)
	}

	if err := c.commitCursors(ctx, folder); err != nil {
		return tempFail(err)
	}
	if err := c.noteAccountProgress(ctx, folder); err != nil {
		return tempFail(err)
	}

	if len(changedUIDs) > 0 {
		c.env.Events.Publish(c.env.Account.Name, events.KindEmailSetChanged,
			EmailSetChange{Folder: folder.ServerID, UIDs: changedUIDs})
	}
	c.env.Events.Publish(c.env.Account.Name, events.KindSyncSucceeded, folder.ServerID)
	return success()
}

func missingFrom(requested imap.UIDSet, got []*session.Summary) []imap.UID {
	if len(requested) == 0 {
		return nil
	}
	have := make(map[imap.UID]bool, len(got))
	for _, s := range got {
		have[s.UID] = true
	}
	var out []imap.UID
	for _, u := range store.ExpandUIDSet(requested) {
		if !have[u] {
			out = append(out, u)
		}
	}
	return out
}

// commitCursors advances the folder cursors over the examined region. The
// ceiling only rises and the sweep cursor only falls, so a replayed window
// can never reopen a gap.
func (c *SyncCommand) commitCursors(ctx context.Context, folder *store.Folder) error {
	examined := append(store.ExpandUIDSet(c.window.UIDs), store.ExpandUIDSet(c.window.ResyncUIDs)...)
	if len(examined) == 0 {
		return nil
	}
	set := store.UIDSetFromList(examined)
	lo, hi := store.MinUID(set), store.MaxUID(set)

	updated, err := c.env.Store.UpdateFolder(ctx, folder.ID, func(f *store.Folder) error {
		if hi > f.HighestSynced {
			f.HighestSynced = hi
		}
		if f.LowestSynced == 0 || lo < f.LowestSynced {
			f.LowestSynced = lo
		}
		if f.LastSynced == 0 || lo < f.LastSynced {
			f.LastSynced = lo
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing cursors: %w", err)
	}
	c.window.Folder = updated
	return nil
}

// noteAccountProgress records first-inbox-sync and bootstrap exit.
func (c *SyncCommand) noteAccountProgress(ctx context.Context, folder *store.Folder) error {
	if !folder.IsInbox {
		return nil
	}
	if !c.env.Account.InboxSynced {
		acct, err := c.env.Store.UpdateAccount(ctx, c.env.Account.ID, func(a *store.Account) error {
			a.InboxSynced = true
			return nil
		})
		if err != nil {
			return err
		}
		c.env.Account = acct
	}
	acct, err := c.env.Strategy.MaybeExitBootstrap(ctx, c.env.Account, folder)
	if err != nil {
		return err
	}
	c.env.Account = acct
	return nil
}

// uploadQueuedSends appends queued outbound messages targeting the folder
// before fetching, so their UIDs land inside the window being examined.
func (c *SyncCommand) uploadQueuedSends(ctx context.Context, folder *store.Folder) Outcome {
	sends, err := c.env.Store.PendingSendsFor(ctx, c.env.Account.ID, folder.ServerID)
	if err != nil {
		return tempFail(err)
	}
	for _, op := range sends {
		if err := c.env.Store.Dispatch(ctx, op); err != nil {
			continue // another picker claimed it
		}
		c.pendings = append(c.pendings, op)
		var uid imap.UID
		out := c.run(ctx, func(ctx context.Context) error {
			var err error
			uid, err = c.env.Session.Append(ctx, folder.ServerID, op.Body)
			return err
		})
		if out.Kind != Success {
			switch out.Kind {
			case HardFail, AuthFail:
				if err := c.env.Store.ResolveFailure(ctx, op, out.Err.Error()); err != nil {
					return tempFail(err)
				}
			default:
				if err := c.env.Store.Defer(ctx, op, "upload failed", time.Now().Add(time.Minute)); err != nil {
					return tempFail(err)
				}
			}
			return out
		}
		if err := c.env.Store.ResolveSuccess(ctx, op); err != nil {
			return tempFail(err)
		}
		c.env.Log.Debug().Str("folder", folder.ServerID).Uint32("uid", uint32(uid)).Msg("queued send uploaded")
	}
	return success()
}
