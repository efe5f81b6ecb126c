package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/store"
)

// QOpCommand executes one queued operation. The engine has already
// dispatched the operation; this command performs the server interaction,
// mirrors the effect locally, and resolves the operation exactly once.
// Transient failures defer the operation with a backoff instead of failing
// it.
type QOpCommand struct {
	base
	op *store.PendingOp
}

func NewQOp(env *Env, op *store.PendingOp) *QOpCommand {
	return &QOpCommand{
		base: base{env: env, name: "qop-" + string(op.Kind), pendings: []*store.PendingOp{op}},
		op:   op,
	}
}

const deferBackoff = 30 * time.Second

func (c *QOpCommand) Execute(ctx context.Context) Outcome {
	out := c.execute(ctx)
	switch out.Kind {
	case Success:
		if err := c.env.Store.ResolveSuccess(ctx, c.op); err != nil {
			return tempFail(err)
		}
	case HardFail:
		if err := c.env.Store.ResolveFailure(ctx, c.op, out.Err.Error()); err != nil {
			return tempFail(err)
		}
		c.env.Events.Publish(c.env.Account.Name, events.KindSyncFailed, c.op.Token)
	case TempFail, AuthFail:
		if ctx.Err() != nil {
			// Cancellation is the engine's to handle; leave the op dispatched.
			return out
		}
		if err := c.env.Store.Defer(ctx, c.op, out.Kind.String(), time.Now().Add(deferBackoff)); err != nil {
			return tempFail(err)
		}
	}
	return out
}

func (c *QOpCommand) execute(ctx context.Context) Outcome {
	uids, err := store.ParseUIDSet(c.op.UIDs)
	if err != nil {
		return hardFail(fmt.Errorf("cannot parse uid set %q: %w", c.op.UIDs, err))
	}

	switch c.op.Kind {
	case store.PendingMarkRead:
		return c.storeFlags(ctx, uids, imap.FlagSeen, true)

	case store.PendingSetFlag:
		return c.storeFlags(ctx, uids, imap.Flag(c.op.Flag), c.op.SetFlag)

	case store.PendingDelete:
		out := c.run(ctx, func(ctx context.Context) error {
			return c.env.Session.Expunge(ctx, c.op.FolderServerID, uids)
		})
		if out.Kind == Success {
			out = c.dropLocal(ctx, uids)
		}
		return out

	case store.PendingMove:
		out := c.run(ctx, func(ctx context.Context) error {
			return c.env.Session.Move(ctx, c.op.FolderServerID, uids, c.op.DestServerID)
		})
		if out.Kind == Success {
			// The destination copy is picked up by that folder's next window.
			out = c.dropLocal(ctx, uids)
		}
		return out

	case store.PendingSearch:
		var found []imap.UID
		out := c.run(ctx, func(ctx context.Context) error {
			var err error
			found, err = c.env.Session.SearchText(ctx, c.op.FolderServerID, c.op.Query)
			return err
		})
		if out.Kind == Success {
			c.env.Events.Publish(c.env.Account.Name, events.KindSearchSucceeded,
				SearchResult{Token: c.op.Token, UIDs: found})
		}
		return out

	case store.PendingFetchBody:
		uid := store.MinUID(uids)
		var body []byte
		out := c.run(ctx, func(ctx context.Context) error {
			var err error
			body, err = c.env.Session.FetchBody(ctx, c.op.FolderServerID, uid)
			return err
		})
		if out.Kind == Success {
			c.env.Events.Publish(c.env.Account.Name, events.KindEmailSetChanged,
				BodyResult{Token: c.op.Token, UID: uid, Body: body})
		}
		return out

	case store.PendingSend:
		return c.run(ctx, func(ctx context.Context) error {
			_, err := c.env.Session.Append(ctx, c.op.FolderServerID, c.op.Body)
			return err
		})

	case store.PendingFolderCreate:
		out := c.run(ctx, func(ctx context.Context) error {
			return c.env.Session.CreateFolder(ctx, c.op.FolderServerID)
		})
		if out.Kind == Success {
			f := &store.Folder{AccountID: c.env.Account.ID, ServerID: c.op.FolderServerID,
				DisplayName: c.op.FolderServerID}
			if err := c.env.Store.InsertFolder(ctx, f); err != nil {
				return tempFail(err)
			}
			c.env.Events.Publish(c.env.Account.Name, events.KindFolderSetChanged, nil)
		}
		return out

	case store.PendingFolderRename:
		out := c.run(ctx, func(ctx context.Context) error {
			return c.env.Session.RenameFolder(ctx, c.op.FolderServerID, c.op.DestServerID)
		})
		if out.Kind == Success {
			if out2 := c.renameLocal(ctx); out2.Kind != Success {
				return out2
			}
			c.env.Events.Publish(c.env.Account.Name, events.KindFolderSetChanged, nil)
		}
		return out

	case store.PendingFolderDelete:
		out := c.run(ctx, func(ctx context.Context) error {
			return c.env.Session.DeleteFolder(ctx, c.op.FolderServerID)
		})
		if out.Kind == Success {
			f, err := c.env.Store.FolderByServerID(ctx, c.env.Account.ID, c.op.FolderServerID)
			if err == nil {
				if err := c.env.Store.DeleteFolder(ctx, f.ID); err != nil {
					return tempFail(err)
				}
			}
			c.env.Events.Publish(c.env.Account.Name, events.KindFolderSetChanged, nil)
		}
		return out

	default:
		return hardFail(fmt.Errorf("unknown pending kind %q", c.op.Kind))
	}
}

func (c *QOpCommand) storeFlags(ctx context.Context, uids imap.UIDSet, flag imap.Flag, set bool) Outcome {
	out := c.run(ctx, func(ctx context.Context) error {
		return c.env.Session.StoreFlags(ctx, c.op.FolderServerID, uids, flag, set)
	})
	if out.Kind != Success {
		return out
	}
	folder, err := c.env.Store.FolderByServerID(ctx, c.env.Account.ID, c.op.FolderServerID)
	if err != nil {
		return tempFail(err)
	}
	local, err := c.env.Store.LocalUIDs(ctx, folder.ID, 0)
	if err != nil {
		return tempFail(err)
	}
	localSet := store.UIDSetFromList(local)
	for _, u := range store.ExpandUIDSet(uids) {
		if !localSet.Contains(u) {
			continue
		}
		if err := c.env.Store.SetMessageFlag(ctx, folder.ID, u, flag, set); err != nil {
			return tempFail(err)
		}
	}
	c.env.Events.Publish(c.env.Account.Name, events.KindEmailSetChanged,
		EmailSetChange{Folder: c.op.FolderServerID, UIDs: store.ExpandUIDSet(uids)})
	return success()
}

func (c *QOpCommand) dropLocal(ctx context.Context, uids imap.UIDSet) Outcome {
	folder, err := c.env.Store.FolderByServerID(ctx, c.env.Account.ID, c.op.FolderServerID)
	if err != nil {
		if err == store.ErrNotFound {
			return success()
		}
		return tempFail(err)
	}
	if err := c.env.Store.DeleteMessages(ctx, folder.ID, store.ExpandUIDSet(uids)); err != nil {
		return tempFail(err)
	}
	c.env.Events.Publish(c.env.Account.Name, events.KindEmailSetChanged,
		EmailSetChange{Folder: c.op.FolderServerID, UIDs: store.ExpandUIDSet(uids)})
	return success()
}

func (c *QOpCommand) renameLocal(ctx context.Context) Outcome {
	f, err := c.env.Store.FolderByServerID(ctx, c.env.Account.ID, c.op.FolderServerID)
	if err != nil {
		if err == store.ErrNotFound {
			return success()
		}
		return tempFail(err)
	}
	if err := c.env.Store.RenameFolder(ctx, f.ID, c.op.DestServerID); err != nil {
		return tempFail(err)
	}
	return success()
}
