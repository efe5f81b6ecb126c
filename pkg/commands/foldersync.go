package commands

import (
	"context"
	"strings"

	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
)

// FolderSyncCommand reconciles the local folder set with the server's LIST
// response: new mailboxes get local records, vanished ones are dropped with
// their messages.
type FolderSyncCommand struct {
	base
}

func NewFolderSync(env *Env) *FolderSyncCommand {
	return &FolderSyncCommand{base: base{env: env, name: "folder-sync"}}
}

func isInbox(name string) bool {
	return strings.EqualFold(name, "INBOX")
}

func (c *FolderSyncCommand) Execute(ctx context.Context) Outcome {
	var listed []session.FolderInfo
	out := c.run(ctx, func(ctx context.Context) error {
		var err error
		listed, err = c.env.Session.ListFolders(ctx)
		return err
	})
	if out.Kind != Success {
		return out
	}

	changed, err := c.reconcile(ctx, listed)
	if err != nil {
		return tempFail(err)
	}
	if changed {
		c.env.Events.Publish(c.env.Account.Name, events.KindFolderSetChanged, nil)
	}
	return success()
}

func (c *FolderSyncCommand) reconcile(ctx context.Context, listed []session.FolderInfo) (bool, error) {
	local, err := c.env.Store.Folders(ctx, c.env.Account.ID)
	if err != nil {
		return false, err
	}
	byServerID := make(map[string]*store.Folder, len(local))
	for _, f := range local {
		byServerID[f.ServerID] = f
	}

	changed := false
	seen := map[string]bool{}
	for _, info := range listed {
		seen[info.Name] = true
		f, ok := byServerID[info.Name]
		if !ok {
			nf := &store.Folder{
				AccountID:   c.env.Account.ID,
				ServerID:    info.Name,
				DisplayName: displayName(info),
				IsInbox:     isInbox(info.Name),
				NoSelect:    info.NoSelect,
			}
			if err := c.env.Store.InsertFolder(ctx, nf); err != nil {
				return changed, err
			}
			c.env.Log.Debug().Str("folder", info.Name).Msg("folder added")
			changed = true
			continue
		}
		if f.NoSelect != info.NoSelect {
			if _, err := c.env.Store.UpdateFolder(ctx, f.ID, func(x *store.Folder) error {
				x.NoSelect = info.NoSelect
				return nil
			}); err != nil {
				return changed, err
			}
			changed = true
		}
	}

	for _, f := range local {
		if !seen[f.ServerID] {
			if err := c.env.Store.DeleteFolder(ctx, f.ID); err != nil {
				return changed, err
			}
			c.env.Log.Debug().Str("folder", f.ServerID).Msg("folder removed")
			changed = true
		}
	}
	return changed, nil
}

func displayName(info session.FolderInfo) string {
	if info.Delim == 0 {
		return info.Name
	}
	parts := strings.Split(info.Name, string(info.Delim))
	return parts[len(parts)-1]
}
