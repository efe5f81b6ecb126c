// Package strategy decides what to sync next. For each folder it produces at
// most one window: first the quick window of newest messages, then a
// metadata refresh when the folder's view is stale, then a backward repair
// sweep, and finally nothing, at which point the engine may idle.
package strategy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
)

// Rungs. Bootstrap syncs the inbox only with a small window; steady state
// walks every folder. Rung 1 existed historically for a priority-inbox stage
// and is skipped.
const (
	RungBootstrap = 0
	RungSteady    = 2
)

const (
	baseWindow  = 5
	rung0Window = 3

	inboxFactor    = 2
	wifiFactor     = 3
	cellFastFactor = 2

	// resyncMultiplier widens pure flag-resync rounds: refreshing flags is
	// far cheaper than fetching summaries.
	resyncMultiplier = 200

	examineInterval      = 60 * time.Second
	quickExamineInterval = 30 * time.Second

	// InboxMinExamine bounds how long the engine sits in IDLE before
	// re-checking the inbox.
	InboxMinExamine = 5 * time.Minute

	// rung0ExitCount ends bootstrap once the inbox holds this many local
	// summaries even if the sweep has further to go.
	rung0ExitCount = 100
)

// Window is one unit of sync work against a single folder.
type Window struct {
	Folder *store.Folder

	// UIDs are messages to fetch full summaries for.
	UIDs imap.UIDSet
	// ResyncUIDs are locally known messages whose flags get refreshed.
	ResyncUIDs imap.UIDSet
	Fields     session.FetchFields

	// MetadataOnly asks for an examine + UID snapshot instead of a fetch.
	MetadataOnly bool

	// Pending is the operation this window answers, if any.
	Pending *store.PendingOp
}

type Strategy struct {
	store      *store.Store
	comm       *comm.Tracker
	log        zerolog.Logger
	daysToSync int
	quickSync  atomic.Bool
}

func New(st *store.Store, tracker *comm.Tracker, log zerolog.Logger, daysToSync int) *Strategy {
	return &Strategy{
		store:      st,
		comm:       tracker,
		log:        log.With().Str("component", "strategy").Logger(),
		daysToSync: daysToSync,
	}
}

// SetQuickSync shortens examine intervals, used right after launch or an
// external wake-up.
func (s *Strategy) SetQuickSync(on bool) {
	s.quickSync.Store(on)
}

// SinceTime bounds UID snapshot searches by age. Zero daysToSync means no
// bound.
func (s *Strategy) SinceTime() time.Time {
	if s.daysToSync <= 0 {
		return time.Time{}
	}
	return time.Now().AddDate(0, 0, -s.daysToSync)
}

// SpanSize is the quick/repair window size for a folder: a per-rung base,
// scaled up on faster links, doubled for the inbox.
func (s *Strategy) SpanSize(acct *store.Account, folder *store.Folder) uint32 {
	span := uint32(baseWindow)
	if acct.Rung == RungBootstrap {
		span = rung0Window
	}
	switch s.comm.Speed() {
	case comm.SpeedWiFi:
		span *= wifiFactor
	case comm.SpeedCellFast:
		span *= cellFastFactor
	}
	if folder.IsInbox {
		span *= inboxFactor
	}
	return span
}

func (s *Strategy) examineStale(folder *store.Folder) bool {
	interval := examineInterval
	if s.quickSync.Load() {
		interval = quickExamineInterval
	}
	return folder.LastExamine.IsZero() || time.Since(folder.LastExamine) > interval
}

// NextWindow scans the account's folders in sync order and returns the first
// piece of work, or nil when every folder is caught up.
func (s *Strategy) NextWindow(ctx context.Context, acct *store.Account) (*Window, *store.Account, error) {
	folders, err := s.syncFolderList(ctx, acct)
	if err != nil {
		return nil, acct, err
	}
	for _, f := range folders {
		w, err := s.WindowForFolder(ctx, acct, f)
		if err != nil {
			return nil, acct, err
		}
		if w != nil {
			return w, acct, nil
		}
	}
	// Nothing to do anywhere. Bootstrap is over once the inbox is drained.
	if acct.Rung == RungBootstrap {
		acct, err = s.advanceRung(ctx, acct)
		if err != nil {
			return nil, acct, err
		}
	}
	return nil, acct, nil
}

// syncFolderList is the folder scan order: bootstrap sees only the inbox,
// steady state sees every selectable folder, inbox first.
func (s *Strategy) syncFolderList(ctx context.Context, acct *store.Account) ([]*store.Folder, error) {
	all, err := s.store.Folders(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	var out []*store.Folder
	for _, f := range all {
		if f.NoSelect {
			continue
		}
		if acct.Rung == RungBootstrap && !f.IsInbox {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// WindowForFolder produces the folder's next window, or nil when it is
// caught up.
func (s *Strategy) WindowForFolder(ctx context.Context, acct *store.Account, folder *store.Folder) (*Window, error) {
	if folder.NoSelect {
		return nil, nil
	}

	// 1. Quick window: new arrivals above the synced ceiling, from the last
	// known UIDNEXT. This runs even on a stale view so that new mail beats
	// housekeeping.
	if w := s.quickWindow(acct, folder); w != nil {
		return w, nil
	}

	// 2. Metadata refresh when the view is stale or a full resync was
	// demanded.
	if folder.NeedFullSync || folder.UIDNext == 0 || s.examineStale(folder) {
		return &Window{Folder: folder, MetadataOnly: true}, nil
	}

	// 3. Backward repair sweep below the sweep cursor.
	return s.repairWindow(ctx, acct, folder)
}

// quickWindow covers [max(HighestSynced+1, UIDNext-span), UIDNext-1].
func (s *Strategy) quickWindow(acct *store.Account, folder *store.Folder) *Window {
	if folder.UIDNext <= 1 {
		return nil
	}
	top := folder.UIDNext - 1
	if folder.HighestSynced >= top {
		return nil
	}
	span := imap.UID(s.SpanSize(acct, folder))
	start := folder.HighestSynced + 1
	if folder.UIDNext > span && folder.UIDNext-span > start {
		start = folder.UIDNext - span
	}
	var set imap.UIDSet
	set.AddRange(start, top)
	return &Window{
		Folder: folder,
		UIDs:   set,
		Fields: session.FetchFields{Envelope: true, Flags: true, Size: true},
	}
}

// repairWindow walks the server snapshot downward from the sweep cursor,
// fetching summaries the store is missing and refreshing flags for the rest.
// Returns nil once the cursor has passed the oldest snapshot UID.
func (s *Strategy) repairWindow(ctx context.Context, acct *store.Account, folder *store.Folder) (*Window, error) {
	snapshot, err := store.ParseUIDSet(folder.ServerUIDs)
	if err != nil {
		return nil, err
	}
	if len(snapshot) == 0 || folder.LastSynced == 0 {
		return nil, nil
	}
	if folder.LastSynced <= store.MinUID(snapshot) {
		return nil, nil
	}

	span := int(s.SpanSize(acct, folder))
	region := store.UIDsBelow(snapshot, folder.LastSynced, span)
	if len(region) == 0 {
		return nil, nil
	}
	local, err := s.store.LocalUIDs(ctx, folder.ID, folder.LastSynced)
	if err != nil {
		return nil, err
	}
	localSet := store.UIDSetFromList(local)

	missing, present := splitByPresence(region, localSet)
	if len(missing) == 0 {
		// Pure flag-resync round: widen the region, flags are cheap.
		region = store.UIDsBelow(snapshot, folder.LastSynced, span*resyncMultiplier)
		_, present = splitByPresence(region, localSet)
	}

	w := &Window{Folder: folder, Fields: session.FetchFields{Envelope: true, Flags: true, Size: true}}
	if len(missing) > 0 {
		w.UIDs = store.UIDSetFromList(missing)
	}
	if len(present) > 0 {
		w.ResyncUIDs = store.UIDSetFromList(present)
	}
	if len(missing) == 0 && len(present) == 0 {
		return nil, nil
	}
	return w, nil
}

func splitByPresence(region []imap.UID, local imap.UIDSet) (missing, present []imap.UID) {
	for _, u := range region {
		if local.Contains(u) {
			present = append(present, u)
		} else {
			missing = append(missing, u)
		}
	}
	return
}

// advanceRung moves bootstrap to steady state.
func (s *Strategy) advanceRung(ctx context.Context, acct *store.Account) (*store.Account, error) {
	updated, err := s.store.UpdateAccount(ctx, acct.ID, func(a *store.Account) error {
		if a.Rung == RungBootstrap {
			a.Rung = RungSteady
		}
		return nil
	})
	if err != nil {
		return acct, err
	}
	s.log.Info().Int("rung", updated.Rung).Msg("rung advanced")
	return updated, nil
}

// MaybeExitBootstrap leaves rung 0 early once the inbox holds enough local
// messages, without waiting for the sweep to finish.
func (s *Strategy) MaybeExitBootstrap(ctx context.Context, acct *store.Account, inbox *store.Folder) (*store.Account, error) {
	if acct.Rung != RungBootstrap {
		return acct, nil
	}
	n, err := s.store.MessageCount(ctx, inbox.ID)
	if err != nil {
		return acct, err
	}
	if n <= rung0ExitCount {
		return acct, nil
	}
	return s.advanceRung(ctx, acct)
}
