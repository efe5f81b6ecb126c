package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Folder carries the sync cursors of one mailbox.
//
// HighestSynced/LowestSynced bound the contiguous region of UIDs whose
// summaries are local. LastSynced is the backward sweep position: everything
// in (LastSynced, HighestSynced] has been examined this pass. Only the
// command that fetched a window moves these.
type Folder struct {
	ID          int64
	AccountID   int64
	ServerID    string
	DisplayName string
	UIDValidity uint32
	UIDNext     imap.UID

	HighestSynced imap.UID
	LowestSynced  imap.UID
	LastSynced    imap.UID

	LastExamine  time.Time
	ExistsCount  uint32
	ServerUIDs   string
	NeedFullSync bool
	NoSelect     bool
	IsInbox      bool
	Version      int64
}

const folderCols = `id, account_id, server_id, display_name, uid_validity, uid_next,
	highest_synced, lowest_synced, last_synced, last_examine, exists_count,
	server_uids, need_full_sync, no_select, is_inbox, version`

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	f := &Folder{}
	var lastExamine int64
	err := row.Scan(&f.ID, &f.AccountID, &f.ServerID, &f.DisplayName,
		&f.UIDValidity, &f.UIDNext, &f.HighestSynced, &f.LowestSynced,
		&f.LastSynced, &lastExamine, &f.ExistsCount, &f.ServerUIDs,
		&f.NeedFullSync, &f.NoSelect, &f.IsInbox, &f.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning folder: %w", err)
	}
	if lastExamine > 0 {
		f.LastExamine = time.Unix(lastExamine, 0)
	}
	return f, nil
}

// InsertFolder creates a folder record.
func (s *Store) InsertFolder(ctx context.Context, f *Folder) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO folders (account_id, server_id, display_name, uid_validity,
			uid_next, is_inbox, no_select)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.AccountID, f.ServerID, f.DisplayName, f.UIDValidity, f.UIDNext,
		f.IsInbox, f.NoSelect)
	if err != nil {
		return fmt.Errorf("inserting folder %q: %w", f.ServerID, err)
	}
	f.ID, _ = res.LastInsertId()
	f.Version = 1
	return nil
}

// Folders lists the account's folders, inbox first, then by name.
func (s *Store) Folders(ctx context.Context, accountID int64) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+folderCols+` FROM folders WHERE account_id=?
		 ORDER BY is_inbox DESC, server_id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	defer rows.Close()
	var out []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) FolderByID(ctx context.Context, id int64) (*Folder, error) {
	return scanFolder(s.db.QueryRowContext(ctx,
		`SELECT `+folderCols+` FROM folders WHERE id=?`, id))
}

func (s *Store) FolderByServerID(ctx context.Context, accountID int64, serverID string) (*Folder, error) {
	return scanFolder(s.db.QueryRowContext(ctx,
		`SELECT `+folderCols+` FROM folders WHERE account_id=? AND server_id=?`,
		accountID, serverID))
}

// DeleteFolder removes a folder and, via cascade, its messages.
func (s *Store) DeleteFolder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting folder: %w", err)
	}
	return nil
}

// UpdateFolder applies mutate under optimistic concurrency and returns the
// committed row.
func (s *Store) UpdateFolder(ctx context.Context, id int64, mutate func(*Folder) error) (*Folder, error) {
	for i := 0; i < ocRetries; i++ {
		f, err := s.FolderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(f); err != nil {
			return nil, err
		}
		var lastExamine int64
		if !f.LastExamine.IsZero() {
			lastExamine = f.LastExamine.Unix()
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE folders SET display_name=?, uid_validity=?, uid_next=?,
				highest_synced=?, lowest_synced=?, last_synced=?, last_examine=?,
				exists_count=?, server_uids=?, need_full_sync=?, no_select=?,
				version=version+1
			 WHERE id=? AND version=?`,
			f.DisplayName, f.UIDValidity, f.UIDNext,
			f.HighestSynced, f.LowestSynced, f.LastSynced, lastExamine,
			f.ExistsCount, f.ServerUIDs, f.NeedFullSync, f.NoSelect,
			id, f.Version)
		if err != nil {
			return nil, fmt.Errorf("updating folder: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			f.Version++
			return f, nil
		}
	}
	return nil, ErrStale
}

// RenameFolder changes a folder's server identity after a server-side
// rename. Messages and cursors carry over.
func (s *Store) RenameFolder(ctx context.Context, id int64, newServerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET server_id=?, display_name=?, version=version+1 WHERE id=?`,
		newServerID, newServerID, id)
	if err != nil {
		return fmt.Errorf("renaming folder: %w", err)
	}
	return nil
}

// MarkAllFoldersFullSync flags every folder of the account for a full
// resync, used by the exported reset.
func (s *Store) MarkAllFoldersFullSync(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET need_full_sync=1, version=version+1 WHERE account_id=?`,
		accountID)
	if err != nil {
		return fmt.Errorf("marking folders for full sync: %w", err)
	}
	return nil
}
