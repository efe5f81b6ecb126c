package store

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Message is one stored summary row. Bodies are not stored; fetch-body
// operations hand content to the owning application.
type Message struct {
	ID        int64
	AccountID int64
	FolderID  int64
	UID       imap.UID
	MessageID string
	Subject   string
	Sender    string
	Date      time.Time
	Size      int64
	Seen      bool
	Answered  bool
	Flagged   bool
}

// UpsertMessage writes a summary, overwriting any prior row for the same
// (folder, uid). Re-fetching a window is therefore idempotent.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) error {
	var date int64
	if !m.Date.IsZero() {
		date = m.Date.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (account_id, folder_id, uid, message_id, subject,
			sender, internal_date, size, seen, answered, flagged)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(folder_id, uid) DO UPDATE SET
			message_id=excluded.message_id, subject=excluded.subject,
			sender=excluded.sender, internal_date=excluded.internal_date,
			size=excluded.size, seen=excluded.seen, answered=excluded.answered,
			flagged=excluded.flagged`,
		m.AccountID, m.FolderID, m.UID, m.MessageID, m.Subject,
		m.Sender, date, m.Size, m.Seen, m.Answered, m.Flagged)
	if err != nil {
		return fmt.Errorf("upserting message uid %d: %w", m.UID, err)
	}
	return nil
}

// UpdateMessageFlags refreshes only the flag columns of an existing row.
func (s *Store) UpdateMessageFlags(ctx context.Context, folderID int64, uid imap.UID, seen, answered, flagged bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET seen=?, answered=?, flagged=? WHERE folder_id=? AND uid=?`,
		seen, answered, flagged, folderID, uid)
	if err != nil {
		return fmt.Errorf("updating flags for uid %d: %w", uid, err)
	}
	return nil
}

// SetMessageFlag mutates one flag column, leaving the others alone.
func (s *Store) SetMessageFlag(ctx context.Context, folderID int64, uid imap.UID, flag imap.Flag, set bool) error {
	var col string
	switch flag {
	case imap.FlagSeen:
		col = "seen"
	case imap.FlagAnswered:
		col = "answered"
	case imap.FlagFlagged:
		col = "flagged"
	default:
		return nil // untracked flag
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+col+`=? WHERE folder_id=? AND uid=?`,
		set, folderID, uid)
	if err != nil {
		return fmt.Errorf("setting %s for uid %d: %w", col, uid, err)
	}
	return nil
}

// LocalUIDs lists stored UIDs in a folder strictly below limit (0 means no
// bound), ascending.
func (s *Store) LocalUIDs(ctx context.Context, folderID int64, limit imap.UID) ([]imap.UID, error) {
	q := `SELECT uid FROM messages WHERE folder_id=?`
	args := []any{folderID}
	if limit > 0 {
		q += ` AND uid < ?`
		args = append(args, limit)
	}
	q += ` ORDER BY uid ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing local uids: %w", err)
	}
	defer rows.Close()
	var out []imap.UID
	for rows.Next() {
		var u imap.UID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MessageCount counts stored summaries in a folder.
func (s *Store) MessageCount(ctx context.Context, folderID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE folder_id=?`, folderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// DeleteMessages removes rows for UIDs the server no longer has.
func (s *Store) DeleteMessages(ctx context.Context, folderID int64, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM messages WHERE folder_id=? AND uid=?`)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	defer stmt.Close()
	for _, u := range uids {
		if _, err := stmt.ExecContext(ctx, folderID, u); err != nil {
			return fmt.Errorf("deleting message uid %d: %w", u, err)
		}
	}
	return tx.Commit()
}
