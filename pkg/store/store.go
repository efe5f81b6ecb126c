// Package store is the SQLite persistence layer: account protocol state,
// folder sync cursors, message summaries, and the pending-operation queue.
//
// Concurrency model: rows that multiple goroutines may write carry a version
// column. Writers read a fresh copy, mutate it, and commit with
// UPDATE … WHERE id=? AND version=?; a miss means another writer got there
// first and the read-mutate-commit cycle is retried.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStale is returned when an optimistic update loses every retry.
var ErrStale = errors.New("store: row changed concurrently")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

const ocRetries = 5

type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	if path == ":memory:" {
		// Shared cache keeps all connections of the pool on one database.
		dsn = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			state INTEGER NOT NULL DEFAULT 0,
			rung INTEGER NOT NULL DEFAULT 0,
			discovery_done INTEGER NOT NULL DEFAULT 0,
			inbox_synced INTEGER NOT NULL DEFAULT 0,
			capabilities TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS folders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			server_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			uid_validity INTEGER NOT NULL DEFAULT 0,
			uid_next INTEGER NOT NULL DEFAULT 0,
			highest_synced INTEGER NOT NULL DEFAULT 0,
			lowest_synced INTEGER NOT NULL DEFAULT 0,
			last_synced INTEGER NOT NULL DEFAULT 0,
			last_examine INTEGER NOT NULL DEFAULT 0,
			exists_count INTEGER NOT NULL DEFAULT 0,
			server_uids TEXT NOT NULL DEFAULT '',
			need_full_sync INTEGER NOT NULL DEFAULT 0,
			no_select INTEGER NOT NULL DEFAULT 0,
			is_inbox INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE(account_id, server_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
			uid INTEGER NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			internal_date INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			seen INTEGER NOT NULL DEFAULT 0,
			answered INTEGER NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0,
			UNIQUE(folder_id, uid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid)`,
		`CREATE TABLE IF NOT EXISTS pending (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL UNIQUE,
			account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			state INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			folder_server_id TEXT NOT NULL DEFAULT '',
			dest_server_id TEXT NOT NULL DEFAULT '',
			uids TEXT NOT NULL DEFAULT '',
			flag TEXT NOT NULL DEFAULT '',
			set_flag INTEGER NOT NULL DEFAULT 0,
			query TEXT NOT NULL DEFAULT '',
			body BLOB,
			defer_reason TEXT NOT NULL DEFAULT '',
			defer_count INTEGER NOT NULL DEFAULT 0,
			not_before INTEGER NOT NULL DEFAULT 0,
			delay_not_allowed INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_account_state ON pending(account_id, state, priority, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// Account is the persisted protocol state of one configured account.
type Account struct {
	ID            int64
	Name          string
	State         int
	Rung          int
	DiscoveryDone bool
	InboxSynced   bool
	Capabilities  string
	Version       int64
}

// UpsertAccount returns the account row for name, creating it on first use.
func (s *Store) UpsertAccount(ctx context.Context, name string) (*Account, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("upserting account %q: %w", name, err)
	}
	return s.AccountByName(ctx, name)
}

func (s *Store) AccountByName(ctx context.Context, name string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, name, state, rung, discovery_done, inbox_synced, capabilities, version
		 FROM accounts WHERE name=?`, name))
}

func (s *Store) AccountByID(ctx context.Context, id int64) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, name, state, rung, discovery_done, inbox_synced, capabilities, version
		 FROM accounts WHERE id=?`, id))
}

func (s *Store) scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.Name, &a.State, &a.Rung,
		&a.DiscoveryDone, &a.InboxSynced, &a.Capabilities, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return a, nil
}

// UpdateAccount applies mutate under optimistic concurrency and returns the
// committed row.
func (s *Store) UpdateAccount(ctx context.Context, id int64, mutate func(*Account) error) (*Account, error) {
	for i := 0; i < ocRetries; i++ {
		a, err := s.AccountByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(a); err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET state=?, rung=?, discovery_done=?, inbox_synced=?,
				capabilities=?, version=version+1
			 WHERE id=? AND version=?`,
			a.State, a.Rung, a.DiscoveryDone, a.InboxSynced,
			a.Capabilities, id, a.Version)
		if err != nil {
			return nil, fmt.Errorf("updating account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			a.Version++
			return a, nil
		}
	}
	return nil, ErrStale
}
