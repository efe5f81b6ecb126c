package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// PendingKind names a queued operation.
type PendingKind string

const (
	PendingSync         PendingKind = "sync"
	PendingSearch       PendingKind = "search"
	PendingFetchBody    PendingKind = "fetch_body"
	PendingMarkRead     PendingKind = "mark_read"
	PendingSetFlag      PendingKind = "set_flag"
	PendingDelete       PendingKind = "delete"
	PendingMove         PendingKind = "move"
	PendingFolderCreate PendingKind = "folder_create"
	PendingFolderRename PendingKind = "folder_rename"
	PendingFolderDelete PendingKind = "folder_delete"
	PendingSend         PendingKind = "send"
)

// PendingState is the lifecycle stage of a queued operation. An operation is
// resolved exactly once; deferred operations re-enter Eligible.
type PendingState int

const (
	StateEligible PendingState = iota
	StateDispatched
	StateDeferred
	StateSucceeded
	StateFailed
)

func (st PendingState) String() string {
	switch st {
	case StateEligible:
		return "eligible"
	case StateDispatched:
		return "dispatched"
	case StateDeferred:
		return "deferred"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Priorities. Hot operations answer a waiting user and preempt background
// work in the pick order.
const (
	PriorityBackground = 0
	PriorityHot        = 100
)

// DefaultPriority classifies kinds the way the pick loop wants them:
// searches, body fetches, and demanded folder syncs are hot.
func DefaultPriority(kind PendingKind) int {
	switch kind {
	case PendingSearch, PendingFetchBody, PendingSync:
		return PriorityHot
	default:
		return PriorityBackground
	}
}

// PendingOp is one queued operation.
type PendingOp struct {
	ID        int64
	Token     string
	AccountID int64
	Kind      PendingKind
	State     PendingState
	Priority  int

	FolderServerID string
	DestServerID   string
	UIDs           string // sequence-set text
	Flag           string
	SetFlag        bool
	Query          string
	Body           []byte

	DeferReason     string
	DeferCount      int
	NotBefore       time.Time
	DelayNotAllowed bool
	FailReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

const pendingCols = `id, token, account_id, kind, state, priority,
	folder_server_id, dest_server_id, uids, flag, set_flag, query, body,
	defer_reason, defer_count, not_before, delay_not_allowed, fail_reason,
	created_at, updated_at, version`

func scanPending(row interface{ Scan(...any) error }) (*PendingOp, error) {
	p := &PendingOp{}
	var notBefore, created, updated int64
	err := row.Scan(&p.ID, &p.Token, &p.AccountID, (*string)(&p.Kind), &p.State,
		&p.Priority, &p.FolderServerID, &p.DestServerID, &p.UIDs, &p.Flag,
		&p.SetFlag, &p.Query, &p.Body, &p.DeferReason, &p.DeferCount,
		&notBefore, &p.DelayNotAllowed, &p.FailReason, &created, &updated,
		&p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pending op: %w", err)
	}
	if notBefore > 0 {
		p.NotBefore = time.Unix(notBefore, 0)
	}
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

// Enqueue inserts a new eligible operation and assigns its client token.
func (s *Store) Enqueue(ctx context.Context, p *PendingOp) error {
	if p.Token == "" {
		p.Token = xid.New().String()
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority(p.Kind)
	}
	now := time.Now()
	p.State = StateEligible
	p.CreatedAt = now
	p.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending (token, account_id, kind, state, priority,
			folder_server_id, dest_server_id, uids, flag, set_flag, query, body,
			delay_not_allowed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Token, p.AccountID, string(p.Kind), StateEligible, p.Priority,
		p.FolderServerID, p.DestServerID, p.UIDs, p.Flag, p.SetFlag, p.Query,
		p.Body, p.DelayNotAllowed, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", p.Kind, err)
	}
	p.ID, _ = res.LastInsertId()
	p.Version = 1
	return nil
}

// NextEligible returns the next operation to run: highest priority first,
// then oldest. Deferred operations whose backoff has expired are released
// first. hotOnly restricts the answer to hot-priority work, which is what
// the side channel asks for.
func (s *Store) NextEligible(ctx context.Context, accountID int64, hotOnly bool) (*PendingOp, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending SET state=?, updated_at=?, version=version+1
		 WHERE account_id=? AND state=? AND not_before>0 AND not_before<=?`,
		StateEligible, now, accountID, StateDeferred, now)
	if err != nil {
		return nil, fmt.Errorf("releasing deferred ops: %w", err)
	}

	q := `SELECT ` + pendingCols + ` FROM pending
		WHERE account_id=? AND state=? AND (not_before=0 OR not_before<=?)`
	args := []any{accountID, StateEligible, now}
	if hotOnly {
		q += ` AND priority>=?`
		args = append(args, PriorityHot)
	}
	q += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`

	p, err := scanPending(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// transition moves an operation between states, guarded by both the current
// state and the row version so an operation is dispatched and resolved at
// most once.
func (s *Store) transition(ctx context.Context, p *PendingOp, from, to PendingState, set string, args ...any) error {
	now := time.Now()
	q := `UPDATE pending SET state=?, updated_at=?, version=version+1`
	if set != "" {
		q += ", " + set
	}
	q += ` WHERE id=? AND state=? AND version=?`
	all := append([]any{to, now.Unix()}, args...)
	all = append(all, p.ID, from, p.Version)
	res, err := s.db.ExecContext(ctx, q, all...)
	if err != nil {
		return fmt.Errorf("moving op %s to %s: %w", p.Token, to, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrStale
	}
	p.State = to
	p.Version++
	p.UpdatedAt = now
	return nil
}

// Dispatch claims an eligible operation for execution.
func (s *Store) Dispatch(ctx context.Context, p *PendingOp) error {
	return s.transition(ctx, p, StateEligible, StateDispatched, "")
}

// ResolveSuccess marks a dispatched operation done.
func (s *Store) ResolveSuccess(ctx context.Context, p *PendingOp) error {
	return s.transition(ctx, p, StateDispatched, StateSucceeded, "")
}

// ResolveFailure marks a dispatched operation permanently failed.
func (s *Store) ResolveFailure(ctx context.Context, p *PendingOp, reason string) error {
	return s.transition(ctx, p, StateDispatched, StateFailed, "fail_reason=?", reason)
}

// Defer returns a dispatched operation to the queue with a reason. A zero
// notBefore parks the operation until ReleaseDeferred frees it (used while
// awaiting folder metadata); otherwise it self-releases after notBefore.
func (s *Store) Defer(ctx context.Context, p *PendingOp, reason string, notBefore time.Time) error {
	var nb int64
	if !notBefore.IsZero() {
		nb = notBefore.Unix()
	}
	return s.transition(ctx, p, StateDispatched, StateDeferred,
		"defer_reason=?, defer_count=defer_count+1, not_before=?", reason, nb)
}

// ReleaseDeferred frees operations deferred against a folder, typically
// after its metadata has been refreshed.
func (s *Store) ReleaseDeferred(ctx context.Context, accountID int64, folderServerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending SET state=?, not_before=0, updated_at=?, version=version+1
		 WHERE account_id=? AND state=? AND folder_server_id=?`,
		StateEligible, time.Now().Unix(), accountID, StateDeferred, folderServerID)
	if err != nil {
		return fmt.Errorf("releasing deferred ops: %w", err)
	}
	return nil
}

// FailNonDelayable fails queued operations that cannot survive a park and
// returns how many were failed. Delayable operations stay queued.
func (s *Store) FailNonDelayable(ctx context.Context, accountID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending SET state=?, fail_reason='parked', updated_at=?, version=version+1
		 WHERE account_id=? AND state IN (?, ?, ?) AND delay_not_allowed=1`,
		StateFailed, time.Now().Unix(), accountID,
		StateEligible, StateDispatched, StateDeferred)
	if err != nil {
		return 0, fmt.Errorf("failing non-delayable ops: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RequeueDispatched returns dispatched operations to eligible, used on
// restart so operations interrupted by a crash run again.
func (s *Store) RequeueDispatched(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending SET state=?, updated_at=?, version=version+1
		 WHERE account_id=? AND state=?`,
		StateEligible, time.Now().Unix(), accountID, StateDispatched)
	if err != nil {
		return fmt.Errorf("requeueing dispatched ops: %w", err)
	}
	return nil
}

// PendingByToken looks an operation up by its client token.
func (s *Store) PendingByToken(ctx context.Context, token string) (*PendingOp, error) {
	return scanPending(s.db.QueryRowContext(ctx,
		`SELECT `+pendingCols+` FROM pending WHERE token=?`, token))
}

// PendingSendsFor lists queued send operations targeting a folder, oldest
// first; the sync command uploads these before fetching.
func (s *Store) PendingSendsFor(ctx context.Context, accountID int64, folderServerID string) ([]*PendingOp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingCols+` FROM pending
		 WHERE account_id=? AND state=? AND kind=? AND folder_server_id=?
		 ORDER BY created_at ASC, id ASC`,
		accountID, StateEligible, string(PendingSend), folderServerID)
	if err != nil {
		return nil, fmt.Errorf("listing queued sends: %w", err)
	}
	defer rows.Close()
	var out []*PendingOp
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
