// Package commands holds the engine's command set. A command is one
// cancellable unit of server interaction; it reports a single Outcome and
// never touches the state machine directly. Transient errors are retried
// inside the command a bounded number of times before TempFail surfaces.
package commands

import (
	"context"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/logging"
	"github.com/quailmail/quail/pkg/reliability"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
	"github.com/quailmail/quail/pkg/strategy"
)

// Env is everything a command needs; the engine builds one per account.
type Env struct {
	Account  *store.Account
	Store    *store.Store
	Session  session.Session
	Events   *events.Bus
	Comm     *comm.Tracker
	Strategy *strategy.Strategy
	Log      zerolog.Logger

	// San rewrites subjects and addresses before they reach the log stream.
	// Nil means a disabled sanitizer.
	San *logging.Sanitizer

	// Retry overrides the in-command retry policy; the zero value means the
	// default bounded backoff.
	Retry reliability.RetryConfig
}

func (e *Env) sanitizer() *logging.Sanitizer {
	if e.San == nil {
		return logging.NewSanitizer(false, "")
	}
	return e.San
}

// Command is one unit of work against the server.
type Command interface {
	Name() string
	Execute(ctx context.Context) Outcome
	// Pendings are the queued operations this command is serving; the
	// engine defers them if the command is cancelled mid-flight.
	Pendings() []*store.PendingOp
}

type base struct {
	env      *Env
	name     string
	pendings []*store.PendingOp
}

func (b *base) Name() string                 { return b.name }
func (b *base) Pendings() []*store.PendingOp { return b.pendings }

// run executes fn with the bounded in-command retry loop, reports the result
// to the comm tracker, and classifies any terminal error.
func (b *base) run(ctx context.Context, fn func(context.Context) error) Outcome {
	cfg := b.env.Retry
	if cfg.MaxAttempts == 0 {
		cfg = reliability.CommandRetryConfig()
	}
	err := reliability.RetryWithBackoff(ctx, cfg, func() error {
		return fn(ctx)
	})
	b.env.Comm.ReportResult(err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return tempFail(ctx.Err())
		}
		b.env.Log.Warn().Str("command", b.name).Err(err).Msg("command failed")
		return Classify(err)
	}
	return success()
}

// Event payloads published by commands.

// EmailSetChange reports stored summaries changing in a folder.
type EmailSetChange struct {
	Folder string
	UIDs   []imap.UID
}

// SearchResult answers a search operation.
type SearchResult struct {
	Token string
	UIDs  []imap.UID
}

// BodyResult answers a fetch-body operation.
type BodyResult struct {
	Token string
	UID   imap.UID
	Body  []byte
}
