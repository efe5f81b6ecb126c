// Package session is the IMAP session capability: an account-scoped handle
// to the server that serializes access to one connection. The engine and its
// commands talk to this interface; the imapclient adapter is the production
// implementation and tests substitute a fake.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Caps is the capability set captured from the server, persisted as a
// comma-separated string on the account row.
type Caps struct {
	Idle    bool
	Move    bool
	UIDPlus bool
	ID      bool
}

func (c Caps) Encode() string {
	var parts []string
	if c.Idle {
		parts = append(parts, "IDLE")
	}
	if c.Move {
		parts = append(parts, "MOVE")
	}
	if c.UIDPlus {
		parts = append(parts, "UIDPLUS")
	}
	if c.ID {
		parts = append(parts, "ID")
	}
	return strings.Join(parts, ",")
}

func DecodeCaps(s string) Caps {
	var c Caps
	for _, p := range strings.Split(s, ",") {
		switch p {
		case "IDLE":
			c.Idle = true
		case "MOVE":
			c.Move = true
		case "UIDPLUS":
			c.UIDPlus = true
		case "ID":
			c.ID = true
		}
	}
	return c
}

// FolderInfo describes one mailbox from LIST.
type FolderInfo struct {
	Name       string
	Delim      rune
	NoSelect   bool
	Attributes []imap.MailboxAttr
}

// FolderStatus is the metadata needed to plan sync windows.
type FolderStatus struct {
	UIDNext     imap.UID
	UIDValidity uint32
	NumMessages uint32
}

// Summary is one fetched message summary.
type Summary struct {
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

// FetchFields selects what a summary fetch asks the server for. Flag-only
// fetches are used by the resync pass.
type FetchFields struct {
	Envelope bool
	Flags    bool
	Size     bool
}

// WakeReason says why an Idle call returned.
type WakeReason int

const (
	WakeTimeout WakeReason = iota
	WakeNewMail
)

// Session is the protocol surface the engine needs. All blocking calls honor
// ctx cancellation. Implementations serialize concurrent callers onto the
// underlying connection.
type Session interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	// SetAuth replaces the stored credentials; the next Authenticate uses
	// them. secret is the password, or the access token for OAuth sessions.
	SetAuth(username, secret string)
	Caps() Caps
	Connected() bool

	ListFolders(ctx context.Context) ([]FolderInfo, error)
	Examine(ctx context.Context, folder string) (*FolderStatus, error)
	SearchUIDs(ctx context.Context, folder string, since time.Time, uids imap.UIDSet) ([]imap.UID, error)
	SearchText(ctx context.Context, folder, query string) ([]imap.UID, error)
	FetchSummaries(ctx context.Context, folder string, uids imap.UIDSet, fields FetchFields) ([]*Summary, error)
	FetchBody(ctx context.Context, folder string, uid imap.UID) ([]byte, error)

	StoreFlags(ctx context.Context, folder string, uids imap.UIDSet, flag imap.Flag, set bool) error
	Move(ctx context.Context, folder string, uids imap.UIDSet, dest string) error
	Expunge(ctx context.Context, folder string, uids imap.UIDSet) error
	Append(ctx context.Context, folder string, body []byte) (imap.UID, error)
	CreateFolder(ctx context.Context, name string) error
	RenameFolder(ctx context.Context, oldName, newName string) error
	DeleteFolder(ctx context.Context, name string) error

	Idle(ctx context.Context, folder string, timeout time.Duration) (WakeReason, error)
	Noop(ctx context.Context) error

	Close() error
}
