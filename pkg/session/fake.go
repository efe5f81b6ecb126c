package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Fake is an in-memory Session for tests. Folder contents are scripted by
// the test; every mutation happens under one lock so tests can drive it from
// several goroutines.
type Fake struct {
	mu sync.Mutex

	FakeCaps Caps
	folders  map[string]*FakeFolder

	connected bool
	authed    bool

	// Scriptable failures. Counters burn down: a value of 2 fails the next
	// two calls then succeeds.
	ConnectFails int
	AuthFails    int
	AuthErr      error
	FetchErr     error
	StoreErr     error

	// FetchDelay slows FetchSummaries so tests can observe in-flight work.
	FetchDelay time.Duration

	// IdleWake wakes a blocked Idle call.
	IdleWake chan struct{}

	Calls []string
}

// FakeFolder is one scripted mailbox.
type FakeFolder struct {
	UIDValidity uint32
	UIDNext     imap.UID
	Messages    map[imap.UID]*FakeMessage
}

// FakeMessage is a stored message with its summary fields and raw body.
type FakeMessage struct {
	Summary
	Body []byte
}

func NewFake() *Fake {
	return &Fake{
		FakeCaps: Caps{Idle: true, Move: true, UIDPlus: true},
		folders:  map[string]*FakeFolder{},
		IdleWake: make(chan struct{}, 1),
	}
}

// AddFolder scripts a mailbox. UIDs start at 1.
func (f *Fake) AddFolder(name string, uidValidity uint32) *FakeFolder {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff := &FakeFolder{UIDValidity: uidValidity, UIDNext: 1, Messages: map[imap.UID]*FakeMessage{}}
	f.folders[name] = ff
	return ff
}

// AddMessage appends a message to a scripted folder and returns its UID.
func (f *Fake) AddMessage(folder string, subject string, date time.Time) imap.UID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff := f.folders[folder]
	uid := ff.UIDNext
	ff.Messages[uid] = &FakeMessage{Summary: Summary{
		UID: uid, Subject: subject, Sender: "peer@example.com", Date: date, Size: 512,
	}}
	ff.UIDNext++
	return uid
}

// SetFetchDelay adjusts the fetch delay while the fake is in use.
func (f *Fake) SetFetchDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchDelay = d
}

// RemoveMessage simulates a server-side deletion.
func (f *Fake) RemoveMessage(folder string, uid imap.UID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.folders[folder].Messages, uid)
}

// Folder exposes a scripted folder for assertions.
func (f *Fake) Folder(name string) *FakeFolder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders[name]
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect")
	if f.ConnectFails > 0 {
		f.ConnectFails--
		return fmt.Errorf("dial tcp: connection refused")
	}
	f.connected = true
	return nil
}

func (f *Fake) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("auth")
	if !f.connected {
		f.connected = true
	}
	if f.AuthFails > 0 {
		f.AuthFails--
		if f.AuthErr != nil {
			return f.AuthErr
		}
		return fmt.Errorf("authentication failed")
	}
	f.authed = true
	return nil
}

func (f *Fake) SetAuth(username, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set-auth " + username)
	f.authed = false
}

func (f *Fake) Caps() Caps { return f.FakeCaps }

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	names := make([]string, 0, len(f.folders))
	for name := range f.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]FolderInfo, 0, len(names))
	for _, n := range names {
		out = append(out, FolderInfo{Name: n, Delim: '/'})
	}
	return out, nil
}

func (f *Fake) Examine(ctx context.Context, folder string) (*FolderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("examine " + folder)
	ff, ok := f.folders[folder]
	if !ok {
		return nil, fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	return &FolderStatus{
		UIDNext:     ff.UIDNext,
		UIDValidity: ff.UIDValidity,
		NumMessages: uint32(len(ff.Messages)),
	}, nil
}

func (f *Fake) allUIDs(ff *FakeFolder) []imap.UID {
	uids := make([]imap.UID, 0, len(ff.Messages))
	for u := range ff.Messages {
		uids = append(uids, u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (f *Fake) SearchUIDs(ctx context.Context, folder string, since time.Time, uids imap.UIDSet) ([]imap.UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("search " + folder)
	ff, ok := f.folders[folder]
	if !ok {
		return nil, fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	var out []imap.UID
	for _, u := range f.allUIDs(ff) {
		m := ff.Messages[u]
		if !since.IsZero() && m.Date.Before(since) {
			continue
		}
		if len(uids) > 0 && !uids.Contains(u) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *Fake) SearchText(ctx context.Context, folder, query string) ([]imap.UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("search-text " + folder)
	ff, ok := f.folders[folder]
	if !ok {
		return nil, fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	var out []imap.UID
	for _, u := range f.allUIDs(ff) {
		if containsFold(ff.Messages[u].Subject, query) {
			out = append(out, u)
		}
	}
	return out, nil
}

func containsFold(s, sub string) bool {
	S, Sub := []byte(s), []byte(sub)
	if len(Sub) == 0 {
		return true
	}
	lower := func(b byte) byte {
		if 'A' <= b && b <= 'Z' {
			return b + 32
		}
		return b
	}
outer:
	for i := 0; i+len(Sub) <= len(S); i++ {
		for j := range Sub {
			if lower(S[i+j]) != lower(Sub[j]) {
				continue outer
			}
		}
		return true
	}
	return false
}

func (f *Fake) FetchSummaries(ctx context.Context, folder string, uids imap.UIDSet, fields FetchFields) ([]*Summary, error) {
	f.mu.Lock()
	delay := f.FetchDelay
	f.record("fetch " + folder)
	if f.FetchErr != nil {
		err := f.FetchErr
		f.mu.Unlock()
		return nil, err
	}
	ff, ok := f.folders[folder]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	var out []*Summary
	for _, u := range f.allUIDs(ff) {
		if uids.Contains(u) {
			sum := ff.Messages[u].Summary
			out = append(out, &sum)
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *Fake) FetchBody(ctx context.Context, folder string, uid imap.UID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch-body " + folder)
	ff, ok := f.folders[folder]
	if !ok {
		return nil, fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	m, ok := ff.Messages[uid]
	if !ok {
		return nil, fmt.Errorf("NO no such message")
	}
	if m.Body == nil {
		return []byte("Subject: " + m.Subject + "\r\n\r\nbody"), nil
	}
	return m.Body, nil
}

func (f *Fake) StoreFlags(ctx context.Context, folder string, uids imap.UIDSet, flag imap.Flag, set bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("store " + folder)
	if f.StoreErr != nil {
		return f.StoreErr
	}
	ff, ok := f.folders[folder]
	if !ok {
		return fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	for u, m := range ff.Messages {
		if !uids.Contains(u) {
			continue
		}
		switch flag {
		case imap.FlagSeen:
			m.Seen = set
		case imap.FlagAnswered:
			m.Answered = set
		case imap.FlagFlagged:
			m.Flagged = set
		}
	}
	return nil
}

func (f *Fake) Move(ctx context.Context, folder string, uids imap.UIDSet, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("move " + folder + "->" + dest)
	src, ok := f.folders[folder]
	if !ok {
		return fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	dst, ok := f.folders[dest]
	if !ok {
		return fmt.Errorf("NO mailbox does not exist: %s", dest)
	}
	for u, m := range src.Messages {
		if !uids.Contains(u) {
			continue
		}
		moved := *m
		moved.UID = dst.UIDNext
		dst.Messages[dst.UIDNext] = &moved
		dst.UIDNext++
		delete(src.Messages, u)
	}
	return nil
}

func (f *Fake) Expunge(ctx context.Context, folder string, uids imap.UIDSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("expunge " + folder)
	ff, ok := f.folders[folder]
	if !ok {
		return fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	for u := range ff.Messages {
		if uids.Contains(u) {
			delete(ff.Messages, u)
		}
	}
	return nil
}

func (f *Fake) Append(ctx context.Context, folder string, body []byte) (imap.UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("append " + folder)
	ff, ok := f.folders[folder]
	if !ok {
		return 0, fmt.Errorf("NO mailbox does not exist: %s", folder)
	}
	uid := ff.UIDNext
	ff.Messages[uid] = &FakeMessage{
		Summary: Summary{UID: uid, Subject: "(appended)", Date: time.Now(), Size: int64(len(body))},
		Body:    body,
	}
	ff.UIDNext++
	return uid, nil
}

func (f *Fake) CreateFolder(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create " + name)
	if _, ok := f.folders[name]; ok {
		return fmt.Errorf("NO mailbox already exists")
	}
	f.folders[name] = &FakeFolder{UIDValidity: 1, UIDNext: 1, Messages: map[imap.UID]*FakeMessage{}}
	return nil
}

func (f *Fake) RenameFolder(ctx context.Context, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rename " + oldName + "->" + newName)
	ff, ok := f.folders[oldName]
	if !ok {
		return fmt.Errorf("NO mailbox does not exist: %s", oldName)
	}
	delete(f.folders, oldName)
	f.folders[newName] = ff
	return nil
}

func (f *Fake) DeleteFolder(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete " + name)
	if _, ok := f.folders[name]; !ok {
		return fmt.Errorf("NO mailbox does not exist: %s", name)
	}
	delete(f.folders, name)
	return nil
}

func (f *Fake) Idle(ctx context.Context, folder string, timeout time.Duration) (WakeReason, error) {
	f.mu.Lock()
	f.record("idle " + folder)
	f.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.IdleWake:
		return WakeNewMail, nil
	case <-timer.C:
		return WakeTimeout, nil
	case <-ctx.Done():
		return WakeTimeout, ctx.Err()
	}
}

func (f *Fake) Noop(ctx context.Context) error { return nil }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.authed = false
	return nil
}

var _ Session = (*Fake)(nil)
