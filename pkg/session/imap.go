package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/sqs/go-xoauth2"

	"github.com/quailmail/quail/pkg/reliability"
)

// Config describes how to reach and authenticate against one server.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	// OAuth switches to XOAUTH2 with AccessToken instead of LOGIN.
	OAuth       bool
	AccessToken string

	ProtocolTrace bool
	Sanitized     bool
	Timeouts      reliability.Timeouts
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// imapSession adapts imapclient to the Session interface. A mutex serializes
// callers onto the single connection; concurrent work needs its own session.
type imapSession struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	client    *imapclient.Client
	connected bool
	authed    bool
	caps      Caps
	selected  string

	// wake is pulsed by unilateral EXISTS updates while idling.
	wake chan struct{}
}

// New returns a Session backed by a dedicated IMAP connection.
func New(cfg Config, log zerolog.Logger) Session {
	if cfg.Timeouts == (reliability.Timeouts{}) {
		cfg.Timeouts = reliability.DefaultTimeouts()
	}
	return &imapSession{
		cfg:  cfg,
		log:  log.With().Str("component", "session").Logger(),
		wake: make(chan struct{}, 1),
	}
}

func (s *imapSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected && s.client != nil {
		return nil
	}
	s.resetLocked()

	dialer := &net.Dialer{Timeout: s.cfg.Timeouts.Connect}
	var conn net.Conn
	var err error
	if s.cfg.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", s.cfg.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.addr())
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.cfg.addr(), err)
	}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			},
		},
	}
	if s.cfg.ProtocolTrace {
		opts.DebugWriter = &debugWriter{log: s.log, sanitized: s.cfg.Sanitized}
	}

	s.client = imapclient.New(conn, opts)
	s.connected = true
	s.caps = capsFrom(s.client.Caps())
	s.log.Debug().Str("host", s.cfg.Host).Bool("tls", s.cfg.TLS).Msg("connected")
	return nil
}

// xoauth2Client speaks the XOAUTH2 SASL mechanism.
type xoauth2Client struct {
	username, token string
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(xoauth2.OAuth2String(c.username, c.token)), nil
}

func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	return nil, errors.New("unexpected XOAUTH2 challenge")
}

var _ sasl.Client = (*xoauth2Client)(nil)

func (s *imapSession) Authenticate(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	if s.cfg.OAuth {
		err = s.client.Authenticate(&xoauth2Client{username: s.cfg.Username, token: s.cfg.AccessToken})
	} else {
		err = s.client.Authenticate(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password))
		if err != nil {
			// Some servers advertise no SASL mechanisms; fall back to LOGIN.
			err = s.client.Login(s.cfg.Username, s.cfg.Password).Wait()
		}
	}
	if err != nil {
		s.dropLocked(err)
		return fmt.Errorf("authenticating %s: %w", s.cfg.Host, err)
	}
	s.authed = true
	s.caps = capsFrom(s.client.Caps())
	s.log.Debug().Msg("authenticated")
	return nil
}

func (s *imapSession) SetAuth(username, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if username != "" {
		s.cfg.Username = username
	}
	if s.cfg.OAuth {
		s.cfg.AccessToken = secret
	} else {
		s.cfg.Password = secret
	}
	// Force a fresh login on the next Authenticate.
	s.authed = false
}

func capsFrom(set imap.CapSet) Caps {
	return Caps{
		Idle:    set.Has(imap.CapIdle),
		Move:    set.Has(imap.CapMove),
		UIDPlus: set.Has(imap.CapUIDPlus),
		ID:      set.Has(imap.CapID),
	}
}

func (s *imapSession) Caps() Caps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *imapSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// resetLocked clears connection state; caller holds mu.
func (s *imapSession) resetLocked() {
	if s.client != nil {
		s.client.Close()
	}
	s.client = nil
	s.connected = false
	s.authed = false
	s.selected = ""
}

// dropLocked tears the connection down after an error that leaves it
// unusable; caller holds mu.
func (s *imapSession) dropLocked(err error) {
	if reliability.IsHardNetErr(err) || !s.authed {
		s.resetLocked()
	}
}

// ready checks ctx and connection state before issuing a command; caller
// holds mu.
func (s *imapSession) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected || !s.authed || s.client == nil {
		return errors.New("session not authenticated")
	}
	return nil
}

// selectLocked ensures folder is selected read-write; caller holds mu.
func (s *imapSession) selectLocked(folder string) (*imap.SelectData, error) {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		s.dropLocked(err)
		return nil, fmt.Errorf("selecting %q: %w", folder, err)
	}
	s.selected = folder
	return data, nil
}

func (s *imapSession) ensureSelected(folder string) error {
	if s.selected == folder {
		return nil
	}
	_, err := s.selectLocked(folder)
	return err
}

func (s *imapSession) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	boxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		s.dropLocked(err)
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	out := make([]FolderInfo, 0, len(boxes))
	for _, mb := range boxes {
		info := FolderInfo{Name: mb.Mailbox, Delim: mb.Delim, Attributes: mb.Attrs}
		for _, a := range mb.Attrs {
			if a == imap.MailboxAttrNoSelect {
				info.NoSelect = true
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *imapSession) Examine(ctx context.Context, folder string) (*FolderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	data, err := s.selectLocked(folder)
	if err != nil {
		return nil, err
	}
	st := &FolderStatus{UIDValidity: data.UIDValidity, NumMessages: data.NumMessages}
	if data.UIDNext != 0 {
		st.UIDNext = data.UIDNext
	}
	if st.UIDNext == 0 {
		// Some servers omit UIDNEXT on SELECT; ask explicitly.
		sd, err := s.client.Status(folder, &imap.StatusOptions{UIDNext: true}).Wait()
		if err != nil {
			s.dropLocked(err)
			return nil, fmt.Errorf("status %q: %w", folder, err)
		}
		st.UIDNext = sd.UIDNext
	}
	return st, nil
}

func (s *imapSession) SearchUIDs(ctx context.Context, folder string, since time.Time, uids imap.UIDSet) ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureSelected(folder); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}
	if len(uids) > 0 {
		criteria.UID = []imap.UIDSet{uids}
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		s.dropLocked(err)
		return nil, fmt.Errorf("uid search in %q: %w", folder, err)
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) SearchText(ctx context.Context, folder, query string) ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureSelected(folder); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{Text: []string{query}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		s.dropLocked(err)
		return nil, fmt.Errorf("text search in %q: %w", folder, err)
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) FetchSummaries(ctx context.Context, folder string, uids imap.UIDSet, fields FetchFields) ([]*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureSelected(folder); err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{UID: true, Flags: fields.Flags}
	if fields.Envelope {
		opts.Envelope = true
		opts.InternalDate = true
	}
	if fields.Size {
		opts.RFC822Size = true
	}
	bufs, err := s.client.Fetch(uids, opts).Collect()
	if err != nil {
		s.dropLocked(err)
		return nil, fmt.Errorf("fetching summaries in %q: %w", folder, err)
	}
	out := make([]*Summary, 0, len(bufs))
	for _, buf := range bufs {
		sum := &Summary{UID: buf.UID, Size: buf.RFC822Size, Date: buf.InternalDate}
		if buf.Envelope != nil {
			sum.Subject = buf.Envelope.Subject
			sum.MessageID = buf.Envelope.MessageID
			if len(buf.Envelope.From) > 0 {
				sum.Sender = buf.Envelope.From[0].Addr()
			}
			if sum.Date.IsZero() {
				sum.Date = buf.Envelope.Date
			}
		}
		for _, f := range buf.Flags {
			switch f {
			case imap.FlagSeen:
				sum.Seen = true
			case imap.FlagAnswered:
				sum.Answered = true
			case imap.FlagFlagged:
				sum.Flagged = true
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *imapSession) FetchBody(ctx context.Context, folder string, uid imap.UID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureSelected(folder); err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Specifier: imap.PartSpecifierNone}},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uid), opts).Collect()
	if err != nil {
		s.dropLocked(err)
		return nil, fmt.Errorf("fetching body %d in %q: %w", uid, folder, err)
	}
	for _, buf := range bufs {
		for _, section := range buf.BodySection {
			if len(section.Bytes) > 0 {
				s.log.Debug().Str("folder", folder).Uint32("uid", uint32(uid)).
					Str("size", humanize.Bytes(uint64(len(section.Bytes)))).Msg("fetched body")
				return section.Bytes, nil
			}
		}
	}
	return nil, fmt.Errorf("fetching body %d in %q: no content returned", uid, folder)
}

func (s *imapSession) StoreFlags(ctx context.Context, folder string, uids imap.UIDSet, flag imap.Flag, set bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.ensureSelected(folder); err != nil {
		return err
	}
	op := imap.StoreFlagsDel
	if set {
		op = imap.StoreFlagsAdd
	}
	err := s.client.Store(uids, &imap.StoreFlags{Op: op, Silent: true, Flags: []imap.Flag{flag}}, nil).Close()
	if err != nil {
		s.dropLocked(err)
		return fmt.Errorf("storing flags in %q: %w", folder, err)
	}
	return nil
}

func (s *imapSession) Move(ctx context.Context, folder string, uids imap.UIDSet, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.ensureSelected(folder); err != nil {
		return err
	}
	if s.caps.Move {
		if _, err := s.client.Move(uids, dest).Wait(); err != nil {
			s.dropLocked(err)
			return fmt.Errorf("moving to %q: %w", dest, err)
		}
		return nil
	}
	// COPY + flag + expunge fallback for servers without MOVE.
	if _, err := s.client.Copy(uids, dest).Wait(); err != nil {
		s.dropLocked(err)
		return fmt.Errorf("copying to %q: %w", dest, err)
	}
	return s.expungeLocked(uids)
}

func (s *imapSession) Expunge(ctx context.Context, folder string, uids imap.UIDSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.ensureSelected(folder); err != nil {
		return err
	}
	return s.expungeLocked(uids)
}

// expungeLocked flags uids deleted and expunges them; caller holds mu with a
// folder selected.
func (s *imapSession) expungeLocked(uids imap.UIDSet) error {
	err := s.client.Store(uids, &imap.StoreFlags{
		Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		s.dropLocked(err)
		return fmt.Errorf("flagging deleted: %w", err)
	}
	if s.caps.UIDPlus {
		err = s.client.UIDExpunge(uids).Close()
	} else {
		err = s.client.Expunge().Close()
	}
	if err != nil {
		s.dropLocked(err)
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

func (s *imapSession) Append(ctx context.Context, folder string, body []byte) (imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	cmd := s.client.Append(folder, int64(len(body)), nil)
	if _, err := cmd.Write(body); err != nil {
		s.dropLocked(err)
		return 0, fmt.Errorf("appending to %q: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		s.dropLocked(err)
		return 0, fmt.Errorf("appending to %q: %w", folder, err)
	}
	data, err := cmd.Wait()
	if err != nil {
		s.dropLocked(err)
		return 0, fmt.Errorf("appending to %q: %w", folder, err)
	}
	return data.UID, nil
}

func (s *imapSession) CreateFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.client.Create(name, nil).Wait(); err != nil {
		s.dropLocked(err)
		return fmt.Errorf("creating folder %q: %w", name, err)
	}
	return nil
}

func (s *imapSession) RenameFolder(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.client.Rename(oldName, newName).Wait(); err != nil {
		s.dropLocked(err)
		return fmt.Errorf("renaming folder %q: %w", oldName, err)
	}
	if s.selected == oldName {
		s.selected = ""
	}
	return nil
}

func (s *imapSession) DeleteFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.client.Delete(name).Wait(); err != nil {
		s.dropLocked(err)
		return fmt.Errorf("deleting folder %q: %w", name, err)
	}
	if s.selected == name {
		s.selected = ""
	}
	return nil
}

// Idle blocks until new mail arrives in folder, timeout passes, or ctx is
// cancelled. Servers without IDLE get a NOOP poll at a fixed cadence.
func (s *imapSession) Idle(ctx context.Context, folder string, timeout time.Duration) (WakeReason, error) {
	s.mu.Lock()
	if err := s.ready(ctx); err != nil {
		s.mu.Unlock()
		return WakeTimeout, err
	}
	if err := s.ensureSelected(folder); err != nil {
		s.mu.Unlock()
		return WakeTimeout, err
	}
	if !s.caps.Idle {
		s.mu.Unlock()
		return s.noopWait(ctx, timeout)
	}

	// Drain any stale wake pulse from before this idle round.
	select {
	case <-s.wake:
	default:
	}
	idleCmd, err := s.client.Idle()
	if err != nil {
		s.dropLocked(err)
		s.mu.Unlock()
		return WakeTimeout, fmt.Errorf("starting idle: %w", err)
	}
	s.mu.Unlock()

	reason := WakeTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.wake:
		reason = WakeNewMail
	case <-timer.C:
	case <-ctx.Done():
		idleCmd.Close()
		idleCmd.Wait()
		return WakeTimeout, ctx.Err()
	}

	if err := idleCmd.Close(); err != nil {
		return reason, fmt.Errorf("stopping idle: %w", err)
	}
	if err := idleCmd.Wait(); err != nil {
		return reason, fmt.Errorf("stopping idle: %w", err)
	}
	return reason, nil
}

// noopWait polls with NOOP while waiting, for servers without IDLE.
func (s *imapSession) noopWait(ctx context.Context, timeout time.Duration) (WakeReason, error) {
	const pollEvery = time.Minute
	deadline := time.Now().Add(timeout)
	for {
		wait := pollEvery
		if rest := time.Until(deadline); rest < wait {
			wait = rest
		}
		if wait <= 0 {
			return WakeTimeout, nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return WakeTimeout, ctx.Err()
		}
		if err := s.Noop(ctx); err != nil {
			return WakeTimeout, err
		}
		select {
		case <-s.wake:
			return WakeNewMail, nil
		default:
		}
		if !time.Now().Before(deadline) {
			return WakeTimeout, nil
		}
	}
}

func (s *imapSession) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.client.Noop().Wait(); err != nil {
		s.dropLocked(err)
		return fmt.Errorf("noop: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	// Best effort logout; the server may already be gone.
	s.client.Logout().Wait()
	err := s.client.Close()
	s.client = nil
	s.connected = false
	s.authed = false
	s.selected = ""
	return err
}
