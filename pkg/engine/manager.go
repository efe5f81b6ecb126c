package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quailmail/quail/pkg/comm"
	"github.com/quailmail/quail/pkg/commands"
	"github.com/quailmail/quail/pkg/config"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/logging"
	"github.com/quailmail/quail/pkg/reliability"
	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/store"
	"github.com/quailmail/quail/pkg/strategy"
)

const (
	watchdogInterval = 30 * time.Second
	// parkCooldown is how long a link-failure park lasts before the watchdog
	// tries the server again.
	parkCooldown = time.Minute
	// stallAfter nudges an engine whose loop has been quiet far longer than
	// the longest expected idle round.
	stallAfter = strategy.InboxMinExamine + 2*time.Minute
)

// Manager runs one engine per configured account and watches over them.
type Manager struct {
	cfg   *config.Config
	store *store.Store
	bus   *events.Bus
	log   zerolog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewManager(cfg *config.Config, st *store.Store, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		log:     log.With().Str("component", "manager").Logger(),
		engines: make(map[string]*Engine),
	}
}

// Engine returns the running engine for an account name, or nil.
func (m *Manager) Engine(name string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[name]
}

// Run builds and runs every account's engine until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ac := range m.cfg.Accounts {
		eng, err := m.buildEngine(ctx, ac)
		if err != nil {
			return fmt.Errorf("account %q: %w", ac.Name, err)
		}
		m.mu.Lock()
		m.engines[ac.Name] = eng
		m.mu.Unlock()
		g.Go(func() error { return eng.Run(ctx) })
	}
	g.Go(func() error { return m.watchdog(ctx) })
	return g.Wait()
}

func (m *Manager) buildEngine(ctx context.Context, ac config.AccountConfig) (*Engine, error) {
	acct, err := m.store.UpsertAccount(ctx, ac.Name)
	if err != nil {
		return nil, err
	}
	// Operations interrupted by the last shutdown run again.
	if err := m.store.RequeueDispatched(ctx, acct.ID); err != nil {
		return nil, err
	}

	log := logging.ForAccount(m.log, ac.Name)
	sessCfg := session.Config{
		Host:          ac.Host,
		Port:          ac.Port,
		TLS:           ac.TLS,
		Username:      ac.Username,
		Password:      ac.Password,
		OAuth:         ac.OAuth,
		AccessToken:   ac.AccessToken,
		ProtocolTrace: m.cfg.Logging.ProtocolTrace,
		Sanitized:     m.cfg.Logging.Sanitize,
		Timeouts:      reliability.DefaultTimeouts(),
	}

	tracker := comm.NewTracker()
	strat := strategy.New(m.store, tracker, log, m.cfg.Sync.DaysToSync)
	if m.cfg.Sync.QuickSync {
		strat.SetQuickSync(true)
	}
	env := &commands.Env{
		Account:  acct,
		Store:    m.store,
		Session:  session.New(sessCfg, log),
		Events:   m.bus,
		Comm:     tracker,
		Strategy: strat,
		Log:      log,
		San:      logging.NewSanitizer(m.cfg.Logging.Sanitize, m.cfg.Logging.SanitizeSecret),
	}
	factory := func() session.Session { return session.New(sessCfg, log) }
	return New(env, factory, m.cfg.Sync.SideChannelLimit), nil
}

// watchdog periodically resumes engines that parked themselves on link
// failure and nudges engines that look stalled.
func (m *Manager) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkEngines()
		}
	}
}

func (m *Manager) checkEngines() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	for _, e := range engines {
		switch {
		case e.State() == StateParked:
			byComm, at := e.ParkedByComm()
			if byComm && time.Since(at) > parkCooldown {
				m.log.Info().Str("account", e.Name()).Msg("watchdog resuming parked engine")
				e.Resume()
			}
		case time.Since(e.LastActivity()) > stallAfter:
			m.log.Warn().Str("account", e.Name()).Msg("watchdog waking quiet engine")
			e.Wake()
		}
	}
}
