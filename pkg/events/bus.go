// Package events carries status notifications from account engines to the
// owning application. Backend-state notifications are deduplicated so that
// subscribers only see transitions, never repeats of the same state.
package events

import (
	"sync"
	"time"
)

// Kind identifies a notification type.
type Kind string

const (
	KindBackendStateChanged Kind = "backend_state_changed"
	KindFolderSetChanged    Kind = "folder_set_changed"
	KindEmailSetChanged     Kind = "email_set_changed"
	KindSyncSucceeded       Kind = "sync_succeeded"
	KindSyncFailed          Kind = "sync_failed"
	KindSearchSucceeded     Kind = "search_succeeded"
	KindNeedCredentials     Kind = "need_credentials"
	KindNeedServerConfig    Kind = "need_server_config"
)

// BackendState is the externally visible lifecycle stage of an account
// engine.
type BackendState int

const (
	BackendNotStarted BackendState = iota
	BackendRunning
	BackendCredentialWait
	BackendServerConfigWait
	BackendSyncingFirst // discovery done, inbox not yet synced
	BackendSteady       // inbox synced at least once
	BackendParked
)

func (s BackendState) String() string {
	switch s {
	case BackendNotStarted:
		return "not-started"
	case BackendRunning:
		return "running"
	case BackendCredentialWait:
		return "credential-wait"
	case BackendServerConfigWait:
		return "server-config-wait"
	case BackendSyncingFirst:
		return "syncing-first"
	case BackendSteady:
		return "steady"
	case BackendParked:
		return "parked"
	default:
		return "unknown"
	}
}

// Event is one notification. Payload content depends on Kind: folder or
// message identifiers for set changes, a BackendState for state changes,
// search results for search completion.
type Event struct {
	Account string
	Kind    Kind
	Payload any
	Time    time.Time
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block the engines.
type Bus struct {
	mu          sync.Mutex
	subs        map[int]chan Event
	nextID      int
	lastBackend map[string]BackendState
}

func NewBus() *Bus {
	return &Bus{
		subs:        make(map[int]chan Event),
		lastBackend: make(map[string]BackendState),
	}
}

// Subscribe returns a receive channel and a cancel function. buffer bounds
// how far the subscriber may lag before events are dropped.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish emits a non-state event to all subscribers.
func (b *Bus) Publish(account string, kind Kind, payload any) {
	b.send(Event{Account: account, Kind: kind, Payload: payload, Time: time.Now()})
}

// PublishBackendState emits a backend-state change, suppressing repeats of
// the current state for the account.
func (b *Bus) PublishBackendState(account string, state BackendState) {
	b.mu.Lock()
	if last, ok := b.lastBackend[account]; ok && last == state {
		b.mu.Unlock()
		return
	}
	b.lastBackend[account] = state
	b.mu.Unlock()

	b.send(Event{Account: account, Kind: KindBackendStateChanged, Payload: state, Time: time.Now()})
}

// BackendState returns the last published state for an account.
func (b *Bus) BackendState(account string) BackendState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBackend[account]
}

func (b *Bus) send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
