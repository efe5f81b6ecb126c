// Package engine drives one account through discovery, authentication,
// folder enumeration, and the steady-state pick loop. A table-driven state
// machine owns exactly one command at a time; a bounded side channel runs
// hot queued operations on extra connections while the link is healthy.
package engine

import "fmt"

// State is one node of the protocol-control state machine.
type State int

const (
	StateStart State = iota
	StateDiscovery
	StateCredentialWait
	StateServerConfigWait
	StateConnAuth
	StateFolderSync
	StateSync
	StateIdle
	StateQueuedOp
	StateHotQueuedOp
	StateFetch
	StateParked
)

var stateNames = map[State]string{
	StateStart:            "start",
	StateDiscovery:        "discovery",
	StateCredentialWait:   "credential-wait",
	StateServerConfigWait: "server-config-wait",
	StateConnAuth:         "conn-auth",
	StateFolderSync:       "folder-sync",
	StateSync:             "sync",
	StateIdle:             "idle",
	StateQueuedOp:         "queued-op",
	StateHotQueuedOp:      "hot-queued-op",
	StateFetch:            "fetch",
	StateParked:           "parked",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// working reports whether the state runs a command.
func (s State) working() bool {
	switch s {
	case StateDiscovery, StateConnAuth, StateFolderSync,
		StateSync, StateIdle, StateQueuedOp, StateHotQueuedOp, StateFetch:
		return true
	}
	return false
}

// EventKind is an input to the state machine: a command outcome or an
// external signal.
type EventKind int

const (
	EvLaunch EventKind = iota
	EvSuccess
	EvTempFail
	EvHardFail
	EvAuthFail
	// EvGiveUp replaces a failure once the bounded discovery/connect retry
	// budget is spent.
	EvGiveUp
	EvCredentialsSet
	EvServerConfigSet
	EvPark
	EvResume
	EvWake
)

var eventNames = map[EventKind]string{
	EvLaunch:          "launch",
	EvSuccess:         "success",
	EvTempFail:        "temp-fail",
	EvHardFail:        "hard-fail",
	EvAuthFail:        "auth-fail",
	EvGiveUp:          "give-up",
	EvCredentialsSet:  "credentials-set",
	EvServerConfigSet: "server-config-set",
	EvPark:            "park",
	EvResume:          "resume",
	EvWake:            "wake",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// transition is one table cell. Exactly one of next/pick/resume applies
// unless the cell is an ignore or invalid marker.
type transition struct {
	next State
	// pick resolves the target through the pick loop (next unit of work).
	pick bool
	// resume returns to the state active before the machine parked.
	resume bool

	ignore  bool
	invalid bool
}

var (
	// doIgnore drops the event silently: legal but meaningless here.
	doIgnore = transition{ignore: true}
	// doInvalid marks an event that must not occur in this state.
	doInvalid = transition{invalid: true}
	// doPick asks the pick loop for the next working state.
	doPick = transition{pick: true}
	// doResume returns to the pre-park state.
	doResume = transition{resume: true}
)

func to(s State) transition { return transition{next: s} }

var allStates = []State{
	StateStart, StateDiscovery, StateCredentialWait, StateServerConfigWait,
	StateConnAuth, StateFolderSync, StateSync, StateIdle,
	StateQueuedOp, StateHotQueuedOp, StateFetch, StateParked,
}

var allEvents = []EventKind{
	EvLaunch, EvSuccess, EvTempFail, EvHardFail, EvAuthFail, EvGiveUp,
	EvCredentialsSet, EvServerConfigSet, EvPark, EvResume, EvWake,
}

// pickRow is the shared row for states whose command outcome always falls
// through to the pick loop.
func pickRow() map[EventKind]transition {
	return map[EventKind]transition{
		EvLaunch:          doIgnore,
		EvSuccess:         doPick,
		EvTempFail:        doPick,
		EvHardFail:        doPick,
		EvAuthFail:        to(StateCredentialWait),
		EvGiveUp:          doInvalid,
		EvCredentialsSet:  doIgnore,
		EvServerConfigSet: to(StateDiscovery),
		EvPark:            to(StateParked),
		EvResume:          doIgnore,
		EvWake:            doIgnore,
	}
}

// transitionTable builds the full (state, event) map. Stale command
// completions are filtered by generation before lookup, so wait states mark
// outcome events as ignores rather than invalid.
func transitionTable() map[State]map[EventKind]transition {
	t := map[State]map[EventKind]transition{
		StateStart: {
			EvLaunch:          to(StateDiscovery),
			EvSuccess:         doInvalid,
			EvTempFail:        doInvalid,
			EvHardFail:        doInvalid,
			EvAuthFail:        doInvalid,
			EvGiveUp:          doInvalid,
			EvCredentialsSet:  doIgnore,
			EvServerConfigSet: doIgnore,
			EvPark:            to(StateParked),
			EvResume:          doIgnore,
			EvWake:            doIgnore,
		},
		StateDiscovery: {
			EvLaunch:          doIgnore,
			EvSuccess:         to(StateConnAuth),
			EvTempFail:        to(StateDiscovery),
			EvHardFail:        to(StateDiscovery),
			EvAuthFail:        to(StateCredentialWait),
			EvGiveUp:          to(StateServerConfigWait),
			EvCredentialsSet:  doIgnore,
			EvServerConfigSet: to(StateDiscovery),
			EvPark:            to(StateParked),
			EvResume:          doIgnore,
			EvWake:            doIgnore,
		},
		StateCredentialWait: {
			EvLaunch:          doIgnore,
			EvSuccess:         doIgnore,
			EvTempFail:        doIgnore,
			EvHardFail:        doIgnore,
			EvAuthFail:        doIgnore,
			EvGiveUp:          doInvalid,
			EvCredentialsSet:  to(StateDiscovery),
			EvServerConfigSet: to(StateDiscovery),
			EvPark:            to(StateParked),
			EvResume:          doIgnore,
			EvWake:            doIgnore,
		},
		StateServerConfigWait: {
			EvLaunch:          doIgnore,
			EvSuccess:         doIgnore,
			EvTempFail:        doIgnore,
			EvHardFail:        doIgnore,
			EvAuthFail:        doIgnore,
			EvGiveUp:          doInvalid,
			EvCredentialsSet:  doIgnore,
			EvServerConfigSet: to(StateDiscovery),
			EvPark:            to(StateParked),
			EvResume:          doIgnore,
			EvWake:            doIgnore,
		},
		StateConnAuth: {
			EvLaunch:          doIgnore,
			EvSuccess:         to(StateFolderSync),
			EvTempFail:        to(StateConnAuth),
			EvHardFail:        to(StateDiscovery),
			EvAuthFail:        to(StateCredentialWait),
			EvGiveUp:          to(StateServerConfigWait),
			EvCredentialsSet:  doIgnore,
			EvServerConfigSet: to(StateDiscovery),
			EvPark:            to(StateParked),
			EvResume:          doIgnore,
			EvWake:            doIgnore,
		},
		StateFolderSync: {
			EvLaunch:          doIgnore,
			EvSuccess:         doPick,
			EvTempFail:        to(StateFolderSync),
			EvHardFail:        to(StateDiscovery),
			EvAuthFail:        to(StateCredentialWait),
			EvGiveUp:          doInvalid,
			EvCredentialsSet:  doIgnore,
			EvServerConfigSet: to(StateDiscovery),
			EvPark:            to(StateParked),
			EvResume:          doIgnore,
			EvWake:            doIgnore,
		},
		StateSync:        pickRow(),
		StateIdle:        pickRow(),
		StateQueuedOp:    pickRow(),
		StateHotQueuedOp: pickRow(),
		StateFetch:       pickRow(),
		StateParked: {
			EvLaunch:          doIgnore,
			EvSuccess:         doIgnore,
			EvTempFail:        doIgnore,
			EvHardFail:        doIgnore,
			EvAuthFail:        doIgnore,
			EvGiveUp:          doIgnore,
			EvCredentialsSet:  doIgnore,
			EvServerConfigSet: doIgnore,
			EvPark:            doIgnore,
			EvResume:          doResume,
			EvWake:            doIgnore,
		},
	}
	// An idle machine reacts to a wake by picking new work.
	t[StateIdle][EvWake] = doPick
	return t
}

// validateTable checks that every state maps every event, explicitly or via
// the ignore/invalid markers.
func validateTable(t map[State]map[EventKind]transition) error {
	for _, s := range allStates {
		row, ok := t[s]
		if !ok {
			return fmt.Errorf("fsm: state %v has no row", s)
		}
		for _, k := range allEvents {
			if _, ok := row[k]; !ok {
				return fmt.Errorf("fsm: state %v missing event %v", s, k)
			}
		}
	}
	return nil
}

func newTable() map[State]map[EventKind]transition {
	t := transitionTable()
	if err := validateTable(t); err != nil {
		panic(err)
	}
	return t
}
