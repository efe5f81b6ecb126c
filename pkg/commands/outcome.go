package commands

import (
	"time"

	"github.com/quailmail/quail/pkg/reliability"
)

// OutcomeKind is what a command reports back to the state machine.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	TempFail
	HardFail
	AuthFail
	WaitOut // command finished a timed wait; re-pick
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TempFail:
		return "temp-fail"
	case HardFail:
		return "hard-fail"
	case AuthFail:
		return "auth-fail"
	case WaitOut:
		return "wait"
	default:
		return "unknown"
	}
}

// Outcome is the single completion value of a command execution.
type Outcome struct {
	Kind OutcomeKind
	Err  error
	// Wait asks the engine to delay before the next pick.
	Wait time.Duration
}

func success() Outcome               { return Outcome{Kind: Success} }
func tempFail(err error) Outcome     { return Outcome{Kind: TempFail, Err: err} }
func hardFail(err error) Outcome     { return Outcome{Kind: HardFail, Err: err} }
func authFail(err error) Outcome     { return Outcome{Kind: AuthFail, Err: err} }
func waitFor(d time.Duration) Outcome { return Outcome{Kind: WaitOut, Wait: d} }

// Classify maps an error to an outcome by its category. Unknown errors are
// treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return success()
	}
	switch reliability.Categorize(err) {
	case reliability.CategoryAuth:
		return authFail(err)
	case reliability.CategoryPermanent:
		return hardFail(err)
	default:
		return tempFail(err)
	}
}
