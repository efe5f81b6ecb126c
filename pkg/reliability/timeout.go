package reliability

import "time"

// Timeouts holds per-operation deadlines for a mail session.
type Timeouts struct {
	Connect time.Duration
	Command time.Duration
	Idle    time.Duration
}

// DefaultTimeouts are tuned for IMAP: commands against busy servers can be
// slow, and IDLE must re-issue well inside the RFC's 29 minute ceiling.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 45 * time.Second,
		Command: 2 * time.Minute,
		Idle:    25 * time.Minute,
	}
}
