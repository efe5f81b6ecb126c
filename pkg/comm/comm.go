// Package comm tracks per-host communication quality from observed command
// results. The sync engine consults it to gate optional work: the side
// channel only runs while quality is OK and the link is not at the slowest
// tier.
package comm

import (
	"sync"
	"time"
)

// Quality is the coarse health of the server link.
type Quality int

const (
	QualityOK Quality = iota
	QualityDegraded
	QualityUnusable
)

func (q Quality) String() string {
	switch q {
	case QualityOK:
		return "ok"
	case QualityDegraded:
		return "degraded"
	case QualityUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// Speed is the transport tier the process believes it is on. It scales sync
// window sizes and gates side-channel work.
type Speed int

const (
	SpeedWiFi Speed = iota
	SpeedCellFast
	SpeedCellSlow
)

func (s Speed) String() string {
	switch s {
	case SpeedWiFi:
		return "wifi"
	case SpeedCellFast:
		return "cell-fast"
	case SpeedCellSlow:
		return "cell-slow"
	default:
		return "unknown"
	}
}

const (
	degradedAfter = 4
	unusableAfter = 8
)

// Tracker accumulates command results. Consecutive failures degrade quality;
// any success restores it.
type Tracker struct {
	mu          sync.RWMutex
	speed       Speed
	failures    int
	lastFailure time.Time
}

func NewTracker() *Tracker {
	return &Tracker{speed: SpeedWiFi}
}

// ReportResult records the outcome of one server exchange.
func (t *Tracker) ReportResult(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.failures = 0
		return
	}
	t.failures++
	t.lastFailure = time.Now()
}

func (t *Tracker) Quality() Quality {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.failures >= unusableAfter:
		return QualityUnusable
	case t.failures >= degradedAfter:
		return QualityDegraded
	default:
		return QualityOK
	}
}

func (t *Tracker) Speed() Speed {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.speed
}

// Reset clears accumulated failures, used when an engine resumes after a
// park so stale history does not keep it parked.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
}

// SetSpeed is called by the owning application when its connectivity tier
// changes.
func (t *Tracker) SetSpeed(s Speed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speed = s
}
