package quota

import (
	"sync"
	"time"

	"github.com/you/chatwarden/internal/core"
)

// Result classifies the outcome of a TryConsume call. QuotaExceeded-style
// outcomes are control flow, not errors; callers branch on the result.
type Result int

const (
	Allowed Result = iota
	BufferWarning
	HardCapExceeded
)

func (r Result) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case BufferWarning:
		return "buffer_warning"
	case HardCapExceeded:
		return "hard_cap_exceeded"
	}
	return "unknown"
}

// Limits configures a tracker's daily ceiling. BufferThreshold is a soft
// ceiling below DailyLimit; crossing it still succeeds but warns the caller.
type Limits struct {
	DailyLimit      int64
	BufferThreshold int64
}

const (
	DefaultDailyLimit      = 10000
	DefaultBufferThreshold = 8000
)

func (l Limits) withDefaults() Limits {
	if l.DailyLimit <= 0 {
		l.DailyLimit = DefaultDailyLimit
	}
	if l.BufferThreshold <= 0 || l.BufferThreshold > l.DailyLimit {
		l.BufferThreshold = l.DailyLimit * DefaultBufferThreshold / DefaultDailyLimit
	}
	return l
}

// Tracker enforces a daily usage ceiling for one (creator, platform) pair.
// UsedToday only grows within a window; the window resets lazily at the
// first call after UTC midnight, never via a background timer.
type Tracker struct {
	mu          sync.Mutex
	limits      Limits
	usedToday   int64
	windowStart time.Time
	now         func() time.Time
}

func NewTracker(limits Limits) *Tracker {
	return newTracker(limits, time.Now)
}

func newTracker(limits Limits, now func() time.Time) *Tracker {
	t := &Tracker{limits: limits.withDefaults(), now: now}
	t.windowStart = midnightUTC(t.now())
	return t
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rollLocked advances the window if the clock has crossed UTC midnight.
func (t *Tracker) rollLocked() {
	boundary := midnightUTC(t.now())
	if boundary.After(t.windowStart) {
		t.windowStart = boundary
		t.usedToday = 0
	}
}

// TryConsume increments usage by cost if the resulting total stays within
// the daily limit. The check-then-increment is atomic under the tracker
// lock; on HardCapExceeded no increment happens.
func (t *Tracker) TryConsume(cost int64) Result {
	if cost < 0 {
		cost = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	if t.usedToday+cost > t.limits.DailyLimit {
		return HardCapExceeded
	}
	t.usedToday += cost
	if t.usedToday >= t.limits.BufferThreshold {
		return BufferWarning
	}
	return Allowed
}

// NextWindow reports when the current quota window rolls over. Callers that
// hit the hard cap schedule their next attempt at this boundary rather than
// retrying immediately.
func (t *Tracker) NextWindow() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.windowStart.Add(24 * time.Hour)
}

// State is a read-only copy of a tracker's counters for export.
type State struct {
	CreatorID       string        `json:"creator_id"`
	Platform        core.Platform `json:"platform"`
	DailyLimit      int64         `json:"daily_limit"`
	BufferThreshold int64         `json:"buffer_threshold"`
	UsedToday       int64         `json:"used_today"`
	WindowStart     time.Time     `json:"window_start"`
}

func (t *Tracker) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return State{
		DailyLimit:      t.limits.DailyLimit,
		BufferThreshold: t.limits.BufferThreshold,
		UsedToday:       t.usedToday,
		WindowStart:     t.windowStart,
	}
}
