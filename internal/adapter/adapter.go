// Package adapter holds the contract shared by every platform ingestion
// adapter: the run/send interface, the health record, and small helpers for
// cancellable waits and capped backoff.
package adapter

import (
	"context"
	"sync"
	"time"
)

// Adapter owns one live ingestion path for a (creator, platform) pair.
type Adapter interface {
	// Run is the long-lived ingestion task. It blocks until ctx is
	// cancelled, releasing the underlying transport on the way out, and
	// only returns early on a non-recoverable construction-level error.
	Run(ctx context.Context) error

	// Send is the best-effort outbound path. A failed send aborts only
	// that attempt and never disturbs ingestion.
	Send(ctx context.Context, text string) error

	// Health returns a consistent snapshot of the adapter's health record.
	Health() Health
}

// Health is the per-adapter health record surfaced to the scheduler.
type Health struct {
	Mode                 string    `json:"mode,omitempty"`
	ConsecutiveNonStream int       `json:"consecutive_non_stream,omitempty"`
	LastKeepaliveAt      time.Time `json:"last_keepalive_at,omitempty"`
	LastEventAt          time.Time `json:"last_event_at,omitempty"`
	Error                string    `json:"error,omitempty"`
}

// HealthState guards a Health record: written by the owning adapter,
// read concurrently by the scheduler's snapshot path.
type HealthState struct {
	mu sync.RWMutex
	h  Health
}

func (s *HealthState) Snapshot() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

func (s *HealthState) Update(fn func(*Health)) {
	s.mu.Lock()
	fn(&s.h)
	s.mu.Unlock()
}

func (s *HealthState) NoteEvent(at time.Time) {
	s.Update(func(h *Health) { h.LastEventAt = at })
}

func (s *HealthState) NoteKeepalive(at time.Time) {
	s.Update(func(h *Health) { h.LastKeepaliveAt = at })
}

func (s *HealthState) SetError(msg string) {
	s.Update(func(h *Health) { h.Error = msg })
}

// Sleep waits for d or until ctx is cancelled. Returns false on
// cancellation.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Backoff is the capped exponential delay every adapter uses between
// transport retries.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	cur time.Duration
}

func (b *Backoff) Next() time.Duration {
	if b.Min <= 0 {
		b.Min = time.Second
	}
	if b.Max <= 0 {
		b.Max = 60 * time.Second
	}
	if b.cur == 0 {
		b.cur = b.Min
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

func (b *Backoff) Reset() { b.cur = 0 }
