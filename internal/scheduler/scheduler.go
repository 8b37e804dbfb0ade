// Package scheduler owns the set of active (creator, platform)
// ingestion tasks. It is the only component that starts or stops
// adapters, and it is the isolation boundary between platforms: one
// pair's bad configuration or persistent failure never touches another
// pair's task.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/you/chatwarden/internal/adapter"
	"github.com/you/chatwarden/internal/config"
	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/telemetry"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusError       Status = "error"
	StatusStopped     Status = "stopped"
	StatusStopTimeout Status = "stop_timeout"
)

const defaultStopGrace = 5 * time.Second

// Record is the runtime state of one (creator, platform) pair. It is
// written only by the scheduler's own supervision of that pair; readers
// get value copies through Snapshot.
type Record struct {
	CreatorID string         `json:"creator_id"`
	Platform  core.Platform  `json:"platform"`
	Status    Status         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	StoppedAt time.Time      `json:"stopped_at,omitempty"`
	Health    adapter.Health `json:"health"`
}

// BuildFunc constructs the adapter for one pair. A validation failure
// must come back as a *config.PairError so the scheduler can record it
// against exactly that pair.
type BuildFunc func(creator config.Creator, platform core.Platform, settings config.PlatformSettings) (adapter.Adapter, error)

type pairKey struct {
	creator  string
	platform core.Platform
}

type task struct {
	record  Record
	fprint  string
	adapter adapter.Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

type Scheduler struct {
	build     BuildFunc
	metrics   *telemetry.Metrics
	stopGrace time.Duration
	now       func() time.Time

	mu    sync.Mutex
	tasks map[pairKey]*task
}

type Option func(*Scheduler)

func WithStopGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(build BuildFunc, metrics *telemetry.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		build:     build,
		metrics:   metrics,
		stopGrace: defaultStopGrace,
		now:       time.Now,
		tasks:     make(map[pairKey]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start brings up every enabled platform of one creator. A pair whose
// settings fail validation is recorded with status error and skipped;
// the remaining pairs still start.
func (s *Scheduler) Start(ctx context.Context, creator config.Creator) {
	platforms := make([]string, 0, len(creator.Platforms))
	for name := range creator.Platforms {
		platforms = append(platforms, name)
	}
	sort.Strings(platforms)

	for _, name := range platforms {
		settings := creator.Platforms[name]
		platform := core.Platform(name)
		if !settings.Enabled.On {
			s.stopPair(pairKey{creator.ID, platform}, "disabled in config")
			continue
		}
		s.startPair(ctx, creator, platform, settings)
	}
}

// startPair is re-entrant: an already-running pair with unchanged
// settings is a no-op reporting the existing state. Changed settings
// restart the pair.
func (s *Scheduler) startPair(ctx context.Context, creator config.Creator, platform core.Platform, settings config.PlatformSettings) Record {
	key := pairKey{creator.ID, platform}
	fprint := creator.Fingerprint(string(platform))

	s.mu.Lock()
	if existing, ok := s.tasks[key]; ok {
		if existing.fprint == fprint && existing.record.Status == StatusRunning {
			rec := existing.record
			s.mu.Unlock()
			return rec
		}
	}
	s.mu.Unlock()

	// changed settings or a dead record: tear down before rebuilding
	s.stopPair(key, "superseded by reload")

	ad, err := s.build(creator, platform, settings)
	if err != nil {
		rec := Record{
			CreatorID: creator.ID,
			Platform:  platform,
			Status:    StatusError,
			Reason:    err.Error(),
			StoppedAt: s.now(),
		}
		var pairErr *config.PairError
		if !errors.As(err, &pairErr) {
			slog.Error("adapter construction failed", "creator", creator.ID, "platform", platform, "err", err)
		} else {
			slog.Warn("pair configuration rejected", "creator", pairErr.CreatorID, "platform", pairErr.Platform, "reason", pairErr.Reason)
		}
		s.mu.Lock()
		s.tasks[key] = &task{record: rec, fprint: fprint}
		s.mu.Unlock()
		return rec
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		record: Record{
			CreatorID: creator.ID,
			Platform:  platform,
			Status:    StatusRunning,
			StartedAt: s.now(),
		},
		fprint:  fprint,
		adapter: ad,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	// copy before supervise starts mutating the record under the lock
	rec := t.record

	s.mu.Lock()
	s.tasks[key] = t
	s.mu.Unlock()
	s.metrics.AddAdaptersRunning(1)

	go s.supervise(taskCtx, key, t)
	slog.Info("adapter started", "creator", creator.ID, "platform", platform)
	return rec
}

// supervise waits for the task to exit and records how it ended. An
// adapter that returns a non-cancellation error has escaped its own
// retry loop (terminal failure such as rejected credentials); that is
// recorded, not propagated.
func (s *Scheduler) supervise(ctx context.Context, key pairKey, t *task) {
	defer close(t.done)
	err := t.adapter.Run(ctx)
	s.metrics.AddAdaptersRunning(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[key]
	if !ok || cur != t {
		return
	}
	t.record.StoppedAt = s.now()
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		if t.record.Status == StatusRunning {
			t.record.Status = StatusStopped
		}
	default:
		t.record.Status = StatusError
		t.record.Reason = err.Error()
		slog.Error("adapter exited", "creator", key.creator, "platform", key.platform, "err", err)
	}
}

// stopPair cancels one pair's task and waits out the grace period. A
// task that does not come back in time is recorded as stop_timeout and
// abandoned; the adapter's own cancellation path owns resource release.
func (s *Scheduler) stopPair(key pairKey, reason string) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.mu.Unlock()

	if t.cancel == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
		slog.Info("adapter stopped", "creator", key.creator, "platform", key.platform, "reason", reason)
	case <-time.After(s.stopGrace):
		s.mu.Lock()
		t.record.Status = StatusStopTimeout
		t.record.Reason = "did not stop within grace period"
		t.record.StoppedAt = s.now()
		s.tasks[key] = t
		s.mu.Unlock()
		slog.Warn("adapter stop timed out", "creator", key.creator, "platform", key.platform, "grace", s.stopGrace)
	}
}

// Reconcile applies a freshly loaded roster: starts new pairs, restarts
// changed ones, stops pairs no longer present.
func (s *Scheduler) Reconcile(ctx context.Context, roster *config.Roster) {
	want := make(map[pairKey]struct{})
	for _, creator := range roster.Creators {
		for name, settings := range creator.Platforms {
			if settings.Enabled.On {
				want[pairKey{creator.ID, core.Platform(name)}] = struct{}{}
			}
		}
	}

	s.mu.Lock()
	var stale []pairKey
	for key := range s.tasks {
		if _, keep := want[key]; !keep {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()

	for _, key := range stale {
		s.stopPair(key, "removed from roster")
	}
	for _, creator := range roster.Creators {
		s.Start(ctx, creator)
	}
}

// Stop shuts every task down, bounded by the grace period per pair. It
// never blocks process exit indefinitely.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	keys := make([]pairKey, 0, len(s.tasks))
	for key := range s.tasks {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k pairKey) {
			defer wg.Done()
			s.stopPair(k, "shutdown")
		}(key)
	}
	wg.Wait()
}

// Snapshot returns a consistent copy of every pair's record with the
// adapter's current health merged in. Readers never see a partially
// updated record.
func (s *Scheduler) Snapshot() []Record {
	s.mu.Lock()
	type entry struct {
		rec Record
		ad  adapter.Adapter
	}
	entries := make([]entry, 0, len(s.tasks))
	for _, t := range s.tasks {
		entries = append(entries, entry{rec: t.record, ad: t.adapter})
	}
	s.mu.Unlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.ad != nil {
			e.rec.Health = e.ad.Health()
		}
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatorID != out[j].CreatorID {
			return out[i].CreatorID < out[j].CreatorID
		}
		return out[i].Platform < out[j].Platform
	})
	return out
}
