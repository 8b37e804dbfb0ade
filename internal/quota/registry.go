package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/you/chatwarden/internal/core"
)

type key struct {
	creator  string
	platform core.Platform
}

// Registry holds one Tracker per (creator, platform). It is an explicitly
// owned service, not a package-level singleton, so tests construct isolated
// instances.
type Registry struct {
	mu       sync.RWMutex
	trackers map[key]*Tracker
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{trackers: make(map[key]*Tracker), now: time.Now}
}

// Tracker returns the tracker for the pair, creating it with the given
// limits on first use. Limits of an existing tracker are not changed.
func (r *Registry) Tracker(creatorID string, platform core.Platform, limits Limits) *Tracker {
	k := key{creator: creatorID, platform: platform}

	r.mu.RLock()
	t, ok := r.trackers[k]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[k]; ok {
		return t
	}
	t = newTracker(limits, r.now)
	r.trackers[k] = t
	return t
}

// Snapshot returns a read-only copy of every tracker's state, ordered by
// creator then platform. It holds the registry read lock only to collect
// tracker pointers, so concurrent TryConsume calls are not serialized
// against export beyond each tracker's own critical section.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	type entry struct {
		k key
		t *Tracker
	}
	entries := make([]entry, 0, len(r.trackers))
	for k, t := range r.trackers {
		entries = append(entries, entry{k: k, t: t})
	}
	r.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		st := e.t.state()
		st.CreatorID = e.k.creator
		st.Platform = e.k.platform
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatorID != out[j].CreatorID {
			return out[i].CreatorID < out[j].CreatorID
		}
		return out[i].Platform < out[j].Platform
	})
	return out
}
