package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/telemetry"
)

// Kind selects how a trigger's pattern is matched against message text.
type Kind string

const (
	KindCommand Kind = "command" // exact first-token match, case-insensitive
	KindRegex   Kind = "regex"   // pattern search against the full text
	KindKeyword Kind = "keyword" // substring containment, case-insensitive
)

// Scope selects the key granularity under which re-fire suppression is
// tracked.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeCreator Scope = "creator"
	ScopeGlobal  Scope = "global"
)

const globalScopeKey = "*"

// Definition is a creator-configured trigger rule. Definitions are read-only
// at evaluation time.
type Definition struct {
	ID              string
	Kind            Kind
	Pattern         string
	ActionType      string
	Payload         map[string]string
	CooldownScope   Scope
	CooldownSeconds int
	Enabled         bool
}

// compiled is a definition with its pattern prepared for matching.
type compiled struct {
	def Definition
	re  *regexp.Regexp // only for KindRegex
}

func (c compiled) matches(text string) bool {
	switch c.def.Kind {
	case KindCommand:
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return false
		}
		return strings.EqualFold(fields[0], c.def.Pattern)
	case KindRegex:
		return c.re.MatchString(text)
	case KindKeyword:
		return strings.Contains(strings.ToLower(text), strings.ToLower(c.def.Pattern))
	}
	return false
}

type cooldownKey struct {
	creatorID string
	triggerID string
	scopeKey  string
}

// cooldownIdleEviction drops cooldown entries untouched for this long. This
// bounds map growth without a background sweeper.
const cooldownIdleEviction = 24 * time.Hour

// Registry evaluates normalized events against per-creator trigger sets and
// emits action descriptors. It holds no transport handles and never calls
// back into an adapter; inputs are events, outputs are descriptors.
//
// Registration replaces a creator's trigger slice atomically, so an
// evaluation in flight sees either the old set or the new set, never a
// half-updated one.
type Registry struct {
	mu       sync.RWMutex
	triggers map[string][]compiled // creatorID -> registration order

	cooldownMu sync.Mutex
	lastFired  map[cooldownKey]time.Time

	now     func() time.Time
	metrics *telemetry.Metrics
}

type Option func(*Registry)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		triggers:  make(map[string][]compiled),
		lastFired: make(map[cooldownKey]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends a trigger to the creator's set. The trigger ID must be
// unique within the creator; re-registering an ID replaces the existing
// definition in place, keeping its evaluation position.
func (r *Registry) Register(creatorID string, def Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("trigger: id is required")
	}
	if strings.TrimSpace(def.Pattern) == "" {
		return fmt.Errorf("trigger %s: pattern is required", def.ID)
	}
	if def.CooldownSeconds < 0 {
		return fmt.Errorf("trigger %s: negative cooldown", def.ID)
	}
	switch def.CooldownScope {
	case ScopeUser, ScopeCreator, ScopeGlobal:
	case "":
		def.CooldownScope = ScopeCreator
	default:
		return fmt.Errorf("trigger %s: unknown cooldown scope %q", def.ID, def.CooldownScope)
	}

	c := compiled{def: def}
	switch def.Kind {
	case KindCommand, KindKeyword:
	case KindRegex:
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return fmt.Errorf("trigger %s: compile pattern: %w", def.ID, err)
		}
		c.re = re
	default:
		return fmt.Errorf("trigger %s: unknown kind %q", def.ID, def.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.triggers[creatorID]
	next := make([]compiled, len(existing), len(existing)+1)
	copy(next, existing)
	replaced := false
	for i := range next {
		if next[i].def.ID == def.ID {
			next[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, c)
	}
	r.triggers[creatorID] = next
	return nil
}

// Unregister removes a trigger by ID. Removing an unknown ID is a no-op.
func (r *Registry) Unregister(creatorID, triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.triggers[creatorID]
	next := make([]compiled, 0, len(existing))
	for _, c := range existing {
		if c.def.ID != triggerID {
			next = append(next, c)
		}
	}
	if len(next) == 0 {
		delete(r.triggers, creatorID)
		return
	}
	r.triggers[creatorID] = next
}

// ReplaceAll swaps a creator's entire trigger set in one step. Used by
// config reload so evaluation never sees a partial update.
func (r *Registry) ReplaceAll(creatorID string, defs []Definition) error {
	staged := NewRegistry()
	for _, def := range defs {
		if err := staged.Register(creatorID, def); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := staged.triggers[creatorID]; len(set) > 0 {
		r.triggers[creatorID] = set
	} else {
		delete(r.triggers, creatorID)
	}
	return nil
}

// Remove drops a creator's trigger set and its cooldown entries.
func (r *Registry) Remove(creatorID string) {
	r.mu.Lock()
	delete(r.triggers, creatorID)
	r.mu.Unlock()

	r.cooldownMu.Lock()
	for k := range r.lastFired {
		if k.creatorID == creatorID {
			delete(r.lastFired, k)
		}
	}
	r.cooldownMu.Unlock()
}

// Summary describes registered triggers for export.
type Summary struct {
	CreatorID string   `json:"creator_id"`
	Triggers  []string `json:"triggers"`
}

func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.triggers))
	for creator, set := range r.triggers {
		s := Summary{CreatorID: creator}
		for _, c := range set {
			s.Triggers = append(s.Triggers, c.def.ID)
		}
		out = append(out, s)
	}
	return out
}

// Evaluate tests every enabled trigger registered under the event's creator
// in registration order and returns the descriptors for fresh matches. A
// match inside its cooldown window is skipped silently; that is expected
// behavior, not an error. All triggers are evaluated; there is no
// short-circuit on first match.
func (r *Registry) Evaluate(ev core.ChatEvent) []core.ActionDescriptor {
	r.mu.RLock()
	set := r.triggers[ev.CreatorID]
	r.mu.RUnlock()
	if len(set) == 0 {
		return nil
	}

	now := r.now()
	var out []core.ActionDescriptor
	for _, c := range set {
		if !c.def.Enabled {
			continue
		}
		if !c.matches(ev.Text) {
			continue
		}
		if !r.tryFire(ev, c.def, now) {
			r.metrics.IncCooldownSuppressed(string(ev.Platform))
			continue // within cooldown
		}
		out = append(out, core.ActionDescriptor{
			CreatorID:  ev.CreatorID,
			Platform:   ev.Platform,
			TriggerID:  c.def.ID,
			ActionType: c.def.ActionType,
			Payload:    c.def.Payload,
			EmittedAt:  now,
		})
	}
	r.metrics.IncTriggersFired(string(ev.Platform), len(out))
	return out
}

// tryFire applies the cooldown check-and-set for the trigger's scope key.
// The check and the last-fired update happen under one lock so concurrent
// evaluations for the same key cannot both pass a cooldown boundary.
func (r *Registry) tryFire(ev core.ChatEvent, def Definition, now time.Time) bool {
	k := cooldownKey{creatorID: ev.CreatorID, triggerID: def.ID}
	switch def.CooldownScope {
	case ScopeUser:
		k.scopeKey = string(ev.Platform) + "/" + ev.UserID
	case ScopeCreator:
		k.scopeKey = ev.CreatorID
	default:
		k.scopeKey = globalScopeKey
	}

	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	if def.CooldownSeconds > 0 {
		if last, ok := r.lastFired[k]; ok {
			if now.Sub(last) < time.Duration(def.CooldownSeconds)*time.Second {
				return false
			}
		}
	}
	r.lastFired[k] = now
	r.evictIdleLocked(now)
	return true
}

func (r *Registry) evictIdleLocked(now time.Time) {
	if len(r.lastFired) < 4096 {
		return
	}
	for k, last := range r.lastFired {
		if now.Sub(last) >= cooldownIdleEviction {
			delete(r.lastFired, k)
		}
	}
}
