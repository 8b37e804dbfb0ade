package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Roster is the creators file: which creators are active, how each
// platform is reached, which triggers each creator registers, and any
// quota overrides.
type Roster struct {
	Creators []Creator `json:"creators"`
}

type Creator struct {
	ID        string                      `json:"id"`
	Platforms map[string]PlatformSettings `json:"platforms"`
	Triggers  []TriggerSettings           `json:"triggers,omitempty"`
	Quota     *QuotaSettings              `json:"quota,omitempty"`
}

// PlatformSettings carries everything one (creator, platform) adapter
// needs. Fields are a union across adapter kinds; each adapter's
// builder validates the subset it requires.
type PlatformSettings struct {
	Enabled Enablement `json:"enabled"`

	// IRC
	Channel string `json:"channel,omitempty"`
	Nick    string `json:"nick,omitempty"`
	Token   string `json:"token,omitempty"`
	Addr    string `json:"addr,omitempty"`
	TLS     *bool  `json:"tls,omitempty"`

	// HTTP polling
	Endpoint       string `json:"endpoint,omitempty"`
	PollIntervalMS int    `json:"poll_interval_ms,omitempty"`
	PollCost       int    `json:"poll_cost,omitempty"`

	// Browser session
	SessionEndpoint    string            `json:"session_endpoint,omitempty"`
	SessionHeaders     map[string]string `json:"session_headers,omitempty"`
	NonStreamThreshold int               `json:"non_stream_threshold,omitempty"`
	QuietWindowSecs    int               `json:"quiet_window_secs,omitempty"`

	DedupeWindow int `json:"dedupe_window,omitempty"`
}

type TriggerSettings struct {
	ID              string            `json:"id"`
	Kind            string            `json:"kind"`
	Pattern         string            `json:"pattern"`
	ActionType      string            `json:"action_type"`
	ActionPayload   map[string]string `json:"action_payload,omitempty"`
	CooldownSeconds int               `json:"cooldown_seconds"`
	Scope           string            `json:"scope"`
	Disabled        bool              `json:"disabled,omitempty"`
}

type QuotaSettings struct {
	DailyLimit      int `json:"daily_limit"`
	BufferThreshold int `json:"buffer_threshold"`
}

// Enablement accepts the three shapes the roster file has historically
// used for the enabled field: a plain bool, an object with a "value"
// key, or a list of enabled capability names. All shapes normalize
// here; nothing downstream ever sees the raw form.
type Enablement struct {
	On    bool
	Modes []string
}

func (e *Enablement) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*e = Enablement{}
		return nil
	}
	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*e = Enablement{On: b}
		return nil
	case '[':
		var modes []string
		if err := json.Unmarshal(data, &modes); err != nil {
			return err
		}
		cleaned := make([]string, 0, len(modes))
		for _, m := range modes {
			m = strings.ToLower(strings.TrimSpace(m))
			if m != "" {
				cleaned = append(cleaned, m)
			}
		}
		*e = Enablement{On: len(cleaned) > 0, Modes: cleaned}
		return nil
	case '{':
		var obj struct {
			Value   *bool    `json:"value"`
			Enabled *bool    `json:"enabled"`
			Modes   []string `json:"modes"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		on := false
		switch {
		case obj.Value != nil:
			on = *obj.Value
		case obj.Enabled != nil:
			on = *obj.Enabled
		case len(obj.Modes) > 0:
			on = true
		}
		*e = Enablement{On: on, Modes: obj.Modes}
		return nil
	default:
		return fmt.Errorf("config: enabled must be bool, object, or list, got %s", trimmed)
	}
}

func (e Enablement) MarshalJSON() ([]byte, error) {
	if len(e.Modes) == 0 {
		return json.Marshal(e.On)
	}
	return json.Marshal(struct {
		Value bool     `json:"value"`
		Modes []string `json:"modes"`
	}{Value: e.On, Modes: e.Modes})
}

// LoadRoster parses and normalizes the creators file. Platform keys are
// lowercased; creators with empty ids are rejected, duplicate ids keep
// the first occurrence.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read creators file: %w", err)
	}
	return ParseRoster(data)
}

func ParseRoster(data []byte) (*Roster, error) {
	var roster Roster
	if err := json.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("config: parse creators file: %w", err)
	}

	seen := make(map[string]struct{}, len(roster.Creators))
	out := roster.Creators[:0]
	for _, c := range roster.Creators {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("config: creator with empty id")
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}

		normalized := make(map[string]PlatformSettings, len(c.Platforms))
		for name, settings := range c.Platforms {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" {
				continue
			}
			normalized[key] = settings
		}
		c.Platforms = normalized
		out = append(out, c)
	}
	roster.Creators = out

	sort.Slice(roster.Creators, func(i, j int) bool {
		return roster.Creators[i].ID < roster.Creators[j].ID
	})
	return &roster, nil
}

// Fingerprint identifies one (creator, platform) configuration so the
// scheduler can detect changes across reloads without diffing fields.
func (c Creator) Fingerprint(platform string) string {
	settings, ok := c.Platforms[platform]
	if !ok {
		return ""
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return ""
	}
	return string(data)
}

// Redacted returns a loggable view of the roster with secrets masked.
func (r *Roster) Redacted() map[string]any {
	creators := make([]map[string]any, 0, len(r.Creators))
	for _, c := range r.Creators {
		platforms := make(map[string]any, len(c.Platforms))
		for name, s := range c.Platforms {
			platforms[name] = map[string]any{
				"enabled":  s.Enabled.On,
				"modes":    append([]string(nil), s.Enabled.Modes...),
				"channel":  s.Channel,
				"nick":     s.Nick,
				"token":    redactString(s.Token),
				"endpoint": s.Endpoint,
				"session":  s.SessionEndpoint,
			}
		}
		creators = append(creators, map[string]any{
			"id":        c.ID,
			"platforms": platforms,
			"triggers":  len(c.Triggers),
		})
	}
	return map[string]any{"creators": creators}
}

// PairError is a validation failure scoped to one (creator, platform)
// pair. It must never abort any other pair.
type PairError struct {
	CreatorID string
	Platform  string
	Reason    string
}

func (e *PairError) Error() string {
	return fmt.Sprintf("config: %s/%s: %s", e.CreatorID, e.Platform, e.Reason)
}

func NewPairError(creatorID, platform, reason string) *PairError {
	return &PairError{CreatorID: creatorID, Platform: platform, Reason: reason}
}
