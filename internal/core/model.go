package core

import "time"

// Platform identifies the chat platform an event was observed on.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformRumble  Platform = "rumble"
	PlatformKick    Platform = "kick"
)

// ChatEvent is the normalized chat message shape every adapter produces.
// Identity fields are platform-scoped and never unified across platforms.
// An event is immutable once constructed; adapters must not touch it after
// handing it downstream.
type ChatEvent struct {
	Platform   Platform  `json:"platform"`
	CreatorID  string    `json:"creator_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Text       string    `json:"text"` // may be empty; empty messages are never dropped silently
	MessageID  string    `json:"message_id"`
	ReceivedAt time.Time `json:"received_at"` // ingestion time (UTC), distinct from platform send time
}

// ActionDescriptor describes a trigger's intended effect without performing
// it. It carries no handle to any live connection or mutable state and is
// safe to serialize.
type ActionDescriptor struct {
	CreatorID  string            `json:"creator_id"`
	Platform   Platform          `json:"platform"`
	TriggerID  string            `json:"trigger_id"`
	ActionType string            `json:"action_type"`
	Payload    map[string]string `json:"payload,omitempty"`
	EmittedAt  time.Time         `json:"emitted_at"`
}
