package browserchat

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ErrNoComposer reports that the input element required for sending is
// missing. It aborts only the one send attempt; the adapter must never
// silently fall back to a different submission mechanism.
var ErrNoComposer = errors.New("browserchat: message composer not found")

// ErrNoContainer reports that the chat container required for observation
// is absent, so no observation mechanism can be attached at all.
var ErrNoContainer = errors.New("browserchat: chat container not found")

// ErrSessionClosed reports that the underlying session transport is
// gone. The owner must establish a fresh session; retrying calls on
// this one cannot succeed.
var ErrSessionClosed = errors.New("browserchat: session closed")

// StreamResponse is one ingestion response from the shared session. The
// session layer attaches the authenticated browser materials (cookies,
// headers) to every request; a missing-material response is
// indistinguishable from the normal not-ready response and classifies the
// same way.
type StreamResponse struct {
	ContentType string
	Body        io.ReadCloser
}

// ObservedMessage is one message derived from a structural change in the
// externally-rendered session.
type ObservedMessage struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// Observer yields message batches from the rendered session.
type Observer interface {
	// Next blocks until newly appended messages are available or ctx is
	// cancelled.
	Next(ctx context.Context) ([]ObservedMessage, error)
	Close() error
}

// Session is the capability interface over one authenticated browser
// session. Ingestion (FetchStream, Observe) and outbound sending
// (SubmitMessage) are independent paths on the same underlying session; a
// broken send path never stops ingestion and vice versa.
type Session interface {
	FetchStream(ctx context.Context) (*StreamResponse, error)
	Observe(ctx context.Context) (Observer, error)
	SubmitMessage(ctx context.Context, text string) error
	Close() error
}
