// Package browserchat ingests chat from an externally-observed browser
// session. The preferred path reads a best-effort stream; repeated
// non-stream responses or a silent stream downgrade the adapter to deriving
// events from structural changes in the rendered session. If no observation
// mechanism can be attached the adapter parks in DISABLED, keeping its task
// alive so the scheduler sees a stable state.
package browserchat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/you/chatwarden/internal/adapter"
	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/telemetry"
)

type Config struct {
	CreatorID string
	Platform  core.Platform

	// NonStreamThreshold is how many consecutive unrecognized responses
	// are tolerated before downgrading to the observed fallback.
	NonStreamThreshold int
	// QuietWindow downgrades when the stream carries no data for this long.
	QuietWindow time.Duration
	// KeepaliveDelay paces re-fetches after a not-ready response. This is a
	// flat delay, never exponential: not-ready is expected, not a failure.
	KeepaliveDelay time.Duration
	DedupeWindow   int
}

const (
	defaultNonStreamThreshold = 5
	defaultQuietWindow        = 90 * time.Second
	defaultKeepaliveDelay     = time.Second
	streamContentType         = "text/event-stream"
)

type Client struct {
	cfg     Config
	session Session
	handle  core.EventHandler
	health  adapter.HealthState
	metrics *telemetry.Metrics
	window  *adapter.SeenWindow
}

func New(cfg Config, session Session, handle core.EventHandler, metrics *telemetry.Metrics) *Client {
	if cfg.NonStreamThreshold <= 0 {
		cfg.NonStreamThreshold = defaultNonStreamThreshold
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = defaultQuietWindow
	}
	if cfg.KeepaliveDelay <= 0 {
		cfg.KeepaliveDelay = defaultKeepaliveDelay
	}
	if cfg.Platform == "" {
		cfg.Platform = core.PlatformRumble
	}
	return &Client{
		cfg:     cfg,
		session: session,
		handle:  handle,
		metrics: metrics,
		window:  adapter.NewSeenWindow(cfg.DedupeWindow),
	}
}

func (c *Client) Health() adapter.Health { return c.health.Snapshot() }

// Send types the text into the session's composer and submits it. This path
// is independent of the ingestion mode: it works the same in every mode. A
// missing composer fails only this attempt; the adapter must not press a
// different submission mechanism with unrelated side effects.
func (c *Client) Send(ctx context.Context, text string) error {
	if err := c.session.SubmitMessage(ctx, text); err != nil {
		c.metrics.IncSendFailures(string(c.cfg.Platform))
		return fmt.Errorf("browserchat send: %w", err)
	}
	return nil
}

func (c *Client) Run(ctx context.Context) error {
	if c.session == nil {
		return errors.New("browserchat: session is required")
	}
	defer c.session.Close()

	st := State{Mode: ModeBestEffortStream}
	c.publishState(st)

	backoff := adapter.Backoff{}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch st.Mode {
		case ModeBestEffortStream:
			sig, err := c.streamCycle(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrSessionClosed) {
					return err
				}
				delay := backoff.Next()
				c.health.SetError(err.Error())
				c.metrics.IncReconnects(string(c.cfg.Platform))
				log.Printf("browserchat[%s]: stream error: %v; retrying in %s", c.cfg.CreatorID, err, delay)
				if !adapter.Sleep(ctx, delay) {
					return ctx.Err()
				}
				continue
			}
			backoff.Reset()

			next := Transition(st, sig, c.cfg.NonStreamThreshold)
			if next.Mode != st.Mode {
				c.metrics.IncModeDowngrades(string(c.cfg.Platform))
				log.Printf("browserchat[%s]: downgrading %s -> %s (signal %s)", c.cfg.CreatorID, st.Mode, next.Mode, sig)
			}
			st = next
			c.publishState(st)

			if sig == SignalKeepalive || sig == SignalNonStream {
				if !adapter.Sleep(ctx, c.cfg.KeepaliveDelay) {
					return ctx.Err()
				}
			}

		case ModeFallbackObserved:
			sig, err := c.observeCycle(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrSessionClosed) {
					return err
				}
				delay := backoff.Next()
				c.health.SetError(err.Error())
				log.Printf("browserchat[%s]: observer error: %v; re-attaching in %s", c.cfg.CreatorID, err, delay)
				if !adapter.Sleep(ctx, delay) {
					return ctx.Err()
				}
				continue
			}
			backoff.Reset()
			st = Transition(st, sig, c.cfg.NonStreamThreshold)
			c.publishState(st)

		case ModeDisabled:
			// terminal: keep the task alive so the scheduler sees a
			// stable, non-crashing state, but stop emitting
			log.Printf("browserchat[%s]: ingestion disabled; holding task until shutdown", c.cfg.CreatorID)
			<-ctx.Done()
			return ctx.Err()
		}
	}
}

func (c *Client) publishState(st State) {
	c.health.Update(func(h *adapter.Health) {
		h.Mode = st.Mode.String()
		h.ConsecutiveNonStream = st.ConsecutiveNonStream
	})
}

// streamCycle performs one stream request and classifies the outcome.
func (c *Client) streamCycle(ctx context.Context) (Signal, error) {
	resp, err := c.session.FetchStream(ctx)
	if err != nil {
		return SignalNonStream, err
	}
	defer resp.Body.Close()

	if strings.Contains(resp.ContentType, streamContentType) {
		return c.consumeStream(ctx, resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return SignalNonStream, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		// the not-ready class: also produced by missing session materials,
		// which the adapter cannot distinguish from normal not-ready
		c.health.NoteKeepalive(time.Now().UTC())
		return SignalKeepalive, nil
	}
	return SignalNonStream, nil
}

// streamMessage is the payload of one stream data line.
type streamMessage struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// consumeStream reads SSE-style data lines until the stream ends or goes
// quiet past the configured window.
func (c *Client) consumeStream(ctx context.Context, body io.Reader) (Signal, error) {
	type lineOrErr struct {
		line string
		err  error
	}
	lines := make(chan lineOrErr, 16)
	abandoned := make(chan struct{})
	defer close(abandoned)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- lineOrErr{line: scanner.Text()}:
			case <-abandoned:
				return
			}
		}
		select {
		case lines <- lineOrErr{err: scanner.Err()}:
		case <-abandoned:
		}
	}()

	sawPayload := false
	quiet := time.NewTimer(c.cfg.QuietWindow)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return SignalKeepalive, ctx.Err()
		case <-quiet.C:
			// the timer is re-armed on every data line, so firing means a
			// full quiet window of silence regardless of earlier payload
			return SignalQuiet, nil
		case entry, ok := <-lines:
			if !ok {
				// stream ended; ending with payload is normal rotation,
				// ending empty is neither payload nor keepalive
				if sawPayload {
					return SignalStreamPayload, nil
				}
				return SignalNonStream, nil
			}
			if entry.err != nil {
				if sawPayload {
					return SignalStreamPayload, nil
				}
				return SignalNonStream, entry.err
			}
			data, found := strings.CutPrefix(entry.line, "data:")
			if !found {
				continue
			}
			var msg streamMessage
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &msg); err != nil {
				continue
			}
			sawPayload = true
			c.emit(msg.ID, msg.UserID, msg.Username, msg.Text)
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(c.cfg.QuietWindow)
		}
	}
}

// observeCycle attaches the observer and forwards batches until the
// observer breaks or ctx ends. Messages already delivered by the stream
// path during the transition window are filtered by the shared id window.
func (c *Client) observeCycle(ctx context.Context) (Signal, error) {
	obs, err := c.session.Observe(ctx)
	if err != nil {
		if errors.Is(err, ErrNoContainer) {
			return SignalObserverLost, nil
		}
		return SignalKeepalive, err // stay in fallback, retry attach
	}
	defer obs.Close()

	for {
		msgs, err := obs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return SignalKeepalive, ctx.Err()
			}
			return SignalKeepalive, err
		}
		for _, m := range msgs {
			c.emit(m.ID, m.UserID, m.Username, m.Text)
		}
	}
}

func (c *Client) emit(id, userID, username, text string) {
	if c.window.Observe(id) {
		return
	}
	ev := core.ChatEvent{
		Platform:   c.cfg.Platform,
		CreatorID:  c.cfg.CreatorID,
		UserID:     userID,
		Username:   username,
		Text:       text,
		MessageID:  id,
		ReceivedAt: time.Now().UTC(),
	}
	c.health.NoteEvent(ev.ReceivedAt)
	c.metrics.IncEventsIngested(string(c.cfg.Platform))
	if c.handle != nil {
		c.handle(ev)
	}
}
