// Package pollchat ingests chat from a quota-metered paginated list
// endpoint. Each cycle consults the quota tracker before calling upstream,
// carries a pagination cursor between cycles, and filters overlapping pages
// through a bounded recent-id window.
package pollchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/chatwarden/internal/adapter"
	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/quota"
	"github.com/you/chatwarden/internal/telemetry"
)

type Config struct {
	CreatorID string
	Platform  core.Platform
	Endpoint  string // list endpoint; cursor appended as a query parameter

	PollInterval time.Duration // floor between cycles; upstream hints can stretch it
	PollCost     int64         // quota units per upstream call
	DedupeWindow int
}

// page is the wire shape of one poll response.
type page struct {
	Messages []pageMessage `json:"messages"`
	Cursor   string        `json:"cursor"`
	Interval int           `json:"interval_ms"`
	Error    string        `json:"error"`
}

type pageMessage struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// errCursorRejected signals the upstream refused our pagination cursor. The
// adapter resets to an uncursored full fetch instead of terminating.
var errCursorRejected = errors.New("pollchat: cursor rejected")

const (
	defaultInterval = 1500 * time.Millisecond
	defaultCost     = 1
)

type Client struct {
	cfg     Config
	handle  core.EventHandler
	http    *http.Client
	tracker *quota.Tracker
	health  adapter.HealthState
	metrics *telemetry.Metrics
	pacer   *rate.Limiter
	window  *adapter.SeenWindow
}

func New(cfg Config, tracker *quota.Tracker, handle core.EventHandler, metrics *telemetry.Metrics) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultInterval
	}
	if cfg.PollCost <= 0 {
		cfg.PollCost = defaultCost
	}
	return &Client{
		cfg:     cfg,
		handle:  handle,
		http:    &http.Client{Timeout: 15 * time.Second},
		tracker: tracker,
		metrics: metrics,
		pacer:   rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		window:  adapter.NewSeenWindow(cfg.DedupeWindow),
	}
}

// SetHTTPClient overrides the transport, used by tests.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

func (c *Client) Health() adapter.Health { return c.health.Snapshot() }

// Send is not supported on the polling transport.
func (c *Client) Send(context.Context, string) error {
	return errors.New("pollchat: transport has no outbound path")
}

func (c *Client) Run(ctx context.Context) error {
	endpoint := strings.TrimSpace(c.cfg.Endpoint)
	if endpoint == "" {
		return errors.New("pollchat: endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return fmt.Errorf("pollchat: invalid endpoint: %w", err)
	}

	c.health.Update(func(h *adapter.Health) { h.Mode = "polling" })

	backoff := adapter.Backoff{}
	cursor := ""
	platform := string(c.cfg.Platform)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.pacer.Wait(ctx); err != nil {
			return ctx.Err()
		}

		result := c.tracker.TryConsume(c.cfg.PollCost)
		c.metrics.IncQuotaResult(platform, result.String())
		switch result {
		case quota.HardCapExceeded:
			// skip the cycle entirely and wake at the window boundary,
			// not via immediate retry
			wait := time.Until(c.tracker.NextWindow())
			c.health.Update(func(h *adapter.Health) { h.Mode = "quota_exhausted" })
			log.Printf("pollchat[%s]: daily quota exhausted; sleeping %s until next window", c.cfg.CreatorID, wait.Round(time.Second))
			if !adapter.Sleep(ctx, wait) {
				return ctx.Err()
			}
			c.health.Update(func(h *adapter.Health) { h.Mode = "polling" })
			continue
		case quota.BufferWarning:
			// soft ceiling crossed: halve the request frequency
			if !adapter.Sleep(ctx, c.cfg.PollInterval) {
				return ctx.Err()
			}
		}

		pg, err := c.poll(ctx, endpoint, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errCursorRejected) {
				log.Printf("pollchat[%s]: cursor rejected, resetting to full fetch", c.cfg.CreatorID)
				cursor = ""
				continue
			}
			delay := backoff.Next()
			c.health.SetError(err.Error())
			c.metrics.IncReconnects(platform)
			log.Printf("pollchat[%s]: poll error: %v; retrying in %s", c.cfg.CreatorID, err, delay)
			if !adapter.Sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()
		c.health.SetError("")
		c.health.NoteKeepalive(time.Now().UTC())

		for _, m := range pg.Messages {
			if c.window.Observe(m.ID) {
				continue
			}
			ev := core.ChatEvent{
				Platform:   c.cfg.Platform,
				CreatorID:  c.cfg.CreatorID,
				UserID:     m.UserID,
				Username:   m.Username,
				Text:       m.Text,
				MessageID:  m.ID,
				ReceivedAt: time.Now().UTC(),
			}
			c.health.NoteEvent(ev.ReceivedAt)
			c.metrics.IncEventsIngested(platform)
			if c.handle != nil {
				c.handle(ev)
			}
		}

		cursor = pg.Cursor

		interval := c.cfg.PollInterval
		if pg.Interval > 0 {
			if hinted := time.Duration(pg.Interval) * time.Millisecond; hinted > interval {
				interval = hinted
			}
		}
		if !adapter.Sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

func (c *Client) poll(ctx context.Context, endpoint, cursor string) (*page, error) {
	reqURL := endpoint
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		reqURL = endpoint + sep + "cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusBadRequest {
		var pg page
		if json.Unmarshal(body, &pg) == nil && strings.Contains(pg.Error, "cursor") {
			return nil, errCursorRejected
		}
		return nil, fmt.Errorf("poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pg page
	if err := json.Unmarshal(body, &pg); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &pg, nil
}
