// Package ircchat ingests chat from a line-oriented IRC session over an
// encrypted socket. One client owns one connection per creator and rebuilds
// it with capped backoff after disconnects. Protocol keepalives are answered
// on the wire and never surfaced as chat events.
package ircchat

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/chatwarden/internal/adapter"
	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/telemetry"
)

type Config struct {
	CreatorID string
	Channel   string
	Nick      string
	Token     string
	UseTLS    bool
	Addr      string // host:port override, used by tests

	// ReadIdleTimeout is how long a silent socket is tolerated before the
	// session is torn down and rebuilt. A read past this deadline is a
	// disconnect, not a hang.
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
}

// ErrAuthFailed reports rejected credentials. It is fatal to the session:
// the scheduler records it once and does not retry.
var ErrAuthFailed = errors.New("ircchat: authentication failed")

const (
	defaultHost        = "irc.chat.twitch.tv"
	defaultIdleTimeout = 2 * time.Minute
	defaultPingEvery   = time.Minute
	readSlice          = 15 * time.Second
)

// outbound messages are throttled to stay under platform message limits.
var sendLimit = rate.Limit(20.0 / 30.0) // 20 messages per 30s

type Client struct {
	cfg     Config
	handle  core.EventHandler
	health  adapter.HealthState
	metrics *telemetry.Metrics
	limiter *rate.Limiter

	sendMu sync.Mutex
	sendFn func(string) error // bound to the live connection, nil when disconnected
}

func New(cfg Config, handle core.EventHandler, metrics *telemetry.Metrics) *Client {
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingEvery
	}
	return &Client{
		cfg:     cfg,
		handle:  handle,
		metrics: metrics,
		limiter: rate.NewLimiter(sendLimit, 1),
	}
}

func (c *Client) Health() adapter.Health { return c.health.Snapshot() }

// Send delivers one chat line over the live session. A broken outbound path
// aborts only this attempt; ingestion is untouched.
func (c *Client) Send(ctx context.Context, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.sendMu.Lock()
	send := c.sendFn
	c.sendMu.Unlock()
	if send == nil {
		c.metrics.IncSendFailures(string(core.PlatformTwitch))
		return errors.New("ircchat: not connected")
	}
	if err := send("PRIVMSG #" + c.cfg.Channel + " :" + text); err != nil {
		c.metrics.IncSendFailures(string(core.PlatformTwitch))
		return fmt.Errorf("send privmsg: %w", err)
	}
	return nil
}

// Run keeps the session alive until ctx is cancelled. Transport errors are
// retried with capped backoff; only cancellation and auth rejection escape.
func (c *Client) Run(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Channel) == "" || strings.TrimSpace(c.cfg.Nick) == "" {
		return errors.New("ircchat: channel and nick are required")
	}
	if strings.TrimSpace(c.cfg.Token) == "" {
		return errors.New("ircchat: token is required")
	}

	backoff := adapter.Backoff{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if err == nil {
			backoff.Reset()
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthFailed) {
			c.health.SetError(err.Error())
			return err
		}

		delay := backoff.Next()
		c.health.SetError(err.Error())
		c.metrics.IncReconnects(string(core.PlatformTwitch))
		log.Printf("ircchat[%s]: disconnected: %v; reconnecting in %s", c.cfg.CreatorID, err, delay)
		if !adapter.Sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	addr := defaultHost + ":6667"
	if c.cfg.UseTLS {
		addr = defaultHost + ":6697"
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}

	log.Printf("ircchat[%s]: connecting to %s (tls=%v)", c.cfg.CreatorID, addr, c.cfg.UseTLS)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: defaultHost})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	writeMu := sync.Mutex{}
	send := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.WriteString(s + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	// closer goroutine unblocks the reader on cancellation so the socket is
	// released on the cancellation path, not only on normal loop exit
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := send("PASS " + c.cfg.Token); err != nil {
		return fmt.Errorf("send PASS: %w", err)
	}
	if err := send("NICK " + c.cfg.Nick); err != nil {
		return fmt.Errorf("send NICK: %w", err)
	}
	if err := send("CAP REQ :twitch.tv/tags twitch.tv/commands"); err != nil {
		return fmt.Errorf("send CAP REQ: %w", err)
	}
	if err := send("JOIN #" + c.cfg.Channel); err != nil {
		return fmt.Errorf("send JOIN: %w", err)
	}
	log.Printf("ircchat[%s]: joined #%s as %s", c.cfg.CreatorID, c.cfg.Channel, c.cfg.Nick)

	c.sendMu.Lock()
	c.sendFn = send
	c.sendMu.Unlock()
	defer func() {
		c.sendMu.Lock()
		c.sendFn = nil
		c.sendMu.Unlock()
	}()

	c.health.Update(func(h *adapter.Health) {
		h.Mode = "connected"
		h.Error = ""
	})

	reader := rw.Reader
	lastLine := time.Now()
	nextPing := lastLine.Add(c.cfg.PingInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slice := readSlice
		if slice > c.cfg.ReadIdleTimeout {
			slice = c.cfg.ReadIdleTimeout
		}
		if err := conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				now := time.Now()
				if now.Sub(lastLine) > c.cfg.ReadIdleTimeout {
					// silent past the idle threshold: dead peer, rebuild
					// the session rather than blocking indefinitely
					return errors.New("read idle timeout")
				}
				if !now.Before(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(c.cfg.PingInterval)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		lastLine = time.Now()
		nextPing = lastLine.Add(c.cfg.PingInterval)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if authFailure(line) {
			return ErrAuthFailed
		}

		if strings.HasPrefix(line, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(line, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			c.health.NoteKeepalive(time.Now().UTC())
			continue
		}

		if strings.Contains(line, " RECONNECT") {
			return errors.New("server requested reconnect")
		}

		if ev, ok := parsePrivmsg(line, c.cfg.Channel, c.cfg.CreatorID); ok {
			c.health.NoteEvent(ev.ReceivedAt)
			c.metrics.IncEventsIngested(string(core.PlatformTwitch))
			if c.handle != nil {
				c.handle(ev)
			}
		}
	}
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}
