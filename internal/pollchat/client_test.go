package pollchat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/quota"
)

func newTestClient(t *testing.T, endpoint string, tracker *quota.Tracker, handle core.EventHandler) *Client {
	t.Helper()
	if tracker == nil {
		tracker = quota.NewTracker(quota.Limits{DailyLimit: 1 << 30, BufferThreshold: 1 << 29})
	}
	return New(Config{
		CreatorID:    "creator-1",
		Platform:     core.PlatformYouTube,
		Endpoint:     endpoint,
		PollInterval: 5 * time.Millisecond,
	}, tracker, handle, nil)
}

func TestReplayedPageIsNotDoubleForwarded(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		if n <= 2 {
			// same page twice: identical message_id set
			fmt.Fprint(w, `{"messages":[{"id":"m1","user_id":"u1","username":"U1","text":"one"},{"id":"m2","user_id":"u2","username":"U2","text":"two"}],"cursor":"c1"}`)
			return
		}
		fmt.Fprint(w, `{"messages":[],"cursor":"c1"}`)
	}))
	defer srv.Close()

	events := make(chan core.ChatEvent, 16)
	client := newTestClient(t, srv.URL, nil, func(ev core.ChatEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for polls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("server not polled enough")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	close(events)

	var ids []string
	for ev := range events {
		ids = append(ids, ev.MessageID)
	}
	if len(ids) != 2 {
		t.Fatalf("forwarded %d events %v, want 2 unique", len(ids), ids)
	}
}

func TestCursorCarriedAndResetOnRejection(t *testing.T) {
	var polls atomic.Int64
	cursors := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		cursors <- r.URL.Query().Get("cursor")
		switch n {
		case 1:
			fmt.Fprint(w, `{"messages":[],"cursor":"page-2"}`)
		case 2:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid cursor"}`)
		default:
			fmt.Fprint(w, `{"messages":[],"cursor":"page-2"}`)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	want := []string{"", "page-2", ""}
	for i, expected := range want {
		select {
		case got := <-cursors:
			if got != expected {
				t.Fatalf("poll %d: cursor %q want %q", i+1, got, expected)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("poll %d never arrived", i+1)
		}
	}
	cancel()
	<-done
}

func TestQuotaExhaustedSkipsUpstreamCalls(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		fmt.Fprint(w, `{"messages":[]}`)
	}))
	defer srv.Close()

	tracker := quota.NewTracker(quota.Limits{DailyLimit: 2, BufferThreshold: 2})
	client := newTestClient(t, srv.URL, tracker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// the two quota units drain, then the adapter must go quiet until the
	// next window boundary instead of hammering upstream
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	if got := polls.Load(); got != 2 {
		t.Fatalf("upstream called %d times, want exactly 2 (hard cap)", got)
	}
	if h := client.Health(); h.Mode != "quota_exhausted" {
		t.Fatalf("health mode %q, want quota_exhausted", h.Mode)
	}
}

func TestPollErrorBacksOffAndRecovers(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"messages":[{"id":"ok","user_id":"u","username":"U","text":"back"}]}`)
	}))
	defer srv.Close()

	events := make(chan core.ChatEvent, 1)
	client := newTestClient(t, srv.URL, nil, func(ev core.ChatEvent) {
		select {
		case events <- ev:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case ev := <-events:
		if ev.MessageID != "ok" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not recover after upstream error")
	}
	cancel()
	<-done
}

func TestRunRequiresEndpoint(t *testing.T) {
	client := newTestClient(t, "", nil, nil)
	if err := client.Run(context.Background()); err == nil {
		t.Fatal("empty endpoint accepted")
	}
	client = newTestClient(t, "://bad", nil, nil)
	if err := client.Run(context.Background()); err == nil {
		t.Fatal("malformed endpoint accepted")
	}
}
