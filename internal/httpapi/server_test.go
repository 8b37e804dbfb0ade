package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/quota"
	"github.com/you/chatwarden/internal/scheduler"
	"github.com/you/chatwarden/internal/trigger"
)

type fakeStore struct {
	actions []core.ActionDescriptor
	err     error
}

func (f *fakeStore) ListRecent(_ context.Context, limit int) ([]core.ActionDescriptor, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.actions) {
		limit = len(f.actions)
	}
	return f.actions[:limit], nil
}

func (f *fakeStore) Count(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.actions)), nil
}

func newTestServer(t *testing.T, providers Providers, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(providers, nil, opts)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, Providers{}, Options{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
}

func TestStatusz(t *testing.T) {
	providers := Providers{
		Status: func() []scheduler.Record {
			return []scheduler.Record{{CreatorID: "c1", Platform: core.PlatformTwitch, Status: scheduler.StatusRunning}}
		},
	}
	_, ts := newTestServer(t, providers, Options{})

	var out struct {
		Pairs []scheduler.Record `json:"pairs"`
	}
	getJSON(t, ts.URL+"/statusz", &out)
	if len(out.Pairs) != 1 || out.Pairs[0].CreatorID != "c1" || out.Pairs[0].Status != scheduler.StatusRunning {
		t.Fatalf("pairs %+v", out.Pairs)
	}
}

func TestQuotazAndTriggersz(t *testing.T) {
	providers := Providers{
		Quotas: func() []quota.State {
			return []quota.State{{CreatorID: "c1", Platform: core.PlatformYouTube, DailyLimit: 10, UsedToday: 3}}
		},
		Triggers: func() []trigger.Summary {
			return []trigger.Summary{{CreatorID: "c1", Triggers: []string{"ping"}}}
		},
	}
	_, ts := newTestServer(t, providers, Options{})

	var quotas struct {
		Quotas []quota.State `json:"quotas"`
	}
	getJSON(t, ts.URL+"/quotaz", &quotas)
	if len(quotas.Quotas) != 1 || quotas.Quotas[0].UsedToday != 3 {
		t.Fatalf("quotas %+v", quotas.Quotas)
	}

	var triggers struct {
		Triggers []trigger.Summary `json:"triggers"`
	}
	getJSON(t, ts.URL+"/triggersz", &triggers)
	if len(triggers.Triggers) != 1 || triggers.Triggers[0].Triggers[0] != "ping" {
		t.Fatalf("triggers %+v", triggers.Triggers)
	}
}

func TestActionzLimitAndErrors(t *testing.T) {
	store := &fakeStore{actions: []core.ActionDescriptor{
		{TriggerID: "t1"}, {TriggerID: "t2"}, {TriggerID: "t3"},
	}}
	_, ts := newTestServer(t, Providers{Actions: store}, Options{})

	var out struct {
		Total   int64                   `json:"total"`
		Actions []core.ActionDescriptor `json:"actions"`
	}
	getJSON(t, ts.URL+"/actionz?limit=2", &out)
	if out.Total != 3 || len(out.Actions) != 2 {
		t.Fatalf("total %d actions %d", out.Total, len(out.Actions))
	}

	store.err = errors.New("broken")
	resp := getJSON(t, ts.URL+"/actionz", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d want 500", resp.StatusCode)
	}
}

func TestMissingProvidersReturn404(t *testing.T) {
	_, ts := newTestServer(t, Providers{}, Options{})
	for _, path := range []string{"/statusz", "/quotaz", "/triggersz", "/actionz", "/configz"} {
		resp := getJSON(t, ts.URL+path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status %d want 404", path, resp.StatusCode)
		}
	}
}

func TestAdminReload(t *testing.T) {
	var calls int
	reloadErr := error(nil)
	providers := Providers{Reload: func() error {
		calls++
		return reloadErr
	}}
	_, ts := newTestServer(t, providers, Options{})

	resp, err := http.Get(ts.URL + "/admin/reload")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/admin/reload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || calls != 1 {
		t.Fatalf("POST status %d calls %d", resp.StatusCode, calls)
	}

	reloadErr = errors.New("roster unreadable")
	resp, err = http.Post(ts.URL+"/admin/reload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failed reload status %d", resp.StatusCode)
	}
}

func TestRateLimitRejects(t *testing.T) {
	_, ts := newTestServer(t, Providers{}, Options{RateLimitRPS: 1, RateLimitBurst: 1})

	first := getJSON(t, ts.URL+"/healthz", nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status %d", first.StatusCode)
	}
	second := getJSON(t, ts.URL+"/healthz", nil)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status %d want 429", second.StatusCode)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	_, ts := newTestServer(t, Providers{}, Options{CORSOrigins: []string{"https://ok.example"}})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d want 403", resp.StatusCode)
	}

	req.Header.Set("Origin", "https://ok.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ok.example" {
		t.Fatalf("allow-origin %q", got)
	}
}

func TestStreamDeliversDescriptors(t *testing.T) {
	srv, ts := newTestServer(t, Providers{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	want := core.ActionDescriptor{
		CreatorID:  "c1",
		Platform:   core.PlatformKick,
		TriggerID:  "ping",
		ActionType: "chat_reply",
		EmittedAt:  time.Now().UTC(),
	}
	// the subscription happens inside the handler; give it a moment
	deadline := time.After(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.clients)
		srv.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stream client never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := srv.Emit(ctx, want); err != nil {
		t.Fatalf("emit: %v", err)
	}

	var got core.ActionDescriptor
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.TriggerID != want.TriggerID || got.CreatorID != want.CreatorID {
		t.Fatalf("got %+v", got)
	}
}
