package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"CW_CREATORS_FILE", "CW_HTTP_ADDR", "CW_JOURNAL_SQLITE_PATH",
		"CW_QUOTA_DAILY_LIMIT", "CW_QUOTA_BUFFER_THRESHOLD", "CHATWARDEN_DB",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	if cfg.Journal.SQLitePath != defaultSQLitePath {
		t.Fatalf("sqlite path %q", cfg.Journal.SQLitePath)
	}
	if cfg.Quota.DailyLimit != defaultDailyLimit || cfg.Quota.BufferThreshold != defaultBufferThreshold {
		t.Fatalf("quota defaults %+v", cfg.Quota)
	}
	if cfg.HTTP.RateRPS != defaultRateRPS || cfg.HTTP.RateBurst != defaultRateBurst {
		t.Fatalf("rate defaults %+v", cfg.HTTP)
	}
	if !cfg.HTTP.Metrics || !cfg.HTTP.AccessLog || cfg.HTTP.Pprof {
		t.Fatalf("http toggles %+v", cfg.HTTP)
	}
}

func TestLoadEnvOverridesAndLegacy(t *testing.T) {
	t.Setenv("CW_CREATORS_FILE", " /etc/chatwarden/creators.json ")
	t.Setenv("CW_HTTP_ADDR", ":8765")
	t.Setenv("CW_QUOTA_DAILY_LIMIT", "500")
	t.Setenv("CW_JOURNAL_SQLITE_PATH", "")
	os.Unsetenv("CW_JOURNAL_SQLITE_PATH")
	t.Setenv("CHATWARDEN_DB", "/data/actions.db")

	cfg := Load()
	if cfg.CreatorsFile != "/etc/chatwarden/creators.json" {
		t.Fatalf("creators file %q", cfg.CreatorsFile)
	}
	if cfg.HTTP.Addr != ":8765" {
		t.Fatalf("http addr %q", cfg.HTTP.Addr)
	}
	if cfg.Quota.DailyLimit != 500 {
		t.Fatalf("daily limit %d", cfg.Quota.DailyLimit)
	}
	if cfg.Journal.SQLitePath != "/data/actions.db" {
		t.Fatalf("legacy db path not honored: %q", cfg.Journal.SQLitePath)
	}
}

func TestEnablementShapes(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		on    bool
		modes []string
	}{
		{"bool true", `{"creators":[{"id":"a","platforms":{"twitch":{"enabled":true}}}]}`, true, nil},
		{"bool false", `{"creators":[{"id":"a","platforms":{"twitch":{"enabled":false}}}]}`, false, nil},
		{"object value", `{"creators":[{"id":"a","platforms":{"twitch":{"enabled":{"value":true}}}}]}`, true, nil},
		{"object enabled key", `{"creators":[{"id":"a","platforms":{"twitch":{"enabled":{"enabled":false}}}}]}`, false, nil},
		{"list", `{"creators":[{"id":"a","platforms":{"twitch":{"enabled":["Stream"," observed "]}}}]}`, true, []string{"stream", "observed"}},
		{"empty list", `{"creators":[{"id":"a","platforms":{"twitch":{"enabled":[]}}}]}`, false, nil},
		{"missing", `{"creators":[{"id":"a","platforms":{"twitch":{}}}]}`, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roster, err := ParseRoster([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			en := roster.Creators[0].Platforms["twitch"].Enabled
			if en.On != tc.on {
				t.Fatalf("on = %t want %t", en.On, tc.on)
			}
			if len(en.Modes) != len(tc.modes) {
				t.Fatalf("modes %v want %v", en.Modes, tc.modes)
			}
			for i := range tc.modes {
				if en.Modes[i] != tc.modes[i] {
					t.Fatalf("modes %v want %v", en.Modes, tc.modes)
				}
			}
		})
	}
}

func TestParseRosterNormalization(t *testing.T) {
	raw := `{"creators":[
		{"id":" bob ","platforms":{"Twitch":{"enabled":true,"channel":"bob"}}},
		{"id":"alice","platforms":{"KICK":{"enabled":true}}},
		{"id":"bob","platforms":{}}
	]}`
	roster, err := ParseRoster([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(roster.Creators) != 2 {
		t.Fatalf("creators %d want 2 (duplicate dropped)", len(roster.Creators))
	}
	if roster.Creators[0].ID != "alice" || roster.Creators[1].ID != "bob" {
		t.Fatalf("order %v", []string{roster.Creators[0].ID, roster.Creators[1].ID})
	}
	if _, ok := roster.Creators[1].Platforms["twitch"]; !ok {
		t.Fatal("platform key not lowercased")
	}
}

func TestParseRosterRejectsEmptyID(t *testing.T) {
	if _, err := ParseRoster([]byte(`{"creators":[{"id":"  "}]}`)); err == nil {
		t.Fatal("empty id accepted")
	}
}

func TestFingerprintTracksChange(t *testing.T) {
	parse := func(raw string) Creator {
		roster, err := ParseRoster([]byte(raw))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return roster.Creators[0]
	}
	a := parse(`{"creators":[{"id":"a","platforms":{"twitch":{"enabled":true,"channel":"a"}}}]}`)
	same := parse(`{"creators":[{"id":"a","platforms":{"twitch":{"enabled":true,"channel":"a"}}}]}`)
	changed := parse(`{"creators":[{"id":"a","platforms":{"twitch":{"enabled":true,"channel":"b"}}}]}`)

	if a.Fingerprint("twitch") != same.Fingerprint("twitch") {
		t.Fatal("identical settings produced different fingerprints")
	}
	if a.Fingerprint("twitch") == changed.Fingerprint("twitch") {
		t.Fatal("changed settings produced identical fingerprints")
	}
	if a.Fingerprint("youtube") != "" {
		t.Fatal("missing platform should fingerprint empty")
	}
}

func TestRosterRedactionMasksTokens(t *testing.T) {
	roster, err := ParseRoster([]byte(`{"creators":[{"id":"a","platforms":{"twitch":{"enabled":true,"token":"oauth:supersecret"}}}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := roster.Redacted()
	creators := out["creators"].([]map[string]any)
	tw := creators[0]["platforms"].(map[string]any)["twitch"].(map[string]any)
	token := tw["token"].(string)
	if strings.Contains(token, "supersecret") {
		t.Fatalf("token leaked: %q", token)
	}
	if !strings.Contains(token, "REDACTED") {
		t.Fatalf("token not marked redacted: %q", token)
	}
}

func TestWatchDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creators.json")
	if err := os.WriteFile(path, []byte(`{"creators":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan struct{}, 16)
	if err := Watch(ctx, path, func() { reloads <- struct{}{} }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(`{"creators":[]}`), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-reloads:
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after writes")
	}
	// the burst above lands inside one debounce window
	select {
	case <-reloads:
		t.Fatal("burst writes produced multiple reloads")
	case <-time.After(400 * time.Millisecond):
	}
}
