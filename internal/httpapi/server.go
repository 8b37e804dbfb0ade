// Package httpapi exposes the operational surface of the process:
// health, runtime status, quota and trigger snapshots, the action
// journal, Prometheus metrics, and a live descriptor stream. The core
// never blocks on any of this; every endpoint reads snapshots supplied
// by injected providers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/quota"
	"github.com/you/chatwarden/internal/scheduler"
	"github.com/you/chatwarden/internal/telemetry"
	"github.com/you/chatwarden/internal/trigger"
)

// ActionStore is the journal read side.
type ActionStore interface {
	ListRecent(ctx context.Context, limit int) ([]core.ActionDescriptor, error)
	Count(ctx context.Context) (int64, error)
}

// Providers supplies the snapshots each endpoint serves. Nil fields
// disable the corresponding endpoint with 404.
type Providers struct {
	Status   func() []scheduler.Record
	Quotas   func() []quota.State
	Triggers func() []trigger.Summary
	Actions  ActionStore
	Reload   func() error
}

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	EnablePprof     bool
	Build           BuildInfo
	ConfigSnapshot  map[string]any
}

type Server struct {
	opts      Options
	providers Providers
	metrics   *telemetry.Metrics
	limiter   *ipRateLimiter
	cors      *corsPolicy

	httpServer *http.Server
	mux        *http.ServeMux

	mu      sync.Mutex
	clients map[chan core.ActionDescriptor]struct{}
	closed  bool
}

func New(providers Providers, metrics *telemetry.Metrics, opts Options) *Server {
	srv := &Server{
		opts:      opts,
		providers: providers,
		metrics:   metrics,
		limiter:   newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:      newCORSPolicy(opts.CORSOrigins),
		clients:   make(map[chan core.ActionDescriptor]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/infoz", srv.handleInfo)
	mux.HandleFunc("/configz", srv.handleConfig)
	mux.HandleFunc("/statusz", srv.handleStatus)
	mux.HandleFunc("/quotaz", srv.handleQuotas)
	mux.HandleFunc("/triggersz", srv.handleTriggers)
	mux.HandleFunc("/actionz", srv.handleActions)
	mux.HandleFunc("/stream", srv.handleStream)
	if providers.Reload != nil {
		mux.HandleFunc("/admin/reload", srv.handleReload)
	}
	if opts.EnableMetrics && metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the route table so main can attach extra handlers.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// wrap applies rate limiting, CORS, and the access log around the mux.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if handled, _ := s.cors.handlePreflight(w, r); handled {
			return
		}
		if !s.cors.applyHeaders(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		rec := newResponseRecorder(w)
		if gz, ok := maybeGzip(rec, r); ok {
			defer gz.Close()
		}

		start := time.Now()
		next.ServeHTTP(rec, r)
		if s.opts.EnableAccessLog {
			log.Printf("httpapi: %s %s %d %dB %s %s",
				r.Method, r.URL.Path, rec.Status(), rec.Bytes(), time.Since(start).Round(time.Microsecond), remoteIP(r))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Version  string `json:"version"`
		Revision string `json:"rev"`
		BuiltAt  string `json:"built_at,omitempty"`
		Go       string `json:"go"`
	}{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.ConfigSnapshot == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.opts.ConfigSnapshot)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.providers.Status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"pairs": s.providers.Status()})
}

func (s *Server) handleQuotas(w http.ResponseWriter, r *http.Request) {
	if s.providers.Quotas == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"quotas": s.providers.Quotas()})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if s.providers.Triggers == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"triggers": s.providers.Triggers()})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.providers.Actions == nil {
		http.NotFound(w, r)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
			if limit > 1000 {
				limit = 1000
			}
		}
	}
	actions, err := s.providers.Actions.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	total, err := s.providers.Actions.Count(r.Context())
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"total": total, "actions": actions})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.providers.Reload(); err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"ok": "true"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = nil
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
