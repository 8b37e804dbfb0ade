package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/you/chatwarden/internal/adapter"
	"github.com/you/chatwarden/internal/browserchat"
	"github.com/you/chatwarden/internal/config"
	"github.com/you/chatwarden/internal/core"
	"github.com/you/chatwarden/internal/httpapi"
	"github.com/you/chatwarden/internal/ircchat"
	"github.com/you/chatwarden/internal/journal"
	"github.com/you/chatwarden/internal/pollchat"
	"github.com/you/chatwarden/internal/quota"
	"github.com/you/chatwarden/internal/scheduler"
	"github.com/you/chatwarden/internal/telemetry"
	"github.com/you/chatwarden/internal/trigger"
	"github.com/you/chatwarden/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag   bool
		creatorsFile  string
		dbPath        string
		httpAddr      string
		httpCors      string
		httpRateRPS   int
		httpRateBurst int
		httpMetrics   bool
		httpAccessLog bool
		httpPprof     bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&creatorsFile, "creators", "", "Path to the creators JSON file")
	flag.StringVar(&dbPath, "sqlite", "", "Path to the SQLite action journal")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/stream address (e.g., :8765)")
	flag.StringVar(&httpCors, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatwarden version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["creators"] {
		cfg.CreatorsFile = strings.TrimSpace(creatorsFile)
	}
	if overrides["sqlite"] {
		cfg.Journal.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCors, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["http-pprof"] {
		cfg.HTTP.Pprof = httpPprof
	}

	log.Printf("chatwarden: %s", cfg.RedactedJSON())

	if cfg.CreatorsFile == "" {
		log.Fatal("chatwarden: creators file is required (set CW_CREATORS_FILE or -creators)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatwarden: received %s, shutting down", sig)
		cancel()
	}()

	metrics := telemetry.New()
	quotas := quota.NewRegistry()
	triggers := trigger.NewRegistry(trigger.WithMetrics(metrics))

	store, err := journal.OpenSQLite(cfg.Journal.SQLitePath)
	if err != nil {
		log.Fatalf("chatwarden: open journal: %v", err)
	}
	if err := store.Ping(); err != nil {
		log.Fatalf("chatwarden: ping journal: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("chatwarden: closing journal: %v", err)
		}
	}()

	var journalSink core.ActionSink = store
	var buffered *journal.BufferedSink
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		buffered = journal.NewBufferedSink(store, journal.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		journalSink = buffered
	}

	wire := &wiring{
		cfg:      cfg,
		metrics:  metrics,
		quotas:   quotas,
		triggers: triggers,
		sink:     journalSink,
	}

	sched := scheduler.New(wire.buildAdapter, metrics)
	wire.scheduler = sched

	reload := func() error {
		roster, err := config.LoadRoster(cfg.CreatorsFile)
		if err != nil {
			return err
		}
		wire.applyRoster(ctx, roster)
		return nil
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
		if version.BuildTime != "" && version.BuildTime != "unknown" {
			if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
				build.BuiltAt = t
			}
		}
		api = httpapi.New(httpapi.Providers{
			Status:   sched.Snapshot,
			Quotas:   quotas.Snapshot,
			Triggers: triggers.Summaries,
			Actions:  store,
			Reload:   reload,
		}, metrics, httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			CORSOrigins:     cfg.HTTP.CORSOrigins,
			RateLimitRPS:    cfg.HTTP.RateRPS,
			RateLimitBurst:  cfg.HTTP.RateBurst,
			EnableMetrics:   cfg.HTTP.Metrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			EnablePprof:     cfg.HTTP.Pprof,
			Build:           build,
			ConfigSnapshot:  cfg.Redacted(),
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("chatwarden: http api: %v", err)
			}
		}()
		// descriptors fan out to connected stream clients as well
		wire.sink = fanoutSink{journalSink, api}
		log.Printf("chatwarden: http api ready on %s", cfg.HTTP.Addr)
	}

	if err := reload(); err != nil {
		log.Fatalf("chatwarden: load creators: %v", err)
	}
	if err := config.Watch(ctx, cfg.CreatorsFile, func() {
		if err := reload(); err != nil {
			slog.Error("creators reload failed", "err", err)
		}
	}); err != nil {
		slog.Error("creators watch unavailable", "err", err)
	}

	<-ctx.Done()

	sched.Stop()

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("chatwarden: http api shutdown: %v", err)
		}
		cancelShutdown()
	}

	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("chatwarden: flush action journal: %v", err)
		}
	}
	log.Printf("chatwarden: shutdown complete")
}

// fanoutSink delivers each descriptor to every sink; the first error
// wins but later sinks still receive the descriptor.
type fanoutSink []core.ActionSink

func (f fanoutSink) Emit(ctx context.Context, d core.ActionDescriptor) error {
	var firstErr error
	for _, s := range f {
		if err := s.Emit(ctx, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wiring owns the glue between roster config and the running registries.
type wiring struct {
	cfg       config.Config
	metrics   *telemetry.Metrics
	quotas    *quota.Registry
	triggers  *trigger.Registry
	scheduler *scheduler.Scheduler

	mu   sync.Mutex
	sink core.ActionSink
}

func (w *wiring) emit(ctx context.Context, d core.ActionDescriptor) {
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, d); err != nil {
		log.Printf("chatwarden: emit action %s/%s: %v", d.CreatorID, d.TriggerID, err)
		w.metrics.IncJournalErrors()
	}
}

// handler builds the per-adapter event path: evaluate triggers, emit
// descriptors.
func (w *wiring) handler() core.EventHandler {
	return func(ev core.ChatEvent) {
		for _, d := range w.triggers.Evaluate(ev) {
			w.emit(context.Background(), d)
		}
	}
}

func (w *wiring) limitsFor(creator config.Creator) quota.Limits {
	limits := quota.Limits{
		DailyLimit:      int64(w.cfg.Quota.DailyLimit),
		BufferThreshold: int64(w.cfg.Quota.BufferThreshold),
	}
	if creator.Quota != nil {
		if creator.Quota.DailyLimit > 0 {
			limits.DailyLimit = int64(creator.Quota.DailyLimit)
		}
		if creator.Quota.BufferThreshold > 0 {
			limits.BufferThreshold = int64(creator.Quota.BufferThreshold)
		}
	}
	return limits
}

// applyRoster replaces trigger sets and reconciles the scheduler with a
// freshly loaded roster.
func (w *wiring) applyRoster(ctx context.Context, roster *config.Roster) {
	active := make(map[string]struct{}, len(roster.Creators))
	for _, creator := range roster.Creators {
		active[creator.ID] = struct{}{}
		defs := make([]trigger.Definition, 0, len(creator.Triggers))
		for _, t := range creator.Triggers {
			defs = append(defs, trigger.Definition{
				ID:              t.ID,
				Kind:            trigger.Kind(strings.ToLower(t.Kind)),
				Pattern:         t.Pattern,
				ActionType:      t.ActionType,
				Payload:         t.ActionPayload,
				CooldownScope:   trigger.Scope(strings.ToLower(t.Scope)),
				CooldownSeconds: t.CooldownSeconds,
				Enabled:         !t.Disabled,
			})
		}
		if err := w.triggers.ReplaceAll(creator.ID, defs); err != nil {
			slog.Error("trigger set rejected", "creator", creator.ID, "err", err)
		}
	}
	for _, summary := range w.triggers.Summaries() {
		if _, keep := active[summary.CreatorID]; !keep {
			w.triggers.Remove(summary.CreatorID)
		}
	}

	w.scheduler.Reconcile(ctx, roster)
}

// buildAdapter maps one (creator, platform) pair onto its transport.
func (w *wiring) buildAdapter(creator config.Creator, platform core.Platform, settings config.PlatformSettings) (adapter.Adapter, error) {
	switch platform {
	case core.PlatformTwitch:
		if strings.TrimSpace(settings.Channel) == "" {
			return nil, config.NewPairError(creator.ID, string(platform), "channel is required")
		}
		if strings.TrimSpace(settings.Nick) == "" {
			return nil, config.NewPairError(creator.ID, string(platform), "nick is required")
		}
		if strings.TrimSpace(settings.Token) == "" {
			return nil, config.NewPairError(creator.ID, string(platform), "token is required")
		}
		useTLS := true
		if settings.TLS != nil {
			useTLS = *settings.TLS
		}
		return ircchat.New(ircchat.Config{
			CreatorID: creator.ID,
			Channel:   settings.Channel,
			Nick:      settings.Nick,
			Token:     settings.Token,
			UseTLS:    useTLS,
			Addr:      settings.Addr,
		}, w.handler(), w.metrics), nil

	case core.PlatformYouTube, core.PlatformKick:
		if strings.TrimSpace(settings.Endpoint) == "" {
			return nil, config.NewPairError(creator.ID, string(platform), "endpoint is required")
		}
		tracker := w.quotas.Tracker(creator.ID, platform, w.limitsFor(creator))
		return pollchat.New(pollchat.Config{
			CreatorID:    creator.ID,
			Platform:     platform,
			Endpoint:     settings.Endpoint,
			PollInterval: time.Duration(settings.PollIntervalMS) * time.Millisecond,
			PollCost:     int64(settings.PollCost),
			DedupeWindow: settings.DedupeWindow,
		}, tracker, w.handler(), w.metrics), nil

	case core.PlatformRumble:
		if strings.TrimSpace(settings.SessionEndpoint) == "" {
			return nil, config.NewPairError(creator.ID, string(platform), "session endpoint is required")
		}
		header := make(http.Header, len(settings.SessionHeaders))
		for k, v := range settings.SessionHeaders {
			header.Set(k, v)
		}
		return &browserRunner{
			cfg: browserchat.Config{
				CreatorID:          creator.ID,
				Platform:           platform,
				NonStreamThreshold: settings.NonStreamThreshold,
				QuietWindow:        time.Duration(settings.QuietWindowSecs) * time.Second,
				DedupeWindow:       settings.DedupeWindow,
			},
			endpoint: settings.SessionEndpoint,
			header:   header,
			handle:   w.handler(),
			metrics:  w.metrics,
		}, nil

	default:
		return nil, config.NewPairError(creator.ID, string(platform), "unsupported platform")
	}
}

// browserRunner dials the browser session endpoint and hands the
// session to the ingestion client. Dial failures retry with backoff so
// a sidecar restart does not kill the pair.
type browserRunner struct {
	cfg      browserchat.Config
	endpoint string
	header   http.Header
	handle   core.EventHandler
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	client *browserchat.Client
	health adapter.HealthState
}

func (b *browserRunner) Run(ctx context.Context) error {
	backoff := adapter.Backoff{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := browserchat.DialSession(ctx, b.endpoint, b.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := backoff.Next()
			b.health.SetError(err.Error())
			log.Printf("browserchat[%s]: dial session: %v; retrying in %s", b.cfg.CreatorID, err, delay)
			if !adapter.Sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()

		client := browserchat.New(b.cfg, session, b.handle, b.metrics)
		b.mu.Lock()
		b.client = client
		b.mu.Unlock()

		if err := client.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("browserchat[%s]: session ended: %v; redialing", b.cfg.CreatorID, err)
		}
	}
}

func (b *browserRunner) Send(ctx context.Context, text string) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return errors.New("browserchat: session not established")
	}
	return client.Send(ctx, text)
}

func (b *browserRunner) Health() adapter.Health {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client != nil {
		return client.Health()
	}
	return b.health.Snapshot()
}
