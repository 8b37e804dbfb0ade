// Package telemetry bundles the Prometheus collectors shared by the
// scheduler, adapters and status API. Collectors live on a private registry
// so tests can construct isolated instances.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	eventsIngested  *prometheus.CounterVec
	triggersFired   *prometheus.CounterVec
	cooldownSkips   *prometheus.CounterVec
	quotaResults    *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	modeDowngrades  *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	adaptersRunning prometheus.Gauge
	streamClients   prometheus.Gauge
	journalErrors   prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "events_ingested_total",
			Help:      "Normalized chat events produced by adapters",
		}, []string{"platform"}),
		triggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "triggers_fired_total",
			Help:      "Action descriptors emitted by trigger evaluation",
		}, []string{"platform"}),
		cooldownSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "cooldown_suppressions_total",
			Help:      "Trigger matches suppressed by an active cooldown",
		}, []string{"platform"}),
		quotaResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "quota_results_total",
			Help:      "Quota consumption attempts by result",
		}, []string{"platform", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "adapter_reconnects_total",
			Help:      "Transport rebuilds after disconnects or poll errors",
		}, []string{"platform"}),
		modeDowngrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "mode_downgrades_total",
			Help:      "Ingestion mode downgrades on observed-session adapters",
		}, []string{"platform"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "send_failures_total",
			Help:      "Outbound send attempts that failed",
		}, []string{"platform"}),
		adaptersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatwarden",
			Name:      "adapters_running",
			Help:      "Currently running adapter tasks",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatwarden",
			Name:      "stream_clients",
			Help:      "Connected descriptor stream clients",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwarden",
			Name:      "journal_write_errors_total",
			Help:      "Descriptor journal write errors",
		}),
	}

	registry.MustRegister(
		m.eventsIngested,
		m.triggersFired,
		m.cooldownSkips,
		m.quotaResults,
		m.reconnects,
		m.modeDowngrades,
		m.sendFailures,
		m.adaptersRunning,
		m.streamClients,
		m.journalErrors,
	)

	return m
}

// Handler exposes the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncEventsIngested(platform string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncTriggersFired(platform string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.triggersFired.WithLabelValues(platform).Add(float64(n))
}

func (m *Metrics) IncCooldownSuppressed(platform string) {
	if m == nil {
		return
	}
	m.cooldownSkips.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncQuotaResult(platform, result string) {
	if m == nil {
		return
	}
	m.quotaResults.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) IncReconnects(platform string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncModeDowngrades(platform string) {
	if m == nil {
		return
	}
	m.modeDowngrades.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncSendFailures(platform string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(platform).Inc()
}

func (m *Metrics) AddAdaptersRunning(delta float64) {
	if m == nil {
		return
	}
	m.adaptersRunning.Add(delta)
}

func (m *Metrics) AddStreamClients(delta float64) {
	if m == nil {
		return
	}
	m.streamClients.Add(delta)
}

func (m *Metrics) IncJournalErrors() {
	if m == nil {
		return
	}
	m.journalErrors.Inc()
}
