// Package metrics exposes Kotori's Prometheus collectors.
//
// Collectors live on a private registry so that tests can build as many
// Metrics values as they like. The dispatcher reports through the Observer
// methods; the approval workflow, audit log and HTTP server get small hook
// functions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/Kotori/common/version"
	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/gate"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
	"github.com/bdobrica/Kotori/internal/kotori/intent"
)

const namespace = "kotori"

// Metrics owns the registry and every collector. It implements
// dispatch.Observer.
type Metrics struct {
	reg *prometheus.Registry

	gateDecisions *prometheus.CounterVec
	gateThreats   *prometheus.CounterVec
	gateBlocks    prometheus.Counter

	parses      *prometheus.CounterVec
	parseTokens prometheus.Counter

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	approvals     *prometheus.CounterVec
	auditFailures prometheus.Counter

	remindersDelivered prometheus.Counter

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "decisions_total",
			Help: "Security gate decisions by rejection reason (none when allowed).",
		}, []string{"rejection"}),
		gateThreats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "threats_total",
			Help: "Threat detections by category.",
		}, []string{"category"}),
		gateBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "blocks_total",
			Help: "Sources newly blocked.",
		}),
		parses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "results_total",
			Help: "Parse results by tier and degradation reason.",
		}, []string{"tier", "reason"}),
		parseTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "tokens_total",
			Help: "Model tokens spent on parsing.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "commands_total",
			Help: "Dispatched requests by command kind and outcome.",
		}, []string{"kind", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "command_duration_seconds",
			Help:    "Time spent executing a command against its service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "transitions_total",
			Help: "Approval state transitions.",
		}, []string{"transition"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "write_failures_total",
			Help: "Audit entries that could not be persisted after retries.",
		}),
		remindersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reminders", Name: "delivered_total",
			Help: "Reminders delivered to a channel.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "build_info",
		Help: "Build information; always 1.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version.Version, version.GitCommit).Set(1)

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		m.gateDecisions, m.gateThreats, m.gateBlocks,
		m.parses, m.parseTokens,
		m.commands, m.commandDuration,
		m.approvals, m.auditFailures, m.remindersDelivered,
		m.httpInFlight, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) GateDecision(v gate.Verdict) {
	m.gateDecisions.WithLabelValues(v.Rejection.String()).Inc()
	for _, t := range v.Threats {
		m.gateThreats.WithLabelValues(string(t.Category)).Inc()
	}
	if v.NewlyBlocked {
		m.gateBlocks.Inc()
	}
}

func (m *Metrics) Parsed(res intent.Result) {
	reason := res.Reason
	if reason == "" {
		reason = "none"
	}
	m.parses.WithLabelValues(string(res.Tier), reason).Inc()
	if res.Usage != nil {
		m.parseTokens.Add(float64(res.Usage.TotalTokens))
	}
}

func (m *Metrics) Dispatched(kind command.Kind, outcome string, elapsed time.Duration) {
	k := string(kind)
	if k == "" {
		k = "none"
	}
	m.commands.WithLabelValues(k, outcome).Inc()
	if elapsed > 0 {
		m.commandDuration.WithLabelValues(k).Observe(elapsed.Seconds())
	}
}

// ApprovalTransition is passed to approvals.WithTransitionHook.
func (m *Metrics) ApprovalTransition(transition string) {
	m.approvals.WithLabelValues(transition).Inc()
}

// AuditFailure is passed to audit.WithFailureHook.
func (m *Metrics) AuditFailure() { m.auditFailures.Inc() }

// ReminderDelivered counts one delivered reminder.
func (m *Metrics) ReminderDelivered() { m.remindersDelivered.Inc() }

// WatchBreaker exports the circuit breaker state as one gauge per state,
// set to 1 for the current one.
func (m *Metrics) WatchBreaker(b *inference.Breaker) {
	for _, s := range []inference.BreakerState{inference.BreakerClosed, inference.BreakerOpen, inference.BreakerHalfOpen} {
		state := s
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "inference", Name: "breaker_state",
			Help:        "Inference circuit breaker state.",
			ConstLabels: prometheus.Labels{"state": string(state)},
		}, func() float64 {
			if b.State() == state {
				return 1
			}
			return 0
		}))
	}
}

// Instrument measures requests handled by next. route should be the
// registered pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
