package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/gate"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
	"github.com/bdobrica/Kotori/internal/kotori/intent"
	"github.com/bdobrica/Kotori/internal/kotori/metrics"
)

func TestObserverCounts(t *testing.T) {
	m := metrics.New()

	m.GateDecision(gate.Verdict{
		Rejection:    gate.RejectInjection,
		Threats:      []gate.Threat{{Category: gate.CategoryPromptInjection}},
		NewlyBlocked: true,
	})
	m.GateDecision(gate.Verdict{Allowed: true})
	m.Parsed(intent.Result{Tier: intent.TierFallback, Degraded: true, Reason: intent.ReasonTimeout})
	m.Dispatched(command.KindListTasks, "success", 20*time.Millisecond)
	m.Dispatched("", "rejected", 0)
	m.ApprovalTransition("approved")
	m.AuditFailure()

	expected := `
# HELP kotori_gate_blocks_total Sources newly blocked.
# TYPE kotori_gate_blocks_total counter
kotori_gate_blocks_total 1
# HELP kotori_dispatch_commands_total Dispatched requests by command kind and outcome.
# TYPE kotori_dispatch_commands_total counter
kotori_dispatch_commands_total{kind="list_tasks",outcome="success"} 1
kotori_dispatch_commands_total{kind="none",outcome="rejected"} 1
# HELP kotori_approvals_transitions_total Approval state transitions.
# TYPE kotori_approvals_transitions_total counter
kotori_approvals_transitions_total{transition="approved"} 1
# HELP kotori_audit_write_failures_total Audit entries that could not be persisted after retries.
# TYPE kotori_audit_write_failures_total counter
kotori_audit_write_failures_total 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"kotori_gate_blocks_total",
		"kotori_dispatch_commands_total",
		"kotori_approvals_transitions_total",
		"kotori_audit_write_failures_total",
	)
	assert.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "kotori_gate_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per rejection reason")
}

func TestWatchBreaker(t *testing.T) {
	m := metrics.New()
	m.WatchBreaker(inference.NewBreaker(nil, 3, time.Minute))

	n, err := testutil.GatherAndCount(m.Registry(), "kotori_inference_breaker_state")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInstrumentAndHandler(t *testing.T) {
	m := metrics.New()
	h := m.Instrument("/v1/chat", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/chat", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `kotori_http_requests_total{method="POST",route="/v1/chat",status="418"} 1`)
	assert.Contains(t, body, "kotori_build_info")
	assert.Contains(t, body, "go_goroutines")
}
