package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
	"github.com/bdobrica/Kotori/internal/kotori/metrics"
)

type fakePipeline struct {
	lastText string
	lastRC   dispatch.RequestContext
	err      error
}

func (p *fakePipeline) Handle(_ context.Context, raw string, rc dispatch.RequestContext) (dispatch.ExecutionResult, error) {
	p.lastText, p.lastRC = raw, rc
	if p.err != nil {
		return dispatch.ExecutionResult{}, p.err
	}
	return dispatch.ExecutionResult{Success: true, Response: "ok", RequestID: rc.RequestID}, nil
}

func (p *fakePipeline) Approve(_ context.Context, id string, rc dispatch.RequestContext) (dispatch.ExecutionResult, error) {
	p.lastRC = rc
	switch id {
	case "gone":
		return dispatch.ExecutionResult{}, approvals.ErrNotFound
	case "done":
		return dispatch.ExecutionResult{}, &approvals.StateError{ID: id, Current: approvals.StatusDenied}
	case "theirs":
		return dispatch.ExecutionResult{}, approvals.ErrNotAuthorized
	}
	return dispatch.ExecutionResult{Success: true, Response: "sent", ApprovalID: id}, nil
}

func (p *fakePipeline) Deny(_ context.Context, id, reason string, rc dispatch.RequestContext) (*approvals.Approval, error) {
	actor := rc.UserID
	return &approvals.Approval{ID: id, UserID: rc.UserID, Status: approvals.StatusDenied, ResolvedBy: &actor, Reason: &reason}, nil
}

func (p *fakePipeline) Cancel(_ context.Context, id, reason string, rc dispatch.RequestContext) (*approvals.Approval, error) {
	return &approvals.Approval{ID: id, UserID: rc.UserID, Status: approvals.StatusCancelled}, nil
}

func (p *fakePipeline) ListPending(_ context.Context, userID string) ([]*approvals.Approval, error) {
	return []*approvals.Approval{{ID: "a1", UserID: userID, Kind: "draft_email", Status: approvals.StatusPending}}, nil
}

type fakeSystem struct{}

func (fakeSystem) Status(context.Context) (dispatch.SystemReport, error) {
	return dispatch.SystemReport{
		Version:    "v1.2.3",
		Uptime:     90 * time.Second,
		Pending:    2,
		Components: []dispatch.ComponentStatus{{Name: "database", Healthy: true}, {Name: "redis", Healthy: false, Detail: "refused"}},
	}, nil
}

func (fakeSystem) Reload(context.Context) error { return nil }

func newTestServer(t *testing.T, p Pipeline, secret string) *Server {
	t.Helper()
	return NewServer(ServerConfig{RateLimit: 100, RateBurst: 100, Timezone: "Europe/Berlin"},
		p, NewAuthenticator(secret), fakeSystem{}, metrics.New())
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4711"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestChat_DevelopmentHeader(t *testing.T) {
	p := &fakePipeline{}
	s := newTestServer(t, p, "")

	w := do(t, s, http.MethodPost, "/v1/chat", `{"text":"ping"}`, map[string]string{"X-User-ID": "anna"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var res dispatch.ExecutionResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.Response != "ok" {
		t.Errorf("unexpected result %+v", res)
	}
	if p.lastText != "ping" || p.lastRC.UserID != "anna" || p.lastRC.SourceIP != "192.0.2.10" || p.lastRC.Channel != "http" {
		t.Errorf("unexpected request context %+v", p.lastRC)
	}
	if p.lastRC.RequestID == "" || w.Header().Get("X-Request-ID") != p.lastRC.RequestID {
		t.Errorf("request id not propagated: %q vs %q", p.lastRC.RequestID, w.Header().Get("X-Request-ID"))
	}
}

func TestChat_RequiresIdentity(t *testing.T) {
	s := newTestServer(t, &fakePipeline{}, "")
	w := do(t, s, http.MethodPost, "/v1/chat", `{"text":"ping"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestChat_BearerToken(t *testing.T) {
	p := &fakePipeline{}
	s := newTestServer(t, p, "s3cret")
	token, err := s.auth.IssueToken("bob", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	w := do(t, s, http.MethodPost, "/v1/chat", `{"text":"hallo"}`, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if p.lastRC.UserID != "bob" {
		t.Errorf("user = %q", p.lastRC.UserID)
	}

	// The development header is ignored once a secret is configured.
	w = do(t, s, http.MethodPost, "/v1/chat", `{"text":"hallo"}`, map[string]string{"X-User-ID": "bob"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for header auth, got %d", w.Code)
	}
}

func TestChat_BadBodies(t *testing.T) {
	s := newTestServer(t, &fakePipeline{}, "")
	hdr := map[string]string{"X-User-ID": "anna"}
	for _, body := range []string{``, `{"text":""}`, `{"text":1}`, `{"text":"x","extra":true}`, `{"text":"x","timezone":"Mars/Base"}`} {
		if w := do(t, s, http.MethodPost, "/v1/chat", body, hdr); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestChat_PipelineFailureIsOpaque(t *testing.T) {
	s := newTestServer(t, &fakePipeline{err: context.DeadlineExceeded}, "")
	w := do(t, s, http.MethodPost, "/v1/chat", `{"text":"x"}`, map[string]string{"X-User-ID": "anna"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "deadline") {
		t.Errorf("internal error leaked: %s", w.Body)
	}
}

func TestChat_RateLimited(t *testing.T) {
	s := NewServer(ServerConfig{RateLimit: 1, RateBurst: 2}, &fakePipeline{}, NewAuthenticator(""), fakeSystem{}, nil)
	hdr := map[string]string{"X-User-ID": "anna"}
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, http.MethodPost, "/v1/chat", `{"text":"x"}`, hdr).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestApprovals_StatusMapping(t *testing.T) {
	s := newTestServer(t, &fakePipeline{}, "")
	hdr := map[string]string{"X-User-ID": "anna"}
	cases := map[string]int{
		"a1":     http.StatusOK,
		"gone":   http.StatusNotFound,
		"done":   http.StatusConflict,
		"theirs": http.StatusForbidden,
	}
	for id, want := range cases {
		if w := do(t, s, http.MethodPost, "/v1/approvals/"+id+"/approve", "", hdr); w.Code != want {
			t.Errorf("approve %s: expected %d, got %d", id, want, w.Code)
		}
	}
}

func TestApprovals_DenyAndList(t *testing.T) {
	s := newTestServer(t, &fakePipeline{}, "")
	hdr := map[string]string{"X-User-ID": "anna"}

	w := do(t, s, http.MethodPost, "/v1/approvals/a1/deny", `{"reason":"nope"}`, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("deny: expected 200, got %d", w.Code)
	}
	var a approvalResponse
	if err := json.NewDecoder(w.Body).Decode(&a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Status != "denied" || a.Reason != "nope" || a.ResolvedBy != "anna" {
		t.Errorf("unexpected approval %+v", a)
	}

	w = do(t, s, http.MethodGet, "/v1/approvals", "", hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list struct {
		Approvals []approvalResponse `json:"approvals"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Approvals) != 1 || list.Approvals[0].UserID != "anna" {
		t.Errorf("unexpected list %+v", list)
	}
}

type fakeBlocks map[string]bool

func (f fakeBlocks) Blocked(_ context.Context, ip string) (bool, time.Time, error) {
	if f[ip] {
		return true, time.Now().Add(time.Hour), nil
	}
	return false, time.Time{}, nil
}

func TestApprovals_BlockedSourceIsRefused(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer(ServerConfig{RateLimit: 100, RateBurst: 100}, p, NewAuthenticator(""), fakeSystem{}, nil,
		WithBlockChecker(fakeBlocks{"192.0.2.10": true}))
	hdr := map[string]string{"X-User-ID": "anna"}

	for _, path := range []string{"/v1/approvals/a1/approve", "/v1/approvals/a1/deny", "/v1/approvals/a1/cancel"} {
		if w := do(t, s, http.MethodPost, path, "", hdr); w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", path, w.Code)
		}
	}
	if w := do(t, s, http.MethodGet, "/v1/approvals", "", hdr); w.Code != http.StatusForbidden {
		t.Errorf("list: expected 403, got %d", w.Code)
	}
	if p.lastRC.UserID != "" {
		t.Errorf("pipeline reached from a blocked source: %+v", p.lastRC)
	}

	// Chat goes to the pipeline, which answers blocked sources itself.
	if w := do(t, s, http.MethodPost, "/v1/chat", `{"text":"hallo"}`, hdr); w.Code != http.StatusOK {
		t.Errorf("chat: expected 200, got %d", w.Code)
	}

	open := NewServer(ServerConfig{RateLimit: 100, RateBurst: 100}, &fakePipeline{}, NewAuthenticator(""), fakeSystem{}, nil,
		WithBlockChecker(fakeBlocks{"198.51.100.1": true}))
	if w := do(t, open, http.MethodPost, "/v1/approvals/a1/approve", "", hdr); w.Code != http.StatusOK {
		t.Errorf("unblocked approve: expected 200, got %d", w.Code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, &fakePipeline{}, "")

	w := do(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Pending != 2 || resp.UptimeSecs != 90 || len(resp.Components) != 2 {
		t.Errorf("unexpected status %+v", resp)
	}

	w = do(t, s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `kotori_http_requests_total{method="GET",route="/status",status="200"} 1`) {
		t.Errorf("metrics missing instrumented route: %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.1" {
		t.Errorf("untrusted proxy: got %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Errorf("trusted proxy: got %q", got)
	}
}

func TestIPLimiterPrune(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, 1)
	l.now = func() time.Time { return now }
	l.allow("a")
	now = now.Add(10 * time.Minute)
	l.allow("b")
	if n := l.prune(); n != 1 {
		t.Errorf("pruned %d buckets, want 1", n)
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Error("active bucket was pruned")
	}
}

func TestAuthenticator_RejectsExpiredAndForeignTokens(t *testing.T) {
	a := NewAuthenticator("one")
	other := NewAuthenticator("two")
	req := func(tok string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		return r
	}

	foreign, _ := other.IssueToken("anna", time.Hour)
	if _, err := a.UserID(req(foreign)); err == nil {
		t.Error("token signed with another secret was accepted")
	}

	tok, _ := a.IssueToken("anna", time.Minute)
	a.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := a.UserID(req(tok)); err == nil {
		t.Error("expired token was accepted")
	}
}
