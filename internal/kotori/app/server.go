package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Kotori/common/trace"
	"github.com/bdobrica/Kotori/common/version"
	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
	"github.com/bdobrica/Kotori/internal/kotori/metrics"
)

const maxBodyBytes = 16 << 10

// Pipeline is the dispatcher as seen by the HTTP API.
type Pipeline interface {
	Handle(ctx context.Context, raw string, rc dispatch.RequestContext) (dispatch.ExecutionResult, error)
	Approve(ctx context.Context, approvalID string, rc dispatch.RequestContext) (dispatch.ExecutionResult, error)
	Deny(ctx context.Context, approvalID, reason string, rc dispatch.RequestContext) (*approvals.Approval, error)
	Cancel(ctx context.Context, approvalID, reason string, rc dispatch.RequestContext) (*approvals.Approval, error)
	ListPending(ctx context.Context, userID string) ([]*approvals.Approval, error)
}

// BlockChecker tells whether a source address is currently blocked.
// *gate.Gate implements it.
type BlockChecker interface {
	Blocked(ctx context.Context, ip string) (bool, time.Time, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBlockChecker refuses approval decisions from blocked addresses. Chat
// messages are screened by the pipeline itself.
func WithBlockChecker(b BlockChecker) ServerOption {
	return func(s *Server) { s.blocks = b }
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string
	TrustProxy      bool
	RateLimit       float64
	RateBurst       int
	Timezone        string
	ShutdownTimeout time.Duration
}

// Server exposes the chat and approvals API together with /health, /status
// and /metrics.
type Server struct {
	cfg      ServerConfig
	pipeline Pipeline
	auth     *Authenticator
	system   dispatch.SystemPort
	metrics  *metrics.Metrics
	blocks   BlockChecker
	limiter  *ipLimiter
	mux      *http.ServeMux
}

// NewServer builds the routes; nothing listens until Run. m may be nil.
func NewServer(cfg ServerConfig, p Pipeline, auth *Authenticator, system dispatch.SystemPort, m *metrics.Metrics, opts ...ServerOption) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		auth:     auth,
		system:   system,
		metrics:  m,
		limiter:  newIPLimiter(cfg.RateLimit, cfg.RateBurst),
		mux:      http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	s.route("POST /v1/chat", s.limited(s.handleChat))
	s.route("GET /v1/approvals", s.limited(s.unblocked(s.handleListApprovals)))
	s.route("POST /v1/approvals/{id}/approve", s.limited(s.unblocked(s.handleApprove)))
	s.route("POST /v1/approvals/{id}/deny", s.limited(s.unblocked(s.handleDeny)))
	s.route("POST /v1/approvals/{id}/cancel", s.limited(s.unblocked(s.handleCancel)))
	s.route("GET /health", s.handleHealth)
	s.route("GET /status", s.handleStatus)
	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}
	return s
}

func (s *Server) route(pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		_, path, _ := strings.Cut(pattern, " ")
		handler = s.metrics.Instrument(path, handler)
	}
	s.mux.Handle(pattern, handler)
}

// ServeHTTP lets tests drive the server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-prune.C:
			s.limiter.prune()
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			return nil
		}
	}
}

// limited applies the per-address rate limit and authentication.
func (s *Server) limited(next requestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.cfg.TrustProxy)
		if !s.limiter.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		userID, err := s.auth.UserID(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kotori"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" || len(reqID) > 128 {
			reqID = trace.GenerateID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next(w, r, dispatch.RequestContext{
			UserID:    userID,
			SourceIP:  ip,
			Channel:   "http",
			RequestID: reqID,
			Timezone:  s.cfg.Timezone,
		})
	}
}

type requestHandler func(http.ResponseWriter, *http.Request, dispatch.RequestContext)

// unblocked refuses requests from a source the security gate has blocked.
func (s *Server) unblocked(next requestHandler) requestHandler {
	return func(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext) {
		if s.blocks == nil {
			next(w, r, rc)
			return
		}
		blocked, until, err := s.blocks.Blocked(r.Context(), rc.SourceIP)
		if err != nil {
			trace.Logger(r.Context()).Error("block check failed", "source", rc.SourceIP, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if blocked {
			trace.Logger(r.Context()).Warn("approval request from blocked source",
				"user", rc.UserID, "source", rc.SourceIP, "blocked_until", until)
			writeError(w, http.StatusForbidden, "request blocked")
			return
		}
		next(w, r, rc)
	}
}

type chatRequest struct {
	Text     string `json:"text"`
	Timezone string `json:"timezone,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
		rc.Timezone = req.Timezone
	}

	res, err := s.pipeline.Handle(r.Context(), req.Text, rc)
	if err != nil {
		trace.Logger(r.Context()).Error("chat request failed", "request_id", rc.RequestID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type approvalResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

func toApprovalResponse(a *approvals.Approval) approvalResponse {
	out := approvalResponse{
		ID:          a.ID,
		UserID:      a.UserID,
		Kind:        a.Kind,
		Description: a.Description,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
	}
	if a.ResolvedBy != nil {
		out.ResolvedBy = *a.ResolvedBy
	}
	if a.Reason != nil {
		out.Reason = *a.Reason
	}
	return out
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext) {
	pending, err := s.pipeline.ListPending(r.Context(), rc.UserID)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	out := make([]approvalResponse, 0, len(pending))
	for _, a := range pending {
		out = append(out, toApprovalResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext) {
	res, err := s.pipeline.Approve(r.Context(), r.PathValue("id"), rc)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext) {
	s.resolve(w, r, rc, s.pipeline.Deny)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext) {
	s.resolve(w, r, rc, s.pipeline.Cancel)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, rc dispatch.RequestContext,
	fn func(context.Context, string, string, dispatch.RequestContext) (*approvals.Approval, error),
) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	a, err := fn(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Reason), rc)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(a))
}

// writeApprovalError maps approval errors to status codes.
func writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	var se *approvals.StateError
	switch {
	case errors.As(err, &se):
		writeJSON(w, http.StatusConflict, map[string]string{"error": se.Error(), "status": string(se.Current)})
	case errors.Is(err, approvals.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, approvals.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approvals.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not allowed to decide on this approval")
	default:
		trace.Logger(r.Context()).Error("approval request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Version, Commit: version.GitCommit})
}

type componentResponse struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type statusResponse struct {
	Status     string              `json:"status"`
	Version    string              `json:"version"`
	BuildTime  string              `json:"build_time"`
	UptimeSecs float64             `json:"uptime_seconds"`
	Model      string              `json:"model,omitempty"`
	Pending    int                 `json:"pending_approvals"`
	Components []componentResponse `json:"components"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.system.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	resp := statusResponse{
		Status:     "ok",
		Version:    rep.Version,
		BuildTime:  version.BuildTime,
		UptimeSecs: rep.Uptime.Seconds(),
		Model:      rep.Model,
		Pending:    rep.Pending,
		Components: make([]componentResponse, 0, len(rep.Components)),
	}
	for _, c := range rep.Components {
		resp.Components = append(resp.Components, componentResponse{Name: c.Name, Healthy: c.Healthy, Detail: c.Detail})
		if !c.Healthy {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http: failed to encode JSON response", "err", err)
	}
}
