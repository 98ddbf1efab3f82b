// Package dispatch is the agent core: it takes raw text from a channel,
// screens it, parses it into a command and either runs the command against
// the matching port or parks it behind an approval. Every outcome is written
// to the audit log before the response is returned.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/bdobrica/Kotori/common/redact"
	"github.com/bdobrica/Kotori/common/trace"
	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/audit"
	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/gate"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
	"github.com/bdobrica/Kotori/internal/kotori/intent"
)

const tracerName = "github.com/bdobrica/Kotori/internal/kotori/dispatch"

// Defaults for Config.
const (
	DefaultConverseTimeout = 20 * time.Second
	DefaultConversePrompt  = "You are Kotori, a concise personal assistant. " +
		"Answer in the language of the user's message. Keep answers short and never invent " +
		"calendar entries, emails or tasks."
)

// Outcomes reported to the Observer.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePending   = "pending_approval"
	OutcomeRejected  = "rejected"
	OutcomeGuardrail = "guardrail"
)

// SecretGuardrailMessage is the reply to a message that carries a credential.
const SecretGuardrailMessage = "⛔ That looks like a secret. " +
	"I won't process credentials from chat; they would stay in the conversation history."

// Gate screens raw input. *gate.Gate implements it.
type Gate interface {
	Inspect(ctx context.Context, text, source string) (gate.Verdict, error)
	// Screen vets earlier conversation turns without scoring the source.
	Screen(text string) (string, bool)
}

// Parser turns screened text into a command. *intent.Parser implements it.
type Parser interface {
	Parse(ctx context.Context, text string, pctx intent.ParseContext) intent.Result
}

// Workflow is the approval state machine. *approvals.Workflow implements it.
type Workflow interface {
	TTL() time.Duration
	Request(ctx context.Context, userID string, cmd command.Command) (*approvals.Approval, error)
	Get(ctx context.Context, id string) (*approvals.Approval, error)
	ListPending(ctx context.Context, userID string) ([]*approvals.Approval, error)
	Approve(ctx context.Context, id, approver string) (*approvals.Approval, error)
	Deny(ctx context.Context, id, actor, reason string) (*approvals.Approval, error)
	Cancel(ctx context.Context, id, actor, reason string) (*approvals.Approval, error)
}

// Observer receives pipeline events for metrics.
type Observer interface {
	GateDecision(v gate.Verdict)
	Parsed(res intent.Result)
	Dispatched(kind command.Kind, outcome string, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) GateDecision(gate.Verdict)                       {}
func (noopObserver) Parsed(intent.Result)                            {}
func (noopObserver) Dispatched(command.Kind, string, time.Duration) {}

// RequestContext identifies the caller of Handle.
type RequestContext struct {
	UserID string
	// SourceIP is the client address. Channels without one leave it empty
	// and the gate keys on the user instead.
	SourceIP string
	// Channel names the transport ("http", "matrix", "cli").
	Channel string
	// RequestID correlates log lines and audit rows. Generated when empty.
	RequestID string
	// Timezone is an IANA zone name used for relative dates.
	Timezone string
	// History holds recent conversation turns, oldest first.
	History []inference.Message
}

// ExecutionResult is what a channel shows the user.
type ExecutionResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	// ApprovalID is set when the command waits for confirmation.
	ApprovalID string `json:"approval_id,omitempty"`
	// Command is the kind of the parsed command, when there was one.
	Command   string `json:"command,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// Screened is the message as the gate let it through. Empty when the
	// gate or the credential guardrail refused it; channels keep only this
	// text in conversation history.
	Screened string `json:"-"`
}

// Config holds dispatcher settings.
type Config struct {
	// HomeLocation is used for weather and transit when the user names none.
	HomeLocation string
	// Location is the default timezone.
	Location *time.Location
	// ConverseTimeout bounds a free-form model answer.
	ConverseTimeout time.Duration
	// ConversePrompt is the system prompt for free-form answers.
	ConversePrompt string
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	gate     Gate
	parser   Parser
	workflow Workflow
	audit    audit.Recorder
	notifier audit.Notifier
	llm      inference.Port
	ports    Ports
	obs      Observer
	cfg      Config
	now      func() time.Time
	tracer   oteltrace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInference sets the model used for Converse commands.
func WithInference(p inference.Port) Option {
	return func(d *Dispatcher) { d.llm = p }
}

// WithNotifier routes source blocks to an operator channel.
func WithNotifier(n audit.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.obs = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a Dispatcher. Nil ports are replaced by Unavailable.
func New(g Gate, p Parser, w Workflow, rec audit.Recorder, ports Ports, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ConverseTimeout <= 0 {
		cfg.ConverseTimeout = DefaultConverseTimeout
	}
	if cfg.ConversePrompt == "" {
		cfg.ConversePrompt = DefaultConversePrompt
	}
	if rec == nil {
		rec = audit.Discard{}
	}
	ports = ports.withDefaults()
	if c, ok := ports.Briefing.(*Composer); ok && c.HomeLocation == "" {
		c.HomeLocation = cfg.HomeLocation
	}
	d := &Dispatcher{
		gate:     g,
		parser:   p,
		workflow: w,
		audit:    rec,
		notifier: audit.Noop{},
		llm:      inference.Unavailable{},
		ports:    ports,
		obs:      noopObserver{},
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle runs one message through the pipeline. The returned error is
// non-nil only when a store the pipeline depends on failed; every other
// problem is reported in the result.
func (d *Dispatcher) Handle(ctx context.Context, raw string, rc RequestContext) (ExecutionResult, error) {
	ctx, rc = d.begin(ctx, rc)
	ctx, span := d.tracer.Start(ctx, "dispatch.Handle", oteltrace.WithAttributes(
		attribute.String("kotori.channel", rc.Channel),
		attribute.String("kotori.request_id", rc.RequestID),
	))
	defer span.End()

	res, err := d.handle(ctx, raw, rc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failure")
		trace.Logger(ctx).Error("dispatch: pipeline failure", "user", rc.UserID, "err", err)
		return ExecutionResult{RequestID: rc.RequestID}, err
	}
	res.RequestID = rc.RequestID
	span.SetAttributes(attribute.Bool("kotori.success", res.Success), attribute.String("kotori.command", res.Command))
	return res, nil
}

func (d *Dispatcher) handle(ctx context.Context, raw string, rc RequestContext) (ExecutionResult, error) {
	verdict, err := d.inspect(ctx, raw, rc)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("security gate: %w", err)
	}
	d.obs.GateDecision(verdict)
	if !verdict.Allowed {
		return d.rejected(ctx, rc, verdict), nil
	}
	text := verdict.Text

	if redact.ContainsSecret(text) {
		return d.guardrail(ctx, rc), nil
	}
	rc.History = d.screenHistory(ctx, rc.History)

	res, err := d.accepted(ctx, text, rc)
	res.Screened = text
	return res, err
}

// accepted routes text the gate let through: a chat decision on a pending
// approval, or a parsed command.
func (d *Dispatcher) accepted(ctx context.Context, text string, rc RequestContext) (ExecutionResult, error) {
	dec, err := approvals.ParseDecision(text)
	switch {
	case err == nil:
		return d.decide(ctx, rc, dec)
	case !errors.Is(err, approvals.ErrNotADecision):
		return ExecutionResult{Response: "⚠️ " + err.Error()}, nil
	}

	parsed := d.parse(ctx, text, rc)
	cmd := parsed.Command
	if cmd.RequiresApproval() {
		return d.requestApproval(ctx, rc, cmd)
	}
	return d.run(ctx, rc, cmd, runInfo{parsed: &parsed}), nil
}

// begin settles the request id and binds it to ctx.
func (d *Dispatcher) begin(ctx context.Context, rc RequestContext) (context.Context, RequestContext) {
	if rc.RequestID != "" {
		ctx = trace.WithTraceID(ctx, rc.RequestID)
	} else {
		ctx, rc.RequestID = trace.Ensure(ctx)
	}
	return ctx, rc
}

func (d *Dispatcher) inspect(ctx context.Context, raw string, rc RequestContext) (gate.Verdict, error) {
	ctx, span := d.tracer.Start(ctx, "gate.Inspect")
	defer span.End()
	v, err := d.gate.Inspect(ctx, raw, source(rc))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "threat store")
		return v, err
	}
	span.SetAttributes(attribute.Bool("kotori.allowed", v.Allowed), attribute.Int("kotori.threats", len(v.Threats)))
	return v, nil
}

// screenHistory passes earlier user turns through the gate again. A turn
// the gate would refuse is dropped together with the reply that followed
// it; the others keep only their neutralised text.
func (d *Dispatcher) screenHistory(ctx context.Context, history []inference.Message) []inference.Message {
	if len(history) == 0 {
		return history
	}
	out := make([]inference.Message, 0, len(history))
	dropped := 0
	for i := 0; i < len(history); i++ {
		m := history[i]
		if m.Role != "user" {
			out = append(out, m)
			continue
		}
		clean, ok := d.gate.Screen(m.Content)
		if !ok {
			dropped++
			if i+1 < len(history) && history[i+1].Role == "assistant" {
				i++
			}
			continue
		}
		m.Content = clean
		out = append(out, m)
	}
	if dropped > 0 {
		trace.Logger(ctx).Warn("dispatch: dropped refused turns from history", "turns", dropped)
	}
	return out
}

// source is the key the gate scores and blocks.
func source(rc RequestContext) string {
	if rc.SourceIP != "" {
		return rc.SourceIP
	}
	return "user:" + rc.UserID
}

func (d *Dispatcher) rejected(ctx context.Context, rc RequestContext, v gate.Verdict) ExecutionResult {
	src := source(rc)
	action := "request_rejected"
	if v.NewlyBlocked {
		action = "source_blocked"
	}
	details := map[string]any{
		"rejection":  v.Rejection.String(),
		"score":      v.Score,
		"categories": v.Categories(),
		"channel":    rc.Channel,
	}
	if len(v.Threats) > 0 {
		details["level"] = v.MaxLevel().String()
	}
	if !v.BlockedUntil.IsZero() {
		details["blocked_until"] = v.BlockedUntil.UTC().Format(time.RFC3339)
	}
	trace.Logger(ctx).Warn("dispatch: request rejected by gate",
		"user", rc.UserID,
		"source", src,
		"rejection", v.Rejection.String(),
		"categories", v.Categories(),
		"score", v.Score,
	)
	d.audit.Record(ctx, audit.Entry{
		EventType:    audit.EventSecurity,
		Actor:        rc.UserID,
		ResourceType: "source",
		ResourceID:   src,
		Action:       action,
		Details:      details,
		IPAddress:    rc.SourceIP,
		Success:      false,
	})
	if v.NewlyBlocked {
		d.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindSourceBlocked,
			Actor:   rc.UserID,
			Target:  src,
			Message: fmt.Sprintf("blocked until %s (score %.1f)", v.BlockedUntil.UTC().Format(time.RFC3339), v.Score),
			TraceID: rc.RequestID,
		})
	}
	d.obs.Dispatched("", OutcomeRejected, 0)
	return ExecutionResult{Success: false, Response: v.Rejection.Message()}
}

func (d *Dispatcher) guardrail(ctx context.Context, rc RequestContext) ExecutionResult {
	trace.Logger(ctx).Warn("dispatch: message carries a credential, refusing", "user", rc.UserID)
	d.audit.Record(ctx, audit.Entry{
		EventType:    audit.EventSecurity,
		Actor:        rc.UserID,
		ResourceType: "message",
		ResourceID:   rc.Channel,
		Action:       "secret_rejected",
		IPAddress:    rc.SourceIP,
		Success:      false,
	})
	d.obs.Dispatched("", OutcomeGuardrail, 0)
	return ExecutionResult{Success: false, Response: SecretGuardrailMessage}
}

func (d *Dispatcher) parse(ctx context.Context, text string, rc RequestContext) intent.Result {
	ctx, span := d.tracer.Start(ctx, "intent.Parse")
	defer span.End()
	res := d.parser.Parse(inference.WithUser(ctx, rc.UserID), text, intent.ParseContext{
		UserID:   rc.UserID,
		Location: d.location(rc),
		History:  rc.History,
	})
	span.SetAttributes(
		attribute.String("kotori.tier", string(res.Tier)),
		attribute.String("kotori.command", string(res.Command.Kind())),
		attribute.Bool("kotori.degraded", res.Degraded),
	)
	d.obs.Parsed(res)
	return res
}

func (d *Dispatcher) location(rc RequestContext) *time.Location {
	if rc.Timezone != "" {
		if loc, err := time.LoadLocation(rc.Timezone); err == nil {
			return loc
		}
	}
	return d.cfg.Location
}

func (d *Dispatcher) requestApproval(ctx context.Context, rc RequestContext, cmd command.Command) (ExecutionResult, error) {
	a, err := d.workflow.Request(ctx, rc.UserID, cmd)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("request approval: %w", err)
	}
	trace.Logger(ctx).Info("dispatch: command awaits approval", "user", rc.UserID, "kind", cmd.Kind(), "approval_id", a.ID)
	d.obs.Dispatched(cmd.Kind(), OutcomePending, 0)
	return ExecutionResult{
		Success:    false,
		Response:   formatApprovalRequired(a, d.workflow.TTL()),
		ApprovalID: a.ID,
		Command:    string(cmd.Kind()),
	}, nil
}

// runInfo carries what the audit entry should say about how a command
// reached execution.
type runInfo struct {
	parsed     *intent.Result
	approval   *approvals.Approval
	approvedBy string
}

// run executes cmd for the user in rc and writes exactly one
// command_execution audit entry.
func (d *Dispatcher) run(ctx context.Context, rc RequestContext, cmd command.Command, info runInfo) ExecutionResult {
	kind := cmd.Kind()
	start := d.now()

	ctx, span := d.tracer.Start(ctx, "dispatch.execute", oteltrace.WithAttributes(attribute.String("kotori.command", string(kind))))
	x := execution{userID: rc.UserID, loc: d.location(rc), history: rc.History}
	if info.parsed != nil && info.parsed.Degraded && modelUnreachable(info.parsed.Reason) {
		x.modelDown = true
	}
	response, err := d.execute(ctx, x, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "port failure")
	}
	span.End()
	elapsed := d.now().Sub(start)

	details := map[string]any{
		"description": cmd.Describe(),
		"channel":     rc.Channel,
		"duration_ms": elapsed.Milliseconds(),
	}
	if p := info.parsed; p != nil {
		details["tier"] = string(p.Tier)
		if p.Rule != "" {
			details["rule"] = p.Rule
		}
		if p.Degraded {
			details["degraded"] = true
			details["reason"] = p.Reason
		}
		if p.Tier == intent.TierLLM {
			details["confidence"] = p.Confidence
		}
	}
	if a := info.approval; a != nil {
		details["approval_id"] = a.ID
		details["approved_by"] = info.approvedBy
	}
	if err != nil {
		details["error"] = failureReason(err)
	}
	d.audit.Record(ctx, audit.Entry{
		EventType:    audit.EventCommandExecution,
		Actor:        rc.UserID,
		ResourceType: "command",
		ResourceID:   string(kind),
		Action:       string(kind),
		Details:      details,
		IPAddress:    rc.SourceIP,
		Success:      err == nil,
	})

	if err != nil {
		trace.Logger(ctx).Warn("dispatch: command failed", "user", rc.UserID, "kind", kind, "err", err)
		d.obs.Dispatched(kind, OutcomeFailure, elapsed)
		return ExecutionResult{Success: false, Response: formatFailure(cmd, err), Command: string(kind)}
	}
	d.obs.Dispatched(kind, OutcomeSuccess, elapsed)
	return ExecutionResult{Success: true, Response: response, Command: string(kind)}
}

func modelUnreachable(reason string) bool {
	switch reason {
	case intent.ReasonTimeout, intent.ReasonCircuitOpen, intent.ReasonRateLimit, intent.ReasonBudget, intent.ReasonBackend, intent.ReasonCancelled:
		return true
	}
	return false
}

// failureReason is the audit-safe summary of a port error.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, command.ErrValidation):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	}
	if c := inference.Classify(err); c != "backend" {
		return "inference_" + c
	}
	return "unavailable"
}

// ExecuteApproved runs the command stored in an approved request. It is
// called once, right after the approval succeeds.
func (d *Dispatcher) ExecuteApproved(ctx context.Context, approvalID string, rc RequestContext) (ExecutionResult, error) {
	ctx, rc = d.begin(ctx, rc)
	a, err := d.workflow.Get(ctx, approvalID)
	if err != nil {
		return ExecutionResult{RequestID: rc.RequestID}, err
	}
	res, err := d.executeApproved(ctx, a, rc)
	res.RequestID = rc.RequestID
	return res, err
}

func (d *Dispatcher) executeApproved(ctx context.Context, a *approvals.Approval, rc RequestContext) (ExecutionResult, error) {
	if a.Status != approvals.StatusApproved {
		return ExecutionResult{}, &approvals.StateError{ID: a.ID, Current: a.Status}
	}
	cmd, err := command.Unmarshal(a.Command)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("decode approved command %s: %w", a.ID, err)
	}
	approver := rc.UserID
	if a.ResolvedBy != nil {
		approver = *a.ResolvedBy
	}
	// Ports act for the user who asked, not for whoever approved.
	owner := rc
	owner.UserID = a.UserID
	res := d.run(ctx, owner, cmd, runInfo{approval: a, approvedBy: approver})
	res.ApprovalID = a.ID
	return res, nil
}

// Approve confirms a pending request and runs its command.
func (d *Dispatcher) Approve(ctx context.Context, approvalID string, rc RequestContext) (ExecutionResult, error) {
	ctx, rc = d.begin(ctx, rc)
	a, err := d.workflow.Approve(ctx, approvalID, rc.UserID)
	if err != nil {
		return ExecutionResult{RequestID: rc.RequestID, ApprovalID: approvalID}, err
	}
	res, err := d.executeApproved(ctx, a, rc)
	res.RequestID = rc.RequestID
	return res, err
}

// Deny rejects a pending request.
func (d *Dispatcher) Deny(ctx context.Context, approvalID, reason string, rc RequestContext) (*approvals.Approval, error) {
	ctx, _ = d.begin(ctx, rc)
	return d.workflow.Deny(ctx, approvalID, rc.UserID, reason)
}

// Cancel withdraws a pending request.
func (d *Dispatcher) Cancel(ctx context.Context, approvalID, reason string, rc RequestContext) (*approvals.Approval, error) {
	ctx, _ = d.begin(ctx, rc)
	return d.workflow.Cancel(ctx, approvalID, rc.UserID, reason)
}

// ListPending returns the user's open approval requests.
func (d *Dispatcher) ListPending(ctx context.Context, userID string) ([]*approvals.Approval, error) {
	return d.workflow.ListPending(ctx, userID)
}

// decide handles an approval decision typed into chat.
func (d *Dispatcher) decide(ctx context.Context, rc RequestContext, dec *approvals.Decision) (ExecutionResult, error) {
	var (
		a   *approvals.Approval
		err error
	)
	switch dec.Action {
	case approvals.ActionList:
		pending, err := d.workflow.ListPending(ctx, rc.UserID)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("list approvals: %w", err)
		}
		return ExecutionResult{Success: true, Response: formatPending(pending, d.location(rc))}, nil
	case approvals.ActionApprove:
		a, err = d.workflow.Approve(ctx, dec.ApprovalID, rc.UserID)
		if err == nil {
			return d.executeApproved(ctx, a, rc)
		}
	case approvals.ActionDeny:
		a, err = d.workflow.Deny(ctx, dec.ApprovalID, rc.UserID, dec.Reason)
	case approvals.ActionCancel:
		a, err = d.workflow.Cancel(ctx, dec.ApprovalID, rc.UserID, dec.Reason)
	default:
		return ExecutionResult{}, fmt.Errorf("unknown decision action %q", dec.Action)
	}
	if err != nil {
		if msg, ok := decisionError(dec.ApprovalID, err); ok {
			return ExecutionResult{Success: false, Response: msg, ApprovalID: dec.ApprovalID}, nil
		}
		return ExecutionResult{}, fmt.Errorf("%s approval %s: %w", dec.Action, dec.ApprovalID, err)
	}
	return ExecutionResult{Success: true, Response: formatResolved(a), ApprovalID: a.ID, Command: a.Kind}, nil
}

// decisionError turns the typed workflow errors into chat replies. It
// reports false for store failures, which must propagate.
func decisionError(id string, err error) (string, bool) {
	var se *approvals.StateError
	switch {
	case errors.As(err, &se):
		if se.Expired {
			return fmt.Sprintf("⌛ Approval %s has expired.", id), true
		}
		return fmt.Sprintf("⚠️ Approval %s is already %s.", id, se.Current), true
	case errors.Is(err, approvals.ErrNotFound):
		return fmt.Sprintf("❓ No approval with id %s.", id), true
	case errors.Is(err, approvals.ErrNotAuthorized):
		return fmt.Sprintf("⛔ You are not allowed to decide approval %s.", id), true
	}
	return "", false
}
