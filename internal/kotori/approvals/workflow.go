package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kotori/common/trace"
	"github.com/bdobrica/Kotori/internal/kotori/audit"
	"github.com/bdobrica/Kotori/internal/kotori/command"
)

// DefaultSweepInterval is how often RunSweeper expires stale requests.
const DefaultSweepInterval = 30 * time.Second

// SystemActor is the audit actor for sweeper expiries.
const SystemActor = "system"

// Config holds workflow settings.
type Config struct {
	// TTL is how long a request stays pending. Zero uses DefaultTTL.
	TTL time.Duration
	// Approvers may decide on any user's request. Everyone else may only
	// decide on their own.
	Approvers []string
}

// Workflow is the approval service used by the dispatcher, the HTTP API
// and the CLI. It wraps Store with authorization, auditing and
// notifications.
type Workflow struct {
	store     *Store
	audit     audit.Recorder
	notifier  audit.Notifier
	ttl       time.Duration
	approvers map[string]bool
	observe   func(transition string)
	now       func() time.Time
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithNotifier posts requests, decisions and expiries to operators.
func WithNotifier(n audit.Notifier) WorkflowOption {
	return func(w *Workflow) { w.notifier = n }
}

// WithTransitionHook calls fn with the transition name ("requested",
// "approved", "denied", "cancelled", "expired", "rejected") after each one.
func WithTransitionHook(fn func(transition string)) WorkflowOption {
	return func(w *Workflow) { w.observe = fn }
}

// WithWorkflowClock overrides the clock used by Sweep.
func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) { w.now = now }
}

// NewWorkflow returns a Workflow over s that records every transition in rec.
func NewWorkflow(s *Store, rec audit.Recorder, cfg Config, opts ...WorkflowOption) *Workflow {
	if rec == nil {
		rec = audit.Discard{}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	approvers := make(map[string]bool, len(cfg.Approvers))
	for _, a := range cfg.Approvers {
		approvers[a] = true
	}
	w := &Workflow{
		store:     s,
		audit:     rec,
		notifier:  audit.Noop{},
		ttl:       ttl,
		approvers: approvers,
		observe:   func(string) {},
		now:       time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// TTL returns the lifetime given to new requests.
func (w *Workflow) TTL() time.Duration { return w.ttl }

// Request stores cmd as a pending approval for userID.
func (w *Workflow) Request(ctx context.Context, userID string, cmd command.Command) (*Approval, error) {
	data, err := command.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("approvals: serialize command: %w", err)
	}
	a, err := w.store.Create(ctx, userID, string(cmd.Kind()), data, cmd.Describe(), w.ttl)
	if err != nil {
		return nil, err
	}

	w.record(ctx, a, userID, "approval_requested", true, map[string]any{
		"expires_at": a.ExpiresAt.Format(time.RFC3339),
	})
	w.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindApprovalRequested,
		Actor:   userID,
		Target:  a.ID,
		Message: a.Description,
	})
	w.observe("requested")
	trace.Logger(ctx).Info("approval requested", "id", a.ID, "kind", a.Kind, "user", userID)
	return a, nil
}

// Get returns one approval.
func (w *Workflow) Get(ctx context.Context, id string) (*Approval, error) {
	return w.store.Get(ctx, id)
}

// ListPending returns the open requests of userID (all users when empty).
func (w *Workflow) ListPending(ctx context.Context, userID string) ([]*Approval, error) {
	return w.store.ListPending(ctx, userID)
}

// List returns approvals in status (all when empty), newest first.
func (w *Workflow) List(ctx context.Context, status Status, limit int) ([]*Approval, error) {
	return w.store.List(ctx, status, limit)
}

// Approve marks id approved on behalf of approver and returns the updated
// approval. It does not execute the command.
func (w *Workflow) Approve(ctx context.Context, id, approver string) (*Approval, error) {
	return w.decide(ctx, id, approver, StatusApproved, "")
}

// Deny marks id denied.
func (w *Workflow) Deny(ctx context.Context, id, actor, reason string) (*Approval, error) {
	return w.decide(ctx, id, actor, StatusDenied, reason)
}

// Cancel withdraws id.
func (w *Workflow) Cancel(ctx context.Context, id, actor, reason string) (*Approval, error) {
	return w.decide(ctx, id, actor, StatusCancelled, reason)
}

func (w *Workflow) decide(ctx context.Context, id, actor string, to Status, reason string) (*Approval, error) {
	a, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != a.UserID && !w.approvers[actor] {
		w.record(ctx, a, actor, "approval_rejected", false, map[string]any{
			"attempted": string(to),
			"error":     "not_authorized",
		})
		w.observe("rejected")
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, id)
	}

	switch to {
	case StatusApproved:
		err = w.store.Approve(ctx, id, actor)
	case StatusDenied:
		err = w.store.Deny(ctx, id, actor, reason)
	default:
		err = w.store.Cancel(ctx, id, actor, reason)
	}
	if err != nil {
		var se *StateError
		if errors.As(err, &se) {
			if se.Expired {
				w.expired(ctx, a)
			}
			w.record(ctx, a, actor, "approval_rejected", false, map[string]any{
				"attempted": string(to),
				"current":   string(se.Current),
			})
			w.observe("rejected")
		}
		return nil, err
	}

	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	var kind audit.Kind
	switch to {
	case StatusApproved:
		w.record(ctx, a, actor, "approval_granted", true, details)
		w.observe("approved")
		kind = audit.KindApprovalGranted
	case StatusDenied:
		w.record(ctx, a, actor, "approval_denied", true, details)
		w.observe("denied")
		kind = audit.KindApprovalDenied
	default:
		w.record(ctx, a, actor, "approval_cancelled", true, details)
		w.observe("cancelled")
	}
	if kind != "" {
		w.notifier.Notify(ctx, audit.Event{Kind: kind, Actor: actor, Target: id, Message: a.Description})
	}
	trace.Logger(ctx).Info("approval resolved", "id", id, "status", to, "by", actor)

	return w.store.Get(ctx, id)
}

// Sweep expires every overdue request and returns how many it expired.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	expired, err := w.store.ExpireStale(ctx, w.now())
	for _, a := range expired {
		w.expired(ctx, a)
	}
	return len(expired), err
}

func (w *Workflow) expired(ctx context.Context, a *Approval) {
	w.record(ctx, a, SystemActor, "approval_expired", true, map[string]any{
		"expires_at": a.ExpiresAt.Format(time.RFC3339),
	})
	w.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindApprovalExpired,
		Actor:   a.UserID,
		Target:  a.ID,
		Message: a.Description,
	})
	w.observe("expired")
}

// RunSweeper calls Sweep every interval until ctx is done.
func (w *Workflow) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				slog.Warn("approvals: sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("approvals: expired stale requests", "count", n)
			}
		}
	}
}

func (w *Workflow) record(ctx context.Context, a *Approval, actor, action string, success bool, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["kind"] = a.Kind
	details["user_id"] = a.UserID
	w.audit.Record(ctx, audit.Entry{
		EventType:    audit.EventApproval,
		Actor:        actor,
		ResourceType: "approval",
		ResourceID:   a.ID,
		Action:       action,
		Details:      details,
		Success:      success,
	})
}
