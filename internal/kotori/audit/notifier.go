package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kotori/common/trace"
)

// Kind names an operator notification.
type Kind string

const (
	KindSourceBlocked     Kind = "source.blocked"
	KindApprovalRequested Kind = "approval.requested"
	KindApprovalGranted   Kind = "approval.granted"
	KindApprovalDenied    Kind = "approval.denied"
	KindApprovalExpired   Kind = "approval.expired"
	KindAuditFailure      Kind = "audit.failure"
	KindError             Kind = "error"
)

// Event is a notification for the operators' room.
type Event struct {
	Kind Kind
	// Actor is the user the event concerns.
	Actor string
	// Target is the affected resource (approval id, source address).
	Target  string
	Message string
	// TraceID is taken from the context when empty.
	TraceID   string
	Timestamp time.Time
}

// Notifier forwards events to operators. Notify must return quickly and
// must not propagate send failures.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender posts a plain notice to a room.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts events as notices to one Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier returns a notifier posting to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" || n.sender == nil {
		return
	}
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	if err := n.sender.SendNotice(n.roomID, formatEvent(evt, tid)); err != nil {
		slog.Warn("audit notifier: send failed", "room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent", "room", n.roomID, "kind", evt.Kind)
}

func formatEvent(evt Event, traceID string) string {
	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s [%s] %s: %s", icon, evt.Kind, evt.Target, evt.Message)
	}
	if evt.Actor != "" {
		msg += "\n  user: " + evt.Actor
	}
	if traceID != "" {
		msg += "\n  trace: " + traceID
	}
	return msg
}

// Noop discards events.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindSourceBlocked:
		return "🚫"
	case KindApprovalRequested:
		return "🔔"
	case KindApprovalGranted:
		return "✅"
	case KindApprovalDenied:
		return "❌"
	case KindApprovalExpired:
		return "⌛"
	case KindAuditFailure:
		return "🧾"
	default:
		return "⚠️"
	}
}
