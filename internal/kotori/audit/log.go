package audit

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/Kotori/common/redact"
	"github.com/bdobrica/Kotori/common/retry"
	"github.com/bdobrica/Kotori/common/trace"
)

// Appender writes one entry to durable storage. *Store implements it.
type Appender interface {
	Append(ctx context.Context, e Entry) (Record, error)
}

// DefaultRetry bounds how long Record may hold up a request when the store
// is failing.
var DefaultRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
}

// DefaultWriteTimeout caps a single Record call, retries included.
const DefaultWriteTimeout = 5 * time.Second

// Log is the production Recorder.
type Log struct {
	store     Appender
	notifier  Notifier
	retry     retry.Config
	timeout   time.Duration
	onFailure func()
	now       func() time.Time
}

var _ Recorder = (*Log)(nil)

// LogOption configures a Log.
type LogOption func(*Log)

// WithNotifier forwards entries that could not be written.
func WithNotifier(n Notifier) LogOption {
	return func(l *Log) { l.notifier = n }
}

// WithRetry replaces DefaultRetry.
func WithRetry(cfg retry.Config) LogOption {
	return func(l *Log) { l.retry = cfg }
}

// WithFailureHook registers fn to run once per entry that was lost, e.g. to
// increment a counter.
func WithFailureHook(fn func()) LogOption {
	return func(l *Log) { l.onFailure = fn }
}

// WithLogClock overrides the clock used to stamp entries.
func WithLogClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog returns a Log writing to store.
func NewLog(store Appender, opts ...LogOption) *Log {
	l := &Log{
		store:    store,
		notifier: Noop{},
		retry:    DefaultRetry,
		timeout:  DefaultWriteTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record stamps e with the current time and request id when unset, redacts
// secret-looking detail keys and appends it. Cancellation of ctx does not
// abort the write.
func (l *Log) Record(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.RequestID == "" {
		e.RequestID = trace.FromContext(ctx)
	}
	if e.Details != nil {
		e.Details = redact.Map(e.Details)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	cfg := l.retry
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, context.DeadlineExceeded)
	}
	err := retry.Do(wctx, cfg, func() error {
		_, err := l.store.Append(wctx, e)
		return err
	})
	if err == nil {
		return
	}

	trace.Logger(ctx).Error("audit: entry lost",
		"err", err,
		"event_type", e.EventType,
		"actor", e.Actor,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"success", e.Success,
		"ip", e.IPAddress,
		"request_id", e.RequestID,
		"details", e.Details,
		"ts", e.Timestamp,
	)
	if l.onFailure != nil {
		l.onFailure()
	}
	l.notifier.Notify(ctx, Event{
		Kind:    KindAuditFailure,
		Actor:   e.Actor,
		Target:  e.Action,
		Message: "audit entry could not be written: " + err.Error(),
		TraceID: e.RequestID,
	})
}
