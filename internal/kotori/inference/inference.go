// Package inference is Kotori's only door to a language model.
//
// The intent parser uses it to turn free text into a command, and the
// dispatcher uses it to answer Converse commands. Both treat every failure
// here as a soft failure: the parser degrades to Converse and the dispatcher
// degrades to a fixed apology.
//
// Invariants:
//   - The model only proposes; nothing it returns is executed without going
//     through command validation and, where required, approval.
//   - Prompts never contain secrets. The dispatcher refuses messages that look
//     like credentials before they reach this package.
//   - Calls are bounded by a per-call timeout, a per-user rate limit and a
//     per-user daily token budget.
package inference

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a call does not finish within its timeout.
	ErrTimeout = errors.New("inference: timeout")

	// ErrRateLimit is returned when the backend reports throttling (HTTP 429)
	// or when the caller exceeded its local call limit.
	ErrRateLimit = errors.New("inference: rate limit exceeded")

	// ErrBudgetExceeded is returned when the caller used up today's tokens.
	ErrBudgetExceeded = errors.New("inference: daily token budget exhausted")

	// ErrBackend covers every other backend failure: transport errors,
	// non-2xx responses and responses without a completion.
	ErrBackend = errors.New("inference: backend error")

	// ErrCircuitOpen is returned by Breaker while the backend is considered
	// down.
	ErrCircuitOpen = errors.New("inference: circuit open")
)

// Message is one turn of a conversation.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role    string
	Content string
}

// Prompt is the input to a single Generate call.
type Prompt struct {
	// System is the instruction block. Empty means none.
	System string
	// History holds earlier turns, oldest first, placed between System and
	// User.
	History []Message
	// User is the current message.
	User string
	// JSON asks the backend for a JSON object response when it supports it.
	JSON bool
	// MaxTokens caps the completion. Zero uses the adapter default.
	MaxTokens int
}

// Usage carries token counts reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Model is the model name echoed back by the backend.
	Model string
	// Latency is the observed round-trip time.
	Latency time.Duration
}

// Completion is the model's answer.
type Completion struct {
	Text  string
	Usage *Usage
}

// Port generates completions. Implementations must be safe for concurrent
// use and must honour both ctx and timeout.
type Port interface {
	Generate(ctx context.Context, p Prompt, timeout time.Duration) (Completion, error)
}

// ModelLister is implemented by backends that can enumerate their models.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// ModelSource supplies the model name to use for the next call. The runtime
// configuration store implements it so that a SwitchModel command takes
// effect on every instance without a restart.
type ModelSource interface {
	ActiveModel(ctx context.Context) (string, error)
}

type userKey struct{}

// WithUser returns a child context naming the user a call is made for.
// Limited uses it to key rate limits and budgets.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user set by WithUser, or "".
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userKey{}).(string); ok {
		return v
	}
	return ""
}

// Unavailable is a Port that always fails. It stands in when no backend is
// configured so that callers degrade instead of crashing.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, Prompt, time.Duration) (Completion, error) {
	return Completion{}, ErrBackend
}

// Classify maps an error from a Port to the sentinel it wraps, for metrics
// labels. It returns "ok" for nil.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "backend"
}
