package inference

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultCallsPerMinute bounds model calls per user when no limit is
	// configured.
	DefaultCallsPerMinute = 20

	// DefaultDailyTokens bounds tokens per user per UTC day when no budget
	// is configured. It covers roughly a hundred parse calls.
	DefaultDailyTokens = 50_000
)

// RateLimiter is a per-user sliding-window call counter. Memory is bounded
// by limit timestamps per active user. Safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	calls  map[string][]time.Time
}

// NewRateLimiter allows limit calls per user within window. Non-positive
// arguments select DefaultCallsPerMinute and one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultCallsPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, now: time.Now, calls: make(map[string][]time.Time)}
}

// Allow records a call for user and reports whether it is within the limit.
// Refused calls are not recorded.
func (r *RateLimiter) Allow(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(user, now)
	if len(valid) >= r.limit {
		return false
	}
	r.calls[user] = append(valid, now)
	return true
}

// Remaining returns how many calls user may still make in the window.
func (r *RateLimiter) Remaining(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rem := r.limit - len(r.prune(user, r.now())); rem > 0 {
		return rem
	}
	return 0
}

// prune drops timestamps outside the window. Must be called with r.mu held.
func (r *RateLimiter) prune(user string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.calls[user]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.calls, user)
		return nil
	}
	r.calls[user] = valid
	return valid
}

// TokenBudget is a per-user daily token allowance that resets at midnight
// UTC. Allow checks before a call; Record books the usage after it.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	now    func() time.Time
	usage  map[string]*dailyUsage
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time
}

// NewTokenBudget allows budget tokens per user per day. Non-positive values
// select DefaultDailyTokens.
func NewTokenBudget(budget int) *TokenBudget {
	if budget <= 0 {
		budget = DefaultDailyTokens
	}
	return &TokenBudget{budget: budget, now: time.Now, usage: make(map[string]*dailyUsage)}
}

// Budget returns the daily allowance.
func (tb *TokenBudget) Budget() int { return tb.budget }

// Allow reports whether user still has tokens today. It consumes nothing.
func (tb *TokenBudget) Allow(user string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	u := tb.current(user)
	return u == nil || u.tokens < tb.budget
}

// Record adds tokens to user's total for today.
func (tb *TokenBudget) Record(user string, tokens int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	u := tb.current(user)
	if u == nil {
		now := tb.now().UTC()
		u = &dailyUsage{resetAt: time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)}
		tb.usage[user] = u
	}
	u.tokens += tokens
}

// Remaining returns the tokens user may still spend today.
func (tb *TokenBudget) Remaining(user string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	u := tb.current(user)
	if u == nil {
		return tb.budget
	}
	if rem := tb.budget - u.tokens; rem > 0 {
		return rem
	}
	return 0
}

// current returns today's entry for user, dropping a stale one. Must be
// called with tb.mu held.
func (tb *TokenBudget) current(user string) *dailyUsage {
	u := tb.usage[user]
	if u != nil && !tb.now().UTC().Before(u.resetAt) {
		delete(tb.usage, user)
		return nil
	}
	return u
}

// Limited enforces a RateLimiter and a TokenBudget in front of a Port. The
// user is read from the context (WithUser); calls without a user share the
// "" bucket.
type Limited struct {
	port   Port
	rate   *RateLimiter
	budget *TokenBudget
}

var _ Port = (*Limited)(nil)

// NewLimited wraps port. Either limiter may be nil to disable it.
func NewLimited(port Port, rate *RateLimiter, budget *TokenBudget) *Limited {
	return &Limited{port: port, rate: rate, budget: budget}
}

func (l *Limited) Generate(ctx context.Context, p Prompt, timeout time.Duration) (Completion, error) {
	user := UserFromContext(ctx)
	if l.budget != nil && !l.budget.Allow(user) {
		return Completion{}, ErrBudgetExceeded
	}
	if l.rate != nil && !l.rate.Allow(user) {
		return Completion{}, ErrRateLimit
	}
	c, err := l.port.Generate(ctx, p, timeout)
	if err == nil && l.budget != nil && c.Usage != nil {
		l.budget.Record(user, c.Usage.TotalTokens)
	}
	return c, err
}

// Models forwards to the wrapped port.
func (l *Limited) Models(ctx context.Context) ([]string, error) {
	if ml, ok := l.port.(ModelLister); ok {
		return ml.Models(ctx)
	}
	return nil, ErrBackend
}
