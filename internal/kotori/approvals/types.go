// Package approvals holds commands with external or irreversible effects
// until a human confirms them.
//
// A request is a row in the approvals table. It starts pending and leaves
// that state exactly once: approved, denied or cancelled by a person, or
// expired by the sweeper. Every transition is a single conditional UPDATE
// guarded on status = 'pending' (and, for human decisions, on the deadline),
// so a sweep racing an approve, or two approvers racing each other, can
// never both win. Losing callers get an error wrapping ErrInvalidState.
package approvals

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// DefaultTTL is how long a request stays pending when no TTL is configured.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotFound means no approval has the given id.
	ErrNotFound = errors.New("approval not found")
	// ErrInvalidState means the approval is not pending (or its deadline has
	// passed). Returned errors are *StateError values wrapping it.
	ErrInvalidState = errors.New("approval is not pending")
	// ErrNotAuthorized means the caller may not decide on the approval.
	ErrNotAuthorized = errors.New("not authorized to decide on this approval")
)

// StateError reports the state that blocked a transition.
type StateError struct {
	ID      string
	Current Status
	// Expired is set when the failed call itself moved the approval from
	// pending to expired because its deadline had passed.
	Expired bool
}

func (e *StateError) Error() string {
	return fmt.Sprintf("approval %s is %s", e.ID, e.Current)
}

// Unwrap lets errors.Is match ErrInvalidState.
func (e *StateError) Unwrap() error { return ErrInvalidState }

// Approval is one stored request.
type Approval struct {
	// ID is a short lower-case ULID suffix that is easy to type in chat.
	ID     string
	UserID string
	// Kind is the command kind, kept in its own column for listing.
	Kind string
	// Command is the serialized command, decoded with command.Unmarshal.
	Command     []byte
	Description string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
	// ResolvedBy is who approved, denied or cancelled it. Nil while pending
	// and for sweeper expiry.
	ResolvedBy *string
	Reason     *string
}

// ExpiredAt reports whether a pending approval is past its deadline at now.
// The sweeper may not have flipped it yet.
func (a *Approval) ExpiredAt(now time.Time) bool {
	return a.Status == StatusPending && !now.Before(a.ExpiresAt)
}
