package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Kotori/common/ids"
	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// Store persists approvals. All state changes are conditional updates; the
// store never reads a row, decides, and writes it back.
type Store struct {
	db  store.Querier
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for deadlines and updated_at.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store backed by db.
func NewStore(db store.Querier, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// maxIDRetries bounds Create's retries on an id collision.
const maxIDRetries = 3

// Create stores a new pending approval for the serialized command cmd.
func (s *Store) Create(ctx context.Context, userID, kind string, cmd []byte, description string, ttl time.Duration) (*Approval, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC()
	a := &Approval{
		UserID:      userID,
		Kind:        kind,
		Command:     cmd,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		UpdatedAt:   now,
	}

	var lastErr error
	for attempt := 0; attempt < maxIDRetries; attempt++ {
		a.ID = ids.Short()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, user_id, kind, command_json, description, status, created_at, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		`, a.ID, a.UserID, a.Kind, string(a.Command), a.Description, a.CreatedAt, a.ExpiresAt, a.UpdatedAt)
		if err == nil {
			return a, nil
		}
		lastErr = err
		if !store.IsUniqueViolation(err) {
			break
		}
	}
	return nil, fmt.Errorf("approvals: create: %w", lastErr)
}

const selectColumns = `id, user_id, kind, command_json, description, status,
	created_at, expires_at, updated_at, resolved_by, reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (*Approval, error) {
	var (
		a          Approval
		cmd        string
		status     string
		resolvedBy sql.NullString
		reason     sql.NullString
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Kind, &cmd, &a.Description, &status,
		&a.CreatedAt, &a.ExpiresAt, &a.UpdatedAt, &resolvedBy, &reason); err != nil {
		return nil, err
	}
	a.Command = []byte(cmd)
	a.Status = Status(status)
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if reason.Valid {
		a.Reason = &reason.String
	}
	return &a, nil
}

// Get returns the approval with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM approvals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approvals: get: %w", err)
	}
	return a, nil
}

// DefaultListLimit is used by List when limit is not positive.
const DefaultListLimit = 100

// List returns approvals newest first. An empty status returns all.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM approvals
			ORDER BY created_at DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM approvals
			WHERE status = ?
			ORDER BY created_at DESC
			LIMIT ?
		`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("approvals: list: %w", err)
	}
	return collect(rows)
}

// ListPending returns pending approvals of userID whose deadline has not
// passed, oldest first. An empty userID lists every user's.
func (s *Store) ListPending(ctx context.Context, userID string) ([]*Approval, error) {
	now := s.now().UTC()
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM approvals
			WHERE status = 'pending' AND expires_at > ?
			ORDER BY created_at ASC
		`, now)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM approvals
			WHERE user_id = ? AND status = 'pending' AND expires_at > ?
			ORDER BY created_at ASC
		`, userID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("approvals: list pending: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Approval, error) {
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("approvals: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals: iterate: %w", err)
	}
	return out, nil
}

// Approve moves a pending, unexpired approval to approved.
func (s *Store) Approve(ctx context.Context, id, approver string) error {
	return s.resolve(ctx, id, StatusApproved, approver, nil)
}

// Deny moves a pending, unexpired approval to denied.
func (s *Store) Deny(ctx context.Context, id, actor, reason string) error {
	return s.resolve(ctx, id, StatusDenied, actor, &reason)
}

// Cancel moves a pending, unexpired approval to cancelled.
func (s *Store) Cancel(ctx context.Context, id, actor, reason string) error {
	return s.resolve(ctx, id, StatusCancelled, actor, &reason)
}

func (s *Store) resolve(ctx context.Context, id string, to Status, actor string, reason *string) error {
	now := s.now().UTC()
	var reasonArg any
	if reason != nil && *reason != "" {
		reasonArg = *reason
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, updated_at = ?, resolved_by = ?, reason = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, string(to), now, actor, reasonArg, id, now)
	if err != nil {
		return fmt.Errorf("approvals: %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approvals: %s: rows affected: %w", to, err)
	}
	if n == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, now)
}

// explainMiss builds the error for a transition that matched no row. A row
// still pending at this point is past its deadline; it is expired here so the
// caller sees the state it will have from now on.
func (s *Store) explainMiss(ctx context.Context, id string, now time.Time) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == StatusPending {
		flipped, err := s.expire(ctx, id, now)
		if err != nil {
			return err
		}
		if flipped {
			return &StateError{ID: id, Current: StatusExpired, Expired: true}
		}
		if a, err = s.Get(ctx, id); err != nil {
			return err
		}
	}
	return &StateError{ID: id, Current: a.Status}
}

// expire flips one row to expired if it is still pending and past its
// deadline at now.
func (s *Store) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = 'expired', updated_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at <= ?
	`, now, id, now)
	if err != nil {
		return false, fmt.Errorf("approvals: expire %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approvals: expire %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// ExpireStale expires every pending approval whose deadline is at or before
// now and returns the ids this call expired. Rows another instance expires
// concurrently are not returned, so each expiry is reported exactly once.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]*Approval, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM approvals
		WHERE status = 'pending' AND expires_at <= ?
		ORDER BY expires_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("approvals: find stale: %w", err)
	}
	stale, err := collect(rows)
	if err != nil {
		return nil, err
	}

	var expired []*Approval
	for _, a := range stale {
		flipped, err := s.expire(ctx, a.ID, now)
		if err != nil {
			return expired, err
		}
		if flipped {
			a.Status = StatusExpired
			a.UpdatedAt = now
			expired = append(expired, a)
		}
	}
	return expired, nil
}
