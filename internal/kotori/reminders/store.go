// Package reminders stores user reminders in the shared database and
// implements the dispatcher's reminder port on top of it. A delivery loop
// hands due reminders to a channel exactly once, even with several
// instances polling the same table.
package reminders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kotori/common/ids"
	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// DefaultMaxSnooze is how often one reminder may be postponed.
const DefaultMaxSnooze = 3

// DefaultMaxDeliveryAttempts is how often delivery of one reminder is tried
// before it is left in the user's list only.
const DefaultMaxDeliveryAttempts = 5

// ErrSnoozeLimit is returned when a reminder was already snoozed
// MaxSnooze times.
var ErrSnoozeLimit = errors.New("reminders: snooze limit reached")

// Store is safe for concurrent use.
type Store struct {
	db          store.Querier
	now         func() time.Time
	maxSnooze   int
	maxAttempts int
}

var _ dispatch.ReminderPort = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxSnooze overrides DefaultMaxSnooze.
func WithMaxSnooze(n int) Option {
	return func(s *Store) { s.maxSnooze = n }
}

// WithMaxDeliveryAttempts overrides DefaultMaxDeliveryAttempts.
func WithMaxDeliveryAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

// NewStore returns a Store backed by db.
func NewStore(db store.Querier, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, maxSnooze: DefaultMaxSnooze, maxAttempts: DefaultMaxDeliveryAttempts}
	for _, o := range opts {
		o(s)
	}
	return s
}

const maxIDRetries = 3

func (s *Store) CreateReminder(ctx context.Context, userID, title, description string, at time.Time) (dispatch.Reminder, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return dispatch.Reminder{}, fmt.Errorf("reminders: empty title: %w", command.ErrValidation)
	}
	now := s.now().UTC()
	r := dispatch.Reminder{Title: title, Description: description, RemindAt: at.UTC()}

	var lastErr error
	for attempt := 0; attempt < maxIDRetries; attempt++ {
		r.ID = command.ReminderID(ids.Short())
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reminders (id, user_id, title, description, remind_at, done, snooze_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, string(r.ID), userID, r.Title, r.Description, r.RemindAt, false, now, now)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !store.IsUniqueViolation(err) {
			break
		}
	}
	return dispatch.Reminder{}, fmt.Errorf("reminders: create: %w", lastErr)
}

const selectColumns = `id, title, description, remind_at, done, snooze_count`

func scanReminder(row interface{ Scan(...any) error }) (dispatch.Reminder, error) {
	var (
		r  dispatch.Reminder
		id string
	)
	if err := row.Scan(&id, &r.Title, &r.Description, &r.RemindAt, &r.Done, &r.SnoozeCount); err != nil {
		return dispatch.Reminder{}, err
	}
	r.ID = command.ReminderID(id)
	r.RemindAt = r.RemindAt.UTC()
	return r, nil
}

// Get returns one reminder of userID.
func (s *Store) Get(ctx context.Context, userID string, id command.ReminderID) (dispatch.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM reminders WHERE id = ? AND user_id = ?`,
		string(id), userID)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Reminder{}, fmt.Errorf("reminder %s: %w", id, dispatch.ErrNotFound)
	}
	if err != nil {
		return dispatch.Reminder{}, fmt.Errorf("reminders: get: %w", err)
	}
	return r, nil
}

func (s *Store) ListReminders(ctx context.Context, userID string, includeDone bool) ([]dispatch.Reminder, error) {
	q := `SELECT ` + selectColumns + ` FROM reminders WHERE user_id = ?`
	args := []any{userID}
	if !includeDone {
		q += ` AND done = ?`
		args = append(args, false)
	}
	q += ` ORDER BY remind_at ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reminders: list: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("reminders: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SnoozeReminder moves an open reminder by d from now and makes it due for
// delivery again.
func (s *Store) SnoozeReminder(ctx context.Context, userID string, id command.ReminderID, d time.Duration) (dispatch.Reminder, error) {
	if d <= 0 {
		d = time.Duration(command.DefaultSnoozeMinutes) * time.Minute
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET remind_at = ?, snooze_count = snooze_count + 1, delivered_at = NULL, delivery_attempts = 0, updated_at = ?
		WHERE id = ? AND user_id = ? AND done = ? AND snooze_count < ?
	`, now.Add(d), now, string(id), userID, false, s.maxSnooze)
	if err != nil {
		return dispatch.Reminder{}, fmt.Errorf("reminders: snooze: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, userID, id)
		if err != nil {
			return dispatch.Reminder{}, err
		}
		if cur.Done {
			return dispatch.Reminder{}, fmt.Errorf("reminder %s is already done: %w", id, command.ErrValidation)
		}
		return dispatch.Reminder{}, fmt.Errorf("%w (%d)", ErrSnoozeLimit, s.maxSnooze)
	}
	return s.Get(ctx, userID, id)
}

func (s *Store) AcknowledgeReminder(ctx context.Context, userID string, id command.ReminderID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET done = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, true, s.now().UTC(), string(id), userID)
	if err != nil {
		return fmt.Errorf("reminders: acknowledge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reminder %s: %w", id, dispatch.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteReminder(ctx context.Context, userID string, id command.ReminderID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND user_id = ?`, string(id), userID)
	if err != nil {
		return fmt.Errorf("reminders: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reminder %s: %w", id, dispatch.ErrNotFound)
	}
	return nil
}

// Delivery is a due reminder together with its owner.
type Delivery struct {
	UserID   string
	Reminder dispatch.Reminder
}

// Due lists open, undelivered reminders whose time has come, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, `+selectColumns+`
		FROM reminders
		WHERE done = ? AND delivered_at IS NULL AND remind_at <= ?
		ORDER BY remind_at ASC
		LIMIT ?
	`, false, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("reminders: due: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d  Delivery
			id string
		)
		r := &d.Reminder
		if err := rows.Scan(&d.UserID, &id, &r.Title, &r.Description, &r.RemindAt, &r.Done, &r.SnoozeCount); err != nil {
			return nil, fmt.Errorf("reminders: scan: %w", err)
		}
		r.ID = command.ReminderID(id)
		r.RemindAt = r.RemindAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Claim marks a due reminder as delivered. It reports false when another
// poller claimed it first.
func (s *Store) Claim(ctx context.Context, id command.ReminderID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET delivered_at = ?, updated_at = ? WHERE id = ? AND delivered_at IS NULL
	`, s.now().UTC(), s.now().UTC(), string(id))
	if err != nil {
		return false, fmt.Errorf("reminders: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reminders: claim: %w", err)
	}
	return n == 1, nil
}

// Release hands a claimed reminder back to the poller after a failed
// delivery. It reports false once the reminder has used its attempts; it
// then stays claimed and only shows in the user's list.
func (s *Store) Release(ctx context.Context, id command.ReminderID) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET delivered_at = NULL, delivery_attempts = delivery_attempts + 1, updated_at = ?
		WHERE id = ? AND delivered_at IS NOT NULL AND delivery_attempts + 1 < ?
	`, now, string(id), s.maxAttempts)
	if err != nil {
		return false, fmt.Errorf("reminders: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reminders: release: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET delivery_attempts = delivery_attempts + 1, updated_at = ?
		WHERE id = ? AND delivered_at IS NOT NULL
	`, now, string(id)); err != nil {
		return false, fmt.Errorf("reminders: release: %w", err)
	}
	return false, nil
}

// Cleanup deletes reminders that were acknowledged before cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE done = ? AND updated_at < ?`, true, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("reminders: cleanup: %w", err)
	}
	return res.RowsAffected()
}
