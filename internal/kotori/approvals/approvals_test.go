package approvals_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// clock is a settable time source shared by store and workflow.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestStore opens a temporary SQLite database with migrations applied.
func newTestStore(t *testing.T, c *clock) *approvals.Store {
	t.Helper()
	s, err := store.New(t.TempDir() + "/approvals.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return approvals.NewStore(s, approvals.WithClock(c.Now))
}

func create(t *testing.T, as *approvals.Store, user string) *approvals.Approval {
	t.Helper()
	a, err := as.Create(context.Background(), user, "send_email", []byte(`{"type":"send_email","params":{"draft_id":"d1"}}`), "Send draft d1", 30*time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestApproval_CreateAndGet(t *testing.T) {
	c := newClock()
	as := newTestStore(t, c)

	a := create(t, as, "anna")
	if a.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if a.Status != approvals.StatusPending {
		t.Errorf("expected pending, got %q", a.Status)
	}
	if want := c.Now().Add(30 * time.Minute); !a.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %s, want %s", a.ExpiresAt, want)
	}

	got, err := as.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "anna" || got.Kind != "send_email" || got.Description != "Send draft d1" {
		t.Errorf("unexpected approval: %+v", got)
	}
	if string(got.Command) != string(a.Command) {
		t.Errorf("command = %s, want %s", got.Command, a.Command)
	}
	if got.ResolvedBy != nil || got.Reason != nil {
		t.Error("pending approval should have no resolver or reason")
	}
	if !got.ExpiresAt.Equal(a.ExpiresAt) {
		t.Errorf("ExpiresAt round trip: %s != %s", got.ExpiresAt, a.ExpiresAt)
	}
}

func TestApproval_GetNotFound(t *testing.T) {
	as := newTestStore(t, newClock())
	_, err := as.Get(context.Background(), "0123456789")
	if !errors.Is(err, approvals.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApproval_Approve(t *testing.T) {
	as := newTestStore(t, newClock())
	ctx := context.Background()
	a := create(t, as, "anna")

	if err := as.Approve(ctx, a.ID, "anna"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got, _ := as.Get(ctx, a.ID)
	if got.Status != approvals.StatusApproved {
		t.Errorf("expected approved, got %q", got.Status)
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != "anna" {
		t.Errorf("expected resolved_by anna, got %v", got.ResolvedBy)
	}
}

func TestApproval_DenyKeepsReason(t *testing.T) {
	as := newTestStore(t, newClock())
	ctx := context.Background()
	a := create(t, as, "anna")

	if err := as.Deny(ctx, a.ID, "anna", "wrong recipient"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	got, _ := as.Get(ctx, a.ID)
	if got.Status != approvals.StatusDenied {
		t.Errorf("expected denied, got %q", got.Status)
	}
	if got.Reason == nil || *got.Reason != "wrong recipient" {
		t.Errorf("expected reason to be kept, got %v", got.Reason)
	}
}

func TestApproval_TerminalStatesRejectEveryTransition(t *testing.T) {
	c := newClock()
	as := newTestStore(t, c)
	ctx := context.Background()

	settle := map[approvals.Status]func(id string) error{
		approvals.StatusApproved:  func(id string) error { return as.Approve(ctx, id, "anna") },
		approvals.StatusDenied:    func(id string) error { return as.Deny(ctx, id, "anna", "") },
		approvals.StatusCancelled: func(id string) error { return as.Cancel(ctx, id, "anna", "") },
	}
	attempts := map[string]func(id string) error{
		"approve": func(id string) error { return as.Approve(ctx, id, "anna") },
		"deny":    func(id string) error { return as.Deny(ctx, id, "anna", "no") },
		"cancel":  func(id string) error { return as.Cancel(ctx, id, "anna", "") },
	}

	for status, fn := range settle {
		for name, attempt := range attempts {
			a := create(t, as, "anna")
			if err := fn(a.ID); err != nil {
				t.Fatalf("settle %s: %v", status, err)
			}
			err := attempt(a.ID)
			if !errors.Is(err, approvals.ErrInvalidState) {
				t.Errorf("%s after %s: expected ErrInvalidState, got %v", name, status, err)
				continue
			}
			var se *approvals.StateError
			if !errors.As(err, &se) || se.Current != status {
				t.Errorf("%s after %s: expected StateError{Current: %s}, got %v", name, status, status, err)
			}
		}
	}
}

func TestApproval_ApproveAfterDeadlineBeforeSweep(t *testing.T) {
	c := newClock()
	as := newTestStore(t, c)
	ctx := context.Background()
	a := create(t, as, "anna")

	c.Advance(31 * time.Minute)

	err := as.Approve(ctx, a.ID, "anna")
	var se *approvals.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.Current != approvals.StatusExpired || !se.Expired {
		t.Errorf("expected freshly expired, got %+v", se)
	}
	got, _ := as.Get(ctx, a.ID)
	if got.Status != approvals.StatusExpired {
		t.Errorf("row should now be expired, got %q", got.Status)
	}

	// The sweeper must not report it again.
	expired, err := as.ExpireStale(ctx, c.Now())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expected nothing left to expire, got %d", len(expired))
	}
}

func TestApproval_ExactDeadlineIsExpired(t *testing.T) {
	c := newClock()
	as := newTestStore(t, c)
	a := create(t, as, "anna")

	c.Advance(30 * time.Minute)
	if err := as.Approve(context.Background(), a.ID, "anna"); !errors.Is(err, approvals.ErrInvalidState) {
		t.Fatalf("approval at the deadline should fail, got %v", err)
	}
}

func TestApproval_ExpireStale(t *testing.T) {
	c := newClock()
	as := newTestStore(t, c)
	ctx := context.Background()

	old := create(t, as, "anna")
	c.Advance(20 * time.Minute)
	fresh := create(t, as, "anna")
	c.Advance(15 * time.Minute)

	expired, err := as.ExpireStale(ctx, c.Now())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only %s to expire, got %+v", old.ID, expired)
	}
	if got, _ := as.Get(ctx, fresh.ID); got.Status != approvals.StatusPending {
		t.Errorf("fresh approval should still be pending, got %q", got.Status)
	}

	again, err := as.ExpireStale(ctx, c.Now())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second sweep expired %d rows", len(again))
	}
}

func TestApproval_ListPending(t *testing.T) {
	c := newClock()
	as := newTestStore(t, c)
	ctx := context.Background()

	stale := create(t, as, "anna")
	c.Advance(25 * time.Minute)
	mine := create(t, as, "anna")
	create(t, as, "ben")
	done := create(t, as, "anna")
	if err := as.Cancel(ctx, done.ID, "anna", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	c.Advance(10 * time.Minute) // stale is past its deadline, not yet swept

	got, err := as.ListPending(ctx, "anna")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Fatalf("expected only %s, got %+v", mine.ID, got)
	}
	for _, a := range got {
		if a.ID == stale.ID {
			t.Error("overdue approval listed as pending")
		}
	}

	all, err := as.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("ListPending all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 pending across users, got %d", len(all))
	}
}

func TestApproval_ListFilterByStatus(t *testing.T) {
	as := newTestStore(t, newClock())
	ctx := context.Background()

	a1 := create(t, as, "anna")
	create(t, as, "anna")
	if err := as.Approve(ctx, a1.ID, "anna"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	approved, err := as.List(ctx, approvals.StatusApproved, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != a1.ID {
		t.Errorf("expected [%s], got %+v", a1.ID, approved)
	}
	all, err := as.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2, got %d", len(all))
	}
}

func TestApproval_ConcurrentApproveHasOneWinner(t *testing.T) {
	as := newTestStore(t, newClock())
	ctx := context.Background()
	a := create(t, as, "anna")

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = as.Approve(ctx, a.ID, "anna")
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, approvals.ErrInvalidState):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestApproval_ApproveStatementIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	as := approvals.NewStore(store.Wrap(db, store.DialectPostgres))

	mock.ExpectExec(`UPDATE approvals SET status = \$1, updated_at = \$2, resolved_by = \$3, reason = \$4 WHERE id = \$5 AND status = 'pending' AND expires_at > \$6`).
		WithArgs("approved", sqlmock.AnyArg(), "anna", nil, "0123456789", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := as.Approve(context.Background(), "0123456789", "anna"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestApproval_MissingRowIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	as := approvals.NewStore(store.Wrap(db, store.DialectSQLite))

	mock.ExpectExec(`UPDATE approvals`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM approvals WHERE id = \?`).
		WithArgs("0123456789").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err = as.Deny(context.Background(), "0123456789", "anna", "no")
	if !errors.Is(err, approvals.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
