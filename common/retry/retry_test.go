package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func counting(failures int, err error) (func() error, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= failures {
			return err
		}
		return nil
	}, &calls
}

func TestDo(t *testing.T) {
	transient := errors.New("transient")
	tests := []struct {
		name      string
		cfg       Config
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first attempt succeeds", fast, 0, transient, 1, false},
		{"recovers on last attempt", fast, 2, transient, 3, false},
		{"runs out of attempts", fast, 5, transient, 3, true},
		{"zero attempts means one", Config{InitialDelay: time.Millisecond}, 5, transient, 1, true},
		{"permanent stops at once", fast, 5, Permanent(transient), 1, true},
		{"predicate refuses", Config{MaxAttempts: 3, InitialDelay: time.Millisecond, ShouldRetry: func(error) bool { return false }}, 5, transient, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := counting(tt.failures, tt.err)
			err := Do(context.Background(), tt.cfg, fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, transient) {
				t.Errorf("error chain lost the cause: %v", err)
			}
			if *calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn, calls := counting(10, errors.New("x"))
	err := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Hour}, fn)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if *calls != 0 {
		t.Errorf("calls = %d, want 0", *calls)
	}
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cause := errors.New("busy")
	fn, calls := counting(10, cause)
	start := time.Now()
	err := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}, fn)
	if time.Since(start) > time.Second {
		t.Fatal("backoff ignored the context")
	}
	if !errors.Is(err, cause) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected both the cause and the deadline, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestDelayDoublesUpToMax(t *testing.T) {
	c := Config{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}.normalized()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := c.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	cause := errors.New("constraint")
	err := Permanent(cause)
	if !IsPermanent(err) || !errors.Is(err, cause) {
		t.Errorf("marker or cause lost: %v", err)
	}
	if IsPermanent(cause) {
		t.Error("plain error reported as permanent")
	}
}
