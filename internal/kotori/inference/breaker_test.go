package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// scriptedPort returns the queued errors in order, then succeeds.
type scriptedPort struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedPort) Generate(context.Context, Prompt, time.Duration) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return Completion{}, err
		}
	}
	return Completion{Text: "ok", Usage: &Usage{TotalTokens: 10}}, nil
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	port := &scriptedPort{errs: []error{ErrBackend, ErrTimeout, ErrBackend}}
	b := NewBreaker(port, 3, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := b.Generate(context.Background(), Prompt{}, time.Second); err == nil {
			t.Fatalf("call %d: expected error", i+1)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	_, err := b.Generate(context.Background(), Prompt{}, time.Second)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if port.calls != 3 {
		t.Errorf("backend called %d times while open", port.calls)
	}

	now = now.Add(time.Minute)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	c, err := b.Generate(context.Background(), Prompt{}, time.Second)
	if err != nil || c.Text != "ok" {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed after successful trial", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	port := &scriptedPort{errs: []error{ErrBackend, ErrBackend}}
	b := NewBreaker(port, 1, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Generate(context.Background(), Prompt{}, time.Second)
	now = now.Add(2 * time.Minute)
	if _, err := b.Generate(context.Background(), Prompt{}, time.Second); !errors.Is(err, ErrBackend) {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != BreakerOpen {
		t.Errorf("state = %s, want open after failed trial", b.State())
	}
}

func TestBreaker_RateLimitDoesNotCount(t *testing.T) {
	port := &scriptedPort{errs: []error{ErrRateLimit, ErrRateLimit, ErrRateLimit}}
	b := NewBreaker(port, 2, time.Minute)

	for i := 0; i < 3; i++ {
		b.Generate(context.Background(), Prompt{}, time.Second)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	port := &scriptedPort{errs: []error{ErrBackend, nil, ErrBackend}}
	b := NewBreaker(port, 2, time.Minute)

	for i := 0; i < 3; i++ {
		b.Generate(context.Background(), Prompt{}, time.Second)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreaker_CallerCancelDoesNotOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	b := NewBreaker(NewOpenAI(Config{BaseURL: srv.URL}), 3, time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			time.AfterFunc(20*time.Millisecond, cancel)
			_, errs[i] = b.Generate(ctx, Prompt{User: "hi"}, 10*time.Second)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("caller %d: err = %v, want context.Canceled", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after cancelled callers", b.State())
	}
}

func TestBreaker_SlowBackendStillOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	b := NewBreaker(NewOpenAI(Config{BaseURL: srv.URL}), 2, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := b.Generate(context.Background(), Prompt{User: "hi"}, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Fatalf("call %d: err = %v, want ErrTimeout", i+1, err)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}
