package config_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/config"
	appstore "github.com/bdobrica/Kotori/internal/kotori/store"
)

func newTestStore(t *testing.T) config.Store {
	t.Helper()
	s, err := appstore.New(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return config.New(s)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing.key")
	if !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestSetOverwritesAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"gpt-4o", "llama3"} {
		if err := store.Set(ctx, config.KeyInferenceModel, v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	got, err := store.Get(ctx, config.KeyInferenceModel)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "llama3" {
		t.Errorf("got %q, want %q", got, "llama3")
	}

	if err := store.Delete(ctx, config.KeyInferenceModel); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, config.KeyInferenceModel); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := store.Get(ctx, config.KeyInferenceModel); !errors.Is(err, config.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListEmptyIsNotNil(t *testing.T) {
	store := newTestStore(t)
	m, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if m == nil || len(m) != 0 {
		t.Errorf("want empty non-nil map, got %#v", m)
	}
}

func TestConcurrentSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Set(ctx, "shared", "v")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Set: %v", err)
		}
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all["shared"] != "v" {
		t.Errorf("List = %#v", all)
	}
}

func TestInvalidKeysAreRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"", "Inference.Model", "a..b", ".a", "a b", "model;drop"} {
		if err := store.Set(ctx, key, "v"); !errors.Is(err, config.ErrInvalidKey) {
			t.Errorf("Set(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := store.Get(ctx, key); !errors.Is(err, config.ErrInvalidKey) {
			t.Errorf("Get(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestEntriesAreOrderedWithTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	before := time.Now().Add(-time.Second)
	for _, k := range []string{"zeta", "alpha.one", "mid"} {
		if err := store.Set(ctx, k, k+"-value"); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}
	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 || entries[0].Key != "alpha.one" || entries[2].Key != "zeta" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	for _, e := range entries {
		if e.Value != e.Key+"-value" || e.UpdatedAt.Before(before) {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}

type staticLister struct {
	models []string
	err    error
}

func (l staticLister) Models(context.Context) ([]string, error) { return l.models, l.err }

func TestModels_FallbackUntilSwitched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	m := config.NewModels(store, "gpt-4o-mini", config.WithLister(staticLister{models: []string{"gpt-4o", "gpt-4o-mini"}}))

	got, err := m.ActiveModel(ctx)
	if err != nil || got != "gpt-4o-mini" {
		t.Fatalf("ActiveModel = %q, %v", got, err)
	}
	if err := m.SwitchModel(ctx, "gpt-4o"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	if got, _ := m.ActiveModel(ctx); got != "gpt-4o" {
		t.Errorf("ActiveModel after switch = %q", got)
	}
	if v, _ := store.Get(ctx, config.KeyInferenceModel); v != "gpt-4o" {
		t.Errorf("stored model = %q", v)
	}
}

func TestModels_SwitchRejectsUnknownModel(t *testing.T) {
	m := config.NewModels(newTestStore(t), "a", config.WithLister(staticLister{models: []string{"a"}}))
	err := m.SwitchModel(context.Background(), "b")
	if !errors.Is(err, command.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := m.SwitchModel(context.Background(), " "); !errors.Is(err, command.ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
}

func TestModels_SwitchWithoutListerIsAccepted(t *testing.T) {
	m := config.NewModels(newTestStore(t), "a")
	if err := m.SwitchModel(context.Background(), "anything"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	list, err := m.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list) != 1 || list[0] != "anything" {
		t.Errorf("ListModels = %v", list)
	}
}

func TestModels_SeesOtherInstanceAfterRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	local := config.NewModels(store, "a", config.WithModelsClock(clock))
	remote := config.NewModels(store, "a")

	if got, _ := local.ActiveModel(ctx); got != "a" {
		t.Fatalf("initial = %q", got)
	}
	if err := remote.SwitchModel(ctx, "b"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	if got, _ := local.ActiveModel(ctx); got != "a" {
		t.Errorf("cached value should still be served, got %q", got)
	}

	now = now.Add(config.DefaultModelRefresh)
	if got, _ := local.ActiveModel(ctx); got != "b" {
		t.Errorf("after refresh interval = %q, want b", got)
	}

	if err := remote.SwitchModel(ctx, "c"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	if err := local.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got, _ := local.ActiveModel(ctx); got != "c" {
		t.Errorf("after Refresh = %q, want c", got)
	}
}
