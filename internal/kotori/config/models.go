package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
)

// KeyInferenceModel holds the model selected with SwitchModel.
const KeyInferenceModel = "inference.model"

// DefaultModelRefresh bounds how long another instance's model switch takes
// to reach this one.
const DefaultModelRefresh = 30 * time.Second

// Models tracks the active inference model. It serves the adapter on every
// call, so the stored value is cached for a short time.
type Models struct {
	store    Store
	lister   inference.ModelLister
	fallback string
	refresh  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// ModelsOption configures Models.
type ModelsOption func(*Models)

// WithLister lets SwitchModel reject names the backend does not serve.
func WithLister(l inference.ModelLister) ModelsOption {
	return func(m *Models) { m.lister = l }
}

// WithRefresh overrides DefaultModelRefresh. Zero reads the store every time.
func WithRefresh(d time.Duration) ModelsOption {
	return func(m *Models) { m.refresh = d }
}

// WithModelsClock overrides the time source.
func WithModelsClock(now func() time.Time) ModelsOption {
	return func(m *Models) { m.now = now }
}

// NewModels returns Models reading from s. fallback is the model used until
// one is switched to.
func NewModels(s Store, fallback string, opts ...ModelsOption) *Models {
	m := &Models{store: s, fallback: fallback, refresh: DefaultModelRefresh, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetLister attaches the backend after construction; the adapter itself
// needs Models as its source, so it only exists afterwards.
func (m *Models) SetLister(l inference.ModelLister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lister = l
}

// ActiveModel returns the switched-to model, or the fallback.
func (m *Models) ActiveModel(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fetchedAt.IsZero() && m.now().Sub(m.fetchedAt) < m.refresh {
		return m.cached, nil
	}
	if err := m.load(ctx); err != nil {
		return "", err
	}
	return m.cached, nil
}

// load must be called with mu held.
func (m *Models) load(ctx context.Context) error {
	v, err := m.store.Get(ctx, KeyInferenceModel)
	switch {
	case errors.Is(err, ErrNotFound):
		v = m.fallback
	case err != nil:
		return err
	}
	m.cached, m.fetchedAt = v, m.now()
	return nil
}

// Refresh drops the cached value and reads the store again.
func (m *Models) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

// ListModels returns the backend's models, or only the active one when the
// backend cannot enumerate them.
func (m *Models) ListModels(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	l := m.lister
	m.mu.Unlock()
	if l == nil {
		active, err := m.ActiveModel(ctx)
		if err != nil {
			return nil, err
		}
		return []string{active}, nil
	}
	return l.Models(ctx)
}

// SwitchModel stores name as the active model. When the backend lists its
// models, an unknown name is a validation error.
func (m *Models) SwitchModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("config: empty model name: %w", command.ErrValidation)
	}
	m.mu.Lock()
	l := m.lister
	m.mu.Unlock()
	if l != nil {
		available, err := l.Models(ctx)
		if err != nil {
			return err
		}
		if !slices.Contains(available, name) {
			return fmt.Errorf("config: model %q is not served: %w", name, command.ErrValidation)
		}
	}
	if err := m.store.Set(ctx, KeyInferenceModel, name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached, m.fetchedAt = name, m.now()
	return nil
}
