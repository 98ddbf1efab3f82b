package app

import (
	"context"
	"sync"
	"time"

	"github.com/bdobrica/Kotori/common/version"
	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
)

const checkTimeout = 2 * time.Second

// Check pings one dependency for the status report.
type Check struct {
	Name string
	// Ping returns nil when the dependency is healthy. detail, when
	// non-empty, is shown next to the component either way.
	Ping func(ctx context.Context) (detail string, err error)
}

// ModelState is the part of the runtime model selection System needs.
type ModelState interface {
	ActiveModel(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// PendingLister lists every user's pending approvals.
type PendingLister interface {
	ListPending(ctx context.Context, userID string) ([]*approvals.Approval, error)
}

// System implements dispatch.SystemPort.
type System struct {
	started time.Time
	now     func() time.Time
	models  ModelState
	pending PendingLister
	checks  []Check
}

var _ dispatch.SystemPort = (*System)(nil)

// NewSystem returns a System. models and pending may be nil.
func NewSystem(models ModelState, pending PendingLister, checks ...Check) *System {
	return &System{started: time.Now(), now: time.Now, models: models, pending: pending, checks: checks}
}

// Status reports version, uptime and the health of every checked
// component. Checks run concurrently, each with a short timeout.
func (s *System) Status(ctx context.Context) (dispatch.SystemReport, error) {
	rep := dispatch.SystemReport{
		Version: version.Short(),
		Uptime:  s.now().Sub(s.started),
	}
	if s.models != nil {
		if m, err := s.models.ActiveModel(ctx); err == nil {
			rep.Model = m
		}
	}
	if s.pending != nil {
		p, err := s.pending.ListPending(ctx, "")
		if err != nil {
			return dispatch.SystemReport{}, err
		}
		rep.Pending = len(p)
	}

	rep.Components = make([]dispatch.ComponentStatus, len(s.checks))
	var wg sync.WaitGroup
	for i, c := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			detail, err := c.Ping(cctx)
			st := dispatch.ComponentStatus{Name: c.Name, Healthy: err == nil, Detail: detail}
			if err != nil && detail == "" {
				st.Detail = err.Error()
			}
			rep.Components[i] = st
		}()
	}
	wg.Wait()
	return rep, nil
}

// Reload re-reads the runtime configuration shared through the database.
func (s *System) Reload(ctx context.Context) error {
	if s.models == nil {
		return nil
	}
	return s.models.Refresh(ctx)
}
