package reminders

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often RunDelivery looks for due reminders.
const DefaultPollInterval = 30 * time.Second

// DeliverFunc sends one reminder to its owner.
type DeliverFunc func(ctx context.Context, d Delivery) error

// DeliverDue claims and delivers every reminder due at now. A reminder whose
// delivery fails is released for the next poll until it runs out of
// attempts; the user still sees it in their list either way.
func (s *Store) DeliverDue(ctx context.Context, now time.Time, deliver DeliverFunc) (int, error) {
	due, err := s.Due(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, d := range due {
		ok, err := s.Claim(ctx, d.Reminder.ID)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		if err := deliver(ctx, d); err != nil {
			slog.Warn("reminders: delivery failed", "id", d.Reminder.ID, "user", d.UserID, "err", err)
			retry, rerr := s.Release(ctx, d.Reminder.ID)
			if rerr != nil {
				return sent, rerr
			}
			if !retry {
				slog.Warn("reminders: giving up on delivery", "id", d.Reminder.ID, "user", d.UserID, "attempts", s.maxAttempts)
			}
			continue
		}
		sent++
	}
	return sent, nil
}

// RunDelivery polls for due reminders until ctx is cancelled.
func (s *Store) RunDelivery(ctx context.Context, interval time.Duration, deliver DeliverFunc) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeliverDue(ctx, s.now(), deliver)
			if err != nil {
				slog.Warn("reminders: poll failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("reminders: delivered", "count", n)
			}
		}
	}
}
