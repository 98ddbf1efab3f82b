package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kotori/common/trace"
	"github.com/bdobrica/Kotori/internal/kotori/command"
)

// Composer builds a briefing from the calendar, task, reminder and weather
// ports. Sections whose port fails are listed in Briefing.Missing; the
// briefing itself fails only when every section does.
type Composer struct {
	Calendar  CalendarPort
	Tasks     TaskPort
	Reminders ReminderPort
	Weather   WeatherPort
	// HomeLocation is the place the forecast is fetched for.
	HomeLocation string
}

func (c *Composer) Briefing(ctx context.Context, userID string, day command.Date, loc *time.Location) (Briefing, error) {
	b := Briefing{Date: day}
	var (
		mu     sync.Mutex
		failed int
	)
	miss := func(section string, err error) {
		trace.Logger(ctx).Warn("briefing: section unavailable", "section", section, "err", err)
		mu.Lock()
		b.Missing = append(b.Missing, section)
		failed++
		mu.Unlock()
	}

	// Sections never fail the group; each one records its own outcome.
	var g errgroup.Group
	g.Go(func() error {
		events, err := c.Calendar.EventsOn(ctx, userID, day, loc)
		if err != nil {
			miss("calendar", err)
			return nil
		}
		mu.Lock()
		b.Events = events
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		open := command.TaskNeedsAction
		tasks, err := c.Tasks.ListTasks(ctx, userID, command.ListTasks{Status: &open})
		if err != nil {
			miss("tasks", err)
			return nil
		}
		var due []Task
		for _, t := range tasks {
			if t.Due != nil && !day.Before(*t.Due) {
				due = append(due, t)
			}
		}
		mu.Lock()
		b.Tasks = due
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		rs, err := c.Reminders.ListReminders(ctx, userID, false)
		if err != nil {
			miss("reminders", err)
			return nil
		}
		start := day.In(loc)
		end := day.AddDays(1).In(loc)
		var today []Reminder
		for _, r := range rs {
			if !r.RemindAt.Before(start) && r.RemindAt.Before(end) {
				today = append(today, r)
			}
		}
		mu.Lock()
		b.Reminders = today
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		f, err := c.Weather.Forecast(ctx, c.HomeLocation, day)
		if err != nil {
			miss("weather", err)
			return nil
		}
		mu.Lock()
		b.Weather = &f
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	if failed == 4 {
		return Briefing{}, ErrServiceUnavailable
	}
	sort.Strings(b.Missing)
	return b, nil
}
