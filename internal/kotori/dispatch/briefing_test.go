package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
)

type fakeCalendar struct {
	dispatch.Unavailable
	events []dispatch.Event
}

func (f fakeCalendar) EventsOn(context.Context, string, command.Date, *time.Location) ([]dispatch.Event, error) {
	return f.events, nil
}

type fakeTasks struct {
	dispatch.Unavailable
	tasks []dispatch.Task
}

func (f fakeTasks) ListTasks(context.Context, string, command.ListTasks) ([]dispatch.Task, error) {
	return f.tasks, nil
}

func TestComposer_PartialFailureListsMissingSections(t *testing.T) {
	day, err := command.NewDate(2025, 3, 14)
	require.NoError(t, err)
	tomorrow := day.AddDays(1)
	yesterday := day.AddDays(-1)

	c := &dispatch.Composer{
		Calendar: fakeCalendar{events: []dispatch.Event{
			{Title: "Standup", Start: day.In(time.UTC).Add(9 * time.Hour)},
		}},
		Tasks: fakeTasks{tasks: []dispatch.Task{
			{ID: "t1", Title: "Steuer", Due: &yesterday},
			{ID: "t2", Title: "Später", Due: &tomorrow},
			{ID: "t3", Title: "Irgendwann"},
		}},
		Reminders: dispatch.Unavailable{},
		Weather:   dispatch.Unavailable{},
	}

	b, err := c.Briefing(context.Background(), "anna", day, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, day, b.Date)
	require.Len(t, b.Events, 1)
	require.Len(t, b.Tasks, 1)
	assert.Equal(t, command.TaskID("t1"), b.Tasks[0].ID)
	assert.Equal(t, []string{"reminders", "weather"}, b.Missing)
	assert.Nil(t, b.Weather)
}

func TestComposer_AllSectionsDownIsUnavailable(t *testing.T) {
	u := dispatch.Unavailable{}
	c := &dispatch.Composer{Calendar: u, Tasks: u, Reminders: u, Weather: u}
	day, err := command.NewDate(2025, 3, 14)
	require.NoError(t, err)

	_, err = c.Briefing(context.Background(), "anna", day, time.UTC)
	assert.ErrorIs(t, err, dispatch.ErrServiceUnavailable)
}

func TestHandle_BriefingShowsWhatIsAvailable(t *testing.T) {
	h := newHarness(t, dispatch.Ports{
		Calendar: fakeCalendar{events: []dispatch.Event{{Title: "Standup", Start: time.Now()}}},
	})

	res, err := h.d.Handle(context.Background(), "Guten Morgen!", rc("anna"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Response, "Standup")
	assert.Contains(t, res.Response, "Unavailable: reminders, tasks, weather")
}
