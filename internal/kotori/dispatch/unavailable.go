package dispatch

import (
	"context"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/command"
)

// Unavailable implements every port by failing with ErrServiceUnavailable.
// It stands in for backends that are not configured.
type Unavailable struct{}

var (
	_ EmailPort     = Unavailable{}
	_ CalendarPort  = Unavailable{}
	_ TaskPort      = Unavailable{}
	_ WeatherPort   = Unavailable{}
	_ SearchPort    = Unavailable{}
	_ ReminderPort  = Unavailable{}
	_ TransitPort   = Unavailable{}
	_ ContactPort   = Unavailable{}
	_ MessengerPort = Unavailable{}
	_ ModelPort     = Unavailable{}
	_ SystemPort    = Unavailable{}
	_ BriefingPort  = Unavailable{}
)

func (Unavailable) Inbox(context.Context, string, int, bool) ([]EmailSummary, error) {
	return nil, ErrServiceUnavailable
}
func (Unavailable) Send(context.Context, string, OutgoingEmail) error { return ErrServiceUnavailable }
func (Unavailable) SendDraft(context.Context, string, command.DraftID) error {
	return ErrServiceUnavailable
}

func (Unavailable) EventsOn(context.Context, string, command.Date, *time.Location) ([]Event, error) {
	return nil, ErrServiceUnavailable
}
func (Unavailable) CreateEvent(context.Context, string, command.CreateCalendarEvent, *time.Location) (Event, error) {
	return Event{}, ErrServiceUnavailable
}
func (Unavailable) UpdateEvent(context.Context, string, command.UpdateCalendarEvent, *time.Location) (Event, error) {
	return Event{}, ErrServiceUnavailable
}

func (Unavailable) ListTasks(context.Context, string, command.ListTasks) ([]Task, error) {
	return nil, ErrServiceUnavailable
}
func (Unavailable) CreateTask(context.Context, string, command.CreateTask) (Task, error) {
	return Task{}, ErrServiceUnavailable
}
func (Unavailable) CompleteTask(context.Context, string, command.TaskID) error {
	return ErrServiceUnavailable
}
func (Unavailable) UpdateTask(context.Context, string, command.UpdateTask) (Task, error) {
	return Task{}, ErrServiceUnavailable
}
func (Unavailable) DeleteTask(context.Context, string, command.TaskID) error {
	return ErrServiceUnavailable
}
func (Unavailable) ListTaskLists(context.Context, string) ([]TaskList, error) {
	return nil, ErrServiceUnavailable
}
func (Unavailable) CreateTaskList(context.Context, string, string) (TaskList, error) {
	return TaskList{}, ErrServiceUnavailable
}

func (Unavailable) Forecast(context.Context, string, command.Date) (Forecast, error) {
	return Forecast{}, ErrServiceUnavailable
}

func (Unavailable) Search(context.Context, string, int) ([]SearchResult, error) {
	return nil, ErrServiceUnavailable
}

func (Unavailable) CreateReminder(context.Context, string, string, string, time.Time) (Reminder, error) {
	return Reminder{}, ErrServiceUnavailable
}
func (Unavailable) ListReminders(context.Context, string, bool) ([]Reminder, error) {
	return nil, ErrServiceUnavailable
}
func (Unavailable) SnoozeReminder(context.Context, string, command.ReminderID, time.Duration) (Reminder, error) {
	return Reminder{}, ErrServiceUnavailable
}
func (Unavailable) AcknowledgeReminder(context.Context, string, command.ReminderID) error {
	return ErrServiceUnavailable
}
func (Unavailable) DeleteReminder(context.Context, string, command.ReminderID) error {
	return ErrServiceUnavailable
}

func (Unavailable) Connections(context.Context, string, string, time.Time) ([]Connection, error) {
	return nil, ErrServiceUnavailable
}

func (Unavailable) SearchContacts(context.Context, string, string) ([]Contact, error) {
	return nil, ErrServiceUnavailable
}
func (Unavailable) CreateContact(context.Context, string, command.CreateContact) (Contact, error) {
	return Contact{}, ErrServiceUnavailable
}

func (Unavailable) SendMessage(context.Context, command.PhoneNumber, string) error {
	return ErrServiceUnavailable
}

func (Unavailable) ActiveModel(context.Context) (string, error)  { return "", ErrServiceUnavailable }
func (Unavailable) ListModels(context.Context) ([]string, error) { return nil, ErrServiceUnavailable }
func (Unavailable) SwitchModel(context.Context, string) error    { return ErrServiceUnavailable }

func (Unavailable) Status(context.Context) (SystemReport, error) {
	return SystemReport{}, ErrServiceUnavailable
}
func (Unavailable) Reload(context.Context) error { return ErrServiceUnavailable }

func (Unavailable) Briefing(context.Context, string, command.Date, *time.Location) (Briefing, error) {
	return Briefing{}, ErrServiceUnavailable
}
