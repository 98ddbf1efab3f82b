package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/command"
)

var (
	// ErrServiceUnavailable is returned by ports that are not configured or
	// cannot reach their backend.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrNotFound is returned by ports when the referenced item does not
	// exist for the user.
	ErrNotFound = errors.New("not found")
)

// Event is a calendar entry.
type Event struct {
	ID       command.EventID
	Title    string
	Start    time.Time
	End      time.Time
	Location string
}

// Task is a to-do item.
type Task struct {
	ID       command.TaskID
	Title    string
	Due      *command.Date
	Priority command.Priority
	Status   command.TaskStatus
	List     string
}

// TaskList is a named collection of tasks.
type TaskList struct {
	ID   string
	Name string
}

// EmailSummary is one inbox message as shown to the user.
type EmailSummary struct {
	From      string
	Subject   string
	Snippet   string
	Received  time.Time
	Important bool
}

// OutgoingEmail is a composed message ready to send.
type OutgoingEmail struct {
	To      command.EmailAddress
	Cc      []command.EmailAddress
	Subject string
	Body    string
}

// Forecast is a weather summary for one place and day.
type Forecast struct {
	Location    string
	Date        command.Date
	Summary     string
	TempMinC    float64
	TempMaxC    float64
	RainChance  float64
	Description string
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Reminder is a scheduled notification.
type Reminder struct {
	ID          command.ReminderID
	Title       string
	Description string
	RemindAt    time.Time
	Done        bool
	SnoozeCount int
}

// Connection is one public transport itinerary.
type Connection struct {
	Departure time.Time
	Arrival   time.Time
	Lines     []string
	Changes   int
}

// Contact is an address book entry.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// Briefing is the morning summary for one day.
type Briefing struct {
	Date      command.Date
	Events    []Event
	Tasks     []Task
	Reminders []Reminder
	Weather   *Forecast
	// Missing names the sections that could not be fetched.
	Missing []string
}

// ComponentStatus is the health of one backend.
type ComponentStatus struct {
	Name    string
	Healthy bool
	Detail  string
}

// SystemReport is the answer to a status request.
type SystemReport struct {
	Version    string
	Uptime     time.Duration
	Model      string
	Pending    int
	Components []ComponentStatus
}

// The ports below are the outbound interfaces of the dispatcher. Each one
// exposes exactly the operations the commands that reference it need.

type EmailPort interface {
	Inbox(ctx context.Context, userID string, count int, onlyImportant bool) ([]EmailSummary, error)
	Send(ctx context.Context, userID string, msg OutgoingEmail) error
	SendDraft(ctx context.Context, userID string, id command.DraftID) error
}

type CalendarPort interface {
	EventsOn(ctx context.Context, userID string, day command.Date, loc *time.Location) ([]Event, error)
	CreateEvent(ctx context.Context, userID string, ev command.CreateCalendarEvent, loc *time.Location) (Event, error)
	UpdateEvent(ctx context.Context, userID string, upd command.UpdateCalendarEvent, loc *time.Location) (Event, error)
}

type TaskPort interface {
	ListTasks(ctx context.Context, userID string, filter command.ListTasks) ([]Task, error)
	CreateTask(ctx context.Context, userID string, t command.CreateTask) (Task, error)
	CompleteTask(ctx context.Context, userID string, id command.TaskID) error
	UpdateTask(ctx context.Context, userID string, upd command.UpdateTask) (Task, error)
	DeleteTask(ctx context.Context, userID string, id command.TaskID) error
	ListTaskLists(ctx context.Context, userID string) ([]TaskList, error)
	CreateTaskList(ctx context.Context, userID, name string) (TaskList, error)
}

type WeatherPort interface {
	Forecast(ctx context.Context, location string, day command.Date) (Forecast, error)
}

type SearchPort interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

type ReminderPort interface {
	CreateReminder(ctx context.Context, userID, title, description string, at time.Time) (Reminder, error)
	ListReminders(ctx context.Context, userID string, includeDone bool) ([]Reminder, error)
	SnoozeReminder(ctx context.Context, userID string, id command.ReminderID, by time.Duration) (Reminder, error)
	AcknowledgeReminder(ctx context.Context, userID string, id command.ReminderID) error
	DeleteReminder(ctx context.Context, userID string, id command.ReminderID) error
}

type TransitPort interface {
	Connections(ctx context.Context, from, to string, departure time.Time) ([]Connection, error)
}

type ContactPort interface {
	SearchContacts(ctx context.Context, userID, query string) ([]Contact, error)
	CreateContact(ctx context.Context, userID string, c command.CreateContact) (Contact, error)
}

type MessengerPort interface {
	SendMessage(ctx context.Context, to command.PhoneNumber, text string) error
}

// ModelPort reads and changes the active inference model.
type ModelPort interface {
	ActiveModel(ctx context.Context) (string, error)
	ListModels(ctx context.Context) ([]string, error)
	SwitchModel(ctx context.Context, name string) error
}

// SystemPort reports health and reloads runtime configuration.
type SystemPort interface {
	Status(ctx context.Context) (SystemReport, error)
	Reload(ctx context.Context) error
}

// BriefingPort assembles the morning summary.
type BriefingPort interface {
	Briefing(ctx context.Context, userID string, day command.Date, loc *time.Location) (Briefing, error)
}

// Ports bundles the outbound ports. Nil fields are replaced by Unavailable.
type Ports struct {
	Email     EmailPort
	Calendar  CalendarPort
	Tasks     TaskPort
	Weather   WeatherPort
	Search    SearchPort
	Reminders ReminderPort
	Transit   TransitPort
	Contacts  ContactPort
	Messenger MessengerPort
	Models    ModelPort
	System    SystemPort
	// Briefing defaults to a Composer over the other ports.
	Briefing BriefingPort
}

func (p Ports) withDefaults() Ports {
	u := Unavailable{}
	if p.Email == nil {
		p.Email = u
	}
	if p.Calendar == nil {
		p.Calendar = u
	}
	if p.Tasks == nil {
		p.Tasks = u
	}
	if p.Weather == nil {
		p.Weather = u
	}
	if p.Search == nil {
		p.Search = u
	}
	if p.Reminders == nil {
		p.Reminders = u
	}
	if p.Transit == nil {
		p.Transit = u
	}
	if p.Contacts == nil {
		p.Contacts = u
	}
	if p.Messenger == nil {
		p.Messenger = u
	}
	if p.Models == nil {
		p.Models = u
	}
	if p.System == nil {
		p.System = u
	}
	if p.Briefing == nil {
		p.Briefing = &Composer{Calendar: p.Calendar, Tasks: p.Tasks, Reminders: p.Reminders, Weather: p.Weather}
	}
	return p
}
