package command

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MorningBriefing summarises calendar, weather, inbox and reminders for a day.
type MorningBriefing struct {
	// Date defaults to today when nil.
	Date *Date `json:"date,omitempty"`
}

func (MorningBriefing) Kind() Kind               { return KindMorningBriefing }
func (c MorningBriefing) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c MorningBriefing) Describe() string {
	if c.Date == nil {
		return "Morning briefing for today"
	}
	return "Morning briefing for " + c.Date.String()
}
func (MorningBriefing) validate() error { return nil }

// CreateCalendarEvent adds an event and invites the attendees.
type CreateCalendarEvent struct {
	Date            Date           `json:"date"`
	Time            TimeOfDay      `json:"time"`
	Title           string         `json:"title"`
	DurationMinutes int            `json:"duration_minutes"`
	Attendees       []EmailAddress `json:"attendees,omitempty"`
	Location        string         `json:"location,omitempty"`
}

func (CreateCalendarEvent) Kind() Kind               { return KindCreateCalendarEvent }
func (c CreateCalendarEvent) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c CreateCalendarEvent) Describe() string {
	s := fmt.Sprintf("Create event '%s' on %s at %s", c.Title, c.Date, c.Time)
	if len(c.Attendees) > 0 {
		s += fmt.Sprintf(" with %s", joinEmails(c.Attendees))
	}
	return s
}
func (c CreateCalendarEvent) validate() error {
	if c.Date.IsZero() {
		return invalid("date", "required")
	}
	if err := requireText("title", c.Title, 200); err != nil {
		return err
	}
	if c.DurationMinutes <= 0 || c.DurationMinutes > 24*60 {
		return invalid("duration_minutes", "must be between 1 and 1440")
	}
	for _, a := range c.Attendees {
		if a.IsZero() {
			return invalid("attendees", "empty address")
		}
	}
	return nil
}

// UpdateCalendarEvent changes the given fields of an existing event.
type UpdateCalendarEvent struct {
	EventID         EventID    `json:"event_id"`
	Date            *Date      `json:"date,omitempty"`
	Time            *TimeOfDay `json:"time,omitempty"`
	Title           *string    `json:"title,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Location        *string    `json:"location,omitempty"`
}

func (UpdateCalendarEvent) Kind() Kind               { return KindUpdateCalendarEvent }
func (c UpdateCalendarEvent) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c UpdateCalendarEvent) Describe() string {
	var changes []string
	if c.Title != nil {
		changes = append(changes, fmt.Sprintf("title '%s'", *c.Title))
	}
	if c.Date != nil {
		changes = append(changes, "date "+c.Date.String())
	}
	if c.Time != nil {
		changes = append(changes, "time "+c.Time.String())
	}
	if c.DurationMinutes != nil {
		changes = append(changes, fmt.Sprintf("%d min", *c.DurationMinutes))
	}
	if c.Location != nil {
		changes = append(changes, "location "+*c.Location)
	}
	return fmt.Sprintf("Update event %s: %s", c.EventID, strings.Join(changes, ", "))
}
func (c UpdateCalendarEvent) validate() error {
	if c.EventID == "" {
		return invalid("event_id", "required")
	}
	if c.Date == nil && c.Time == nil && c.Title == nil && c.DurationMinutes == nil && c.Location == nil {
		return invalid("update", "nothing to change")
	}
	if c.Title != nil {
		if err := requireText("title", *c.Title, 200); err != nil {
			return err
		}
	}
	if c.DurationMinutes != nil && (*c.DurationMinutes <= 0 || *c.DurationMinutes > 24*60) {
		return invalid("duration_minutes", "must be between 1 and 1440")
	}
	return nil
}

// ListTasks lists tasks, optionally filtered.
type ListTasks struct {
	Status   *TaskStatus `json:"status,omitempty"`
	Priority *Priority   `json:"priority,omitempty"`
	List     string      `json:"list,omitempty"`
}

func (ListTasks) Kind() Kind               { return KindListTasks }
func (c ListTasks) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c ListTasks) Describe() string {
	s := "List tasks"
	if c.List != "" {
		s += " in " + c.List
	}
	if c.Status != nil {
		s += " (" + string(*c.Status) + ")"
	}
	return s
}
func (ListTasks) validate() error { return nil }

// CreateTask adds a task.
type CreateTask struct {
	Title       string    `json:"title"`
	Due         *Date     `json:"due,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Description string    `json:"description,omitempty"`
	List        string    `json:"list,omitempty"`
}

func (CreateTask) Kind() Kind               { return KindCreateTask }
func (c CreateTask) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c CreateTask) Describe() string {
	s := fmt.Sprintf("Create task '%s'", c.Title)
	if c.Due != nil {
		s += " due " + c.Due.String()
	}
	return s
}
func (c CreateTask) validate() error { return requireText("title", c.Title, 200) }

// CompleteTask marks a task done.
type CompleteTask struct {
	TaskID TaskID `json:"task_id"`
}

func (CompleteTask) Kind() Kind               { return KindCompleteTask }
func (c CompleteTask) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c CompleteTask) Describe() string       { return fmt.Sprintf("Complete task %s", c.TaskID) }
func (c CompleteTask) validate() error        { return requireID("task_id", string(c.TaskID)) }

// UpdateTask changes the given fields of a task.
type UpdateTask struct {
	TaskID      TaskID      `json:"task_id"`
	Title       *string     `json:"title,omitempty"`
	Due         *Date       `json:"due,omitempty"`
	Priority    *Priority   `json:"priority,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	Description *string     `json:"description,omitempty"`
}

func (UpdateTask) Kind() Kind               { return KindUpdateTask }
func (c UpdateTask) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c UpdateTask) Describe() string       { return fmt.Sprintf("Update task %s", c.TaskID) }
func (c UpdateTask) validate() error {
	if err := requireID("task_id", string(c.TaskID)); err != nil {
		return err
	}
	if c.Title == nil && c.Due == nil && c.Priority == nil && c.Status == nil && c.Description == nil {
		return invalid("update", "nothing to change")
	}
	if c.Title != nil {
		return requireText("title", *c.Title, 200)
	}
	return nil
}

// DeleteTask removes a task permanently.
type DeleteTask struct {
	TaskID TaskID `json:"task_id"`
}

func (DeleteTask) Kind() Kind               { return KindDeleteTask }
func (c DeleteTask) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c DeleteTask) Describe() string       { return fmt.Sprintf("Delete task %s", c.TaskID) }
func (c DeleteTask) validate() error        { return requireID("task_id", string(c.TaskID)) }

// ListTaskLists lists the task lists.
type ListTaskLists struct{}

func (ListTaskLists) Kind() Kind               { return KindListTaskLists }
func (c ListTaskLists) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (ListTaskLists) Describe() string         { return "List task lists" }
func (ListTaskLists) validate() error          { return nil }

// CreateTaskList adds a task list.
type CreateTaskList struct {
	Name string `json:"name"`
}

func (CreateTaskList) Kind() Kind               { return KindCreateTaskList }
func (c CreateTaskList) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c CreateTaskList) Describe() string       { return fmt.Sprintf("Create task list '%s'", c.Name) }
func (c CreateTaskList) validate() error        { return requireText("name", c.Name, 100) }

// SummarizeInbox summarises the most recent messages.
type SummarizeInbox struct {
	Count         int  `json:"count"`
	OnlyImportant bool `json:"only_important,omitempty"`
}

func (SummarizeInbox) Kind() Kind               { return KindSummarizeInbox }
func (c SummarizeInbox) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SummarizeInbox) Describe() string {
	if c.OnlyImportant {
		return fmt.Sprintf("Summarize %d important emails", c.Count)
	}
	return fmt.Sprintf("Summarize %d emails", c.Count)
}
func (c SummarizeInbox) validate() error {
	if c.Count < 1 || c.Count > 100 {
		return invalid("count", "must be between 1 and 100")
	}
	return nil
}

// DraftEmail composes an email. It is sent once the user approves it.
type DraftEmail struct {
	To      EmailAddress   `json:"to"`
	Cc      []EmailAddress `json:"cc,omitempty"`
	Subject string         `json:"subject"`
	Body    string         `json:"body,omitempty"`
}

func (DraftEmail) Kind() Kind               { return KindDraftEmail }
func (c DraftEmail) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c DraftEmail) Describe() string {
	return fmt.Sprintf("Send email to %s - %s", c.To, c.Subject)
}
func (c DraftEmail) validate() error {
	if c.To.IsZero() {
		return invalid("to", "required")
	}
	if err := requireText("subject", c.Subject, 998); err != nil {
		return err
	}
	if len(c.Body) > 100_000 {
		return invalid("body", "longer than 100000 bytes")
	}
	return nil
}

// SendEmail sends a draft that already exists in the mailbox.
type SendEmail struct {
	DraftID DraftID `json:"draft_id"`
}

func (SendEmail) Kind() Kind               { return KindSendEmail }
func (c SendEmail) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SendEmail) Describe() string       { return fmt.Sprintf("Send draft %s", c.DraftID) }
func (c SendEmail) validate() error        { return requireID("draft_id", string(c.DraftID)) }

// WebSearch queries the search backend.
type WebSearch struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (WebSearch) Kind() Kind               { return KindWebSearch }
func (c WebSearch) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c WebSearch) Describe() string {
	return fmt.Sprintf("Search the web for '%s'", truncate(c.Query, 60))
}
func (c WebSearch) validate() error {
	if err := requireText("query", c.Query, 500); err != nil {
		return err
	}
	if c.MaxResults < 1 || c.MaxResults > 20 {
		return invalid("max_results", "must be between 1 and 20")
	}
	return nil
}

// GetWeather fetches a forecast. An empty Location means the home location.
type GetWeather struct {
	Location string `json:"location,omitempty"`
	Date     *Date  `json:"date,omitempty"`
}

func (GetWeather) Kind() Kind               { return KindGetWeather }
func (c GetWeather) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c GetWeather) Describe() string {
	loc := c.Location
	if loc == "" {
		loc = "home"
	}
	if c.Date != nil {
		return fmt.Sprintf("Weather for %s on %s", loc, c.Date)
	}
	return "Weather for " + loc
}
func (c GetWeather) validate() error {
	if len(c.Location) > 200 {
		return invalid("location", "longer than 200 characters")
	}
	return nil
}

// CreateReminder schedules a reminder.
type CreateReminder struct {
	Title       string    `json:"title"`
	RemindAt    time.Time `json:"remind_at"`
	Description string    `json:"description,omitempty"`
}

func (CreateReminder) Kind() Kind               { return KindCreateReminder }
func (c CreateReminder) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c CreateReminder) Describe() string {
	return fmt.Sprintf("Remind '%s' at %s", c.Title, c.RemindAt.Format("2006-01-02 15:04"))
}
func (c CreateReminder) validate() error {
	if err := requireText("title", c.Title, 200); err != nil {
		return err
	}
	if c.RemindAt.IsZero() {
		return invalid("remind_at", "required")
	}
	return nil
}

// ListReminders lists upcoming reminders.
type ListReminders struct {
	IncludeDone bool `json:"include_done,omitempty"`
}

func (ListReminders) Kind() Kind               { return KindListReminders }
func (c ListReminders) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c ListReminders) Describe() string {
	if c.IncludeDone {
		return "List all reminders"
	}
	return "List open reminders"
}
func (ListReminders) validate() error { return nil }

// SnoozeReminder postpones a reminder.
type SnoozeReminder struct {
	ReminderID ReminderID `json:"reminder_id"`
	Minutes    int        `json:"minutes"`
}

func (SnoozeReminder) Kind() Kind               { return KindSnoozeReminder }
func (c SnoozeReminder) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SnoozeReminder) Describe() string {
	return fmt.Sprintf("Snooze reminder %s by %d min", c.ReminderID, c.Minutes)
}
func (c SnoozeReminder) validate() error {
	if err := requireID("reminder_id", string(c.ReminderID)); err != nil {
		return err
	}
	if c.Minutes < 1 || c.Minutes > 7*24*60 {
		return invalid("minutes", "must be between 1 and 10080")
	}
	return nil
}

// AcknowledgeReminder marks a reminder done.
type AcknowledgeReminder struct {
	ReminderID ReminderID `json:"reminder_id"`
}

func (AcknowledgeReminder) Kind() Kind               { return KindAcknowledgeReminder }
func (c AcknowledgeReminder) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c AcknowledgeReminder) Describe() string {
	return fmt.Sprintf("Acknowledge reminder %s", c.ReminderID)
}
func (c AcknowledgeReminder) validate() error {
	return requireID("reminder_id", string(c.ReminderID))
}

// DeleteReminder removes a reminder.
type DeleteReminder struct {
	ReminderID ReminderID `json:"reminder_id"`
}

func (DeleteReminder) Kind() Kind               { return KindDeleteReminder }
func (c DeleteReminder) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c DeleteReminder) Describe() string       { return fmt.Sprintf("Delete reminder %s", c.ReminderID) }
func (c DeleteReminder) validate() error        { return requireID("reminder_id", string(c.ReminderID)) }

// SearchTransit looks up public transport connections. An empty From means
// the home location; a nil Departure means now.
type SearchTransit struct {
	From      string     `json:"from,omitempty"`
	To        string     `json:"to"`
	Departure *time.Time `json:"departure,omitempty"`
}

func (SearchTransit) Kind() Kind               { return KindSearchTransit }
func (c SearchTransit) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SearchTransit) Describe() string {
	from := c.From
	if from == "" {
		from = "home"
	}
	return fmt.Sprintf("Transit from %s to %s", from, c.To)
}
func (c SearchTransit) validate() error { return requireText("to", c.To, 200) }

// SearchContacts searches the address book.
type SearchContacts struct {
	Query string `json:"query"`
}

func (SearchContacts) Kind() Kind               { return KindSearchContacts }
func (c SearchContacts) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SearchContacts) Describe() string       { return fmt.Sprintf("Search contacts for '%s'", c.Query) }
func (c SearchContacts) validate() error        { return requireText("query", c.Query, 200) }

// CreateContact adds an address book entry.
type CreateContact struct {
	Name  string        `json:"name"`
	Email *EmailAddress `json:"email,omitempty"`
	Phone *PhoneNumber  `json:"phone,omitempty"`
}

func (CreateContact) Kind() Kind               { return KindCreateContact }
func (c CreateContact) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c CreateContact) Describe() string       { return fmt.Sprintf("Create contact '%s'", c.Name) }
func (c CreateContact) validate() error        { return requireText("name", c.Name, 200) }

// SendMessage sends a text through a messenger channel.
type SendMessage struct {
	To   PhoneNumber `json:"to"`
	Text string      `json:"text"`
}

func (SendMessage) Kind() Kind               { return KindSendMessage }
func (c SendMessage) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SendMessage) Describe() string {
	return fmt.Sprintf("Send message to %s: %s", c.To, truncate(c.Text, 40))
}
func (c SendMessage) validate() error {
	if c.To.IsZero() {
		return invalid("to", "required")
	}
	return requireText("text", c.Text, 4096)
}

// SystemStatus reports the health of Kotori and its backends.
type SystemStatus struct{}

func (SystemStatus) Kind() Kind               { return KindSystemStatus }
func (c SystemStatus) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (SystemStatus) Describe() string         { return "System status" }
func (SystemStatus) validate() error          { return nil }

// Version reports the build version.
type Version struct{}

func (Version) Kind() Kind               { return KindVersion }
func (c Version) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (Version) Describe() string         { return "Version info" }
func (Version) validate() error          { return nil }

// ListModels lists the inference models the backend offers.
type ListModels struct{}

func (ListModels) Kind() Kind               { return KindListModels }
func (c ListModels) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (ListModels) Describe() string         { return "List models" }
func (ListModels) validate() error          { return nil }

// SwitchModel changes the active inference model.
type SwitchModel struct {
	Name ModelName `json:"name"`
}

func (SwitchModel) Kind() Kind               { return KindSwitchModel }
func (c SwitchModel) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c SwitchModel) Describe() string       { return fmt.Sprintf("Switch model to %s", c.Name) }
func (c SwitchModel) validate() error {
	_, err := ParseModelName(string(c.Name))
	return err
}

// ReloadConfig re-reads runtime configuration.
type ReloadConfig struct{}

func (ReloadConfig) Kind() Kind               { return KindReloadConfig }
func (c ReloadConfig) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (ReloadConfig) Describe() string         { return "Reload configuration" }
func (ReloadConfig) validate() error          { return nil }

// Help shows usage, optionally for one topic.
type Help struct {
	Topic string `json:"topic,omitempty"`
}

func (Help) Kind() Kind               { return KindHelp }
func (c Help) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c Help) Describe() string {
	if c.Topic == "" {
		return "Help"
	}
	return "Help: " + c.Topic
}
func (Help) validate() error { return nil }

// Echo replies with Message.
type Echo struct {
	Message string `json:"message"`
}

func (Echo) Kind() Kind               { return KindEcho }
func (c Echo) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c Echo) Describe() string       { return "Echo: " + truncate(c.Message, 50) }
func (c Echo) validate() error {
	if len(c.Message) > 4096 {
		return invalid("message", "longer than 4096 bytes")
	}
	return nil
}

// Converse is the fallback: free-form chat with the assistant.
type Converse struct {
	Text string `json:"text"`
}

func (Converse) Kind() Kind               { return KindConverse }
func (c Converse) RequiresApproval() bool { return RequiresApproval(c.Kind()) }
func (c Converse) Describe() string       { return "Ask: " + truncate(c.Text, 50) }
func (Converse) validate() error          { return nil }

func requireText(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return invalid(field, "required")
	}
	if utf8.RuneCountInString(v) > max {
		return invalid(field, "longer than %d characters", max)
	}
	return nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(field, "required")
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func joinEmails(addrs []EmailAddress) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
