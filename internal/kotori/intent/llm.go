package intent

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kotori/internal/kotori/command"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://kotori.local/schemas/intent.json"

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("intent: load schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("intent: compile schema: %w", err)
	}
	return s, nil
}

// Reasons reported in Result.Reason when the model tier gives up.
const (
	ReasonTimeout       = "timeout"
	ReasonRateLimit     = "rate_limit"
	ReasonBudget        = "budget"
	ReasonCircuitOpen   = "circuit_open"
	ReasonBackend       = "backend"
	ReasonCancelled     = "cancelled"
	ReasonMalformedJSON = "malformed_json"
	ReasonSchema        = "schema"
	ReasonUnknownIntent = "unknown_intent"
	ReasonMissingSlot   = "missing_slot"
	ReasonInvalid       = "invalid"
	ReasonLowConfidence = "low_confidence"
)

// failure carries the reason a model response was not turned into a
// command.
type failure struct {
	reason string
	err    error
}

func (f *failure) Error() string { return f.reason + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(reason string, err error) error { return &failure{reason: reason, err: err} }

func reasonOf(err error) string {
	var f *failure
	if errors.As(err, &f) {
		return f.reason
	}
	return ReasonBackend
}

// slots is the decoded model response. Every field is optional at this
// level; toCommand enforces what each intent requires.
type slots struct {
	Intent          string   `json:"intent"`
	Confidence      *float64 `json:"confidence"`
	Date            *string  `json:"date"`
	Time            *string  `json:"time"`
	Title           *string  `json:"title"`
	EventID         *string  `json:"event_id"`
	TaskID          *string  `json:"task_id"`
	DraftID         *string  `json:"draft_id"`
	ReminderID      *string  `json:"reminder_id"`
	Priority        *string  `json:"priority"`
	Status          *string  `json:"status"`
	Description     *string  `json:"description"`
	List            *string  `json:"list"`
	Name            *string  `json:"name"`
	Location        *string  `json:"location"`
	DurationMinutes *int     `json:"duration_minutes"`
	Attendees       []string `json:"attendees"`
	To              *string  `json:"to"`
	Cc              []string `json:"cc"`
	Subject         *string  `json:"subject"`
	Body            *string  `json:"body"`
	Question        *string  `json:"question"`
	Query           *string  `json:"query"`
	Count           *int     `json:"count"`
	MaxResults      *int     `json:"max_results"`
	OnlyImportant   *bool    `json:"only_important"`
	RemindAt        *string  `json:"remind_at"`
	Minutes         *int     `json:"minutes"`
	IncludeDone     *bool    `json:"include_done"`
	From            *string  `json:"from"`
	ToAddress       *string  `json:"to_address"`
	Departure       *string  `json:"departure"`
	Email           *string  `json:"email"`
	Phone           *string  `json:"phone"`
	Text            *string  `json:"text"`
	Message         *string  `json:"message"`
	Topic           *string  `json:"topic"`
	Model           *string  `json:"model"`
}

func (s slots) confidence() float64 {
	if s.Confidence == nil {
		return 1.0
	}
	return *s.Confidence
}

// extractJSON pulls the JSON object out of a model response that may wrap
// it in a ```json fence, a bare ``` fence, or prose.
func extractJSON(text string) (string, bool) {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j]), true
		}
	}
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			if inner := strings.TrimSpace(rest[:j]); strings.HasPrefix(inner, "{") {
				return inner, true
			}
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1], true
	}
	return "", false
}

// decode extracts, schema-checks and decodes a model response.
func decode(schema *jsonschema.Schema, text string) (slots, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return slots{}, fail(ReasonMalformedJSON, errors.New("no JSON object in response"))
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return slots{}, fail(ReasonMalformedJSON, err)
	}
	if obj, ok := v.(map[string]any); ok {
		if name, _ := obj["intent"].(string); name != "" && !knownIntent(name) {
			return slots{}, fail(ReasonUnknownIntent, fmt.Errorf("intent %q", name))
		}
	}
	if err := schema.Validate(v); err != nil {
		return slots{}, fail(ReasonSchema, err)
	}
	var s slots
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return slots{}, fail(ReasonMalformedJSON, err)
	}
	return s, nil
}

func knownIntent(name string) bool {
	if name == "ask" || name == "unknown" {
		return true
	}
	for _, spec := range DefaultCatalogue() {
		if spec.Intent == name {
			return true
		}
	}
	return name == string(command.KindReloadConfig)
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func first(ps ...*string) string {
	for _, p := range ps {
		if v := str(p); v != "" {
			return v
		}
	}
	return ""
}

func optStr(p *string) *string {
	if v := str(p); v != "" {
		return &v
	}
	return nil
}

func missing(intent, slot string) error {
	return fail(ReasonMissingSlot, fmt.Errorf("%s needs %s", intent, slot))
}

func invalidSlot(err error) error { return fail(ReasonInvalid, err) }

// toCommand maps decoded slots onto a command variant. Dates and times go
// through the resolver; an unresolvable optional date is dropped, an
// unresolvable required one counts as missing.
func toCommand(s slots, original string, r DateResolver) (command.Command, error) {
	optDate := func(p *string) *command.Date {
		if d, ok := r.ResolveDate(str(p)); ok {
			return &d
		}
		return nil
	}

	switch s.Intent {
	case "ask", "unknown":
		return command.Converse{Text: firstNonEmpty(str(s.Question), original)}, nil

	case string(command.KindMorningBriefing):
		return command.MorningBriefing{Date: optDate(s.Date)}, nil

	case string(command.KindCreateCalendarEvent):
		title := first(s.Title, s.Name)
		if title == "" {
			return nil, missing(s.Intent, "title")
		}
		d, ok := r.ResolveDate(str(s.Date))
		if !ok {
			return nil, missing(s.Intent, "date")
		}
		tod, ok := parseClock(str(s.Time))
		if !ok {
			return nil, missing(s.Intent, "time")
		}
		attendees, err := parseEmails(s.Attendees)
		if err != nil {
			return nil, invalidSlot(err)
		}
		dur := command.DefaultEventDurationMinutes
		if s.DurationMinutes != nil {
			dur = *s.DurationMinutes
		}
		return command.CreateCalendarEvent{
			Date: d, Time: tod, Title: title, DurationMinutes: dur,
			Attendees: attendees, Location: str(s.Location),
		}, nil

	case string(command.KindUpdateCalendarEvent):
		id := str(s.EventID)
		if id == "" {
			return nil, missing(s.Intent, "event_id")
		}
		eid, err := command.ParseEventID(id)
		if err != nil {
			return nil, invalidSlot(err)
		}
		cmd := command.UpdateCalendarEvent{
			EventID: eid, Date: optDate(s.Date), Title: optStr(s.Title),
			DurationMinutes: s.DurationMinutes, Location: optStr(s.Location),
		}
		if tod, ok := parseClock(str(s.Time)); ok {
			cmd.Time = &tod
		}
		return cmd, nil

	case string(command.KindListTasks):
		status, err := optStatus(s.Status)
		if err != nil {
			return nil, invalidSlot(err)
		}
		prio, err := optPriority(s.Priority)
		if err != nil {
			return nil, invalidSlot(err)
		}
		return command.ListTasks{Status: status, Priority: prio, List: str(s.List)}, nil

	case string(command.KindCreateTask):
		title := first(s.Title, s.Name)
		if title == "" {
			return nil, missing(s.Intent, "title")
		}
		prio, err := optPriority(s.Priority)
		if err != nil {
			return nil, invalidSlot(err)
		}
		return command.CreateTask{
			Title: title, Due: optDate(s.Date), Priority: prio,
			Description: str(s.Description), List: str(s.List),
		}, nil

	case string(command.KindCompleteTask), string(command.KindDeleteTask), string(command.KindUpdateTask):
		id := str(s.TaskID)
		if id == "" {
			return nil, missing(s.Intent, "task_id")
		}
		tid, err := command.ParseTaskID(id)
		if err != nil {
			return nil, invalidSlot(err)
		}
		switch s.Intent {
		case string(command.KindCompleteTask):
			return command.CompleteTask{TaskID: tid}, nil
		case string(command.KindDeleteTask):
			return command.DeleteTask{TaskID: tid}, nil
		}
		status, err := optStatus(s.Status)
		if err != nil {
			return nil, invalidSlot(err)
		}
		prio, err := optPriority(s.Priority)
		if err != nil {
			return nil, invalidSlot(err)
		}
		return command.UpdateTask{
			TaskID: tid, Title: optStr(s.Title), Due: optDate(s.Date),
			Priority: prio, Status: status, Description: optStr(s.Description),
		}, nil

	case string(command.KindListTaskLists):
		return command.ListTaskLists{}, nil

	case string(command.KindCreateTaskList):
		name := first(s.Name, s.List, s.Title)
		if name == "" {
			return nil, missing(s.Intent, "name")
		}
		return command.CreateTaskList{Name: name}, nil

	case string(command.KindSummarizeInbox):
		cmd := command.SummarizeInbox{Count: command.DefaultInboxCount}
		if s.Count != nil {
			cmd.Count = *s.Count
		}
		if s.OnlyImportant != nil {
			cmd.OnlyImportant = *s.OnlyImportant
		}
		return cmd, nil

	case string(command.KindDraftEmail):
		addr := first(s.To, s.ToAddress, s.Email)
		if addr == "" {
			return nil, missing(s.Intent, "to")
		}
		to, err := command.ParseEmailAddress(addr)
		if err != nil {
			return nil, invalidSlot(err)
		}
		subject := str(s.Subject)
		if subject == "" {
			return nil, missing(s.Intent, "subject")
		}
		cc, err := parseEmails(s.Cc)
		if err != nil {
			return nil, invalidSlot(err)
		}
		return command.DraftEmail{To: to, Cc: cc, Subject: subject, Body: str(s.Body)}, nil

	case string(command.KindSendEmail):
		id := str(s.DraftID)
		if id == "" {
			return nil, missing(s.Intent, "draft_id")
		}
		did, err := command.ParseDraftID(id)
		if err != nil {
			return nil, invalidSlot(err)
		}
		return command.SendEmail{DraftID: did}, nil

	case string(command.KindWebSearch):
		q := first(s.Query, s.Question)
		if q == "" {
			return nil, missing(s.Intent, "query")
		}
		n := command.DefaultSearchResults
		if s.MaxResults != nil {
			n = *s.MaxResults
		}
		return command.WebSearch{Query: q, MaxResults: n}, nil

	case string(command.KindGetWeather):
		return command.GetWeather{Location: str(s.Location), Date: optDate(s.Date)}, nil

	case string(command.KindCreateReminder):
		title := first(s.Title, s.Text, s.Message)
		if title == "" {
			return nil, missing(s.Intent, "title")
		}
		phrase := str(s.RemindAt)
		if phrase == "" {
			phrase = strings.TrimSpace(str(s.Date) + " " + str(s.Time))
		}
		at, ok := r.ResolveDateTime(phrase)
		if !ok {
			return nil, missing(s.Intent, "remind_at")
		}
		return command.CreateReminder{Title: title, RemindAt: at, Description: str(s.Description)}, nil

	case string(command.KindListReminders):
		cmd := command.ListReminders{}
		if s.IncludeDone != nil {
			cmd.IncludeDone = *s.IncludeDone
		}
		return cmd, nil

	case string(command.KindSnoozeReminder), string(command.KindAcknowledgeReminder), string(command.KindDeleteReminder):
		id := str(s.ReminderID)
		if id == "" {
			return nil, missing(s.Intent, "reminder_id")
		}
		rid, err := command.ParseReminderID(id)
		if err != nil {
			return nil, invalidSlot(err)
		}
		switch s.Intent {
		case string(command.KindAcknowledgeReminder):
			return command.AcknowledgeReminder{ReminderID: rid}, nil
		case string(command.KindDeleteReminder):
			return command.DeleteReminder{ReminderID: rid}, nil
		}
		minutes := command.DefaultSnoozeMinutes
		if s.Minutes != nil {
			minutes = *s.Minutes
		}
		return command.SnoozeReminder{ReminderID: rid, Minutes: minutes}, nil

	case string(command.KindSearchTransit):
		to := first(s.ToAddress, s.To, s.Location)
		if to == "" {
			return nil, missing(s.Intent, "to")
		}
		cmd := command.SearchTransit{From: str(s.From), To: to}
		if at, ok := r.ResolveDateTime(str(s.Departure)); ok {
			cmd.Departure = &at
		}
		return cmd, nil

	case string(command.KindSearchContacts):
		q := first(s.Query, s.Name)
		if q == "" {
			return nil, missing(s.Intent, "query")
		}
		return command.SearchContacts{Query: q}, nil

	case string(command.KindCreateContact):
		name := str(s.Name)
		if name == "" {
			return nil, missing(s.Intent, "name")
		}
		cmd := command.CreateContact{Name: name}
		if v := str(s.Email); v != "" {
			e, err := command.ParseEmailAddress(v)
			if err != nil {
				return nil, invalidSlot(err)
			}
			cmd.Email = &e
		}
		if v := str(s.Phone); v != "" {
			p, err := command.ParsePhoneNumber(v)
			if err != nil {
				return nil, invalidSlot(err)
			}
			cmd.Phone = &p
		}
		return cmd, nil

	case string(command.KindSendMessage):
		num := first(s.To, s.Phone)
		if num == "" {
			return nil, missing(s.Intent, "to")
		}
		to, err := command.ParsePhoneNumber(num)
		if err != nil {
			return nil, invalidSlot(err)
		}
		text := first(s.Text, s.Message, s.Body)
		if text == "" {
			return nil, missing(s.Intent, "text")
		}
		return command.SendMessage{To: to, Text: text}, nil

	case string(command.KindSystemStatus):
		return command.SystemStatus{}, nil
	case string(command.KindVersion):
		return command.Version{}, nil
	case string(command.KindListModels):
		return command.ListModels{}, nil
	case string(command.KindReloadConfig):
		return command.ReloadConfig{}, nil

	case string(command.KindSwitchModel):
		v := first(s.Model, s.Name)
		if v == "" {
			return nil, missing(s.Intent, "model")
		}
		name, err := command.ParseModelName(v)
		if err != nil {
			return nil, invalidSlot(err)
		}
		return command.SwitchModel{Name: name}, nil

	case string(command.KindHelp):
		return command.Help{Topic: str(s.Topic)}, nil

	case string(command.KindEcho):
		msg := first(s.Message, s.Text)
		if msg == "" {
			return nil, missing(s.Intent, "message")
		}
		return command.Echo{Message: msg}, nil
	}
	return nil, fail(ReasonUnknownIntent, fmt.Errorf("intent %q", s.Intent))
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseClock accepts "14:30", "9", "9 uhr", "at 2pm".
func parseClock(s string) (command.TimeOfDay, bool) {
	if s == "" {
		return command.TimeOfDay{}, false
	}
	if tod, err := command.ParseTimeOfDay(s); err == nil {
		return tod, true
	}
	tod, rest, ok := extractClock(strings.ToLower(s))
	return tod, ok && rest == ""
}

func parseEmails(raw []string) ([]command.EmailAddress, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]command.EmailAddress, 0, len(raw))
	for _, r := range raw {
		e, err := command.ParseEmailAddress(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func optPriority(p *string) (*command.Priority, error) {
	v := str(p)
	if v == "" {
		return nil, nil
	}
	prio, err := command.ParsePriority(v)
	if err != nil {
		return nil, err
	}
	return &prio, nil
}

func optStatus(p *string) (*command.TaskStatus, error) {
	v := str(p)
	if v == "" {
		return nil, nil
	}
	st, err := command.ParseTaskStatus(v)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
