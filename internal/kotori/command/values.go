package command

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// EmailAddress is a normalised bare mailbox address ("max@example.com").
// The zero value is not a valid address.
type EmailAddress struct {
	addr string
}

// ParseEmailAddress trims and lower-cases s and checks that it is a bare
// RFC 5322 address with a dotted domain. Display-name forms such as
// "Max <max@example.com>" are rejected.
func ParseEmailAddress(s string) (EmailAddress, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return EmailAddress{}, invalid("email", "empty address")
	}
	if len(s) > 254 {
		return EmailAddress{}, invalid("email", "address longer than 254 characters")
	}
	parsed, err := mail.ParseAddress(s)
	if err != nil || parsed.Address != s || parsed.Name != "" {
		return EmailAddress{}, invalid("email", "%q is not a valid address", s)
	}
	at := strings.LastIndexByte(s, '@')
	local, domain := s[:at], s[at+1:]
	if local == "" || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return EmailAddress{}, invalid("email", "%q is not a valid address", s)
	}
	return EmailAddress{addr: s}, nil
}

// MustEmail is ParseEmailAddress for literals in tests and defaults.
func MustEmail(s string) EmailAddress {
	e, err := ParseEmailAddress(s)
	if err != nil {
		panic(err)
	}
	return e
}

func (e EmailAddress) String() string { return e.addr }

// IsZero reports whether e is unset.
func (e EmailAddress) IsZero() bool { return e.addr == "" }

// Domain returns the part after '@'.
func (e EmailAddress) Domain() string {
	return e.addr[strings.LastIndexByte(e.addr, '@')+1:]
}

func (e EmailAddress) MarshalText() ([]byte, error) { return []byte(e.addr), nil }

func (e *EmailAddress) UnmarshalText(b []byte) error {
	v, err := ParseEmailAddress(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// PhoneNumber is an E.164 number ("+491701234567").
type PhoneNumber struct {
	e164 string
}

// ParsePhoneNumber strips spaces, dashes, dots and parentheses and requires
// a leading '+' followed by 7 to 15 digits.
func ParsePhoneNumber(s string) (PhoneNumber, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '/':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if !strings.HasPrefix(cleaned, "+") {
		return PhoneNumber{}, invalid("phone", "number must start with + and a country code")
	}
	digits := cleaned[1:]
	if len(digits) < 7 || len(digits) > 15 {
		return PhoneNumber{}, invalid("phone", "expected 7 to 15 digits, got %d", len(digits))
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return PhoneNumber{}, invalid("phone", "unexpected character %q", r)
		}
	}
	return PhoneNumber{e164: cleaned}, nil
}

func (p PhoneNumber) String() string { return p.e164 }

// IsZero reports whether p is unset.
func (p PhoneNumber) IsZero() bool { return p.e164 == "" }

func (p PhoneNumber) MarshalText() ([]byte, error) { return []byte(p.e164), nil }

func (p *PhoneNumber) UnmarshalText(b []byte) error {
	v, err := ParsePhoneNumber(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Date is a calendar date without time or zone.
type Date struct {
	year  int
	month time.Month
	day   int
}

// NewDate validates the components (no 31 February).
func NewDate(year int, month time.Month, day int) (Date, error) {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != month || t.Day() != day {
		return Date{}, invalid("date", "%04d-%02d-%02d does not exist", year, month, day)
	}
	if year < 1900 || year > 2999 {
		return Date{}, invalid("date", "year %d out of range", year)
	}
	return Date{year: year, month: month, day: day}, nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{year: y, month: m, day: d}
}

// ParseDate parses an ISO "2006-01-02" date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, invalid("date", "%q is not YYYY-MM-DD", s)
	}
	return NewDate(t.Year(), t.Month(), t.Day())
}

func (d Date) Year() int         { return d.year }
func (d Date) Month() time.Month { return d.month }
func (d Date) Day() int          { return d.day }

// IsZero reports whether d is unset.
func (d Date) IsZero() bool { return d.year == 0 }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.day)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, loc)
}

// At combines d with a time of day in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, tod.hour, tod.minute, 0, 0, loc)
}

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday { return d.In(time.UTC).Weekday() }

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d.In(time.UTC).Before(o.In(time.UTC)) }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	hour   int
	minute int
}

// NewTimeOfDay validates hour (0-23) and minute (0-59).
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, invalid("time", "%02d:%02d is not a valid time", hour, minute)
	}
	return TimeOfDay{hour: hour, minute: minute}, nil
}

// ParseTimeOfDay accepts "14:00", "14.30", "9", "09:05" and "14:00:00".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ".", ":"))
	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return TimeOfDay{}, invalid("time", "%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, invalid("time", "%q is not HH:MM", s)
	}
	m := 0
	if len(parts) >= 2 {
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return TimeOfDay{}, invalid("time", "%q is not HH:MM", s)
		}
	}
	return NewTimeOfDay(h, m)
}

func (t TimeOfDay) Hour() int   { return t.hour }
func (t TimeOfDay) Minute() int { return t.minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.hour, t.minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Priority of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority accepts English and German spellings.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "hoch", "urgent", "dringend", "wichtig":
		return PriorityHigh, nil
	case "medium", "mittel", "normal":
		return PriorityMedium, nil
	case "low", "niedrig", "gering":
		return PriorityLow, nil
	}
	return "", invalid("priority", "%q is not high, medium or low", s)
}

// TaskStatus of a task.
type TaskStatus string

const (
	TaskNeedsAction TaskStatus = "needs_action"
	TaskInProgress  TaskStatus = "in_progress"
	TaskCompleted   TaskStatus = "completed"
	TaskCancelled   TaskStatus = "cancelled"
)

// ParseTaskStatus accepts English and German spellings.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "needs_action", "open", "offen", "todo", "pending":
		return TaskNeedsAction, nil
	case "in_progress", "in progress", "in arbeit", "started":
		return TaskInProgress, nil
	case "completed", "done", "erledigt", "fertig":
		return TaskCompleted, nil
	case "cancelled", "canceled", "abgebrochen":
		return TaskCancelled, nil
	}
	return "", invalid("status", "%q is not a task status", s)
}

// Identifiers handed out by the external services. Distinct types keep an
// event id from being passed where a task id is expected.
type (
	EventID    string
	TaskID     string
	ReminderID string
	DraftID    string
)

// ModelName names an inference model ("llama3.2:3b", "gpt-4o-mini").
type ModelName string

// ParseEventID validates an event identifier.
func ParseEventID(s string) (EventID, error) { return parseID[EventID]("event_id", s) }

// ParseTaskID validates a task identifier.
func ParseTaskID(s string) (TaskID, error) { return parseID[TaskID]("task_id", s) }

// ParseReminderID validates a reminder identifier.
func ParseReminderID(s string) (ReminderID, error) { return parseID[ReminderID]("reminder_id", s) }

// ParseDraftID validates a draft identifier.
func ParseDraftID(s string) (DraftID, error) { return parseID[DraftID]("draft_id", s) }

// ParseModelName validates a model name.
func ParseModelName(s string) (ModelName, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return "", invalid("model", "name must be 1 to 128 characters")
	}
	for _, r := range s {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._:/-", r)) {
			return "", invalid("model", "unexpected character %q", r)
		}
	}
	return ModelName(s), nil
}

func parseID[T ~string](field, s string) (T, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(field, "empty identifier")
	}
	if len(s) > 256 {
		return "", invalid(field, "identifier longer than 256 characters")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", invalid(field, "identifier contains whitespace")
		}
	}
	return T(s), nil
}
