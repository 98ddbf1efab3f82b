package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/command"
)

// DefaultReminderTime is used when a reminder phrase names a day but no
// time of day.
var DefaultReminderTime, _ = command.NewTimeOfDay(9, 0)

// DateResolver turns German and English date phrases into calendar dates
// anchored to Location. A zero DateResolver resolves against time.Now in
// UTC.
type DateResolver struct {
	Location *time.Location
	Now      func() time.Time
}

func (r DateResolver) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func (r DateResolver) now() time.Time {
	if r.Now == nil {
		return time.Now().In(r.loc())
	}
	return r.Now().In(r.loc())
}

// Today returns the current date in the resolver's location.
func (r DateResolver) Today() command.Date { return command.DateOf(r.now()) }

var (
	weekdays = map[string]time.Weekday{
		"montag": time.Monday, "dienstag": time.Tuesday, "mittwoch": time.Wednesday,
		"donnerstag": time.Thursday, "freitag": time.Friday, "samstag": time.Saturday,
		"sonnabend": time.Saturday, "sonntag": time.Sunday,
		"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
		"sunday": time.Sunday,
	}

	months = map[string]time.Month{
		"januar": time.January, "jänner": time.January, "februar": time.February,
		"märz": time.March, "maerz": time.March, "april": time.April, "mai": time.May,
		"juni": time.June, "juli": time.July, "august": time.August,
		"september": time.September, "oktober": time.October, "november": time.November,
		"dezember": time.December,
		"january": time.January, "february": time.February, "march": time.March,
		"may": time.May, "june": time.June, "july": time.July, "october": time.October,
		"december": time.December,
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
		"sept": time.September, "okt": time.October, "oct": time.October,
		"nov": time.November, "dez": time.December, "dec": time.December,
	}

	reInDays    = regexp.MustCompile(`^in (\d{1,3}|einem|einer|zwei|drei|a|one|two|three) (tag|tage|tagen|woche|wochen|day|days|week|weeks)$`)
	reInClock   = regexp.MustCompile(`^in (\d{1,4}|einer|einem|zwei|drei|an|a|one|two|three) (stunde|stunden|minute|minuten|hour|hours|minutes|min)$`)
	reGermanDMY = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4})$`)
	reGermanDM  = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.?$`)
	reUSDate    = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	reDayMonth  = regexp.MustCompile(`^(\d{1,2})\.?\s+([a-zäö]+)\.?(?:\s+(\d{4}))?$`)
	reMonthDay  = regexp.MustCompile(`^([a-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?$`)
	reISODate   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	reClock     = regexp.MustCompile(`(?:\b(?:um|at|gegen)\s+)?\b(\d{1,2})(?::(\d{2}))?\s*(uhr|am|pm|h)?\b`)
)

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "einem": 1, "einer": 1,
	"two": 2, "zwei": 2, "three": 3, "drei": 3,
}

func parseCount(s string) (int, bool) {
	if n, ok := numberWords[s]; ok {
		return n, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// ResolveDate resolves a date phrase. Relative phrases, weekday names and
// the ISO, German (15.01.2025, 15.01.) and US (01/15/2025) numeric forms
// are understood, as are month names in both languages. A date without a
// year that has already passed this year is taken to mean next year.
func (r DateResolver) ResolveDate(phrase string) (command.Date, bool) {
	s := strings.ToLower(strings.TrimSpace(phrase))
	s = strings.TrimRight(s, "?!, ")
	if s == "" {
		return command.Date{}, false
	}
	today := r.Today()

	switch s {
	case "heute", "today":
		return today, true
	case "morgen", "tomorrow":
		return today.AddDays(1), true
	case "übermorgen", "uebermorgen", "day after tomorrow", "the day after tomorrow":
		return today.AddDays(2), true
	case "gestern", "yesterday":
		return today.AddDays(-1), true
	case "vorgestern", "day before yesterday", "the day before yesterday":
		return today.AddDays(-2), true
	}
	if containsAny(s, "nächste woche", "naechste woche", "kommende woche", "next week") {
		return today.AddDays(7), true
	}
	if containsAny(s, "diese woche", "this week") {
		return today, true
	}

	if m := reInDays.FindStringSubmatch(s); m != nil {
		n, ok := parseCount(m[1])
		if !ok {
			return command.Date{}, false
		}
		if strings.HasPrefix(m[2], "woche") || strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		return today.AddDays(n), true
	}

	if d, ok := r.weekday(s, today); ok {
		return d, true
	}
	return r.absoluteDate(s, today)
}

func (r DateResolver) weekday(s string, today command.Date) (command.Date, bool) {
	for _, word := range strings.Fields(s) {
		target, ok := weekdays[strings.Trim(word, ".,")]
		if !ok {
			continue
		}
		diff := (int(target) - int(today.Weekday()) + 7) % 7
		forceNext := containsAny(s, "nächst", "naechst", "kommend", "next")
		if forceNext && diff == 0 {
			diff = 7
		}
		return today.AddDays(diff), true
	}
	return command.Date{}, false
}

func (r DateResolver) absoluteDate(s string, today command.Date) (command.Date, bool) {
	if d, err := command.ParseDate(s); err == nil {
		return d, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return command.DateOf(t.In(r.loc())), true
	}
	if m := reGermanDMY.FindStringSubmatch(s); m != nil {
		return makeDate(m[3], m[2], m[1])
	}
	if m := reUSDate.FindStringSubmatch(s); m != nil {
		return makeDate(m[3], m[1], m[2])
	}
	if m := reGermanDM.FindStringSubmatch(s); m != nil {
		return rollForward(today, atoi(m[2]), atoi(m[1]))
	}
	if m := reDayMonth.FindStringSubmatch(s); m != nil {
		if month, ok := months[m[2]]; ok {
			if m[3] != "" {
				return makeDate(m[3], strconv.Itoa(int(month)), m[1])
			}
			return rollForward(today, int(month), atoi(m[1]))
		}
	}
	if m := reMonthDay.FindStringSubmatch(s); m != nil {
		if month, ok := months[m[1]]; ok {
			if m[3] != "" {
				return makeDate(m[3], strconv.Itoa(int(month)), m[2])
			}
			return rollForward(today, int(month), atoi(m[2]))
		}
	}
	return command.Date{}, false
}

func makeDate(year, month, day string) (command.Date, bool) {
	d, err := command.NewDate(atoi(year), time.Month(atoi(month)), atoi(day))
	return d, err == nil
}

// rollForward builds month/day in the current year, or the next one when
// that date is already past.
func rollForward(today command.Date, month, day int) (command.Date, bool) {
	d, err := command.NewDate(today.Year(), time.Month(month), day)
	if err != nil {
		return command.Date{}, false
	}
	if d.Before(today) {
		if d, err = command.NewDate(today.Year()+1, time.Month(month), day); err != nil {
			return command.Date{}, false
		}
	}
	return d, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ResolveDateTime resolves a point in time such as "morgen um 9 uhr",
// "tomorrow at 14:00", "in 30 minuten" or "2025-01-15 08:30". RFC 3339
// timestamps pass through unchanged. A day without a time of day resolves
// to DefaultReminderTime; a time without a day resolves to its next
// occurrence.
func (r DateResolver) ResolveDateTime(phrase string) (time.Time, bool) {
	raw := strings.TrimSpace(phrase)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, r.loc()); err == nil {
			return t, true
		}
	}

	s := strings.TrimRight(strings.ToLower(raw), "?!., ")
	now := r.now()
	if m := reInClock.FindStringSubmatch(s); m != nil {
		n, ok := parseCount(m[1])
		if !ok {
			return time.Time{}, false
		}
		unit := time.Minute
		if strings.HasPrefix(m[2], "stunde") || strings.HasPrefix(m[2], "hour") {
			unit = time.Hour
		}
		return now.Add(time.Duration(n) * unit), true
	}

	tod, rest, hasTime := extractClock(s)
	rest = strings.TrimSpace(rest)
	if rest == "" {
		if !hasTime {
			return time.Time{}, false
		}
		t := r.Today().At(tod, r.loc())
		if !t.After(now) {
			t = r.Today().AddDays(1).At(tod, r.loc())
		}
		return t, true
	}
	d, ok := r.ResolveDate(rest)
	if !ok {
		return time.Time{}, false
	}
	if !hasTime {
		tod = DefaultReminderTime
	}
	return d.At(tod, r.loc()), true
}

// extractClock finds the first time-of-day expression in s and returns it
// with the remainder of s. A bare number counts only with a marker (um, at,
// uhr, am, pm) or a minutes part.
func extractClock(s string) (command.TimeOfDay, string, bool) {
	for _, loc := range reClock.FindAllStringSubmatchIndex(s, -1) {
		m := func(i int) string {
			if loc[2*i] < 0 {
				return ""
			}
			return s[loc[2*i]:loc[2*i+1]]
		}
		whole := s[loc[0]:loc[1]]
		marked := strings.HasPrefix(whole, "um") || strings.HasPrefix(whole, "at") || strings.HasPrefix(whole, "gegen")
		if !marked && m(2) == "" && m(3) == "" {
			continue
		}
		hour, minute := atoi(m(1)), atoi(m(2))
		switch m(3) {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		tod, err := command.NewTimeOfDay(hour, minute)
		if err != nil {
			continue
		}
		rest := s[:loc[0]] + " " + s[loc[1]:]
		return tod, strings.Join(strings.Fields(rest), " "), true
	}
	return command.TimeOfDay{}, s, false
}

// ExtractDate finds a date inside a longer sentence, e.g. "briefing für
// morgen" or "what's on next friday". Only phrases introduced by a
// preposition or written as an ISO date are considered, so a greeting like
// "guten morgen" never reads as tomorrow.
func (r DateResolver) ExtractDate(text string) (command.Date, bool) {
	s := strings.ToLower(text)
	if m := reISODate.FindStringSubmatch(s); m != nil {
		if d, err := command.ParseDate(m[1]); err == nil {
			return d, true
		}
	}
	for _, ind := range []string{"für ", "fuer ", "am ", "on ", "for ", "ab ", "vom ", "bis ", "until ", "what's on ", "was steht "} {
		for off := 0; ; {
			i := strings.Index(s[off:], ind)
			if i < 0 {
				break
			}
			i += off
			off = i + len(ind)
			if i > 0 && s[i-1] != ' ' {
				continue
			}
			words := strings.Fields(s[off:])
			if len(words) > 3 {
				words = words[:3]
			}
			for n := len(words); n > 0; n-- {
				if d, ok := r.ResolveDate(strings.Join(words[:n], " ")); ok {
					return d, true
				}
			}
		}
	}
	return command.Date{}, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
