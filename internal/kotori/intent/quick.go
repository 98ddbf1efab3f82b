package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bdobrica/Kotori/internal/kotori/command"
)

// quickRule matches one family of high-frequency commands. lower is the
// trimmed, lower-cased input; text is the trimmed original. A rule that
// recognises the input but cannot build a valid command returns ok=false
// so the input falls through to the model.
type quickRule struct {
	name  string
	match func(lower, text string, r DateResolver) (cmd command.Command, ok bool)
}

var quickRules = []quickRule{
	{"ping", matchPing},
	{"echo", matchEcho},
	{"help", matchHelp},
	{"status", matchExact(command.SystemStatus{}, "status", "system status", "systemstatus")},
	{"version", matchExact(command.Version{}, "version", "/version")},
	{"models", matchExact(command.ListModels{}, "models", "modelle", "list models", "zeige modelle", "welche modelle")},
	{"reload", matchExact(command.ReloadConfig{}, "reload", "reload config", "konfiguration neu laden", "config neu laden")},
	{"switch_model", matchSwitchModel},
	{"draft_email", matchDraftEmail},
	{"briefing", matchBriefing},
	{"inbox", matchInbox},
	{"web_search", matchWebSearch},
	{"reminders", matchReminders},
	{"reminder_action", matchReminderAction},
	{"transit", matchTransit},
}

// quick runs the rules in order and returns the first valid command.
func quick(text string, r DateResolver) (command.Command, string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", false
	}
	lower := strings.ToLower(text)
	for _, rule := range quickRules {
		cmd, ok := rule.match(lower, text, r)
		if !ok {
			continue
		}
		if command.Validate(cmd) != nil {
			continue
		}
		return cmd, rule.name, true
	}
	return nil, "", false
}

func matchExact(cmd command.Command, words ...string) func(string, string, DateResolver) (command.Command, bool) {
	return func(lower, _ string, _ DateResolver) (command.Command, bool) {
		lower = strings.TrimRight(lower, "?!. ")
		for _, w := range words {
			if lower == w {
				return cmd, true
			}
		}
		return nil, false
	}
}

func matchPing(lower, _ string, _ DateResolver) (command.Command, bool) {
	if strings.TrimRight(lower, "?!. ") == "ping" {
		return command.Echo{Message: "pong"}, true
	}
	return nil, false
}

// matchEcho keeps the original casing of the message.
func matchEcho(_, text string, _ DateResolver) (command.Command, bool) {
	for _, p := range []string{"echo ", "sag ", "sage "} {
		if hasPrefixFold(text, p) {
			msg := strings.TrimSpace(text[len(p):])
			if msg == "" {
				return nil, false
			}
			return command.Echo{Message: msg}, true
		}
	}
	return nil, false
}

func matchHelp(lower, text string, _ DateResolver) (command.Command, bool) {
	switch strings.TrimRight(lower, "!. ") {
	case "help", "hilfe", "?", "/help", "was kannst du", "what can you do", "what can you do?", "was kannst du?":
		return command.Help{}, true
	}
	for _, p := range []string{"hilfe zu ", "help with ", "help ", "hilfe "} {
		if hasPrefixFold(text, p) {
			topic := strings.ToLower(strings.TrimRight(strings.TrimSpace(text[len(p):]), "?!. "))
			if topic == "" {
				return command.Help{}, true
			}
			// "help me write a mail" is a request, not a help topic.
			if strings.ContainsAny(topic, " \t") {
				return nil, false
			}
			return command.Help{Topic: topic}, true
		}
	}
	return nil, false
}

func matchSwitchModel(_, text string, _ DateResolver) (command.Command, bool) {
	for _, p := range []string{
		"switch model to ", "switch to model ", "use model ",
		"wechsle modell zu ", "wechsle zu modell ", "wechsle das modell zu ", "nutze modell ", "verwende modell ",
	} {
		if !hasPrefixFold(text, p) {
			continue
		}
		name, err := command.ParseModelName(strings.TrimRight(strings.TrimSpace(text[len(p):]), "!. "))
		if err != nil {
			return nil, false
		}
		return command.SwitchModel{Name: name}, true
	}
	return nil, false
}

var (
	reDraftDE = regexp.MustCompile(`(?is)^(?:bitte\s+)?(?:schick|schicke|sende)\s+(?:eine\s+)?(?:e-?mail|mail)\s+an\s+(\S+)\s+mit\s+(?:dem\s+)?betreff\s+(.+?)(?:\s+und\s+(?:dem\s+)?(?:text|inhalt)\s+(.+))?$`)
	reDraftEN = regexp.MustCompile(`(?is)^(?:please\s+)?(?:send|write)\s+(?:an\s+)?(?:e-?mail|mail)\s+to\s+(\S+)\s+with\s+(?:the\s+)?subject\s+(.+?)(?:\s+and\s+(?:the\s+)?(?:body|text)\s+(.+))?$`)
)

// matchDraftEmail builds a DraftEmail from the fixed German and English
// phrasings. An invalid address makes the rule miss.
func matchDraftEmail(_, text string, _ DateResolver) (command.Command, bool) {
	m := reDraftDE.FindStringSubmatch(text)
	if m == nil {
		m = reDraftEN.FindStringSubmatch(text)
	}
	if m == nil {
		return nil, false
	}
	to, err := command.ParseEmailAddress(strings.Trim(m[1], "<>,;"))
	if err != nil {
		return nil, false
	}
	return command.DraftEmail{
		To:      to,
		Subject: unquote(m[2]),
		Body:    unquote(m[3]),
	}, true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		for _, q := range [][2]string{{`"`, `"`}, {`'`, `'`}, {"„", "“"}, {"“", "”"}, {"«", "»"}} {
			if strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) && len(s) >= len(q[0])+len(q[1]) {
				return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
			}
		}
	}
	return s
}

func matchBriefing(lower, text string, r DateResolver) (command.Command, bool) {
	trimmed := strings.TrimRight(lower, "?!. ")
	hit := strings.Contains(lower, "briefing") ||
		trimmed == "good morning" || trimmed == "guten morgen" || trimmed == "morgen briefing" ||
		strings.HasPrefix(lower, "what's on") || strings.HasPrefix(lower, "whats on") ||
		strings.HasPrefix(lower, "was steht heute an") || strings.HasPrefix(lower, "tagesübersicht")
	if !hit {
		return nil, false
	}
	var cmd command.MorningBriefing
	if d, ok := r.ExtractDate(text); ok {
		cmd.Date = &d
	}
	return cmd, true
}

func matchInbox(lower, _ string, _ DateResolver) (command.Command, bool) {
	hit := containsAny(lower, "inbox", "posteingang") ||
		containsAny(lower, "summarize mails", "summarize emails", "summarize my mails", "summarize my emails",
			"fasse mails zusammen", "fasse meine mails zusammen", "fasse e-mails zusammen", "neue mails", "new mails", "new emails")
	if !hit {
		return nil, false
	}
	return command.SummarizeInbox{
		Count:         command.DefaultInboxCount,
		OnlyImportant: containsAny(lower, "important", "wichtig"),
	}, true
}

var webSearchPrefixes = []string{
	"suche im internet nach ", "suche im internet ", "suche im web nach ", "suche im web ",
	"such im internet nach ", "websuche nach ", "websuche ", "recherchiere ", "google nach ", "google ",
	"search the web for ", "search the internet for ", "search the web ", "web search ", "websearch ",
	"look up ", "lookup ",
}

func matchWebSearch(_, text string, _ DateResolver) (command.Command, bool) {
	for _, p := range webSearchPrefixes {
		if hasPrefixFold(text, p) {
			q := strings.TrimRight(strings.TrimSpace(text[len(p):]), "?!. ")
			if q == "" {
				return nil, false
			}
			return command.WebSearch{Query: q, MaxResults: command.DefaultSearchResults}, true
		}
	}
	return nil, false
}

func matchReminders(lower, _ string, _ DateResolver) (command.Command, bool) {
	trimmed := strings.TrimRight(lower, "?!. ")
	switch trimmed {
	case "erinnerungen", "meine erinnerungen", "zeige erinnerungen", "zeig erinnerungen",
		"reminders", "my reminders", "list reminders", "show reminders", "was steht an":
		return command.ListReminders{}, true
	case "alle erinnerungen", "erledigte erinnerungen", "zeige alle erinnerungen",
		"all reminders", "completed reminders", "show all reminders", "list all reminders":
		return command.ListReminders{IncludeDone: true}, true
	}
	return nil, false
}

// matchReminderAction handles the replies offered with a delivered
// reminder: "snooze reminder <id> [minutes]" and "done reminder <id>".
func matchReminderAction(lower, _ string, _ DateResolver) (command.Command, bool) {
	f := strings.Fields(strings.TrimRight(lower, "!. "))
	if len(f) < 3 || (f[1] != "reminder" && f[1] != "erinnerung") {
		return nil, false
	}
	id, err := command.ParseReminderID(f[2])
	if err != nil {
		return nil, false
	}
	switch f[0] {
	case "snooze", "später":
		minutes := command.DefaultSnoozeMinutes
		if len(f) == 4 {
			n, err := strconv.Atoi(f[3])
			if err != nil {
				return nil, false
			}
			minutes = n
		} else if len(f) > 4 {
			return nil, false
		}
		return command.SnoozeReminder{ReminderID: id, Minutes: minutes}, true
	case "done", "erledigt":
		if len(f) != 3 {
			return nil, false
		}
		return command.AcknowledgeReminder{ReminderID: id}, true
	}
	return nil, false
}

var transitPrefixes = []string{
	"wie komme ich nach ", "wie komme ich zum ", "wie komme ich zur ", "wie komme ich zu ",
	"verbindung nach ", "verbindung zum ", "verbindung zur ", "öpnv nach ", "oepnv nach ",
	"bahn nach ", "zug nach ", "fahrplan nach ",
	"how do i get to ", "how to get to ", "route to ", "directions to ", "transit to ", "train to ",
}

func matchTransit(_, text string, _ DateResolver) (command.Command, bool) {
	for _, p := range transitPrefixes {
		if hasPrefixFold(text, p) {
			to := strings.TrimRight(strings.TrimSpace(text[len(p):]), "?!. ")
			if to == "" {
				return nil, false
			}
			return command.SearchTransit{To: to}, true
		}
	}
	return nil, false
}

// hasPrefixFold reports whether s starts with prefix under Unicode case
// folding. prefix must already be lower case.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
