package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/command"
)

const whenLayout = "Mon 02 Jan 15:04"

func formatWhen(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(whenLayout)
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}

// formatFailure is the user-facing text for a failed port call. Internal
// error detail stays in the log.
func formatFailure(cmd command.Command, err error) string {
	if cmd.Kind() == command.KindConverse {
		return ConverseFallback
	}
	reason := "service unavailable"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not found"
	case errors.Is(err, command.ErrValidation):
		reason = "invalid input"
	case errors.Is(err, errUnhandled):
		reason = "internal error"
	}
	return fmt.Sprintf("⚠️ Could not %s: %s", lowerFirst(cmd.Describe()), reason)
}

func formatApprovalRequired(a *approvals.Approval, ttl time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔐 Confirmation required: %s\n", a.Description)
	fmt.Fprintf(&sb, "Approval ID: %s (expires in %s)\n", a.ID, humanDuration(ttl))
	fmt.Fprintf(&sb, "Reply `approve %s` to go ahead or `deny %s` to drop it.", a.ID, a.ID)
	return sb.String()
}

func formatResolved(a *approvals.Approval) string {
	switch a.Status {
	case approvals.StatusDenied:
		return fmt.Sprintf("❌ Denied: %s", a.Description)
	case approvals.StatusCancelled:
		return fmt.Sprintf("🚫 Cancelled: %s", a.Description)
	}
	return fmt.Sprintf("%s: %s", a.Status, a.Description)
}

func formatPending(list []*approvals.Approval, loc *time.Location) string {
	if len(list) == 0 {
		return "No pending approvals."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Pending approvals** (%d)\n", len(list))
	for _, a := range list {
		fmt.Fprintf(&sb, "• %s  %s (expires %s)\n", a.ID, a.Description, formatWhen(a.ExpiresAt, loc))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d h", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%d min", int(d/time.Minute))
	}
	return d.String()
}

func formatBriefing(b Briefing, loc *time.Location) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "☀️ **Briefing for %s**\n", b.Date.In(loc).Format("Monday, 02 Jan"))

	if b.Weather != nil {
		fmt.Fprintf(&sb, "\n%s\n", formatForecast(*b.Weather))
	}

	sb.WriteString("\n**Calendar**\n")
	if len(b.Events) == 0 {
		sb.WriteString("Nothing scheduled.\n")
	}
	for _, ev := range b.Events {
		fmt.Fprintf(&sb, "• %s %s", ev.Start.In(loc).Format("15:04"), ev.Title)
		if ev.Location != "" {
			fmt.Fprintf(&sb, " (%s)", ev.Location)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n**Tasks**\n")
	if len(b.Tasks) == 0 {
		sb.WriteString("No open tasks due.\n")
	}
	for _, t := range b.Tasks {
		fmt.Fprintf(&sb, "• %s\n", formatTask(t))
	}

	if len(b.Reminders) > 0 {
		sb.WriteString("\n**Reminders**\n")
		for _, r := range b.Reminders {
			fmt.Fprintf(&sb, "• %s %s\n", r.RemindAt.In(loc).Format("15:04"), r.Title)
		}
	}

	if len(b.Missing) > 0 {
		fmt.Fprintf(&sb, "\n⚠️ Unavailable: %s", strings.Join(b.Missing, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTask(t Task) string {
	s := t.Title
	if t.Due != nil {
		s += " (due " + t.Due.String() + ")"
	}
	if t.Priority == command.PriorityHigh {
		s = "❗ " + s
	}
	if t.ID != "" {
		s += " [" + string(t.ID) + "]"
	}
	return s
}

func formatTasks(tasks []Task) string {
	if len(tasks) == 0 {
		return "No tasks found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Tasks** (%d)\n", len(tasks))
	for _, t := range tasks {
		mark := "☐"
		if t.Status == command.TaskCompleted {
			mark = "☑"
		}
		fmt.Fprintf(&sb, "%s %s\n", mark, formatTask(t))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTaskLists(lists []TaskList) string {
	if len(lists) == 0 {
		return "No task lists yet."
	}
	names := make([]string, len(lists))
	for i, l := range lists {
		names[i] = "• " + l.Name
	}
	return "**Task lists**\n" + strings.Join(names, "\n")
}

func formatInbox(mails []EmailSummary, loc *time.Location) string {
	if len(mails) == 0 {
		return "📭 Inbox is empty."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📬 **Inbox** (%d)\n", len(mails))
	for _, m := range mails {
		flag := ""
		if m.Important {
			flag = "⭐ "
		}
		fmt.Fprintf(&sb, "• %s%s: %s (%s)\n", flag, m.From, m.Subject, formatWhen(m.Received, loc))
		if m.Snippet != "" {
			fmt.Fprintf(&sb, "  %s\n", truncate(m.Snippet, 120))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatSearch(query string, hits []SearchResult) string {
	if len(hits) == 0 {
		return fmt.Sprintf("🔎 Nothing found for '%s'.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔎 **Results for '%s'**\n", query)
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", truncate(h.Snippet, 160))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatForecast(f Forecast) string {
	s := fmt.Sprintf("🌤️ %s, %s: %s, %.0f to %.0f °C", f.Location, f.Date, f.Summary, f.TempMinC, f.TempMaxC)
	if f.RainChance > 0 {
		s += fmt.Sprintf(", rain %.0f%%", f.RainChance*100)
	}
	if f.Description != "" {
		s += "\n" + f.Description
	}
	return s
}

func formatReminders(rs []Reminder, loc *time.Location) string {
	if len(rs) == 0 {
		return "No reminders."
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].RemindAt.Before(rs[j].RemindAt) })
	var sb strings.Builder
	fmt.Fprintf(&sb, "⏰ **Reminders** (%d)\n", len(rs))
	for _, r := range rs {
		mark := "•"
		if r.Done {
			mark = "✓"
		}
		fmt.Fprintf(&sb, "%s %s %s [%s]\n", mark, formatWhen(r.RemindAt, loc), r.Title, r.ID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatConnections(from, to string, conns []Connection, loc *time.Location) string {
	if len(conns) == 0 {
		return fmt.Sprintf("🚆 No connections from %s to %s.", from, to)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚆 **%s → %s**\n", from, to)
	for _, c := range conns {
		fmt.Fprintf(&sb, "• %s → %s (%s", c.Departure.In(loc).Format("15:04"), c.Arrival.In(loc).Format("15:04"),
			humanDuration(c.Arrival.Sub(c.Departure)))
		if c.Changes > 0 {
			fmt.Fprintf(&sb, ", %d changes", c.Changes)
		}
		sb.WriteString(")")
		if len(c.Lines) > 0 {
			sb.WriteString(" " + strings.Join(c.Lines, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatContacts(query string, cs []Contact) string {
	if len(cs) == 0 {
		return fmt.Sprintf("👤 No contacts match '%s'.", query)
	}
	var sb strings.Builder
	for _, c := range cs {
		fields := []string{c.Name}
		if c.Email != "" {
			fields = append(fields, c.Email)
		}
		if c.Phone != "" {
			fields = append(fields, c.Phone)
		}
		fmt.Fprintf(&sb, "👤 %s\n", strings.Join(fields, " · "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatStatus(r SystemReport) string {
	var sb strings.Builder
	sb.WriteString("**Kotori status**\n")
	fmt.Fprintf(&sb, "Version: %s\n", r.Version)
	fmt.Fprintf(&sb, "Uptime: %s\n", r.Uptime.Truncate(time.Second))
	if r.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", r.Model)
	}
	fmt.Fprintf(&sb, "Pending approvals: %d\n", r.Pending)
	for _, c := range r.Components {
		icon := "✅"
		if !c.Healthy {
			icon = "❌"
		}
		fmt.Fprintf(&sb, "%s %s", icon, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", c.Detail)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatModels(models []string, active string) string {
	if len(models) == 0 {
		return "No models available."
	}
	var sb strings.Builder
	sb.WriteString("🧠 **Models**\n")
	for _, m := range models {
		if m == active {
			fmt.Fprintf(&sb, "• %s (active)\n", m)
			continue
		}
		fmt.Fprintf(&sb, "• %s\n", m)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

var helpTopics = map[string]string{
	"calendar": "**Calendar**\n" +
		"• briefing / was steht heute an\n" +
		"• create an event: \"Termin morgen um 10 Zahnarzt\"\n" +
		"Creating or changing events needs your approval.",
	"tasks": "**Tasks**\n" +
		"• list tasks / zeige meine Aufgaben\n" +
		"• \"add task buy milk by friday\"\n" +
		"• complete, update or delete a task by its id (delete needs approval)",
	"email": "**Email**\n" +
		"• inbox / posteingang\n" +
		"• \"Schick eine E-Mail an max@example.com mit dem Betreff Hallo\"\n" +
		"Sending always needs your approval.",
	"reminders": "**Reminders**\n" +
		"• \"erinnere mich morgen um 9 an den Müll\"\n" +
		"• list, snooze, acknowledge or delete reminders by id",
	"approvals": "**Approvals**\n" +
		"• approvals: list pending requests\n" +
		"• approve <id> / deny <id> [reason] / cancel <id>\n" +
		"Requests expire after a while if nobody decides.",
	"system": "**System**\n" +
		"• status, version, models\n" +
		"• switch model <name> and reload config need approval",
}

func helpText(topic string) string {
	if body, ok := helpTopics[strings.ToLower(strings.TrimSpace(topic))]; ok {
		return body
	}
	topics := make([]string, 0, len(helpTopics))
	for t := range helpTopics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return "**Kotori** understands plain German and English.\n\n" +
		"• briefing, calendar, tasks, inbox, weather, search\n" +
		"• reminders, contacts, transit, messages\n" +
		"• ping, status, version\n\n" +
		"Anything that sends, deletes or changes settings waits for your approval.\n" +
		"More: help " + strings.Join(topics, " | ")
}
