package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kotori/common/version"
	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
)

// ConverseFallback is the reply when no model is reachable for free text.
const ConverseFallback = "🤔 I can't answer that right now. Try again in a moment, or type 'help' to see what I can do."

var errUnhandled = errors.New("dispatch: unhandled command")

// execution is the per-call state execute needs besides the command.
type execution struct {
	userID  string
	loc     *time.Location
	history []inference.Message
	// modelDown is set when parsing already found the model unreachable.
	modelDown bool
}

// execute routes cmd to exactly one port call. Every variant has a case;
// the default branch is only reachable if a new variant is added without one.
func (d *Dispatcher) execute(ctx context.Context, x execution, cmd command.Command) (string, error) {
	ports := d.ports
	switch c := cmd.(type) {
	case command.MorningBriefing:
		day := d.today(x.loc)
		if c.Date != nil {
			day = *c.Date
		}
		b, err := ports.Briefing.Briefing(ctx, x.userID, day, x.loc)
		if err != nil {
			return "", err
		}
		return formatBriefing(b, x.loc), nil

	case command.CreateCalendarEvent:
		ev, err := ports.Calendar.CreateEvent(ctx, x.userID, c, x.loc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("📅 Created '%s' on %s.", ev.Title, formatWhen(ev.Start, x.loc)), nil

	case command.UpdateCalendarEvent:
		ev, err := ports.Calendar.UpdateEvent(ctx, x.userID, c, x.loc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("📅 Updated '%s', now %s.", ev.Title, formatWhen(ev.Start, x.loc)), nil

	case command.ListTasks:
		tasks, err := ports.Tasks.ListTasks(ctx, x.userID, c)
		if err != nil {
			return "", err
		}
		return formatTasks(tasks), nil

	case command.CreateTask:
		t, err := ports.Tasks.CreateTask(ctx, x.userID, c)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Task created: %s", formatTask(t)), nil

	case command.CompleteTask:
		if err := ports.Tasks.CompleteTask(ctx, x.userID, c.TaskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Task %s done.", c.TaskID), nil

	case command.UpdateTask:
		t, err := ports.Tasks.UpdateTask(ctx, x.userID, c)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✏️ Task updated: %s", formatTask(t)), nil

	case command.DeleteTask:
		if err := ports.Tasks.DeleteTask(ctx, x.userID, c.TaskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("🗑️ Task %s deleted.", c.TaskID), nil

	case command.ListTaskLists:
		lists, err := ports.Tasks.ListTaskLists(ctx, x.userID)
		if err != nil {
			return "", err
		}
		return formatTaskLists(lists), nil

	case command.CreateTaskList:
		l, err := ports.Tasks.CreateTaskList(ctx, x.userID, c.Name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("📋 List '%s' created.", l.Name), nil

	case command.SummarizeInbox:
		count := c.Count
		if count <= 0 {
			count = command.DefaultInboxCount
		}
		mails, err := ports.Email.Inbox(ctx, x.userID, count, c.OnlyImportant)
		if err != nil {
			return "", err
		}
		return formatInbox(mails, x.loc), nil

	case command.DraftEmail:
		err := ports.Email.Send(ctx, x.userID, OutgoingEmail{To: c.To, Cc: c.Cc, Subject: c.Subject, Body: c.Body})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✉️ Email '%s' sent to %s.", c.Subject, c.To), nil

	case command.SendEmail:
		if err := ports.Email.SendDraft(ctx, x.userID, c.DraftID); err != nil {
			return "", err
		}
		return fmt.Sprintf("✉️ Draft %s sent.", c.DraftID), nil

	case command.WebSearch:
		n := c.MaxResults
		if n <= 0 {
			n = command.DefaultSearchResults
		}
		hits, err := ports.Search.Search(ctx, c.Query, n)
		if err != nil {
			return "", err
		}
		return formatSearch(c.Query, hits), nil

	case command.GetWeather:
		where := c.Location
		if where == "" {
			where = d.cfg.HomeLocation
		}
		day := d.today(x.loc)
		if c.Date != nil {
			day = *c.Date
		}
		f, err := ports.Weather.Forecast(ctx, where, day)
		if err != nil {
			return "", err
		}
		return formatForecast(f), nil

	case command.CreateReminder:
		r, err := ports.Reminders.CreateReminder(ctx, x.userID, c.Title, c.Description, c.RemindAt)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("⏰ I'll remind you: %s (%s, id %s).", r.Title, formatWhen(r.RemindAt, x.loc), r.ID), nil

	case command.ListReminders:
		rs, err := ports.Reminders.ListReminders(ctx, x.userID, c.IncludeDone)
		if err != nil {
			return "", err
		}
		return formatReminders(rs, x.loc), nil

	case command.SnoozeReminder:
		minutes := c.Minutes
		if minutes <= 0 {
			minutes = command.DefaultSnoozeMinutes
		}
		r, err := ports.Reminders.SnoozeReminder(ctx, x.userID, c.ReminderID, time.Duration(minutes)*time.Minute)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("😴 Snoozed '%s' until %s.", r.Title, formatWhen(r.RemindAt, x.loc)), nil

	case command.AcknowledgeReminder:
		if err := ports.Reminders.AcknowledgeReminder(ctx, x.userID, c.ReminderID); err != nil {
			return "", err
		}
		return fmt.Sprintf("👍 Reminder %s done.", c.ReminderID), nil

	case command.DeleteReminder:
		if err := ports.Reminders.DeleteReminder(ctx, x.userID, c.ReminderID); err != nil {
			return "", err
		}
		return fmt.Sprintf("🗑️ Reminder %s deleted.", c.ReminderID), nil

	case command.SearchTransit:
		from := c.From
		if from == "" {
			from = d.cfg.HomeLocation
		}
		dep := d.now()
		if c.Departure != nil {
			dep = *c.Departure
		}
		conns, err := ports.Transit.Connections(ctx, from, c.To, dep)
		if err != nil {
			return "", err
		}
		return formatConnections(from, c.To, conns, x.loc), nil

	case command.SearchContacts:
		found, err := ports.Contacts.SearchContacts(ctx, x.userID, c.Query)
		if err != nil {
			return "", err
		}
		return formatContacts(c.Query, found), nil

	case command.CreateContact:
		ct, err := ports.Contacts.CreateContact(ctx, x.userID, c)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("👤 Contact '%s' saved.", ct.Name), nil

	case command.SendMessage:
		if err := ports.Messenger.SendMessage(ctx, c.To, c.Text); err != nil {
			return "", err
		}
		return fmt.Sprintf("💬 Message sent to %s.", c.To), nil

	case command.SystemStatus:
		rep, err := ports.System.Status(ctx)
		if err != nil {
			return "", err
		}
		return formatStatus(rep), nil

	case command.Version:
		return fmt.Sprintf("**Kotori** %s\nCommit: %s\nBuilt: %s\nRuntime: %s",
			version.Version, version.GitCommit, version.BuildTime, version.Runtime()), nil

	case command.ListModels:
		models, err := ports.Models.ListModels(ctx)
		if err != nil {
			return "", err
		}
		active, _ := ports.Models.ActiveModel(ctx)
		return formatModels(models, active), nil

	case command.SwitchModel:
		if err := ports.Models.SwitchModel(ctx, string(c.Name)); err != nil {
			return "", err
		}
		return fmt.Sprintf("🧠 Now using %s.", c.Name), nil

	case command.ReloadConfig:
		if err := ports.System.Reload(ctx); err != nil {
			return "", err
		}
		return "🔄 Configuration reloaded.", nil

	case command.Help:
		return helpText(c.Topic), nil

	case command.Echo:
		return c.Message, nil

	case command.Converse:
		return d.converse(ctx, x, c)
	}
	return "", fmt.Errorf("%w: %T", errUnhandled, cmd)
}

func (d *Dispatcher) converse(ctx context.Context, x execution, c command.Converse) (string, error) {
	if x.modelDown {
		return ConverseFallback, nil
	}
	out, err := d.llm.Generate(inference.WithUser(ctx, x.userID), inference.Prompt{
		System:    d.cfg.ConversePrompt,
		History:   x.history,
		User:      c.Text,
		MaxTokens: 512,
	}, d.cfg.ConverseTimeout)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty answer", inference.ErrBackend)
	}
	return text, nil
}

func (d *Dispatcher) today(loc *time.Location) command.Date {
	return command.DateOf(d.now().In(loc))
}
