// Package command defines the closed set of actions Kotori can perform.
//
// Every action is a variant of the Command sum type. The interface is sealed
// by the unexported validate method, so only this package can add variants,
// and the dispatcher's type switch over them is the single place where an
// action meets the outside world. Adding a variant means adding a case there
// and in the codec; the exhaustiveness tests in both packages fail until
// that is done.
//
// Commands are plain immutable values. Fields hold validated value objects
// (EmailAddress, PhoneNumber, Date, ...) rather than raw strings wherever a
// semantic type exists, and nothing in this package performs I/O.
package command

// Kind is the stable wire name of a command variant. It is what the intent
// model emits, what the codec writes as the type tag, and what audit entries
// carry as their action.
type Kind string

const (
	KindMorningBriefing     Kind = "morning_briefing"
	KindCreateCalendarEvent Kind = "create_calendar_event"
	KindUpdateCalendarEvent Kind = "update_calendar_event"
	KindListTasks           Kind = "list_tasks"
	KindCreateTask          Kind = "create_task"
	KindCompleteTask        Kind = "complete_task"
	KindUpdateTask          Kind = "update_task"
	KindDeleteTask          Kind = "delete_task"
	KindListTaskLists       Kind = "list_task_lists"
	KindCreateTaskList      Kind = "create_task_list"
	KindSummarizeInbox      Kind = "summarize_inbox"
	KindDraftEmail          Kind = "draft_email"
	KindSendEmail           Kind = "send_email"
	KindWebSearch           Kind = "web_search"
	KindGetWeather          Kind = "get_weather"
	KindCreateReminder      Kind = "create_reminder"
	KindListReminders       Kind = "list_reminders"
	KindSnoozeReminder      Kind = "snooze_reminder"
	KindAcknowledgeReminder Kind = "acknowledge_reminder"
	KindDeleteReminder      Kind = "delete_reminder"
	KindSearchTransit       Kind = "search_transit"
	KindSearchContacts      Kind = "search_contacts"
	KindCreateContact       Kind = "create_contact"
	KindSendMessage         Kind = "send_message"
	KindSystemStatus        Kind = "system_status"
	KindVersion             Kind = "version"
	KindListModels          Kind = "list_models"
	KindSwitchModel         Kind = "switch_model"
	KindReloadConfig        Kind = "reload_config"
	KindHelp                Kind = "help"
	KindEcho                Kind = "echo"
	KindConverse            Kind = "converse"
)

// Kinds lists every variant in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindMorningBriefing, KindCreateCalendarEvent, KindUpdateCalendarEvent,
		KindListTasks, KindCreateTask, KindCompleteTask, KindUpdateTask, KindDeleteTask,
		KindListTaskLists, KindCreateTaskList,
		KindSummarizeInbox, KindDraftEmail, KindSendEmail,
		KindWebSearch, KindGetWeather,
		KindCreateReminder, KindListReminders, KindSnoozeReminder, KindAcknowledgeReminder, KindDeleteReminder,
		KindSearchTransit, KindSearchContacts, KindCreateContact, KindSendMessage,
		KindSystemStatus, KindVersion, KindListModels, KindSwitchModel, KindReloadConfig,
		KindHelp, KindEcho, KindConverse,
	}
}

// Command is one parsed, validated action.
type Command interface {
	// Kind returns the variant's wire name.
	Kind() Kind
	// RequiresApproval reports whether the action has an external or
	// irreversible effect and must be confirmed by a human first. It depends
	// only on the variant, never on runtime state.
	RequiresApproval() bool
	// Describe returns a one-line human summary for approval prompts and
	// audit entries.
	Describe() string

	validate() error
}

// Validate checks the invariants of cmd that its value objects do not
// already guarantee (non-empty titles, sane ranges). It returns a
// *ValidationError wrapping ErrValidation.
func Validate(cmd Command) error {
	if cmd == nil {
		return invalid("command", "nil command")
	}
	return cmd.validate()
}

// RequiresApproval reports whether commands of kind k need confirmation.
func RequiresApproval(k Kind) bool {
	switch k {
	case KindCreateCalendarEvent, KindUpdateCalendarEvent, KindDeleteTask,
		KindDraftEmail, KindSendEmail, KindSendMessage,
		KindSwitchModel, KindReloadConfig:
		return true
	}
	return false
}

// Defaults applied when the user or the model leaves a field unspecified.
const (
	DefaultEventDurationMinutes = 60
	DefaultInboxCount           = 10
	DefaultSearchResults        = 5
	DefaultSnoozeMinutes        = 15
)
