package command

import (
	"encoding/json"
	"fmt"
)

// envelope is the persisted form of a command:
//
//	{"type":"draft_email","params":{"to":"max@example.com","subject":"Hallo"}}
type envelope struct {
	Type   Kind            `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Marshal validates cmd and encodes it with its type tag. The approval
// workflow stores this form and ExecuteApproved decodes it again.
func Marshal(cmd Command) ([]byte, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	params, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("command: encode %s: %w", cmd.Kind(), err)
	}
	return json.Marshal(envelope{Type: cmd.Kind(), Params: params})
}

// Unmarshal decodes a tagged command and re-runs validation. Unknown tags
// yield ErrUnknownKind; bad parameters yield a *ValidationError.
func Unmarshal(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("command: decode envelope: %w", err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case KindMorningBriefing:
		cmd, err = decode[MorningBriefing](env.Params)
	case KindCreateCalendarEvent:
		cmd, err = decode[CreateCalendarEvent](env.Params)
	case KindUpdateCalendarEvent:
		cmd, err = decode[UpdateCalendarEvent](env.Params)
	case KindListTasks:
		cmd, err = decode[ListTasks](env.Params)
	case KindCreateTask:
		cmd, err = decode[CreateTask](env.Params)
	case KindCompleteTask:
		cmd, err = decode[CompleteTask](env.Params)
	case KindUpdateTask:
		cmd, err = decode[UpdateTask](env.Params)
	case KindDeleteTask:
		cmd, err = decode[DeleteTask](env.Params)
	case KindListTaskLists:
		cmd, err = decode[ListTaskLists](env.Params)
	case KindCreateTaskList:
		cmd, err = decode[CreateTaskList](env.Params)
	case KindSummarizeInbox:
		cmd, err = decode[SummarizeInbox](env.Params)
	case KindDraftEmail:
		cmd, err = decode[DraftEmail](env.Params)
	case KindSendEmail:
		cmd, err = decode[SendEmail](env.Params)
	case KindWebSearch:
		cmd, err = decode[WebSearch](env.Params)
	case KindGetWeather:
		cmd, err = decode[GetWeather](env.Params)
	case KindCreateReminder:
		cmd, err = decode[CreateReminder](env.Params)
	case KindListReminders:
		cmd, err = decode[ListReminders](env.Params)
	case KindSnoozeReminder:
		cmd, err = decode[SnoozeReminder](env.Params)
	case KindAcknowledgeReminder:
		cmd, err = decode[AcknowledgeReminder](env.Params)
	case KindDeleteReminder:
		cmd, err = decode[DeleteReminder](env.Params)
	case KindSearchTransit:
		cmd, err = decode[SearchTransit](env.Params)
	case KindSearchContacts:
		cmd, err = decode[SearchContacts](env.Params)
	case KindCreateContact:
		cmd, err = decode[CreateContact](env.Params)
	case KindSendMessage:
		cmd, err = decode[SendMessage](env.Params)
	case KindSystemStatus:
		cmd, err = decode[SystemStatus](env.Params)
	case KindVersion:
		cmd, err = decode[Version](env.Params)
	case KindListModels:
		cmd, err = decode[ListModels](env.Params)
	case KindSwitchModel:
		cmd, err = decode[SwitchModel](env.Params)
	case KindReloadConfig:
		cmd, err = decode[ReloadConfig](env.Params)
	case KindHelp:
		cmd, err = decode[Help](env.Params)
	case KindEcho:
		cmd, err = decode[Echo](env.Params)
	case KindConverse:
		cmd, err = decode[Converse](env.Params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func decode[T Command](raw json.RawMessage) (Command, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("command: decode %s: %w", v.Kind(), err)
		}
	}
	return v, nil
}
