package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
	"github.com/bdobrica/Kotori/internal/kotori/reminders"
)

// ChannelName is recorded as RequestContext.Channel.
const ChannelName = "matrix"

// DefaultHistoryTurns is how many recent messages per user are kept as
// conversation context.
const DefaultHistoryTurns = 10

const keyLastRoom = "last_room"

// Handler is the dispatcher as seen by the channel.
type Handler interface {
	Handle(ctx context.Context, raw string, rc dispatch.RequestContext) (dispatch.ExecutionResult, error)
}

// Poster sends messages to rooms. *Client implements it.
type Poster interface {
	Reply(ctx context.Context, roomID, eventID, message string) error
	SendText(ctx context.Context, roomID, message string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Channel turns room messages into dispatcher requests.
type Channel struct {
	handler  Handler
	poster   Poster
	state    *SyncStore
	timezone string
	turns    int

	mu      sync.Mutex
	history map[string][]inference.Message
	rooms   map[string]string
}

// NewChannel returns a Channel. state may be nil, in which case the room a
// user last wrote from is remembered only in memory.
func NewChannel(h Handler, p Poster, state *SyncStore, timezone string) *Channel {
	return &Channel{
		handler:  h,
		poster:   p,
		state:    state,
		timezone: timezone,
		turns:    DefaultHistoryTurns,
		history:  make(map[string][]inference.Message),
		rooms:    make(map[string]string),
	}
}

// OnMessage is the MessageHandler passed to Client.Start.
func (ch *Channel) OnMessage(ctx context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Body)
	if text == "" {
		return
	}
	userID := evt.Sender.String()
	roomID := evt.RoomID.String()
	ch.rememberRoom(ctx, userID, roomID)

	_ = ch.poster.SetTyping(ctx, roomID, true, 30*time.Second)
	defer func() { _ = ch.poster.SetTyping(ctx, roomID, false, 0) }()

	res, err := ch.handler.Handle(ctx, text, dispatch.RequestContext{
		UserID:    userID,
		Channel:   ChannelName,
		RequestID: evt.ID.String(),
		Timezone:  ch.timezone,
		History:   ch.recent(userID),
	})
	reply := res.Response
	if err != nil {
		slog.Error("matrix: handle message", "user", userID, "room", roomID, "err", err)
		reply = "⚠️ Something went wrong on my side. Please try again later."
	}
	if reply == "" {
		return
	}
	if res.Screened != "" {
		ch.remember(userID, res.Screened, reply)
	}
	if err := ch.poster.Reply(ctx, roomID, evt.ID.String(), reply); err != nil {
		slog.Error("matrix: reply", "room", roomID, "err", err)
	}
}

func (ch *Channel) recent(userID string) []inference.Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	h := ch.history[userID]
	out := make([]inference.Message, len(h))
	copy(out, h)
	return out
}

func (ch *Channel) remember(userID, text, reply string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	h := append(ch.history[userID],
		inference.Message{Role: "user", Content: text},
		inference.Message{Role: "assistant", Content: reply},
	)
	if len(h) > ch.turns {
		h = h[len(h)-ch.turns:]
	}
	ch.history[userID] = h
}

func (ch *Channel) rememberRoom(ctx context.Context, userID, roomID string) {
	ch.mu.Lock()
	same := ch.rooms[userID] == roomID
	ch.rooms[userID] = roomID
	ch.mu.Unlock()
	if same || ch.state == nil {
		return
	}
	if err := ch.state.Save(ctx, userID, keyLastRoom, roomID); err != nil {
		slog.Warn("matrix: save last room", "user", userID, "err", err)
	}
}

func (ch *Channel) roomFor(ctx context.Context, userID string) (string, error) {
	ch.mu.Lock()
	room := ch.rooms[userID]
	ch.mu.Unlock()
	if room != "" || ch.state == nil {
		return room, nil
	}
	return ch.state.Load(ctx, userID, keyLastRoom)
}

// DeliverReminder posts a due reminder to the room its owner last wrote
// from. It is a reminders.DeliverFunc.
func (ch *Channel) DeliverReminder(ctx context.Context, d reminders.Delivery) error {
	room, err := ch.roomFor(ctx, d.UserID)
	if err != nil {
		return err
	}
	if room == "" {
		return fmt.Errorf("matrix: no known room for %s", d.UserID)
	}
	text := "⏰ Reminder: " + d.Reminder.Title
	if d.Reminder.Description != "" {
		text += "\n" + d.Reminder.Description
	}
	text += fmt.Sprintf("\nReply `snooze reminder %s` or `done reminder %s`.", d.Reminder.ID, d.Reminder.ID)
	return ch.poster.SendText(ctx, room, text)
}
