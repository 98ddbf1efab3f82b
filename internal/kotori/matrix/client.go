// Package matrix connects Kotori to a Matrix homeserver. Text messages in the
// configured rooms go through the dispatcher and the result is posted back;
// operator notices and due reminders are sent the same way.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms the bot answers in. Empty answers in every joined room.
	Rooms []string
	// DB persists the sync position. Nil keeps it in memory, so history is
	// replayed on restart.
	DB store.Querier
}

// MessageHandler processes one incoming text message.
type MessageHandler func(ctx context.Context, evt *event.Event)

// Client wraps the mautrix client.
type Client struct {
	client *mautrix.Client
	config Config
	sync   *SyncStore

	stopOnce sync.Once
	stopCh   chan struct{}
	handler  MessageHandler
}

// New creates a client; nothing is sent until Start.
func New(cfg Config) (*Client, error) {
	mc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	c := &Client{client: mc, config: cfg, stopCh: make(chan struct{})}
	if cfg.DB != nil {
		c.sync = NewSyncStore(cfg.DB)
		mc.Store = c.sync
	} else {
		slog.Warn("matrix: no DB configured, sync position is kept in memory")
	}
	return c, nil
}

// Start joins the configured rooms and syncs in the background until Stop.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go c.syncLoop(ctx)
	return nil
}

func (c *Client) syncLoop(ctx context.Context) {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		slog.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop ends the sync loop. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.StopSync()
	})
}

// SendText posts a plain message.
func (c *Client) SendText(ctx context.Context, roomID, message string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), message); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Reply answers a specific event.
func (c *Client) Reply(ctx context.Context, roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendNotice posts a notice. It implements audit.Sender.
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: message}
	if _, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping shows or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// Whoami checks the access token against the homeserver.
func (c *Client) Whoami(ctx context.Context) error {
	_, err := c.client.Whoami(ctx)
	return err
}

// UserID returns the bot's own user ID.
func (c *Client) UserID() string { return c.config.UserID }

// SyncStore returns the persistent store, or nil.
func (c *Client) SyncStore() *SyncStore { return c.sync }

func (c *Client) accepts(roomID string) bool {
	return len(c.config.Rooms) == 0 || slices.Contains(c.config.Rooms, roomID)
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	if !c.accepts(evt.RoomID.String()) {
		return
	}
	if c.handler != nil {
		c.handler(ctx, evt)
	}
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: join refused, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
