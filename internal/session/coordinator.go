// Package session ties connection events to presence, chat and broadcast.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/manpreetbhatti/realscribe/internal/broadcast"
	"github.com/manpreetbhatti/realscribe/internal/chat"
	"github.com/manpreetbhatti/realscribe/internal/presence"
)

const (
	EventSystemMessage = "system_message"
	EventMessageSent   = "message_sent"
	EventPresenceJoin  = "presence_join"
	EventPresenceLeave = "presence_leave"
)

// Coordinator runs the side effects of joins and leaves. Each step is
// attempted even when an earlier one failed.
type Coordinator struct {
	registry  *presence.Registry
	chat      *chat.Log
	publisher broadcast.Publisher
	log       *slog.Logger
}

func NewCoordinator(registry *presence.Registry, chatLog *chat.Log, publisher broadcast.Publisher, log *slog.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		chat:      chatLog,
		publisher: publisher,
		log:       log,
	}
}

// Join binds connID to the room. The join announcement is only posted for
// the user's first connection; the presence list is always re-sent. A
// connection moving from another room leaves that room first.
func (c *Coordinator) Join(ctx context.Context, connID, roomID, userID, name string) {
	if roomID != "" && userID != "" && name != "" {
		if current, ok := c.registry.Binding(connID); ok && current.RoomID != roomID {
			c.log.Debug("Connection switching rooms", "conn", connID, "from", current.RoomID, "to", roomID)
			c.Leave(ctx, connID)
		}
	}

	first, err := c.registry.Join(roomID, userID, name, connID)
	if err != nil {
		if errors.Is(err, presence.ErrMissingIdentifier) {
			c.log.Warn("Ignoring join request", "conn", connID, "error", err)
			return
		}
		c.log.Error("Join failed", "conn", connID, "room", roomID, "error", err)
		return
	}

	c.log.Info("Connection joined room", "conn", connID, "room", roomID, "user", userID, "name", name, "first", first)

	if first {
		c.announce(ctx, roomID, name+" joined the collaboration")
	}
	c.publishPresence(ctx, EventPresenceJoin, roomID, presence.User{UserID: userID, Name: name})
}

// Leave releases connID. Nothing is announced unless it was the user's last
// connection in the room.
func (c *Coordinator) Leave(ctx context.Context, connID string) {
	binding, left := c.registry.LeaveByConnection(connID)
	if !left {
		c.log.Debug("Connection released without leaving", "conn", connID)
		return
	}

	c.log.Info("User left room", "conn", connID, "room", binding.RoomID, "user", binding.UserID, "name", binding.Name)

	c.announce(ctx, binding.RoomID, binding.Name+" left the collaboration")
	c.publishPresence(ctx, EventPresenceLeave, binding.RoomID, presence.User{UserID: binding.UserID, Name: binding.Name})
}

// LeaveRoom is Leave restricted to a connection currently bound to roomID.
func (c *Coordinator) LeaveRoom(ctx context.Context, connID, roomID string) {
	binding, ok := c.registry.Binding(connID)
	if !ok || binding.RoomID != roomID {
		c.log.Debug("Ignoring leave for a room the connection is not in", "conn", connID, "room", roomID)
		return
	}
	c.Leave(ctx, connID)
}

// SendChat posts a user message. Blank messages and duplicates are dropped
// silently.
func (c *Coordinator) SendChat(ctx context.Context, roomID, userID, name, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		c.log.Debug("Ignoring empty chat message", "room", roomID, "user", userID)
		return
	}

	message, ok := c.chat.Append(roomID, userID, name, content, chat.KindMessage)
	if !ok {
		return
	}

	ev := broadcast.ChatEvent{Type: EventMessageSent, RoomID: roomID, Message: &message}
	if err := c.publisher.Publish(ctx, broadcast.ChatTopic(roomID), ev); err != nil {
		c.log.Error("Failed to broadcast chat message", "room", roomID, "id", message.ID, "error", err)
	}
}

func (c *Coordinator) announce(ctx context.Context, roomID, content string) {
	message, ok := c.chat.Append(roomID, chat.SystemUserID, chat.SystemName, content, chat.KindSystem)
	if !ok {
		return
	}

	ev := broadcast.ChatEvent{Type: EventSystemMessage, RoomID: roomID, Message: &message}
	if err := c.publisher.Publish(ctx, broadcast.ChatTopic(roomID), ev); err != nil {
		c.log.Error("Failed to broadcast system message", "room", roomID, "id", message.ID, "error", err)
	}
}

func (c *Coordinator) publishPresence(ctx context.Context, eventType, roomID string, user presence.User) {
	ev := broadcast.PresenceEvent{
		Type:   eventType,
		RoomID: roomID,
		User:   user,
		Users:  c.registry.List(roomID),
	}
	if err := c.publisher.Publish(ctx, broadcast.PresenceTopic(roomID), ev); err != nil {
		c.log.Error("Failed to broadcast presence", "room", roomID, "type", eventType, "error", err)
	}
}
