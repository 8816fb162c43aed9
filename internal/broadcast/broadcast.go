// Package broadcast defines the room-scoped topics and events that are fanned
// out to subscribers, and the publishers that carry them.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/realscribe/internal/chat"
	"github.com/manpreetbhatti/realscribe/internal/presence"
)

func RoomTopic(roomID string) string     { return "room." + roomID }
func ChatTopic(roomID string) string     { return "room." + roomID + ".chat" }
func PresenceTopic(roomID string) string { return "room." + roomID + ".presence" }
func WriteTopic(roomID string) string    { return "write.room." + roomID }

// Event is one of ChatEvent, PresenceEvent or EditEvent.
type Event interface {
	EventType() string
}

type ChatEvent struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"roomId"`
	Message  *chat.Message  `json:"message"`
	Messages []chat.Message `json:"messages"`
}

func (e ChatEvent) EventType() string { return e.Type }

type PresenceEvent struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	User   presence.User   `json:"user"`
	Users  []presence.User `json:"users"`
}

func (e PresenceEvent) EventType() string { return e.Type }

// EditEvent carries a client edit exactly as it was received.
type EditEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e EditEvent) EventType() string { return e.Type }

func (e EditEvent) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}

// Encode returns the JSON form of ev. Events that marshal themselves, like
// EditEvent, are returned byte for byte; json.Marshal would compact them.
func Encode(ev Event) ([]byte, error) {
	m, ok := ev.(json.Marshaler)
	if !ok {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
		}
		return data, nil
	}

	data, err := m.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), errInvalidJSON)
	}
	return data, nil
}

var errInvalidJSON = errors.New("invalid JSON")

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Deliverer accepts already encoded events, e.g. relayed from another node.
type Deliverer interface {
	Deliver(topic string, data []byte)
}
