// Package chat keeps a bounded, append-only chat history per room.
package chat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

type Kind string

const (
	KindMessage    Kind = "MESSAGE"
	KindSystem     Kind = "SYSTEM"
	KindAIResponse Kind = "AI_RESPONSE"
)

const (
	SystemUserID = "system"
	SystemName   = "System"
)

const (
	messageDedupWindow = 1000 * time.Millisecond
	systemDedupWindow  = 5000 * time.Millisecond
)

// Message is immutable once appended.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	UserID     string    `json:"userId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

// Log stores chat messages per room, oldest first.
type Log struct {
	log      *slog.Logger
	rooms    map[string][]Message
	counters map[string]uint64
	global   uint64
	now      func() time.Time
	mu       sync.RWMutex
}

func NewLog(log *slog.Logger) *Log {
	return &Log{
		log:      log,
		rooms:    make(map[string][]Message),
		counters: make(map[string]uint64),
		now:      time.Now,
	}
}

// Append stores a new message unless it duplicates a recent one. The
// second return value is false when the message was suppressed.
func (l *Log) Append(roomID, userID, name, content string, kind Kind) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	messages := l.rooms[roomID]

	if l.isDuplicate(messages, userID, content, kind, now) {
		l.log.Debug("Duplicate chat message ignored", "room", roomID, "user", userID, "kind", kind)
		return Message{}, false
	}

	message := Message{
		ID:         l.nextID(roomID, now),
		RoomID:     roomID,
		UserID:     userID,
		SenderName: name,
		Content:    content,
		Kind:       kind,
		Timestamp:  now,
	}
	l.rooms[roomID] = append(messages, message)

	l.log.Debug("Chat message added", "room", roomID, "id", message.ID, "kind", kind)
	return message, true
}

// isDuplicate walks back from the newest message while it is still inside
// the dedup window. Callers hold mu.
func (l *Log) isDuplicate(messages []Message, userID, content string, kind Kind, now time.Time) bool {
	var window time.Duration
	switch kind {
	case KindMessage:
		window = messageDedupWindow
	case KindSystem:
		window = systemDedupWindow
	default:
		return false
	}

	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		age := now.Sub(m.Timestamp)
		if age < 0 {
			age = -age
		}
		if age >= window {
			break
		}
		if m.Kind != kind || m.Content != content {
			continue
		}
		if kind == KindSystem || m.UserID == userID {
			return true
		}
	}
	return false
}

// nextID combines the room sequence, a process-wide sequence and a clock
// sample so ids stay unique across counter resets and clock skew.
func (l *Log) nextID(roomID string, now time.Time) string {
	l.counters[roomID]++
	l.global++
	return fmt.Sprintf("%s_msg_%d_%d_%d", roomID, l.counters[roomID], l.global, now.UnixNano())
}

// List returns the most recent limit messages of roomID, oldest first.
// A limit <= 0 returns the whole history.
func (l *Log) List(roomID string, limit int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	messages := l.rooms[roomID]
	from := 0
	if limit > 0 && len(messages) > limit {
		from = len(messages) - limit
	}

	result := make([]Message, len(messages)-from)
	copy(result, messages[from:])
	return result
}

func (l *Log) Count(roomID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[roomID])
}

// Trim drops the oldest messages of roomID beyond keepLastN and returns how
// many were removed.
func (l *Log) Trim(roomID string, keepLastN int) int {
	if keepLastN < 0 {
		keepLastN = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	messages := l.rooms[roomID]
	if len(messages) <= keepLastN {
		return 0
	}

	removed := len(messages) - keepLastN
	kept := make([]Message, keepLastN)
	copy(kept, messages[removed:])
	l.rooms[roomID] = kept

	l.log.Info("Trimmed old chat messages", "room", roomID, "removed", removed)
	return removed
}

// Rooms returns the ids of every room with a chat history.
func (l *Log) Rooms() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return lo.Keys(l.rooms)
}
