package session

import (
	"context"
	"log/slog"
	"sync"
)

// AnonymousName is used when neither the request nor the connection
// carries a display name.
const AnonymousName = "Anonymous"

// EditRouter persists and broadcasts room edits. *ops.Router implements it.
type EditRouter interface {
	Route(ctx context.Context, roomID string, raw []byte) error
}

type identity struct {
	userID string
	name   string
}

// Lifecycle turns transport events into presence, chat and edit calls.
// Events of one connection must be delivered sequentially.
type Lifecycle struct {
	coordinator *Coordinator
	router      EditRouter
	log         *slog.Logger

	mu    sync.Mutex
	attrs map[string]*identity
}

func NewLifecycle(coordinator *Coordinator, router EditRouter, log *slog.Logger) *Lifecycle {
	return &Lifecycle{
		coordinator: coordinator,
		router:      router,
		log:         log,
		attrs:       make(map[string]*identity),
	}
}

// Connect records the identity a connection declared when it was opened.
// Either value may be empty.
func (l *Lifecycle) Connect(connID, userID, name string) {
	l.mu.Lock()
	l.attrs[connID] = &identity{userID: userID, name: name}
	l.mu.Unlock()

	l.log.Debug("Connection opened", "conn", connID, "user", userID, "name", name)
}

func (l *Lifecycle) Disconnect(ctx context.Context, connID string) {
	l.coordinator.Leave(ctx, connID)

	l.mu.Lock()
	delete(l.attrs, connID)
	l.mu.Unlock()

	l.log.Debug("Connection closed", "conn", connID)
}

// JoinRoom joins the room under the identity resolved from the request,
// then from the connection, then from the connection id itself.
func (l *Lifecycle) JoinRoom(ctx context.Context, connID, roomID, userID, name string) {
	if roomID == "" {
		l.log.Warn("Ignoring join without room", "conn", connID)
		return
	}
	id := l.resolve(connID, userID, name)
	l.coordinator.Join(ctx, connID, roomID, id.userID, id.name)
}

func (l *Lifecycle) LeaveRoom(ctx context.Context, connID, roomID string) {
	l.coordinator.LeaveRoom(ctx, connID, roomID)
}

// RoomMessage routes an edit. The error is returned so the transport can
// tell the sender its edit was not applied.
func (l *Lifecycle) RoomMessage(ctx context.Context, connID, roomID string, payload []byte) error {
	if err := l.router.Route(ctx, roomID, payload); err != nil {
		l.log.Error("Failed to route edit", "conn", connID, "room", roomID, "error", err)
		return err
	}
	return nil
}

func (l *Lifecycle) Chat(ctx context.Context, connID, roomID, content string) {
	id := l.resolve(connID, "", "")
	l.coordinator.SendChat(ctx, roomID, id.userID, id.name, content)
}

// resolve applies the fallback chain and stores the result on the
// connection so later events reuse it.
func (l *Lifecycle) resolve(connID, userID, name string) identity {
	l.mu.Lock()
	defer l.mu.Unlock()

	attrs, ok := l.attrs[connID]
	if !ok {
		attrs = &identity{}
		l.attrs[connID] = attrs
	}

	if userID == "" {
		userID = attrs.userID
	}
	if userID == "" {
		userID = connID
	}
	if name == "" {
		name = attrs.name
	}
	if name == "" {
		name = AnonymousName
	}

	attrs.userID = userID
	attrs.name = name
	return *attrs
}
