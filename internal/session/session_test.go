package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/realscribe/internal/broadcast"
	"github.com/manpreetbhatti/realscribe/internal/chat"
	"github.com/manpreetbhatti/realscribe/internal/presence"
)

type published struct {
	topic string
	ev    broadcast.Event
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []published
	failures map[string]error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, ev broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failures[topic]; ok {
		return err
	}
	p.events = append(p.events, published{topic: topic, ev: ev})
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.ev.EventType()
	}
	return types
}

func (p *fakePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type fakeRouter struct {
	err    error
	routed []string
}

func (r *fakeRouter) Route(_ context.Context, roomID string, raw []byte) error {
	r.routed = append(r.routed, roomID+":"+string(raw))
	return r.err
}

type fixture struct {
	registry  *presence.Registry
	chat      *chat.Log
	publisher *fakePublisher
	router    *fakeRouter
	coord     *Coordinator
	lifecycle *Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		registry:  presence.NewRegistry(log),
		chat:      chat.NewLog(log),
		publisher: &fakePublisher{failures: map[string]error{}},
		router:    &fakeRouter{},
	}
	f.coord = NewCoordinator(f.registry, f.chat, f.publisher, log)
	f.lifecycle = NewLifecycle(f.coord, f.router, log)
	return f
}

func TestJoin_First_Connection_Announces_And_Publishes_Presence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// When Alice joins for the first time
	f.coord.Join(ctx, "c1", "r1", "u1", "Alice")

	// Then a system message and a presence snapshot are published
	req.Equal([]string{EventSystemMessage, EventPresenceJoin}, f.publisher.types())
	req.Equal("room.r1.chat", f.publisher.events[0].topic)
	msg := f.publisher.events[0].ev.(broadcast.ChatEvent).Message
	req.Equal("Alice joined the collaboration", msg.Content)
	req.Equal(chat.KindSystem, msg.Kind)
	req.Equal(chat.SystemUserID, msg.UserID)

	presenceEv := f.publisher.events[1]
	req.Equal("room.r1.presence", presenceEv.topic)
	req.Equal([]presence.User{{UserID: "u1", Name: "Alice"}}, presenceEv.ev.(broadcast.PresenceEvent).Users)
}

func TestJoin_Moving_To_Another_Room_Leaves_The_Old_One(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.lifecycle.JoinRoom(ctx, "c1", "A", "u1", "Alice")

	// When the same connection joins room B
	f.lifecycle.JoinRoom(ctx, "c1", "B", "u1", "Alice")

	// Then room A is told Alice left before room B sees her join
	topics := make([]string, len(f.publisher.events))
	for i, e := range f.publisher.events {
		topics[i] = e.topic + " " + e.ev.EventType()
	}
	req.Equal([]string{
		"room.A.chat " + EventSystemMessage,
		"room.A.presence " + EventPresenceJoin,
		"room.A.chat " + EventSystemMessage,
		"room.A.presence " + EventPresenceLeave,
		"room.B.chat " + EventSystemMessage,
		"room.B.presence " + EventPresenceJoin,
	}, topics)
	req.Equal("Alice left the collaboration", f.publisher.events[2].ev.(broadcast.ChatEvent).Message.Content)
	req.Empty(f.publisher.events[3].ev.(broadcast.PresenceEvent).Users)
	req.Empty(f.registry.List("A"))
	req.Equal([]presence.User{{UserID: "u1", Name: "Alice"}}, f.registry.List("B"))
}

func TestJoin_Moving_Rooms_Keeps_Other_Tabs_In_The_Old_Room(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Join(ctx, "c1", "A", "u1", "Alice")
	f.coord.Join(ctx, "c2", "A", "u1", "Alice")

	// When one of Alice's tabs moves to room B
	f.coord.Join(ctx, "c1", "B", "u1", "Alice")

	// Then Alice is still present in A and no leave is announced there
	req.NotContains(f.publisher.types(), EventPresenceLeave)
	req.Equal(1, f.chat.Count("A"))
	req.Len(f.registry.List("A"), 1)
	req.Len(f.registry.List("B"), 1)
}

func TestJoin_Second_Tab_Only_Refreshes_Presence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	f.coord.Join(ctx, "c1", "r1", "u1", "Alice")
	f.coord.Join(ctx, "c2", "r1", "u1", "Alice")

	req.Equal([]string{EventSystemMessage, EventPresenceJoin, EventPresenceJoin}, f.publisher.types())
	req.Equal(1, f.chat.Count("r1"))
}

func TestJoin_Rejoin_Within_Window_Is_Not_Announced_Twice(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// Given Alice joined, left and came back right away
	f.coord.Join(ctx, "c1", "r1", "u1", "Alice")
	f.coord.Leave(ctx, "c1")
	f.coord.Join(ctx, "c2", "r1", "u1", "Alice")

	// Then the second join message is suppressed but presence is still sent
	req.Equal([]string{
		EventSystemMessage, EventPresenceJoin,
		EventSystemMessage, EventPresenceLeave,
		EventPresenceJoin,
	}, f.publisher.types())
	req.Equal(2, f.chat.Count("r1"))
}

func TestJoin_Missing_Identifier_Is_A_NoOp(t *testing.T) {
	f := newFixture(t)

	f.coord.Join(context.Background(), "c1", "", "u1", "Alice")

	require.Empty(t, f.publisher.types())
	require.Zero(t, f.registry.Stats().Connections)
}

func TestJoin_Chat_Broadcast_Failure_Does_Not_Block_Presence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.publisher.failures["room.r1.chat"] = errors.New("broker down")

	f.coord.Join(context.Background(), "c1", "r1", "u1", "Alice")

	req.Equal([]string{EventPresenceJoin}, f.publisher.types())
	req.Equal(1, f.chat.Count("r1"))
}

func TestLeave_Presence_Broadcast_Failure_Still_Announces(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Join(ctx, "c1", "r1", "u1", "Alice")
	f.publisher.failures["room.r1.presence"] = errors.New("broker down")

	f.coord.Leave(ctx, "c1")

	last := f.publisher.last()
	req.Equal(EventSystemMessage, last.ev.EventType())
	req.Equal("Alice left the collaboration", last.ev.(broadcast.ChatEvent).Message.Content)
}

func TestLeave_Unknown_Connection(t *testing.T) {
	f := newFixture(t)

	f.coord.Leave(context.Background(), "ghost")

	require.Empty(t, f.publisher.types())
}

func TestTwo_Tabs_Scenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// Given connections A and B of the same user in r1
	f.lifecycle.Connect("A", "u1", "Alice")
	f.lifecycle.Connect("B", "u1", "Alice")
	f.lifecycle.JoinRoom(ctx, "A", "r1", "u1", "Alice")
	f.lifecycle.JoinRoom(ctx, "B", "r1", "u1", "Alice")
	req.Equal([]presence.User{{UserID: "u1", Name: "Alice"}}, f.registry.List("r1"))

	// When A disconnects, the user is still present
	f.lifecycle.Disconnect(ctx, "A")
	req.Len(f.registry.List("r1"), 1)

	// When B disconnects, the user leaves exactly once
	f.lifecycle.Disconnect(ctx, "B")
	req.Empty(f.registry.List("r1"))

	left := 0
	for _, m := range f.chat.List("r1", 0) {
		if m.Content == "Alice left the collaboration" {
			left++
		}
	}
	req.Equal(1, left)
	req.Equal(EventPresenceLeave, f.publisher.last().ev.EventType())
	req.Empty(f.publisher.last().ev.(broadcast.PresenceEvent).Users)
}

func TestLifecycle_Identity_Fallbacks(t *testing.T) {
	tests := []struct {
		name                 string
		declaredID, declared string
		frameID, frameName   string
		wantUserID, wantName string
	}{
		{name: "nothing declared", wantUserID: "c1", wantName: AnonymousName},
		{name: "declared at connect", declaredID: "u2", declared: "Bob", wantUserID: "u2", wantName: "Bob"},
		{name: "frame wins", declaredID: "u2", declared: "Bob", frameID: "u3", frameName: "Carol", wantUserID: "u3", wantName: "Carol"},
		{name: "mixed", declared: "Dan", frameID: "u4", wantUserID: "u4", wantName: "Dan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.lifecycle.Connect("c1", tt.declaredID, tt.declared)

			f.lifecycle.JoinRoom(context.Background(), "c1", "r1", tt.frameID, tt.frameName)

			require.Equal(t, []presence.User{{UserID: tt.wantUserID, Name: tt.wantName}}, f.registry.List("r1"))
		})
	}
}

func TestLifecycle_Chat_Uses_Identity_From_Join(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// Given a connection that only identified itself when joining
	f.lifecycle.Connect("c1", "", "")
	f.lifecycle.JoinRoom(ctx, "c1", "r1", "u9", "Zed")

	// When it chats
	f.lifecycle.Chat(ctx, "c1", "r1", "  hello  ")

	// Then the message carries the identity written back on join
	last := f.publisher.last()
	req.Equal("room.r1.chat", last.topic)
	msg := last.ev.(broadcast.ChatEvent).Message
	req.Equal(EventMessageSent, last.ev.EventType())
	req.Equal("u9", msg.UserID)
	req.Equal("Zed", msg.SenderName)
	req.Equal("hello", msg.Content)
	req.Equal(chat.KindMessage, msg.Kind)
}

func TestLifecycle_Chat_Ignores_Blank_And_Duplicates(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.lifecycle.Connect("c1", "u1", "Alice")

	f.lifecycle.Chat(ctx, "c1", "r1", "   ")
	f.lifecycle.Chat(ctx, "c1", "r1", "hi")
	f.lifecycle.Chat(ctx, "c1", "r1", "hi ")

	req.Equal([]string{EventMessageSent}, f.publisher.types())
	req.Equal(1, f.chat.Count("r1"))
}

func TestLifecycle_LeaveRoom_Only_For_Bound_Room(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.lifecycle.Connect("c1", "u1", "Alice")
	f.lifecycle.JoinRoom(ctx, "c1", "r1", "", "")

	f.lifecycle.LeaveRoom(ctx, "c1", "r2")
	req.Len(f.registry.List("r1"), 1)

	f.lifecycle.LeaveRoom(ctx, "c1", "r1")
	req.Empty(f.registry.List("r1"))
}

func TestLifecycle_JoinRoom_Without_Room(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.Connect("c1", "u1", "Alice")

	f.lifecycle.JoinRoom(context.Background(), "c1", "", "", "")

	require.Empty(t, f.publisher.types())
}

func TestLifecycle_RoomMessage_Surfaces_Router_Errors(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	req.NoError(f.lifecycle.RoomMessage(ctx, "c1", "r1", []byte(`{"type":"stroke_move"}`)))

	f.router.err = errors.New("persist failed")
	err := f.lifecycle.RoomMessage(ctx, "c1", "r1", []byte(`{"type":"clear"}`))

	req.ErrorContains(err, "persist failed")
	req.Equal([]string{`r1:{"type":"stroke_move"}`, `r1:{"type":"clear"}`}, f.router.routed)
}
