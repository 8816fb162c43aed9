package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/realscribe/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionEdit        = "edit"
	ActionChat        = "chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Lifecycle receives the events of every connection. Calls for one
// connection are made sequentially from its read pump.
type Lifecycle interface {
	Connect(connID, userID, name string)
	Disconnect(ctx context.Context, connID string)
	JoinRoom(ctx context.Context, connID, roomID, userID, name string)
	LeaveRoom(ctx context.Context, connID, roomID string)
	RoomMessage(ctx context.Context, connID, roomID string, payload []byte) error
	Chat(ctx context.Context, connID, roomID, content string)
}

// InboundFrame is a client request. Room ids end up in topic names, so
// they may not contain topic separators or wildcards.
type InboundFrame struct {
	Action  string          `json:"action" validate:"required,oneof=subscribe unsubscribe join leave edit chat"`
	Topic   string          `json:"topic" validate:"required_if=Action subscribe,required_if=Action unsubscribe,max=256"`
	RoomID  string          `json:"roomId" validate:"required_if=Action join,required_if=Action leave,required_if=Action edit,required_if=Action chat,max=128,excludesall=.*>"`
	UserID  string          `json:"userId" validate:"max=128"`
	Name    string          `json:"name" validate:"max=128"`
	Content string          `json:"content" validate:"max=4000"`
	Payload json.RawMessage `json:"payload" validate:"required_if=Action edit"`
}

// ErrorEvent is sent to a single client whose request was rejected.
type ErrorEvent struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

// errorTopic is the topic of frames addressed to one client only.
const errorTopic = "errors"

type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	handler *Handler
}

// Handler upgrades HTTP requests to websocket connections.
type Handler struct {
	hub       *Hub
	lifecycle Lifecycle
	limiters  *ratelimit.ConnectionLimiters
	validate  *validator.Validate
	log       *slog.Logger
}

func NewHandler(hub *Hub, lifecycle Lifecycle, limiters *ratelimit.ConnectionLimiters, log *slog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		lifecycle: lifecycle,
		limiters:  limiters,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Upgrade error", "error", err)
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		handler: h,
	}

	if !h.hub.join(client) {
		conn.Close()
		return
	}

	query := r.URL.Query()
	h.lifecycle.Connect(client.id, query.Get("userId"), query.Get("name"))
	h.log.Info("Client connected", "conn", client.id, "remote", conn.RemoteAddr().String())

	// The connection outlives the request.
	ctx := context.WithoutCancel(r.Context())

	go client.writePump()
	go client.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	h := c.handler
	defer func() {
		h.lifecycle.Disconnect(ctx, c.id)
		h.limiters.Remove(c.id)
		c.hub.leave(c)
		c.conn.Close()
		h.log.Info("Client disconnected", "conn", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("WebSocket error", "conn", c.id, "error", err)
			}
			return
		}

		switch verdict, violations := h.limiters.Check(c.id); verdict {
		case ratelimit.Dropped:
			if violations%100 == 1 {
				h.log.Warn("Rate limit exceeded", "conn", c.id, "violations", violations)
			}
			continue
		case ratelimit.Exceeded:
			h.log.Warn("Disconnecting client for excessive rate limit violations", "conn", c.id, "violations", violations)
			return
		}

		frame, err := h.decode(message)
		if err != nil {
			h.log.Warn("Invalid frame", "conn", c.id, "error", err)
			c.reject(frame.Action, frame.RoomID, err)
			continue
		}

		c.dispatch(ctx, frame)
	}
}

func (h *Handler) decode(message []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return InboundFrame{}, err
	}
	if err := h.validate.Struct(frame); err != nil {
		return frame, err
	}
	if frame.Topic != "" && !subscribable(frame.Topic) {
		return frame, errors.New("unknown topic " + frame.Topic)
	}
	return frame, nil
}

func (c *Client) dispatch(ctx context.Context, frame InboundFrame) {
	h := c.handler

	switch frame.Action {
	case ActionSubscribe:
		c.hub.enqueue(c.hub.subscribe, subscription{client: c, topic: frame.Topic})
	case ActionUnsubscribe:
		c.hub.enqueue(c.hub.unsubscribe, subscription{client: c, topic: frame.Topic})
	case ActionJoin:
		h.lifecycle.JoinRoom(ctx, c.id, frame.RoomID, frame.UserID, frame.Name)
	case ActionLeave:
		h.lifecycle.LeaveRoom(ctx, c.id, frame.RoomID)
	case ActionEdit:
		if err := h.lifecycle.RoomMessage(ctx, c.id, frame.RoomID, frame.Payload); err != nil {
			c.reject(frame.Action, frame.RoomID, err)
		}
	case ActionChat:
		h.lifecycle.Chat(ctx, c.id, frame.RoomID, frame.Content)
	}
}

// reject tells this client alone that its request failed.
func (c *Client) reject(action, roomID string, cause error) {
	ev := ErrorEvent{Type: "error", Action: action, RoomID: roomID, Message: cause.Error()}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	frame, err := encodeFrame(errorTopic, data)
	if err != nil {
		return
	}

	c.hub.direct(c, frame)
}

// subscribable reports whether topic is exactly one of the room topics:
// room.<id>, room.<id>.chat, room.<id>.presence or write.room.<id>.
func subscribable(topic string) bool {
	if roomID, ok := strings.CutPrefix(topic, "write.room."); ok {
		return validRoomID(roomID)
	}
	rest, ok := strings.CutPrefix(topic, "room.")
	if !ok {
		return false
	}
	for _, suffix := range []string{".chat", ".presence"} {
		if roomID, ok := strings.CutSuffix(rest, suffix); ok && validRoomID(roomID) {
			return true
		}
	}
	return validRoomID(rest)
}

func validRoomID(roomID string) bool {
	return roomID != "" && !strings.ContainsAny(roomID, ".*>")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
