package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/realscribe/internal/broadcast"
)

var ErrHubClosed = errors.New("hub closed")

// OutboundFrame is what subscribers receive for every event on a topic.
type OutboundFrame struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

type subscription struct {
	client *Client
	topic  string
}

type delivery struct {
	topic string
	data  []byte
}

type directMessage struct {
	client *Client
	data   []byte
}

// Hub keeps the topic subscriptions of all connected clients and fans
// events out to them. All mutations go through Run.
type Hub struct {
	log *slog.Logger

	// Subscribed clients by topic
	topics map[string]map[*Client]struct{}

	// Topics each client is subscribed to
	clients map[*Client]map[string]struct{}

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	deliver     chan delivery
	directs     chan directMessage

	done chan struct{}
	mu   sync.RWMutex
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:         log,
		topics:      make(map[string]map[*Client]struct{}),
		clients:     make(map[*Client]map[string]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		deliver:     make(chan delivery, 256),
		directs:     make(chan directMessage),
		done:        make(chan struct{}),
	}
}

// Run serves hub requests until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = make(map[string]struct{})
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client registered", "conn", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case sub := <-h.subscribe:
			h.mu.Lock()
			if topics, ok := h.clients[sub.client]; ok {
				topics[sub.topic] = struct{}{}
				if _, ok := h.topics[sub.topic]; !ok {
					h.topics[sub.topic] = make(map[*Client]struct{})
				}
				h.topics[sub.topic][sub.client] = struct{}{}
			}
			h.mu.Unlock()
			h.log.Debug("Client subscribed", "conn", sub.client.id, "topic", sub.topic)

		case sub := <-h.unsubscribe:
			h.mu.Lock()
			h.drop(sub.client, sub.topic)
			h.mu.Unlock()

		case d := <-h.deliver:
			h.mu.Lock()
			for client := range h.topics[d.topic] {
				select {
				case client.send <- d.data:
				default:
					h.log.Warn("Dropping slow client", "conn", client.id, "topic", d.topic)
					h.remove(client)
				}
			}
			h.mu.Unlock()

		case m := <-h.directs:
			h.mu.Lock()
			if _, ok := h.clients[m.client]; ok {
				select {
				case m.client.send <- m.data:
				default:
					h.remove(m.client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove unsubscribes client everywhere and closes its send channel.
// Callers hold mu.
func (h *Hub) remove(client *Client) {
	topics, ok := h.clients[client]
	if !ok {
		return
	}
	for topic := range topics {
		h.drop(client, topic)
	}
	delete(h.clients, client)
	close(client.send)
	h.log.Debug("Client unregistered", "conn", client.id, "remaining", len(h.clients))
}

func (h *Hub) drop(client *Client, topic string) {
	if topics, ok := h.clients[client]; ok {
		delete(topics, topic)
	}
	subscribers, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.remove(client)
	}
}

// Publish encodes ev and delivers it to the local subscribers of topic.
func (h *Hub) Publish(ctx context.Context, topic string, ev broadcast.Event) error {
	data, err := broadcast.Encode(ev)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(topic, data)
	if err != nil {
		return err
	}
	if h.closed() {
		return ErrHubClosed
	}

	select {
	case h.deliver <- delivery{topic: topic, data: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// Deliver hands an already encoded event to the local subscribers of
// topic. Events that are not valid JSON are dropped.
func (h *Hub) Deliver(topic string, data []byte) {
	frame, err := encodeFrame(topic, data)
	if err != nil {
		h.log.Warn("Dropping undeliverable event", "topic", topic, "error", err)
		return
	}
	if h.closed() {
		return
	}

	select {
	case h.deliver <- delivery{topic: topic, data: frame}:
	case <-h.done:
	}
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Subscribers returns the number of clients subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) enqueue(ch chan subscription, sub subscription) bool {
	select {
	case ch <- sub:
		return true
	case <-h.done:
		return false
	}
}

// direct sends a frame to one client only, if it is still registered.
func (h *Hub) direct(client *Client, data []byte) {
	select {
	case h.directs <- directMessage{client: client, data: data}:
	case <-h.done:
	}
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// encodeFrame wraps event in an OutboundFrame. The event bytes are copied
// as they are, so edits reach subscribers unchanged.
func encodeFrame(topic string, event []byte) ([]byte, error) {
	if !json.Valid(event) {
		return nil, fmt.Errorf("encode frame for %s: event is not valid JSON", topic)
	}
	name, err := json.Marshal(topic)
	if err != nil {
		return nil, fmt.Errorf("encode frame for %s: %w", topic, err)
	}

	frame := make([]byte, 0, len(name)+len(event)+20)
	frame = append(frame, `{"topic":`...)
	frame = append(frame, name...)
	frame = append(frame, `,"event":`...)
	frame = append(frame, event...)
	frame = append(frame, '}')
	return frame, nil
}
