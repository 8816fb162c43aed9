package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Subjects relayed from NATS to local subscribers. Topics map 1:1 to subjects.
var relaySubjects = []string{"room.>", "write.room.>"}

// NATSPublisher publishes events as JSON on the subject named by the topic.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// NATSRelay feeds every room subject received from NATS into a local
// Deliverer, so clients connected to any node see every event.
type NATSRelay struct {
	conn   *nats.Conn
	target Deliverer
	log    *slog.Logger
	subs   []*nats.Subscription
}

func NewNATSRelay(conn *nats.Conn, target Deliverer, log *slog.Logger) *NATSRelay {
	return &NATSRelay{conn: conn, target: target, log: log}
}

func (r *NATSRelay) Start() error {
	for _, subject := range relaySubjects {
		sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
			r.target.Deliver(msg.Subject, msg.Data)
		})
		if err != nil {
			r.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	r.log.Info("NATS relay started", "subjects", relaySubjects)
	return nil
}

func (r *NATSRelay) Stop() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Warn("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	r.subs = nil
}
