//go:generate go run go.uber.org/mock/mockgen -source=router.go -destination=mocks/mock_store.go -package=mocks
//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_publisher.go -package=mocks github.com/manpreetbhatti/realscribe/internal/broadcast Publisher

// Package ops routes room edit events to storage and to room subscribers.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/manpreetbhatti/realscribe/internal/broadcast"
	"github.com/manpreetbhatti/realscribe/internal/db"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrPersistence      = errors.New("persistence failure")
)

// Store is the durable side of the router. *db.Database implements it.
type Store interface {
	SaveStrokeOperation(ctx context.Context, op db.StrokeOperation) error
	DeleteStrokeOperations(ctx context.Context, ids []int64) error
	ReplaceTextSnapshot(ctx context.Context, snap db.TextSnapshot) error
	DeleteTextSnapshots(ctx context.Context, roomID string) error
}

// Router applies the storage policy of each edit kind, then broadcasts the
// edit verbatim. Nothing is broadcast when the storage step fails.
type Router struct {
	store     Store
	publisher broadcast.Publisher
	log       *slog.Logger
}

func NewRouter(store Store, publisher broadcast.Publisher, log *slog.Logger) *Router {
	return &Router{store: store, publisher: publisher, log: log}
}

// Route handles one edit sent to roomID. Calls for the same connection must
// be made sequentially to keep their order.
func (r *Router) Route(ctx context.Context, roomID string, raw []byte) error {
	env, err := parseEnvelope(raw)
	if err != nil {
		return err
	}

	topic := broadcast.RoomTopic(roomID)

	switch env.Type {
	case KindStrokeMove:
	case KindStrokeEnd:
		if err := r.saveStroke(ctx, roomID, env); err != nil {
			return err
		}
	case KindTextUpdate:
		if err := r.replaceText(ctx, roomID, env); err != nil {
			return err
		}
		topic = broadcast.WriteTopic(roomID)
	case KindClear:
		if err := r.eraseStrokes(ctx, roomID, env); err != nil {
			return err
		}
	default:
		r.log.Debug("Passing through unknown edit kind", "room", roomID, "type", env.Type)
	}

	ev := broadcast.EditEvent{Type: string(env.Type), Raw: append([]byte(nil), raw...)}
	if err := r.publisher.Publish(ctx, topic, ev); err != nil {
		return fmt.Errorf("broadcast %s to %s: %w", env.Type, topic, err)
	}
	return nil
}

func (r *Router) saveStroke(ctx context.Context, roomID string, env Envelope) error {
	strokeID, err := ParseStrokeID(env.StrokeID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	op := db.StrokeOperation{
		ID:            strokeID,
		RoomID:        roomID,
		OperationType: strokeOperationType,
		Payload:       env.Payload,
	}
	if err := r.store.SaveStrokeOperation(ctx, op); err != nil {
		return fmt.Errorf("%w: save stroke %d: %w", ErrPersistence, strokeID, err)
	}
	return nil
}

func (r *Router) replaceText(ctx context.Context, roomID string, env Envelope) error {
	snap := db.TextSnapshot{
		RoomID:  roomID,
		UserID:  userIDString(env.UserID),
		Payload: env.Payload,
	}
	if err := r.store.ReplaceTextSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("%w: replace text of room %s: %w", ErrPersistence, roomID, err)
	}
	return nil
}

func (r *Router) eraseStrokes(ctx context.Context, roomID string, env Envelope) error {
	ids, skipped := erasedStrokeIDs(env.Payload)
	for _, entry := range skipped {
		r.log.Warn("Skipping invalid erased stroke id", "room", roomID, "entry", entry)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := r.store.DeleteStrokeOperations(ctx, ids); err != nil {
		return fmt.Errorf("%w: delete %d strokes: %w", ErrPersistence, len(ids), err)
	}
	return nil
}
