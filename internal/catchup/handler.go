package catchup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/chat"
	"go.uber.org/zap"
)

// ReplaySource streams retained conversation events followed by a state
// snapshot, with the subscription and the pushes serialized against
// concurrent emissions. Implemented by the fanout's replay log.
type ReplaySource interface {
	ReplayTo(id chat.ConversationID, after int64, subscribe func(), push func(chat.Event) error) error
}

// Connection is the slice of a registry connection the handler needs.
type Connection interface {
	Push(evt chat.Event) error
	Subscribe(id chat.ConversationID)
	LastAcked(id chat.ConversationID) int64
	ClearCatchup(id chat.ConversationID)
}

// Handler replays missed events to reconnecting clients.
type Handler struct {
	src    ReplaySource
	bus    *bus.Bus
	logger *zap.Logger
}

// NewHandler creates a catch-up handler over the replay source.
func NewHandler(src ReplaySource, b *bus.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{src: src, bus: b, logger: logger}
}

// Resume subscribes the connection and replays, in order, every retained
// event with sequence greater than the client's cursor, then a state
// snapshot from which the client derives read receipts and unread counts it
// missed. The effective cursor is the larger of the client-supplied one and
// the server-side ack cursor, so an overlap window at worst re-delivers
// events the client dedups by sequence. Subscription and replay run as one
// critical section inside the source: a send racing the resume either lands
// in the replayed backlog or arrives as a live push afterwards, never both
// and never ahead of the backlog.
//
// A cursor behind the replay window yields ErrResyncRequired and a resync
// event on the connection: the client must reload history out of band
// instead of streaming an unbounded backlog. If the transport dies
// mid-replay the push fails, Resume aborts cleanly and the next reconnect
// retries from the same cursor - nothing is assumed applied.
func (h *Handler) Resume(ctx context.Context, conn Connection, id chat.ConversationID, after int64) error {
	if acked := conn.LastAcked(id); acked > after {
		after = acked
	}

	pushed := 0
	err := h.src.ReplayTo(id, after,
		func() { conn.Subscribe(id) },
		func(evt chat.Event) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := conn.Push(evt); err != nil {
				return fmt.Errorf("catch-up push at seq %d: %w", evt.Sequence, err)
			}
			pushed++
			return nil
		})
	if err != nil {
		if errors.Is(err, chat.ErrResyncRequired) {
			h.logger.Info("cursor behind replay window, resync required",
				zap.String("conversation", string(id)),
				zap.Int64("cursor", after))
			resync := chat.Event{
				Kind:           chat.EventResync,
				ConversationID: id,
				At:             time.Now(),
			}
			_ = conn.Push(resync)
			h.bus.Emit(bus.KindResyncRequired, resync)
		}
		return err
	}

	conn.ClearCatchup(id)
	h.logger.Debug("catch-up complete",
		zap.String("conversation", string(id)),
		zap.Int64("cursor", after),
		zap.Int("pushed", pushed))
	return nil
}
