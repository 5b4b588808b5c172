// Package engine is the facade the transport talks to. It wires the
// sequencer, conversation store, fanout, notification aggregator and
// catch-up handler into one control flow: a client action enters the
// sequencer (messages) or the conversation store (read/typing), which
// triggers fanout to live connections and unread recomputation.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/relay/internal/catchup"
	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/conversation"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/notify"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/sequencer"
	"go.uber.org/zap"
)

// Options carries the engine's background-loop tunables.
type Options struct {
	TypingSweepInterval time.Duration
	ReconnectWindow     time.Duration
	ReapInterval        time.Duration
}

// Engine coordinates the delivery core.
type Engine struct {
	convs   *conversation.Store
	seq     *sequencer.Sequencer
	reg     *registry.Registry
	fan     *fanout.Fanout
	tracker *fanout.Tracker
	agg     *notify.Aggregator
	catchup *catchup.Handler
	opts    Options
	logger  *zap.Logger
}

// New wires the engine. The typing sweep's expiry callback fans a synthetic
// stopped-typing event out exactly once per expiry.
func New(
	convs *conversation.Store,
	seq *sequencer.Sequencer,
	reg *registry.Registry,
	fan *fanout.Fanout,
	tracker *fanout.Tracker,
	agg *notify.Aggregator,
	handler *catchup.Handler,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		convs:   convs,
		seq:     seq,
		reg:     reg,
		fan:     fan,
		tracker: tracker,
		agg:     agg,
		catchup: handler,
		opts:    opts,
		logger:  logger,
	}
	convs.OnTypingExpired(func(id chat.ConversationID, u chat.UserID) {
		if err := fan.Typing(id, u, false); err != nil {
			logger.Warn("typing expiry fanout failed", zap.Error(err))
		}
	})
	return e
}

// Start launches the typing sweep and the detached-connection reaper.
func (e *Engine) Start(ctx context.Context) {
	e.convs.StartTypingSweep(ctx, e.opts.TypingSweepInterval)
	e.reg.StartReaper(ctx, e.opts.ReconnectWindow, e.opts.ReapInterval)
}

// Stop halts the background loops.
func (e *Engine) Stop() {
	e.convs.StopTypingSweep()
	e.reg.StopReaper()
}

// CreateConversation registers a conversation and announces the initial
// membership to any participant already online.
func (e *Engine) CreateConversation(group bool, participants ...chat.UserID) (chat.ConversationID, error) {
	id := chat.ConversationID(uuid.NewString())
	if err := e.convs.Create(id, group, participants...); err != nil {
		return "", err
	}
	e.logger.Info("conversation created",
		zap.String("conversation", string(id)),
		zap.Bool("group", group),
		zap.Int("participants", len(participants)))
	return id, nil
}

// AddParticipant adds a member and fans the change out.
func (e *Engine) AddParticipant(id chat.ConversationID, u chat.UserID) error {
	if err := e.convs.AddParticipant(id, u); err != nil {
		return err
	}
	return e.fan.Membership(id, u, true)
}

// RemoveParticipant removes a member and fans the change out to the
// remaining participants.
func (e *Engine) RemoveParticipant(id chat.ConversationID, u chat.UserID) error {
	if err := e.convs.RemoveParticipant(id, u); err != nil {
		return err
	}
	return e.fan.Membership(id, u, false)
}

// Send appends a message and, unless the idempotency key suppressed a
// duplicate, fans it out and recomputes recipient unread counts. A
// suppressed duplicate returns the original message and triggers no second
// delivery.
func (e *Engine) Send(ctx context.Context, req sequencer.AppendRequest) (*chat.Message, bool, error) {
	msg, duplicate, err := e.seq.Append(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		return msg, true, nil
	}
	if err := e.fan.Message(msg, e.tracker); err != nil {
		return nil, false, err
	}
	e.agg.OnNewMessage(msg)
	return msg, false, nil
}

// MarkRead advances the read cursor. On a forward move it upgrades delivery
// state to read, fans the receipt out to every participant (the reader's
// other tabs included) and synchronously pushes the reader's new unread
// count. A backward or repeated mark is a no-op.
func (e *Engine) MarkRead(id chat.ConversationID, u chat.UserID, throughSeq int64) error {
	cursor, moved, err := e.convs.MarkRead(id, u, throughSeq)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	e.tracker.MarkReadThrough(id, cursor, u)
	if err := e.fan.Read(id, u, cursor); err != nil {
		return err
	}
	e.agg.OnRead(id, u)
	return nil
}

// SetTyping records a typing signal and fans out actual changes. Renewals
// of an already-active signal stay quiet.
func (e *Engine) SetTyping(id chat.ConversationID, u chat.UserID, active bool) error {
	changed, err := e.convs.SetTyping(id, u, active)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return e.fan.Typing(id, u, active)
}

// AckDelivered records a client's delivery ack for everything through seq:
// the connection cursor moves and the per-message delivery state upgrades,
// announcing each first-time delivery to the other participants.
func (e *Engine) AckDelivered(conn *registry.Conn, id chat.ConversationID, seq int64) error {
	conn.Ack(id, seq)
	if e.tracker.MarkDelivered(id, seq, conn.UserID) {
		return e.fan.Delivered(id, seq, conn.UserID)
	}
	return nil
}

// Attach registers a connection for the user, reviving the previous one
// when the client presents its id within the reconnect window.
func (e *Engine) Attach(u chat.UserID, resume chat.ConnectionID) *registry.Conn {
	if resume != "" {
		if c := e.reg.Reattach(resume, u); c != nil {
			return c
		}
		// Window elapsed or unknown id: fall through to a fresh
		// connection; the client's resume cursors still apply.
	}
	return e.reg.Register(u)
}

// Detach takes the connection out of live service, keeping it reattachable
// for the reconnect window.
func (e *Engine) Detach(id chat.ConnectionID) {
	e.reg.Detach(id)
}

// Close destroys the connection outright (clean client shutdown).
func (e *Engine) Close(id chat.ConnectionID) {
	e.reg.Unregister(id)
}

// IsParticipant reports whether u currently belongs to the conversation.
func (e *Engine) IsParticipant(id chat.ConversationID, u chat.UserID) bool {
	ok, err := e.convs.IsParticipant(id, u)
	return err == nil && ok
}

// Resume subscribes the connection to a conversation and replays everything
// past the client's cursor. Only participants may subscribe. The handler
// performs the subscription itself, atomically with the replay, so that a
// concurrent send cannot slip between the two.
func (e *Engine) Resume(ctx context.Context, conn *registry.Conn, id chat.ConversationID, after int64) error {
	ok, err := e.convs.IsParticipant(id, conn.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return chat.ErrNotAParticipant
	}
	return e.catchup.Resume(ctx, conn, id, after)
}

// GoLive transitions the connection to Live once the client finished
// resuming its subscriptions.
func (e *Engine) GoLive(conn *registry.Conn) error {
	return conn.State.Transition(catchup.Live)
}
