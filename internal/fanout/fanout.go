// Package fanout turns new messages and state changes into pushes on every
// relevant live connection, tracks per-recipient delivery state, and feeds
// the replay log that catch-up reads from.
package fanout

import (
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/conversation"
	"github.com/matheus3301/relay/internal/registry"
	"go.uber.org/zap"
)

// Fanout delivers events. Per conversation, emission is serialized so every
// connection observes non-decreasing sequence order; different conversations
// fan out in parallel, and no ordering is promised across them.
type Fanout struct {
	convs  *conversation.Store
	reg    *registry.Registry
	bus    *bus.Bus
	logger *zap.Logger
	window int

	mu   sync.Mutex
	logs map[chat.ConversationID]*convLog
}

// New creates a fanout. window bounds each conversation's replay log.
func New(convs *conversation.Store, reg *registry.Registry, b *bus.Bus, window int, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		convs:  convs,
		reg:    reg,
		bus:    b,
		logger: logger,
		window: window,
		logs:   make(map[chat.ConversationID]*convLog),
	}
}

func (f *Fanout) logFor(id chat.ConversationID) *convLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		l = newConvLog(f.window)
		f.logs[id] = l
	}
	return l
}

// emit appends a replayable event to the log and pushes it to each target
// user's live subscribed connections, all under the conversation's log lock
// so concurrent emissions cannot interleave out of order on a queue.
func (f *Fanout) emit(evt chat.Event, targets []chat.UserID) {
	l := f.logFor(evt.ConversationID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.append(evt)
	for _, u := range targets {
		f.pushToUser(u, evt, true)
	}
}

// pushToUser pushes to every live connection of the user. A saturated queue
// is dropped, not retried: the connection flags itself needs-catch-up and
// resynchronizes on reconnect rather than stalling the pipeline.
func (f *Fanout) pushToUser(u chat.UserID, evt chat.Event, subscribedOnly bool) {
	for _, c := range f.reg.ConnectionsFor(u) {
		if subscribedOnly && !c.Subscribed(evt.ConversationID) {
			continue
		}
		if err := c.Push(evt); err != nil {
			if errors.Is(err, chat.ErrConnectionSaturated) {
				f.logger.Warn("outbound queue full, dropping live push",
					zap.String("conn", string(c.ID)),
					zap.String("conversation", string(evt.ConversationID)))
			}
			continue
		}
	}
}

// Message fans a freshly sequenced message out to all participants,
// including the sender's other tabs, and records DeliveryState(sent) per
// recipient regardless of liveness.
func (f *Fanout) Message(msg *chat.Message, tracker *Tracker) error {
	participants, err := f.convs.Participants(msg.ConversationID)
	if err != nil {
		return err
	}
	tracker.Track(msg, participants)
	f.emit(chat.Event{
		Kind:           chat.EventMessage,
		ConversationID: msg.ConversationID,
		Sequence:       msg.Sequence,
		Message:        msg,
		At:             msg.CreatedAt,
	}, participants)
	return nil
}

// Delivered announces a recipient's delivery ack to the other participants
// (typically rendered as ticks on the sender's side).
func (f *Fanout) Delivered(id chat.ConversationID, seq int64, recipient chat.UserID) error {
	participants, err := f.convs.Participants(id)
	if err != nil {
		return err
	}
	evt := chat.Event{
		Kind:           chat.EventDelivered,
		ConversationID: id,
		Sequence:       seq,
		UserID:         recipient,
		At:             time.Now(),
	}
	// Delivery ticks are ephemeral; receipts of record travel as read
	// events, so this one stays out of the replay log.
	f.emitEphemeral(evt, without(participants, recipient))
	f.bus.Emit(bus.KindMessageDelivered, evt)
	return nil
}

// Read fans a read receipt out to every participant, the reader's own other
// tabs included, stamped with the conversation's high-water mark for replay
// ordering.
func (f *Fanout) Read(id chat.ConversationID, reader chat.UserID, throughSeq int64) error {
	participants, err := f.convs.Participants(id)
	if err != nil {
		return err
	}
	last, err := f.convs.LastSequence(id)
	if err != nil {
		return err
	}
	evt := chat.Event{
		Kind:           chat.EventRead,
		ConversationID: id,
		Sequence:       last,
		UserID:         reader,
		ReadCursors:    map[chat.UserID]int64{reader: throughSeq},
		At:             time.Now(),
	}
	f.emit(evt, participants)
	f.bus.Emit(bus.KindMessageRead, evt)
	return nil
}

// Typing fans a typing change out to the other participants. Never logged,
// never replayed.
func (f *Fanout) Typing(id chat.ConversationID, user chat.UserID, active bool) error {
	participants, err := f.convs.Participants(id)
	if err != nil {
		return err
	}
	evt := chat.Event{
		Kind:           chat.EventTyping,
		ConversationID: id,
		UserID:         user,
		Typing:         active,
		At:             time.Now(),
	}
	f.emitEphemeral(evt, without(participants, user))
	f.bus.Emit(bus.KindTypingChanged, evt)
	return nil
}

// Membership fans a participant change out to the current participants.
func (f *Fanout) Membership(id chat.ConversationID, user chat.UserID, joined bool) error {
	participants, err := f.convs.Participants(id)
	if err != nil {
		return err
	}
	last, err := f.convs.LastSequence(id)
	if err != nil {
		return err
	}
	evt := chat.Event{
		Kind:           chat.EventParticipants,
		ConversationID: id,
		Sequence:       last,
		UserID:         user,
		Joined:         joined,
		At:             time.Now(),
	}
	f.emit(evt, participants)
	f.bus.Emit(bus.KindParticipants, evt)
	return nil
}

// Unread pushes a badge-level unread update to every connection of one
// user, subscribed to the conversation or not.
func (f *Fanout) Unread(u chat.UserID, id chat.ConversationID, unread, total int64) {
	evt := chat.Event{
		Kind:           chat.EventUnread,
		ConversationID: id,
		UserID:         u,
		Unread:         unread,
		TotalUnread:    total,
		At:             time.Now(),
	}
	f.pushToUser(u, evt, false)
	f.bus.Emit(bus.KindUnreadChanged, evt)
}

// emitEphemeral pushes without touching the replay log, still under the
// conversation lock to preserve ordering relative to logged events.
func (f *Fanout) emitEphemeral(evt chat.Event, targets []chat.UserID) {
	l := f.logFor(evt.ConversationID)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range targets {
		f.pushToUser(u, evt, true)
	}
}

// Replay returns the retained events after the cursor, oldest first, or
// ErrResyncRequired when the cursor fell out of the replay window.
func (f *Fanout) Replay(id chat.ConversationID, after int64) ([]chat.Event, error) {
	l := f.logFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replay(after)
}

// ReplayTo subscribes a connection and streams the retained events after
// the cursor, oldest first, then a state snapshot, all under the
// conversation's log lock. Concurrent emissions serialize against the same
// lock: anything emitted before it is in the replayed backlog and not yet
// pushed live (the subscription happens under the lock too), anything after
// arrives as a live push once replay finishes. The connection therefore
// sees each event exactly once, in sequence order, even when a send races
// the resume.
func (f *Fanout) ReplayTo(id chat.ConversationID, after int64, subscribe func(), push func(chat.Event) error) error {
	l := f.logFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	subscribe()
	evts, err := l.replay(after)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		if err := push(evt); err != nil {
			return err
		}
	}
	snap, err := f.Snapshot(id)
	if err != nil {
		return err
	}
	return push(snap)
}

// Snapshot builds the post-replay state event: current high-water mark and
// every read cursor, from which a client re-derives receipts and unread
// counts it may have missed while away.
func (f *Fanout) Snapshot(id chat.ConversationID) (chat.Event, error) {
	last, err := f.convs.LastSequence(id)
	if err != nil {
		return chat.Event{}, err
	}
	cursors, err := f.convs.ReadCursors(id)
	if err != nil {
		return chat.Event{}, err
	}
	return chat.Event{
		Kind:           chat.EventSnapshot,
		ConversationID: id,
		Sequence:       last,
		ReadCursors:    cursors,
		At:             time.Now(),
	}, nil
}

func without(users []chat.UserID, skip chat.UserID) []chat.UserID {
	out := make([]chat.UserID, 0, len(users))
	for _, u := range users {
		if u != skip {
			out = append(out, u)
		}
	}
	return out
}
