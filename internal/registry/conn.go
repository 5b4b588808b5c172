package registry

import (
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/catchup"
	"github.com/matheus3301/relay/internal/chat"
)

// Conn is one live client connection (a tab or device). Events are pushed
// onto a bounded queue drained by the transport's write loop; the push path
// never blocks on a slow consumer.
type Conn struct {
	ID     chat.ConnectionID
	UserID chat.UserID
	State  *catchup.Machine

	mu         sync.Mutex
	queue      chan chat.Event
	queueSize  int
	closed     bool
	detachedAt time.Time
	subs       map[chat.ConversationID]bool
	acked      map[chat.ConversationID]int64
	stale      map[chat.ConversationID]bool
}

// Events returns the outbound queue drained by the transport.
func (c *Conn) Events() <-chan chat.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Push enqueues an event without blocking. A full queue returns
// ErrConnectionSaturated and flags the conversation for catch-up; the caller
// must not retry, resynchronization happens on reconnect. Pushes to a closed
// connection return ErrConnectionClosed.
func (c *Conn) Push(evt chat.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chat.ErrConnectionClosed
	}
	select {
	case c.queue <- evt:
		return nil
	default:
		if evt.ConversationID != "" {
			c.stale[evt.ConversationID] = true
		}
		return chat.ErrConnectionSaturated
	}
}

// Subscribe adds a conversation to this connection's subscriptions.
// Idempotent.
func (c *Conn) Subscribe(id chat.ConversationID) {
	c.mu.Lock()
	c.subs[id] = true
	c.mu.Unlock()
}

// Subscribed reports whether the connection subscribed to the conversation.
func (c *Conn) Subscribed(id chat.ConversationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

// Subscriptions returns a snapshot of subscribed conversation ids.
func (c *Conn) Subscriptions() []chat.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.ConversationID, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Ack records the client's acknowledgment cursor for a conversation.
// Cursors only move forward.
func (c *Conn) Ack(id chat.ConversationID, seq int64) {
	c.mu.Lock()
	if seq > c.acked[id] {
		c.acked[id] = seq
	}
	c.mu.Unlock()
}

// LastAcked returns the client's last acknowledged sequence for the
// conversation, zero if it never acked.
func (c *Conn) LastAcked(id chat.ConversationID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked[id]
}

// NeedsCatchup reports whether live pushes for the conversation were dropped
// since the last successful resume.
func (c *Conn) NeedsCatchup(id chat.ConversationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[id]
}

// ClearCatchup resets the needs-catch-up flag after a successful resume.
func (c *Conn) ClearCatchup(id chat.ConversationID) {
	c.mu.Lock()
	delete(c.stale, id)
	c.mu.Unlock()
}

// Closed reports whether the connection was detached or unregistered.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close shuts the queue. Buffered events are discarded by the draining
// transport noticing the close; nothing new can be enqueued.
func (c *Conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.detachedAt = time.Now()
		close(c.queue)
	}
	c.mu.Unlock()
}

// reopen gives a reattached connection a fresh queue. Cursors, stale flags
// and subscriptions survive so catch-up can resume from where it left off.
func (c *Conn) reopen() {
	c.mu.Lock()
	c.closed = false
	c.queue = make(chan chat.Event, c.queueSize)
	c.mu.Unlock()
}
