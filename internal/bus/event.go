package bus

import "time"

// Event represents a domain event published on the bus. Payload carries a
// kind-specific struct defined by the publishing package.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." or "conn.".
const (
	KindMessageDelivered = "message.delivered"
	KindMessageRead      = "message.read"
	KindTypingChanged    = "typing.changed"
	KindUnreadChanged    = "unread.changed"
	KindParticipants     = "conversation.participants"
	KindConnState        = "conn.state_changed"
	KindResyncRequired   = "conn.resync_required"
)

// Emit is shorthand for publishing a payload under a kind with the
// current timestamp. Safe on a nil bus so components can run unwired
// in tests.
func (b *Bus) Emit(kind string, payload any) {
	if b == nil {
		return
	}
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
