// Package chat defines the domain model shared by the delivery engine:
// conversations, messages, delivery state and the outbound event envelope.
package chat

import "time"

// UserID identifies an authenticated user. Issued by the auth provider;
// the engine treats it as opaque.
type UserID string

// ConversationID identifies a conversation.
type ConversationID string

// ConnectionID identifies one live client connection (tab or device).
type ConnectionID string

// MessageKind distinguishes plain text from file-reference messages.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// Message is a sequenced conversation message. Immutable after creation
// except for the Deleted soft flag.
type Message struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	Sequence       int64          `json:"sequence"`
	Kind           MessageKind    `json:"kind"`
	Body           string         `json:"body,omitempty"`
	FileRef        string         `json:"file_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	IdempotencyKey string         `json:"-"`
	Deleted        bool           `json:"deleted,omitempty"`
}

// DeliveryStatus is the per-recipient delivery lifecycle of a message.
// It only moves forward: sent -> delivered -> read.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// rank orders statuses so monotonicity checks don't compare strings.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// AtLeast reports whether s is the same as or later than other in the
// delivery lifecycle.
func (s DeliveryStatus) AtLeast(other DeliveryStatus) bool {
	return s.rank() >= other.rank()
}

// EventKind tags an outbound event pushed to client connections.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventDelivered    EventKind = "delivered"
	EventRead         EventKind = "read"
	EventTyping       EventKind = "typing"
	EventUnread       EventKind = "unread"
	EventParticipants EventKind = "participants"
	EventSnapshot     EventKind = "snapshot"
	EventResync       EventKind = "resync_required"
)

// Event is the envelope pushed onto connection queues and, for durable
// kinds, retained in the per-conversation replay log. Sequence is the
// message's own sequence for EventMessage, otherwise the conversation's
// last_sequence at emission; clients use it as a dedup key on replay.
type Event struct {
	Kind           EventKind        `json:"kind"`
	ConversationID ConversationID   `json:"conversation_id,omitempty"`
	Sequence       int64            `json:"sequence,omitempty"`
	Message        *Message         `json:"message,omitempty"`
	UserID         UserID           `json:"user_id,omitempty"`
	Typing         bool             `json:"typing,omitempty"`
	Unread         int64            `json:"unread,omitempty"`
	TotalUnread    int64            `json:"total_unread,omitempty"`
	ReadCursors    map[UserID]int64 `json:"read_cursors,omitempty"`
	Joined         bool             `json:"joined,omitempty"`
	At             time.Time        `json:"at"`
}

// Replayable reports whether the event belongs in the catch-up replay log.
// Typing and unread events are ephemeral; a reconnecting client derives
// fresh values from the post-replay snapshot instead.
func (e Event) Replayable() bool {
	switch e.Kind {
	case EventMessage, EventRead, EventParticipants:
		return true
	}
	return false
}
