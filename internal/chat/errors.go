package chat

import "errors"

var (
	// ErrConversationNotFound is returned for operations on an unknown
	// conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotAParticipant is returned when the acting user is not a member
	// of the conversation.
	ErrNotAParticipant = errors.New("not a participant")

	// ErrSequenceConflict indicates a broken sequencing invariant. It is
	// never expected in normal operation and is logged as a defect.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrConnectionSaturated is returned when a connection's outbound
	// queue is full. Recoverable: the connection is flagged for catch-up.
	ErrConnectionSaturated = errors.New("connection saturated")

	// ErrResyncRequired is returned when a catch-up cursor falls outside
	// the replay window. The client must reload history out of band.
	ErrResyncRequired = errors.New("resync required")

	// ErrConnectionClosed is returned on pushes to an unregistered
	// connection.
	ErrConnectionClosed = errors.New("connection closed")
)
