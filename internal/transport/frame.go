// Package transport exposes the delivery engine over WebSocket plus a small
// REST surface for conversation management and history.
package transport

import "github.com/matheus3301/relay/internal/chat"

// Frame is one client-to-server command on the socket.
type Frame struct {
	Type           string              `json:"type"`
	ConversationID chat.ConversationID `json:"conversation_id,omitempty"`
	Kind           chat.MessageKind    `json:"kind,omitempty"`
	Body           string              `json:"body,omitempty"`
	FileRef        string              `json:"file_ref,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Seq            int64               `json:"seq,omitempty"`
	After          int64               `json:"after,omitempty"`
	Active         bool                `json:"active,omitempty"`
}

// Frame types accepted from the client.
const (
	FrameSend     = "send"      // append a message
	FrameMarkRead = "mark_read" // advance the read cursor through Seq
	FrameTyping   = "typing"    // typing indicator on/off
	FrameResume   = "resume"    // subscribe + replay past After
	FrameLive     = "live"      // all subscriptions resumed
	FrameAck      = "ack"       // client applied events through Seq
)

// Reply is a server response to a command frame. Events themselves arrive
// as chat.Event envelopes, not replies.
type Reply struct {
	Type      string        `json:"type"`
	Op        string        `json:"op,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

// Hello is the first frame on a fresh socket. The client stores the
// connection id and presents it on reconnect to reclaim its queue.
type Hello struct {
	Type         string            `json:"type"`
	ConnectionID chat.ConnectionID `json:"connection_id"`
}
