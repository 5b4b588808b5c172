// Package notify derives unread counters and badge-level notification
// events. Counts are computed from the read cursor and the sequence
// high-water mark every time; there is no stored counter that can drift.
package notify

import (
	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/conversation"
	"github.com/matheus3301/relay/internal/fanout"
	"go.uber.org/zap"
)

// Aggregator computes unread counts and pushes unread-changed events.
type Aggregator struct {
	convs  *conversation.Store
	fan    *fanout.Fanout
	logger *zap.Logger
}

// New creates an aggregator.
func New(convs *conversation.Store, fan *fanout.Fanout, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{convs: convs, fan: fan, logger: logger}
}

// Unread returns the user's unread count for one conversation.
func (a *Aggregator) Unread(u chat.UserID, id chat.ConversationID) (int64, error) {
	return a.convs.Unread(id, u)
}

// TotalUnread returns the user's unread count summed over every
// conversation they belong to.
func (a *Aggregator) TotalUnread(u chat.UserID) int64 {
	var total int64
	for _, id := range a.convs.ConversationsOf(u) {
		n, err := a.convs.Unread(id, u)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// OnNewMessage recomputes and pushes unread counts for every recipient of a
// new message. The sender's own tabs are skipped; their count is unchanged.
func (a *Aggregator) OnNewMessage(msg *chat.Message) {
	participants, err := a.convs.Participants(msg.ConversationID)
	if err != nil {
		a.logger.Warn("unread fanout skipped", zap.Error(err))
		return
	}
	for _, u := range participants {
		if u == msg.SenderID {
			continue
		}
		a.push(u, msg.ConversationID)
	}
}

// OnRead pushes the reader's recomputed unread count. Called synchronously
// from mark-read so the badge reflects the cursor the moment it moves.
func (a *Aggregator) OnRead(id chat.ConversationID, u chat.UserID) {
	a.push(u, id)
}

func (a *Aggregator) push(u chat.UserID, id chat.ConversationID) {
	unread, err := a.convs.Unread(id, u)
	if err != nil {
		a.logger.Warn("unread recompute failed",
			zap.String("conversation", string(id)),
			zap.String("user", string(u)),
			zap.Error(err))
		return
	}
	a.fan.Unread(u, id, unread, a.TotalUnread(u))
}
