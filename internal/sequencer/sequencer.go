// Package sequencer assigns strictly increasing, gapless sequence numbers to
// messages within a conversation and enforces sender idempotency.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/conversation"
	"go.uber.org/zap"
)

// Persister is the durable append-only message store. The sequencer requires
// an ack before a message counts as sent; a failed ack fails the append and
// the sequence number is never committed.
type Persister interface {
	Persist(ctx context.Context, msg *chat.Message) error
}

// AppendRequest is one message submission.
type AppendRequest struct {
	ConversationID chat.ConversationID
	SenderID       chat.UserID
	Kind           chat.MessageKind
	Body           string
	FileRef        string
	// IdempotencyKey suppresses duplicate submissions on client retry.
	// Empty means no dedup.
	IdempotencyKey string
}

type idemKey struct {
	conv   chat.ConversationID
	sender chat.UserID
	key    string
}

// Sequencer allocates sequence numbers. Exactly one assignment is in flight
// per conversation at a time; different conversations proceed in parallel.
type Sequencer struct {
	convs  *conversation.Store
	store  Persister
	logger *zap.Logger

	mu    sync.Mutex
	locks map[chat.ConversationID]*sync.Mutex
	seen  map[idemKey]*chat.Message
}

// New creates a sequencer over the conversation store and durable store.
func New(convs *conversation.Store, store Persister, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		convs:  convs,
		store:  store,
		logger: logger,
		locks:  make(map[chat.ConversationID]*sync.Mutex),
		seen:   make(map[idemKey]*chat.Message),
	}
}

func (s *Sequencer) lockFor(id chat.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Append persists a new message and assigns it the next sequence number.
// duplicate=true means the idempotency key matched a prior submission and
// the original message is returned without allocating anything — that is a
// success, not a failure. Append blocks only on the per-conversation lock
// and the durable-store ack, never on recipient I/O.
func (s *Sequencer) Append(ctx context.Context, req AppendRequest) (msg *chat.Message, duplicate bool, err error) {
	if !s.convs.Exists(req.ConversationID) {
		return nil, false, chat.ErrConversationNotFound
	}
	ok, err := s.convs.IsParticipant(req.ConversationID, req.SenderID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, chat.ErrNotAParticipant
	}

	l := s.lockFor(req.ConversationID)
	l.Lock()
	defer l.Unlock()

	if req.IdempotencyKey != "" {
		key := idemKey{conv: req.ConversationID, sender: req.SenderID, key: req.IdempotencyKey}
		s.mu.Lock()
		prior := s.seen[key]
		s.mu.Unlock()
		if prior != nil {
			s.logger.Debug("duplicate suppressed",
				zap.String("conversation", string(req.ConversationID)),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("sequence", prior.Sequence))
			return prior, true, nil
		}
	}

	last, err := s.convs.LastSequence(req.ConversationID)
	if err != nil {
		return nil, false, err
	}

	msg = &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Sequence:       last + 1,
		Kind:           req.Kind,
		Body:           req.Body,
		FileRef:        req.FileRef,
		CreatedAt:      time.Now(),
		IdempotencyKey: req.IdempotencyKey,
	}

	// No ack, no message: the sequence number is only committed after the
	// durable store accepted it, so a failed persist leaves no gap.
	if err := s.store.Persist(ctx, msg); err != nil {
		return nil, false, fmt.Errorf("persist message: %w", err)
	}

	if err := s.convs.CommitSequence(req.ConversationID, msg.Sequence); err != nil {
		// Cannot happen while the per-conversation lock is held; if it
		// does, sequencing is broken and this is a defect.
		s.logger.Error("sequence commit failed",
			zap.String("conversation", string(req.ConversationID)),
			zap.Int64("sequence", msg.Sequence),
			zap.Error(err))
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		key := idemKey{conv: req.ConversationID, sender: req.SenderID, key: req.IdempotencyKey}
		s.mu.Lock()
		s.seen[key] = msg
		s.mu.Unlock()
	}

	return msg, false, nil
}
