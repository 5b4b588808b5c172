// Package conversation holds the authoritative in-memory view of
// conversations: membership, the per-conversation sequence high-water mark,
// per-participant read cursors and ephemeral typing state. It is the single
// source of truth for cursors and membership; no other component mutates
// them directly.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/chat"
	"go.uber.org/zap"
)

// record is the mutable state of one conversation. All fields are guarded
// by mu; different conversations proceed fully in parallel.
type record struct {
	mu           sync.Mutex
	id           chat.ConversationID
	group        bool
	participants map[chat.UserID]bool
	// former holds users removed from the conversation. Their read cursors
	// are retained for audit but they are excluded from fanout.
	former      map[chat.UserID]bool
	lastSeq     int64
	readCursors map[chat.UserID]int64
}

// Store is the conversation state store.
type Store struct {
	mu     sync.RWMutex
	convs  map[chat.ConversationID]*record
	byUser map[chat.UserID]map[chat.ConversationID]bool

	typingTTL time.Duration
	typingMu  sync.Mutex
	typing    map[typingKey]time.Time
	onExpire  func(chat.ConversationID, chat.UserID)
	cancel    func()

	logger *zap.Logger
}

// NewStore creates an empty store. typingTTL is how long a typing signal
// stays active without renewal.
func NewStore(typingTTL time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		convs:     make(map[chat.ConversationID]*record),
		byUser:    make(map[chat.UserID]map[chat.ConversationID]bool),
		typingTTL: typingTTL,
		typing:    make(map[typingKey]time.Time),
		logger:    logger,
	}
}

// Create registers a new conversation with the given initial participants.
func (s *Store) Create(id chat.ConversationID, group bool, participants ...chat.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; ok {
		return fmt.Errorf("conversation %s already exists", id)
	}
	r := &record{
		id:           id,
		group:        group,
		participants: make(map[chat.UserID]bool, len(participants)),
		former:       make(map[chat.UserID]bool),
		readCursors:  make(map[chat.UserID]int64, len(participants)),
	}
	for _, u := range participants {
		r.participants[u] = true
		r.readCursors[u] = 0
		s.indexUserLocked(u, id)
	}
	s.convs[id] = r
	return nil
}

func (s *Store) indexUserLocked(u chat.UserID, id chat.ConversationID) {
	if s.byUser[u] == nil {
		s.byUser[u] = make(map[chat.ConversationID]bool)
	}
	s.byUser[u][id] = true
}

func (s *Store) get(id chat.ConversationID) (*record, error) {
	s.mu.RLock()
	r, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, chat.ErrConversationNotFound
	}
	return r, nil
}

// Exists reports whether the conversation is known.
func (s *Store) Exists(id chat.ConversationID) bool {
	_, err := s.get(id)
	return err == nil
}

// IsParticipant reports whether u is a current member of the conversation.
func (s *Store) IsParticipant(id chat.ConversationID, u chat.UserID) (bool, error) {
	r, err := s.get(id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participants[u], nil
}

// Participants returns the current members of the conversation.
func (s *Store) Participants(id chat.ConversationID) ([]chat.UserID, error) {
	r, err := s.get(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.UserID, 0, len(r.participants))
	for u := range r.participants {
		out = append(out, u)
	}
	return out, nil
}

// AddParticipant adds u to the conversation. A re-added former member gets
// their historical read cursor back.
func (s *Store) AddParticipant(id chat.ConversationID, u chat.UserID) error {
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.participants[u] {
		return nil
	}
	r.participants[u] = true
	delete(r.former, u)
	if _, ok := r.readCursors[u]; !ok {
		r.readCursors[u] = 0
	}
	s.mu.Lock()
	s.indexUserLocked(u, id)
	s.mu.Unlock()
	return nil
}

// RemoveParticipant removes u from the conversation. The read cursor is
// retained for audit; u no longer receives fanout.
func (s *Store) RemoveParticipant(id chat.ConversationID, u chat.UserID) error {
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if !r.participants[u] {
		r.mu.Unlock()
		return chat.ErrNotAParticipant
	}
	delete(r.participants, u)
	r.former[u] = true
	r.mu.Unlock()

	s.mu.Lock()
	if set := s.byUser[u]; set != nil {
		delete(set, id)
	}
	s.mu.Unlock()

	s.clearTyping(id, u)
	return nil
}

// ConversationsOf returns the ids of all conversations u currently belongs to.
func (s *Store) ConversationsOf(u chat.UserID) []chat.ConversationID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.ConversationID, 0, len(s.byUser[u]))
	for id := range s.byUser[u] {
		out = append(out, id)
	}
	return out
}

// LastSequence returns the conversation's sequence high-water mark.
func (s *Store) LastSequence(id chat.ConversationID) (int64, error) {
	r, err := s.get(id)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq, nil
}

// CommitSequence advances the high-water mark to seq. The sequencer calls
// this after the durable store acked the message; seq must be exactly
// lastSeq+1, anything else is a broken invariant.
func (s *Store) CommitSequence(id chat.ConversationID, seq int64) error {
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.lastSeq+1 {
		return fmt.Errorf("commit %d on top of %d: %w", seq, r.lastSeq, chat.ErrSequenceConflict)
	}
	r.lastSeq = seq
	return nil
}

// MarkRead advances u's read cursor to throughSeq. The cursor is monotonic:
// a backward move is a no-op, reported by moved=false. The cursor is clamped
// to the high-water mark so last_read_sequence <= last_sequence always holds.
func (s *Store) MarkRead(id chat.ConversationID, u chat.UserID, throughSeq int64) (cursor int64, moved bool, err error) {
	r, err := s.get(id)
	if err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.participants[u] {
		return 0, false, chat.ErrNotAParticipant
	}
	if throughSeq > r.lastSeq {
		throughSeq = r.lastSeq
	}
	cur := r.readCursors[u]
	if throughSeq <= cur {
		return cur, false, nil
	}
	r.readCursors[u] = throughSeq
	return throughSeq, true, nil
}

// ReadCursor returns u's read cursor, including for former participants.
func (s *Store) ReadCursor(id chat.ConversationID, u chat.UserID) (int64, error) {
	r, err := s.get(id)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readCursors[u], nil
}

// ReadCursors returns a copy of every read cursor of the conversation,
// current and former participants alike.
func (s *Store) ReadCursors(id chat.ConversationID) (map[chat.UserID]int64, error) {
	r, err := s.get(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[chat.UserID]int64, len(r.readCursors))
	for u, c := range r.readCursors {
		out[u] = c
	}
	return out, nil
}

// Unread returns the number of messages u has not read in the conversation.
// Sequences are gapless, so the count is exactly lastSeq minus the cursor;
// there is no independently maintained counter that could drift.
func (s *Store) Unread(id chat.ConversationID, u chat.UserID) (int64, error) {
	r, err := s.get(id)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq - r.readCursors[u], nil
}
