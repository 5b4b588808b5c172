package conversation

import (
	"context"
	"time"

	"github.com/matheus3301/relay/internal/chat"
	"go.uber.org/zap"
)

// typingKey identifies one user's typing state in one conversation.
type typingKey struct {
	conv chat.ConversationID
	user chat.UserID
}

// SetTyping records or clears u's typing state. An active signal renews the
// expiry; changed reports whether observers need to be told (a renewal of an
// already-active state is not a change). Typing state is ephemeral and never
// persisted.
func (s *Store) SetTyping(id chat.ConversationID, u chat.UserID, active bool) (changed bool, err error) {
	ok, err := s.IsParticipant(id, u)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, chat.ErrNotAParticipant
	}

	key := typingKey{conv: id, user: u}
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	_, present := s.typing[key]
	if active {
		s.typing[key] = time.Now().Add(s.typingTTL)
		return !present, nil
	}
	delete(s.typing, key)
	return present, nil
}

// TypingUsers returns the users currently typing in the conversation,
// skipping entries that have expired but not yet been swept.
func (s *Store) TypingUsers(id chat.ConversationID) []chat.UserID {
	now := time.Now()
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	var out []chat.UserID
	for key, expires := range s.typing {
		if key.conv == id && expires.After(now) {
			out = append(out, key.user)
		}
	}
	return out
}

func (s *Store) clearTyping(id chat.ConversationID, u chat.UserID) {
	s.typingMu.Lock()
	delete(s.typing, typingKey{conv: id, user: u})
	s.typingMu.Unlock()
}

// OnTypingExpired registers the callback invoked for each typing state the
// sweep expires. Set once, before the sweep starts.
func (s *Store) OnTypingExpired(fn func(chat.ConversationID, chat.UserID)) {
	s.onExpire = fn
}

// StartTypingSweep runs the periodic expiry sweep until the context is
// cancelled or StopTypingSweep is called.
func (s *Store) StartTypingSweep(ctx context.Context, interval time.Duration) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepTyping(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopTypingSweep stops the sweep loop.
func (s *Store) StopTypingSweep() {
	if s.cancel != nil {
		s.cancel()
	}
}

// sweepTyping expires stale typing state. Each expired entry is deleted
// under the lock before its callback fires, so a second sweep pass cannot
// emit a second stopped-typing event for the same expiry.
func (s *Store) sweepTyping(now time.Time) int {
	s.typingMu.Lock()
	var expired []typingKey
	for key, expires := range s.typing {
		if !expires.After(now) {
			delete(s.typing, key)
			expired = append(expired, key)
		}
	}
	s.typingMu.Unlock()

	for _, key := range expired {
		s.logger.Debug("typing expired",
			zap.String("conversation", string(key.conv)),
			zap.String("user", string(key.user)))
		if s.onExpire != nil {
			s.onExpire(key.conv, key.user)
		}
	}
	return len(expired)
}
