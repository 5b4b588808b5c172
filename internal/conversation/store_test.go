package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/chat"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(3*time.Second, nil)
	if err := s.Create("c1", false, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateDuplicate(t *testing.T) {
	s := testStore(t)
	if err := s.Create("c1", false, "alice"); err == nil {
		t.Error("creating an existing conversation should fail")
	}
}

func TestUnknownConversation(t *testing.T) {
	s := testStore(t)
	if _, err := s.Participants("nope"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
	if _, _, err := s.MarkRead("nope", "alice", 1); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestCommitSequence(t *testing.T) {
	s := testStore(t)
	if err := s.CommitSequence("c1", 1); err != nil {
		t.Fatal(err)
	}
	last, err := s.LastSequence("c1")
	if err != nil || last != 1 {
		t.Fatalf("last = %d, %v; want 1", last, err)
	}

	// Skipping a number is an invariant violation.
	if err := s.CommitSequence("c1", 3); !errors.Is(err, chat.ErrSequenceConflict) {
		t.Errorf("gap commit err = %v, want ErrSequenceConflict", err)
	}
	// So is re-committing.
	if err := s.CommitSequence("c1", 1); !errors.Is(err, chat.ErrSequenceConflict) {
		t.Errorf("replay commit err = %v, want ErrSequenceConflict", err)
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	s := testStore(t)
	for i := int64(1); i <= 5; i++ {
		if err := s.CommitSequence("c1", i); err != nil {
			t.Fatal(err)
		}
	}

	cursor, moved, err := s.MarkRead("c1", "bob", 3)
	if err != nil || !moved || cursor != 3 {
		t.Fatalf("MarkRead(3) = %d, %v, %v; want 3, true, nil", cursor, moved, err)
	}

	// Backward move is a no-op.
	cursor, moved, err = s.MarkRead("c1", "bob", 2)
	if err != nil || moved || cursor != 3 {
		t.Fatalf("MarkRead(2) = %d, %v, %v; want 3, false, nil", cursor, moved, err)
	}

	// Cursor is clamped to the high-water mark.
	cursor, moved, err = s.MarkRead("c1", "bob", 99)
	if err != nil || !moved || cursor != 5 {
		t.Fatalf("MarkRead(99) = %d, %v, %v; want 5, true, nil", cursor, moved, err)
	}

	unread, err := s.Unread("c1", "bob")
	if err != nil || unread != 0 {
		t.Fatalf("unread = %d, %v; want 0", unread, err)
	}
}

func TestMarkReadNonParticipant(t *testing.T) {
	s := testStore(t)
	if _, _, err := s.MarkRead("c1", "mallory", 1); !errors.Is(err, chat.ErrNotAParticipant) {
		t.Errorf("err = %v, want ErrNotAParticipant", err)
	}
}

func TestUnreadMatchesDefinition(t *testing.T) {
	s := testStore(t)

	// Arbitrary interleaving of sends and reads; unread must always equal
	// lastSeq - cursor recomputed independently.
	type step struct {
		send bool
		read int64
	}
	steps := []step{
		{send: true}, {send: true}, {read: 1}, {send: true},
		{read: 3}, {send: true}, {send: true}, {read: 2},
	}
	var last, cursor int64
	for i, st := range steps {
		if st.send {
			last++
			if err := s.CommitSequence("c1", last); err != nil {
				t.Fatal(err)
			}
		} else {
			got, _, err := s.MarkRead("c1", "bob", st.read)
			if err != nil {
				t.Fatal(err)
			}
			if st.read > cursor && st.read <= last {
				cursor = st.read
			}
			if got != cursor {
				t.Fatalf("step %d: cursor = %d, want %d", i, got, cursor)
			}
		}
		unread, err := s.Unread("c1", "bob")
		if err != nil {
			t.Fatal(err)
		}
		if unread != last-cursor {
			t.Fatalf("step %d: unread = %d, want %d", i, unread, last-cursor)
		}
	}
}

func TestRemoveParticipantKeepsCursor(t *testing.T) {
	s := testStore(t)
	if err := s.CommitSequence("c1", 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.MarkRead("c1", "bob", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveParticipant("c1", "bob"); err != nil {
		t.Fatal(err)
	}

	parts, err := s.Participants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0] != "alice" {
		t.Errorf("participants = %v, want [alice]", parts)
	}

	// Historical cursor survives removal for audit.
	cursor, err := s.ReadCursor("c1", "bob")
	if err != nil || cursor != 1 {
		t.Errorf("cursor after removal = %d, %v; want 1", cursor, err)
	}

	// But a former member may no longer move it.
	if _, _, err := s.MarkRead("c1", "bob", 1); !errors.Is(err, chat.ErrNotAParticipant) {
		t.Errorf("err = %v, want ErrNotAParticipant", err)
	}
	if ids := s.ConversationsOf("bob"); len(ids) != 0 {
		t.Errorf("ConversationsOf(bob) = %v, want empty", ids)
	}
}

func TestAddParticipantIdempotentAndRejoin(t *testing.T) {
	s := testStore(t)
	if err := s.AddParticipant("c1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitSequence("c1", 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.MarkRead("c1", "bob", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveParticipant("c1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddParticipant("c1", "bob"); err != nil {
		t.Fatal(err)
	}
	cursor, err := s.ReadCursor("c1", "bob")
	if err != nil || cursor != 1 {
		t.Errorf("rejoin cursor = %d, %v; want 1", cursor, err)
	}
}
