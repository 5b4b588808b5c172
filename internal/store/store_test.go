package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMessage(conv chat.ConversationID, seq int64) *chat.Message {
	return &chat.Message{
		ID:             "m-" + string(conv) + "-" + time.Now().Format("150405.000000000"),
		ConversationID: conv,
		SenderID:       "alice",
		Sequence:       seq,
		Kind:           chat.KindText,
		Body:           "hello",
		CreatedAt:      time.Now(),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestPersistAndLoadHistory(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		m := &chat.Message{
			ID:             "m" + string(rune('0'+seq)),
			ConversationID: "conv-1",
			SenderID:       "alice",
			Sequence:       seq,
			Kind:           chat.KindText,
			Body:           "msg",
			CreatedAt:      time.Now(),
		}
		if err := db.Persist(ctx, m); err != nil {
			t.Fatalf("Persist seq %d: %v", seq, err)
		}
	}

	msgs, err := db.LoadHistory(ctx, "conv-1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Newest first.
	want := []int64{5, 4, 3}
	for i, m := range msgs {
		if m.Sequence != want[i] {
			t.Errorf("msgs[%d].Sequence = %d, want %d", i, m.Sequence, want[i])
		}
	}

	// Keyset page below the previous page.
	msgs, err = db.LoadHistory(ctx, "conv-1", 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Sequence != 2 || msgs[1].Sequence != 1 {
		t.Errorf("page = [%d, %d], want [2, 1]", msgs[0].Sequence, msgs[1].Sequence)
	}
}

func TestPersistRejectsDuplicateSequence(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.Persist(ctx, testMessage("conv-1", 1)); err != nil {
		t.Fatal(err)
	}
	err := db.Persist(ctx, testMessage("conv-1", 1))
	if err == nil {
		t.Fatal("duplicate (conversation, sequence) should fail")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "unique") {
		t.Errorf("err = %v, want unique constraint violation", err)
	}

	// Same sequence in another conversation is fine.
	if err := db.Persist(ctx, testMessage("conv-2", 1)); err != nil {
		t.Errorf("same sequence in other conversation: %v", err)
	}
}

func TestMarkDeletedKeepsRow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.Persist(ctx, testMessage("conv-1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkDeleted(ctx, "conv-1", 1); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.LoadHistory(ctx, "conv-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (soft delete keeps the row)", len(msgs))
	}
	if !msgs[0].Deleted {
		t.Error("message should carry the deleted flag")
	}
}
