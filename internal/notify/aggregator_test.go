package notify

import (
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/conversation"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/registry"
)

func testAggregator(t *testing.T) (*Aggregator, *conversation.Store, *registry.Registry) {
	t.Helper()
	convs := conversation.NewStore(3*time.Second, nil)
	if err := convs.Create("c1", false, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(16, nil, nil)
	fan := fanout.New(convs, reg, nil, 16, nil)
	return New(convs, fan, nil), convs, reg
}

func recvUnread(t *testing.T, c *registry.Conn) chat.Event {
	t.Helper()
	select {
	case evt := <-c.Events():
		if evt.Kind != chat.EventUnread {
			t.Fatalf("got %v, want unread event", evt.Kind)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unread event")
		return chat.Event{}
	}
}

func TestOnNewMessagePushesRecipientsOnly(t *testing.T) {
	a, convs, reg := testAggregator(t)
	bob := reg.Register("bob")
	alice := reg.Register("alice")

	if err := convs.CommitSequence("c1", 1); err != nil {
		t.Fatal(err)
	}
	a.OnNewMessage(&chat.Message{ConversationID: "c1", SenderID: "alice", Sequence: 1})

	evt := recvUnread(t, bob)
	if evt.Unread != 1 || evt.TotalUnread != 1 {
		t.Errorf("bob unread = %d/%d, want 1/1", evt.Unread, evt.TotalUnread)
	}

	select {
	case evt := <-alice.Events():
		t.Errorf("sender received %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnReadZeroesContribution(t *testing.T) {
	a, convs, reg := testAggregator(t)
	bob := reg.Register("bob")

	for seq := int64(1); seq <= 3; seq++ {
		if err := convs.CommitSequence("c1", seq); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := convs.MarkRead("c1", "bob", 3); err != nil {
		t.Fatal(err)
	}
	a.OnRead("c1", "bob")

	evt := recvUnread(t, bob)
	if evt.Unread != 0 || evt.TotalUnread != 0 {
		t.Errorf("unread after read = %d/%d, want 0/0", evt.Unread, evt.TotalUnread)
	}
}

func TestTotalUnreadSpansConversations(t *testing.T) {
	a, convs, _ := testAggregator(t)
	if err := convs.Create("c2", true, "bob", "carol", "dave"); err != nil {
		t.Fatal(err)
	}
	if err := convs.CommitSequence("c1", 1); err != nil {
		t.Fatal(err)
	}
	for seq := int64(1); seq <= 2; seq++ {
		if err := convs.CommitSequence("c2", seq); err != nil {
			t.Fatal(err)
		}
	}
	if got := a.TotalUnread("bob"); got != 3 {
		t.Errorf("TotalUnread = %d, want 3", got)
	}
	if n, err := a.Unread("bob", "c2"); err != nil || n != 2 {
		t.Errorf("Unread(c2) = %d, %v; want 2", n, err)
	}
}
