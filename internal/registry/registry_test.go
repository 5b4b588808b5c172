package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/catchup"
	"github.com/matheus3301/relay/internal/chat"
)

func TestRegisterMultipleConnections(t *testing.T) {
	r := New(8, nil, nil)
	c1 := r.Register("alice")
	c2 := r.Register("alice")
	if c1.ID == c2.ID {
		t.Fatal("connections must get distinct ids")
	}
	if got := len(r.ConnectionsFor("alice")); got != 2 {
		t.Errorf("ConnectionsFor = %d conns, want 2", got)
	}
	if c1.State.Current() != catchup.Connecting {
		t.Errorf("initial state = %s, want CONNECTING", c1.State.Current())
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	r := New(8, nil, nil)
	c := r.Register("alice")
	c.Subscribe("c1")
	c.Subscribe("c1")
	if subs := c.Subscriptions(); len(subs) != 1 || subs[0] != "c1" {
		t.Errorf("subscriptions = %v, want [c1]", subs)
	}
	if !c.Subscribed("c1") || c.Subscribed("c2") {
		t.Error("Subscribed membership wrong")
	}
}

func TestPushAfterUnregister(t *testing.T) {
	r := New(8, nil, nil)
	c := r.Register("alice")
	_ = c.State.Transition(catchup.Live)
	r.Unregister(c.ID)

	if err := c.Push(chat.Event{Kind: chat.EventMessage}); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("push after unregister = %v, want ErrConnectionClosed", err)
	}
	if got := len(r.ConnectionsFor("alice")); got != 0 {
		t.Errorf("ConnectionsFor = %d conns, want 0", got)
	}
	if c.State.Current() != catchup.Abandoned {
		t.Errorf("state = %s, want ABANDONED", c.State.Current())
	}
}

func TestPushSaturationFlagsCatchup(t *testing.T) {
	r := New(2, nil, nil)
	c := r.Register("alice")

	for i := 0; i < 2; i++ {
		if err := c.Push(chat.Event{Kind: chat.EventMessage, ConversationID: "c1"}); err != nil {
			t.Fatal(err)
		}
	}
	err := c.Push(chat.Event{Kind: chat.EventMessage, ConversationID: "c1"})
	if !errors.Is(err, chat.ErrConnectionSaturated) {
		t.Fatalf("overflow push = %v, want ErrConnectionSaturated", err)
	}
	if !c.NeedsCatchup("c1") {
		t.Error("saturated conversation must be flagged for catch-up")
	}
	c.ClearCatchup("c1")
	if c.NeedsCatchup("c1") {
		t.Error("ClearCatchup did not reset the flag")
	}
}

func TestAckMonotonic(t *testing.T) {
	r := New(8, nil, nil)
	c := r.Register("alice")
	c.Ack("c1", 5)
	c.Ack("c1", 3)
	if got := c.LastAcked("c1"); got != 5 {
		t.Errorf("LastAcked = %d, want 5", got)
	}
}

func TestDetachAndReattachKeepsCursors(t *testing.T) {
	r := New(8, nil, nil)
	c := r.Register("alice")
	_ = c.State.Transition(catchup.Live)
	c.Subscribe("c1")
	c.Ack("c1", 5)

	r.Detach(c.ID)
	if c.State.Current() != catchup.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", c.State.Current())
	}
	if err := c.Push(chat.Event{Kind: chat.EventMessage}); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("push after detach = %v, want ErrConnectionClosed", err)
	}

	got := r.Reattach(c.ID, "alice")
	if got == nil {
		t.Fatal("Reattach returned nil for a detached connection")
	}
	if got.State.Current() != catchup.Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", got.State.Current())
	}
	if got.LastAcked("c1") != 5 || !got.Subscribed("c1") {
		t.Error("cursors and subscriptions must survive reattach")
	}
	if err := got.Push(chat.Event{Kind: chat.EventMessage, ConversationID: "c1"}); err != nil {
		t.Errorf("push after reattach = %v", err)
	}
}

func TestReattachWrongUser(t *testing.T) {
	r := New(8, nil, nil)
	c := r.Register("alice")
	r.Detach(c.ID)
	if got := r.Reattach(c.ID, "mallory"); got != nil {
		t.Error("Reattach must not hand a connection to another user")
	}
}

func TestReapAbandonsStaleDetached(t *testing.T) {
	r := New(8, nil, nil)
	c := r.Register("alice")
	r.Detach(c.ID)

	// Cutoff in the past: connection is still within the window.
	if n := r.reap(time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("reap dropped %d, want 0", n)
	}
	// Cutoff in the future: window elapsed.
	if n := r.reap(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("reap dropped %d, want 1", n)
	}
	if c.State.Current() != catchup.Abandoned {
		t.Errorf("state = %s, want ABANDONED", c.State.Current())
	}
	if got := r.Reattach(c.ID, "alice"); got != nil {
		t.Error("abandoned connection must not be reattachable")
	}
}
