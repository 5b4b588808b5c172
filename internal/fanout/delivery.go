package fanout

import (
	"sync"

	"github.com/matheus3301/relay/internal/chat"
)

// Tracker holds per-recipient delivery state, keyed by conversation and
// sequence. State only moves forward: sent -> delivered -> read. Retention
// is bounded the same way as the replay log: once a conversation moves
// window sequences past an entry it is evicted, and late acks for it are
// ignored (the client resynchronizes history out of band by then anyway).
type Tracker struct {
	mu     sync.Mutex
	window int
	byConv map[chat.ConversationID]*convDelivery
}

type convDelivery struct {
	entries map[int64]*deliveryEntry
	// floor is the lowest sequence still tracked. Sequences are gapless,
	// so eviction advances it one step at a time.
	floor int64
}

type deliveryEntry struct {
	messageID string
	sender    chat.UserID
	statuses  map[chat.UserID]chat.DeliveryStatus
}

// NewTracker creates an empty tracker retaining delivery state for the most
// recent window sequences per conversation.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = 1024
	}
	return &Tracker{
		window: window,
		byConv: make(map[chat.ConversationID]*convDelivery),
	}
}

// Track creates DeliveryState(sent) entries for every recipient of a freshly
// appended message, whether or not any of their connections is live, and
// evicts entries that fell out of the retention window.
func (t *Tracker) Track(msg *chat.Message, recipients []chat.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cd := t.byConv[msg.ConversationID]
	if cd == nil {
		cd = &convDelivery{entries: make(map[int64]*deliveryEntry), floor: msg.Sequence}
		t.byConv[msg.ConversationID] = cd
	}
	e := cd.entries[msg.Sequence]
	if e == nil {
		e = &deliveryEntry{
			messageID: msg.ID,
			sender:    msg.SenderID,
			statuses:  make(map[chat.UserID]chat.DeliveryStatus),
		}
		cd.entries[msg.Sequence] = e
	}
	for _, u := range recipients {
		if u == msg.SenderID {
			continue
		}
		if _, ok := e.statuses[u]; !ok {
			e.statuses[u] = chat.DeliverySent
		}
	}
	for cd.floor <= msg.Sequence-int64(t.window) {
		delete(cd.entries, cd.floor)
		cd.floor++
	}
}

// MarkDelivered upgrades (conversation, seq, recipient) to delivered.
// Returns false if the entry is unknown or already delivered or read.
func (t *Tracker) MarkDelivered(conv chat.ConversationID, seq int64, recipient chat.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(conv, seq)
	if e == nil {
		return false
	}
	cur, ok := e.statuses[recipient]
	if !ok || cur.AtLeast(chat.DeliveryDelivered) {
		return false
	}
	e.statuses[recipient] = chat.DeliveryDelivered
	return true
}

// MarkReadThrough upgrades every tracked sequence up to and including
// throughSeq to read for the recipient, and returns the sequences that
// changed. Read implies delivered; already-read entries never regress.
func (t *Tracker) MarkReadThrough(conv chat.ConversationID, throughSeq int64, recipient chat.UserID) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cd := t.byConv[conv]
	if cd == nil {
		return nil
	}
	var changed []int64
	for seq, e := range cd.entries {
		if seq > throughSeq {
			continue
		}
		cur, ok := e.statuses[recipient]
		if !ok || cur == chat.DeliveryRead {
			continue
		}
		e.statuses[recipient] = chat.DeliveryRead
		changed = append(changed, seq)
	}
	return changed
}

// Status returns the recipient's delivery status for a sequence, or "" if
// untracked.
func (t *Tracker) Status(conv chat.ConversationID, seq int64, recipient chat.UserID) chat.DeliveryStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(conv, seq)
	if e == nil {
		return ""
	}
	return e.statuses[recipient]
}

// Sender returns the tracked message's sender, or "" if untracked.
func (t *Tracker) Sender(conv chat.ConversationID, seq int64) chat.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(conv, seq)
	if e == nil {
		return ""
	}
	return e.sender
}

func (t *Tracker) entry(conv chat.ConversationID, seq int64) *deliveryEntry {
	if cd := t.byConv[conv]; cd != nil {
		return cd.entries[seq]
	}
	return nil
}
