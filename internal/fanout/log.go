package fanout

import (
	"sync"

	"github.com/matheus3301/relay/internal/chat"
)

// convLog is the bounded per-conversation replay log backing catch-up.
// Only replayable events (messages, read receipts, membership changes) are
// retained; typing and unread events are re-derived on reconnect.
type convLog struct {
	mu     sync.Mutex
	cap    int
	events []chat.Event
	// minSeq is the lowest message sequence still fully replayable. Once
	// eviction passes a message, cursors behind it can only resync.
	minSeq int64
}

func newConvLog(capacity int) *convLog {
	return &convLog{cap: capacity, minSeq: 1}
}

// append retains a replayable event, evicting the oldest entries beyond
// capacity. Callers hold mu via emit.
func (l *convLog) append(evt chat.Event) {
	if !evt.Replayable() {
		return
	}
	l.events = append(l.events, evt)
	for len(l.events) > l.cap {
		evicted := l.events[0]
		l.events = l.events[1:]
		if evicted.Kind == chat.EventMessage {
			l.minSeq = evicted.Sequence + 1
		}
	}
}

// replay returns, in order, the retained events with sequence greater than
// after. A cursor behind the retention floor cannot be caught up over the
// live channel and gets ErrResyncRequired instead.
func (l *convLog) replay(after int64) ([]chat.Event, error) {
	if after+1 < l.minSeq {
		return nil, chat.ErrResyncRequired
	}
	var out []chat.Event
	for _, evt := range l.events {
		if evt.Sequence > after {
			out = append(out, evt)
		}
	}
	return out, nil
}
