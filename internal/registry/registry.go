// Package registry maps users to their live connections. A user may have
// several connections at once (tabs, devices); every push reaches all of
// them so open tabs stay in sync with each other.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/catchup"
	"github.com/matheus3301/relay/internal/chat"
	"go.uber.org/zap"
)

// Registry tracks live and recently-detached connections.
type Registry struct {
	queueSize int
	bus       *bus.Bus
	logger    *zap.Logger

	mu       sync.RWMutex
	conns    map[chat.ConnectionID]*Conn
	byUser   map[chat.UserID]map[chat.ConnectionID]*Conn
	detached map[chat.ConnectionID]*Conn

	cancel func()
}

// New creates a registry. queueSize bounds each connection's outbound queue.
func New(queueSize int, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		queueSize: queueSize,
		bus:       b,
		logger:    logger,
		conns:     make(map[chat.ConnectionID]*Conn),
		byUser:    make(map[chat.UserID]map[chat.ConnectionID]*Conn),
		detached:  make(map[chat.ConnectionID]*Conn),
	}
}

// Register creates a connection for an already-authenticated user. The
// connection starts in the Connecting state; the catch-up handler moves it
// to Live once resume completes.
func (r *Registry) Register(userID chat.UserID) *Conn {
	id := chat.ConnectionID(uuid.NewString())
	c := &Conn{
		ID:        id,
		UserID:    userID,
		State:     catchup.NewMachine(id, r.bus),
		queue:     make(chan chat.Event, r.queueSize),
		queueSize: r.queueSize,
		subs:      make(map[chat.ConversationID]bool),
		acked:     make(map[chat.ConversationID]int64),
		stale:     make(map[chat.ConversationID]bool),
	}
	r.mu.Lock()
	r.conns[id] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[chat.ConnectionID]*Conn)
	}
	r.byUser[userID][id] = c
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		zap.String("conn", string(id)), zap.String("user", string(userID)))
	return c
}

// Reattach revives a detached connection for the same client, keeping its
// cursors and subscriptions so replay starts from the old position. Returns
// nil if the connection was abandoned or never existed.
func (r *Registry) Reattach(id chat.ConnectionID, userID chat.UserID) *Conn {
	r.mu.Lock()
	c, ok := r.detached[id]
	if !ok || c.UserID != userID {
		r.mu.Unlock()
		return nil
	}
	delete(r.detached, id)
	r.conns[id] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[chat.ConnectionID]*Conn)
	}
	r.byUser[userID][id] = c
	r.mu.Unlock()

	c.reopen()
	if err := c.State.Transition(catchup.Reconnecting); err != nil {
		r.logger.Warn("reattach transition failed",
			zap.String("conn", string(id)), zap.Error(err))
	}
	r.logger.Debug("connection reattached", zap.String("conn", string(id)))
	return c
}

// Get returns a live connection by id.
func (r *Registry) Get(id chat.ConnectionID) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// ConnectionsFor returns all live connections of a user.
func (r *Registry) ConnectionsFor(userID chat.UserID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Detach takes a connection out of live service after its transport dropped.
// No further pushes are attempted; the connection is kept for a reconnect
// window so the same client can resume with its cursors intact.
func (r *Registry) Detach(id chat.ConnectionID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	r.removeFromUserLocked(c)
	r.detached[id] = c
	r.mu.Unlock()

	c.close()
	if err := c.State.Transition(catchup.Disconnected); err != nil {
		r.logger.Warn("detach transition failed",
			zap.String("conn", string(id)), zap.Error(err))
	}
	r.logger.Debug("connection detached", zap.String("conn", string(id)))
}

// Unregister destroys a connection outright (clean client shutdown).
func (r *Registry) Unregister(id chat.ConnectionID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		r.removeFromUserLocked(c)
	} else if c, ok = r.detached[id]; ok {
		delete(r.detached, id)
	}
	r.mu.Unlock()
	if c == nil {
		return
	}

	c.close()
	if err := c.State.Transition(catchup.Abandoned); err != nil {
		r.logger.Warn("unregister transition failed",
			zap.String("conn", string(id)), zap.Error(err))
	}
	r.logger.Debug("connection unregistered", zap.String("conn", string(id)))
}

func (r *Registry) removeFromUserLocked(c *Conn) {
	if set := r.byUser[c.UserID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
}

// StartReaper periodically abandons detached connections whose reconnect
// window elapsed.
func (r *Registry) StartReaper(ctx context.Context, window, interval time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reap(time.Now().Add(-window))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopReaper stops the reaper loop.
func (r *Registry) StopReaper() {
	if r.cancel != nil {
		r.cancel()
	}
}

// reap abandons detached connections older than the cutoff. Returns how
// many were dropped.
func (r *Registry) reap(cutoff time.Time) int {
	r.mu.Lock()
	var stale []*Conn
	for id, c := range r.detached {
		c.mu.Lock()
		old := c.detachedAt.Before(cutoff)
		c.mu.Unlock()
		if old {
			delete(r.detached, id)
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		if err := c.State.Transition(catchup.Abandoned); err != nil {
			r.logger.Warn("reap transition failed",
				zap.String("conn", string(c.ID)), zap.Error(err))
		}
		r.logger.Debug("connection abandoned", zap.String("conn", string(c.ID)))
	}
	return len(stale)
}
