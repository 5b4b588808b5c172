package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/engine"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/sequencer"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

// Client owns one WebSocket for the lifetime of its pumps. The registry
// connection outlives the socket: a dropped socket detaches the connection
// and a later socket can reattach to it.
type Client struct {
	eng     *engine.Engine
	ws      *websocket.Conn
	conn    *registry.Conn
	replies chan []byte
	logger  *zap.Logger
}

func newClient(eng *engine.Engine, ws *websocket.Conn, conn *registry.Conn, logger *zap.Logger) *Client {
	return &Client{
		eng:     eng,
		ws:      ws,
		conn:    conn,
		replies: make(chan []byte, 16),
		logger:  logger.With(zap.String("conn_id", string(conn.ID)), zap.String("user_id", string(conn.UserID))),
	}
}

// run starts both pumps and blocks until the read side ends.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.eng.Detach(c.conn.ID)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("socket read failed", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.reply(Reply{Type: "error", Error: "malformed frame"})
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	ctx := context.Background()
	switch f.Type {
	case FrameSend:
		msg, dup, err := c.eng.Send(ctx, sequencer.AppendRequest{
			ConversationID: f.ConversationID,
			SenderID:       c.conn.UserID,
			Kind:           f.Kind,
			Body:           f.Body,
			FileRef:        f.FileRef,
			IdempotencyKey: f.IdempotencyKey,
		})
		if err != nil {
			c.fail(f.Type, err)
			return
		}
		c.reply(Reply{Type: "ok", Op: f.Type, Message: msg, Duplicate: dup})
	case FrameMarkRead:
		if err := c.eng.MarkRead(f.ConversationID, c.conn.UserID, f.Seq); err != nil {
			c.fail(f.Type, err)
		}
	case FrameTyping:
		if err := c.eng.SetTyping(f.ConversationID, c.conn.UserID, f.Active); err != nil {
			c.fail(f.Type, err)
		}
	case FrameResume:
		if err := c.eng.Resume(ctx, c.conn, f.ConversationID, f.After); err != nil {
			c.fail(f.Type, err)
			return
		}
		c.reply(Reply{Type: "ok", Op: f.Type})
	case FrameLive:
		if err := c.eng.GoLive(c.conn); err != nil {
			c.fail(f.Type, err)
			return
		}
		c.reply(Reply{Type: "ok", Op: f.Type})
	case FrameAck:
		if err := c.eng.AckDelivered(c.conn, f.ConversationID, f.Seq); err != nil {
			c.fail(f.Type, err)
		}
	default:
		c.reply(Reply{Type: "error", Op: f.Type, Error: "unknown frame type"})
	}
}

func (c *Client) fail(op string, err error) {
	c.reply(Reply{Type: "error", Op: op, Error: err.Error()})
}

// reply queues a command response. Replies share the writer with event
// pushes; a full reply queue drops the reply rather than blocking dispatch.
func (c *Client) reply(r Reply) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.replies <- raw:
	default:
		c.logger.Warn("reply queue full, dropping reply", zap.String("op", r.Op))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case evt, ok := <-c.conn.Events():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Registry closed the connection (unregister or reap).
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			raw, err := json.Marshal(evt)
			if err != nil {
				c.logger.Error("marshal event", zap.Error(err))
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case raw := <-c.replies:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
