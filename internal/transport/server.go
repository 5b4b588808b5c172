package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/engine"
)

// Authorizer turns an upgrade request into an authenticated user. Credential
// checks live in the surrounding backend; the engine only needs the user id.
type Authorizer interface {
	Authenticate(r *http.Request) (chat.UserID, error)
}

// HeaderAuth is the development authorizer: it trusts the X-Relay-User
// header or, for browser clients that cannot set headers on the WebSocket
// handshake, the user query parameter.
type HeaderAuth struct{}

func (HeaderAuth) Authenticate(r *http.Request) (chat.UserID, error) {
	if u := r.Header.Get("X-Relay-User"); u != "" {
		return chat.UserID(u), nil
	}
	if u := r.URL.Query().Get("user"); u != "" {
		return chat.UserID(u), nil
	}
	return "", errors.New("missing user identity")
}

// HistoryLoader pages persisted messages, newest first.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, id chat.ConversationID, beforeSeq int64, limit int) ([]chat.Message, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay sits behind the app's own origin checks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server mounts the WebSocket endpoint and the REST management surface.
type Server struct {
	eng    *engine.Engine
	auth   Authorizer
	hist   HistoryLoader
	logger *zap.Logger
}

func NewServer(eng *engine.Engine, auth Authorizer, hist HistoryLoader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{eng: eng, auth: auth, hist: hist, logger: logger}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", s.handleWS)

	api := r.Group("/api/v1")
	api.Use(s.requireUser)
	api.POST("/conversations", s.handleCreateConversation)
	api.POST("/conversations/:id/participants", s.handleAddParticipant)
	api.DELETE("/conversations/:id/participants/:user", s.handleRemoveParticipant)
	api.GET("/conversations/:id/messages", s.handleHistory)
	return r
}

// requireUser authenticates REST calls with the same Authorizer as the
// socket and stashes the user id on the gin context.
func (s *Server) requireUser(c *gin.Context) {
	u, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Set("user_id", u)
	c.Next()
}

func userFrom(c *gin.Context) chat.UserID {
	u, _ := c.Get("user_id")
	id, _ := u.(chat.UserID)
	return id
}

func (s *Server) handleWS(c *gin.Context) {
	user, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	resume := chat.ConnectionID(c.Query("resume"))
	conn := s.eng.Attach(user, resume)
	s.logger.Info("socket attached",
		zap.String("user_id", string(user)),
		zap.String("conn_id", string(conn.ID)),
		zap.Bool("resumed", resume != "" && conn.ID == resume))

	// The hello frame goes out before the pumps start, so it is always
	// the first frame the client sees.
	if err := ws.WriteJSON(Hello{Type: "hello", ConnectionID: conn.ID}); err != nil {
		s.eng.Detach(conn.ID)
		_ = ws.Close()
		return
	}

	newClient(s.eng, ws, conn, s.logger).run()
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req struct {
		Group        bool          `json:"group"`
		Participants []chat.UserID `json:"participants"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	id, err := s.eng.CreateConversation(req.Group, req.Participants...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": id})
}

func (s *Server) handleAddParticipant(c *gin.Context) {
	var req struct {
		UserID chat.UserID `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	id := chat.ConversationID(c.Param("id"))
	if err := s.eng.AddParticipant(id, req.UserID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, chat.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRemoveParticipant(c *gin.Context) {
	id := chat.ConversationID(c.Param("id"))
	user := chat.UserID(c.Param("user"))
	if err := s.eng.RemoveParticipant(id, user); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, chat.ErrConversationNotFound):
			status = http.StatusNotFound
		case errors.Is(err, chat.ErrNotAParticipant):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context) {
	id := chat.ConversationID(c.Param("id"))
	user := userFrom(c)
	if !s.eng.IsParticipant(id, user) {
		c.JSON(http.StatusForbidden, gin.H{"error": chat.ErrNotAParticipant.Error()})
		return
	}
	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := s.hist.LoadHistory(c.Request.Context(), id, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
