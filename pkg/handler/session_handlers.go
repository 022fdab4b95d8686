package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/driftgate/driftgate/pkg/gateway"
	"github.com/driftgate/driftgate/pkg/models"
)

// SessionHandler exposes session lifecycle plus the terminal WebSocket.
type SessionHandler struct {
	Mgr      *gateway.Manager
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewSessionHandler(mgr *gateway.Manager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		Mgr:    mgr,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *SessionHandler) Create(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req gateway.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	req.VaultToken = vaultToken(c)

	s, err := h.Mgr.CreateSession(uid, req)
	if err != nil {
		h.Logger.Warn("session create failed", "user", uid, "error", err)
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 200, Message: "Created successfully", Data: gin.H{
		"session_id": s.ID,
		"host":       s.Host,
		"port":       s.Port,
		"username":   s.Username,
	}})
}

func (h *SessionHandler) List(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	sessions := h.Mgr.ListSessions(uid)
	ok(c, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (h *SessionHandler) Close(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	if err := h.Mgr.CloseSession(uid, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type resizeRequest struct {
	Cols int `json:"cols" binding:"required"`
	Rows int `json:"rows" binding:"required"`
}

func (h *SessionHandler) Resize(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	s, err := h.Mgr.Get(uid, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	if err := s.Resize(req.Cols, req.Rows); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

// Attach upgrades to a WebSocket and joins the session's broadcast bus.
// The socket receives output/closed/error/forward frames and may send
// input/resize frames or raw terminal text.
func (h *SessionHandler) Attach(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	s, err := h.Mgr.Get(uid, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sockID := s.AttachSocket(conn)
	defer func() {
		s.DetachSocket(sockID)
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.HandleMessage(messageType, data); err != nil {
			h.Logger.Debug("session message rejected", "sessionId", s.ID, "error", err)
		}
	}
}
