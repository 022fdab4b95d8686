package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/driftgate/driftgate/pkg/gateway"
	"github.com/driftgate/driftgate/pkg/models"
)

// ExecHandler runs remote commands over existing sessions: one-shot with a
// timeout, NDJSON streaming, and interactive PTY over WebSocket.
type ExecHandler struct {
	Mgr      *gateway.Manager
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewExecHandler(mgr *gateway.Manager, logger *slog.Logger) *ExecHandler {
	return &ExecHandler{
		Mgr:    mgr,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *ExecHandler) session(c *gin.Context) (*gateway.Session, bool) {
	uid, okUID := userID(c)
	if !okUID {
		return nil, false
	}
	s, err := h.Mgr.Get(uid, c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return s, true
}

type execRequest struct {
	Command        string `json:"command" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (h *ExecHandler) Run(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	res, err := s.ExecCommand(req.Command, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type streamChunk struct {
	Stream string `json:"stream,omitempty"` // "stdout" or "stderr"
	Data   string `json:"data,omitempty"`
	Code   *int   `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Stream runs a command and writes output as newline-delimited JSON chunks,
// ending with a chunk carrying the exit code. Canceling the request cancels
// the command.
func (h *ExecHandler) Stream(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	flush := func() {
		if f, okFlush := c.Writer.(http.Flusher); okFlush {
			f.Flush()
		}
	}
	emit := func(chunk streamChunk) {
		enc.Encode(chunk)
		flush()
	}

	code, err := s.ExecStream(c.Request.Context(), req.Command,
		func(chunk []byte) { emit(streamChunk{Stream: "stdout", Data: string(chunk)}) },
		func(chunk []byte) { emit(streamChunk{Stream: "stderr", Data: string(chunk)}) },
	)
	final := streamChunk{Code: &code}
	if err != nil {
		final.Error = err.Error()
	}
	emit(final)
}

// Interactive upgrades to a WebSocket and runs the command under a PTY.
// Output arrives as base64 output frames; input and resize frames are
// accepted back.
func (h *ExecHandler) Interactive(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	cmd := c.Query("command")
	if cmd == "" {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "command query parameter is required"})
		return
	}
	cols, _ := strconv.Atoi(c.Query("cols"))
	rows, _ := strconv.Atoi(c.Query("rows"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	bridge, err := s.StartInteractiveExec(conn, cmd, cols, rows)
	if err != nil {
		h.Logger.Warn("interactive exec failed", "sessionId", s.ID, "error", err)
		conn.Close()
		return
	}
	defer bridge.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := bridge.HandleMessage(messageType, data); err != nil {
			h.Logger.Debug("exec message rejected", "execId", bridge.ID, "error", err)
		}
	}
}
