package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/driftgate/driftgate/pkg/gateway"
	"github.com/driftgate/driftgate/pkg/models"
)

// FSHandler exposes the per-session SFTP operations.
type FSHandler struct {
	Mgr    *gateway.Manager
	Logger *slog.Logger
}

func NewFSHandler(mgr *gateway.Manager, logger *slog.Logger) *FSHandler {
	return &FSHandler{Mgr: mgr, Logger: logger}
}

func (h *FSHandler) session(c *gin.Context) (*gateway.Session, bool) {
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

func (h *FSHandler) List(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	listing, err := s.ListDirectory(c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, listing)
}

func (h *FSHandler) Stat(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	info, err := s.StatPath(c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, info)
}

func (h *FSHandler) Preview(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	offset, _ := strconv.ParseInt(c.Query("offset"), 10, 64)
	limit, _ := strconv.ParseInt(c.Query("limit"), 10, 64)
	preview, err := s.ReadPreview(c.Query("path"), offset, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, preview)
}

func (h *FSHandler) Download(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	dl, err := s.CreateDownload(c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	defer dl.Reader.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
	c.Header("Content-Type", dl.MIME)
	c.Header("Content-Length", strconv.FormatInt(dl.Size, 10))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, dl.Reader); err != nil {
		h.Logger.Warn("download aborted", "sessionId", s.ID, "error", err)
	}
}

func (h *FSHandler) Upload(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "path query parameter is required"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "multipart file field is required: " + err.Error()})
		return
	}
	defer file.Close()

	if header.Size > 50<<20 {
		fail(c, gateway.ErrUploadTooLarge)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, (50<<20)+1))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.UploadFile(path, data); err != nil {
		fail(c, err)
		return
	}
	h.Logger.Info("file uploaded", "sessionId", s.ID, "path", path, "bytes", len(data))
	ok(c, gin.H{"path": path, "bytes": len(data)})
}

type mkdirRequest struct {
	Path string `json:"path" binding:"required"`
}

func (h *FSHandler) Mkdir(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	var req mkdirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	if err := s.Mkdir(req.Path); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type renameRequest struct {
	OldPath string `json:"old_path" binding:"required"`
	NewPath string `json:"new_path" binding:"required"`
}

func (h *FSHandler) Rename(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	if err := s.Rename(req.OldPath, req.NewPath); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type deleteRequest struct {
	Path      string `json:"path" binding:"required"`
	Recursive bool   `json:"recursive"`
}

func (h *FSHandler) Delete(c *gin.Context) {
	s, okSess := h.session(c)
	if !okSess {
		return
	}
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	if err := s.DeletePath(req.Path, req.Recursive); err != nil {
		fail(c, err)
		return
	}
	h.Logger.Info("path deleted", "sessionId", s.ID, "path", req.Path, "recursive", req.Recursive)
	ok(c, nil)
}
