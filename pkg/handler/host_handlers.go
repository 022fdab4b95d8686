package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftgate/driftgate/pkg/models"
	"github.com/driftgate/driftgate/pkg/store"
)

// HostHandler manages the per-user saved SSH destinations.
type HostHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

func NewHostHandler(st store.Store, logger *slog.Logger) *HostHandler {
	return &HostHandler{Store: st, Logger: logger}
}

func (h *HostHandler) load(uid string) ([]models.SavedHost, error) {
	var hosts []models.SavedHost
	err := h.Store.GetJSON(store.UserHostsKey(uid), &hosts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return hosts, nil
}

func (h *HostHandler) save(uid string, hosts []models.SavedHost) error {
	return h.Store.PutJSON(store.UserHostsKey(uid), hosts)
}

type savedHostRequest struct {
	Label    string `json:"label"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port"`
	Username string `json:"username" binding:"required"`
	SecretID string `json:"secret_id"`
}

func (h *HostHandler) List(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	hosts, err := h.load(uid)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"hosts": hosts, "total": len(hosts)})
}

func (h *HostHandler) Create(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req savedHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	hosts, err := h.load(uid)
	if err != nil {
		fail(c, err)
		return
	}
	now := time.Now().UTC()
	host := models.SavedHost{
		ID:        uuid.New().String(),
		Label:     req.Label,
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		SecretID:  req.SecretID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.save(uid, append(hosts, host)); err != nil {
		fail(c, err)
		return
	}
	h.Logger.Info("saved host created", "user", uid, "hostId", host.ID, "host", host.Host)
	c.JSON(http.StatusCreated, models.Response{Code: 200, Message: "Created successfully", Data: host})
}

func (h *HostHandler) Get(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	hosts, err := h.load(uid)
	if err != nil {
		fail(c, err)
		return
	}
	id := c.Param("id")
	for _, host := range hosts {
		if host.ID == id {
			ok(c, host)
			return
		}
	}
	c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: "saved host not found"})
}

func (h *HostHandler) Update(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req savedHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	hosts, err := h.load(uid)
	if err != nil {
		fail(c, err)
		return
	}
	id := c.Param("id")
	for i := range hosts {
		if hosts[i].ID != id {
			continue
		}
		hosts[i].Label = req.Label
		hosts[i].Host = req.Host
		hosts[i].Port = req.Port
		hosts[i].Username = req.Username
		hosts[i].SecretID = req.SecretID
		hosts[i].UpdatedAt = time.Now().UTC()
		if err := h.save(uid, hosts); err != nil {
			fail(c, err)
			return
		}
		ok(c, hosts[i])
		return
	}
	c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: "saved host not found"})
}

func (h *HostHandler) Delete(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	hosts, err := h.load(uid)
	if err != nil {
		fail(c, err)
		return
	}
	id := c.Param("id")
	for i := range hosts {
		if hosts[i].ID != id {
			continue
		}
		hosts = append(hosts[:i], hosts[i+1:]...)
		if err := h.save(uid, hosts); err != nil {
			fail(c, err)
			return
		}
		h.Logger.Info("saved host deleted", "user", uid, "hostId", id)
		ok(c, nil)
		return
	}
	c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: "saved host not found"})
}
