package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftgate/driftgate/pkg/event"
	"github.com/driftgate/driftgate/pkg/models"
	"github.com/driftgate/driftgate/pkg/vault"
)

// VaultHandler exposes vault lifecycle and secret CRUD.
type VaultHandler struct {
	Svc    *vault.Service
	Logger *slog.Logger
}

func NewVaultHandler(svc *vault.Service, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{Svc: svc, Logger: logger}
}

type vaultInitRequest struct {
	Passphrase     string `json:"passphrase" binding:"required"`
	RecoveryPhrase string `json:"recovery_phrase"`
}

func (h *VaultHandler) Init(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req vaultInitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	phrase, err := h.Svc.Init(uid, req.Passphrase, req.RecoveryPhrase)
	if err != nil {
		h.Logger.Warn("vault init failed", "user", uid, "error", err)
		fail(c, err)
		return
	}
	h.Logger.Info("vault initialized", "user", uid)
	ok(c, gin.H{"recovery_phrase": phrase})
}

type vaultUnlockRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

func (h *VaultHandler) Unlock(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req vaultUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	token, ttl, err := h.Svc.Unlock(uid, req.Passphrase)
	if err != nil {
		h.Logger.Warn("vault unlock failed", "user", uid, "error", err)
		fail(c, err)
		return
	}
	ok(c, gin.H{"token": token, "ttl_seconds": int(ttl.Seconds())})
}

type vaultRecoverRequest struct {
	RecoveryPhrase     string `json:"recovery_phrase" binding:"required"`
	NewPassphrase      string `json:"new_passphrase" binding:"required"`
	NextRecoveryPhrase string `json:"next_recovery_phrase"`
}

func (h *VaultHandler) Recover(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req vaultRecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	token, nextPhrase, err := h.Svc.Recover(uid, req.RecoveryPhrase, req.NewPassphrase, req.NextRecoveryPhrase)
	if err != nil {
		h.Logger.Warn("vault recovery failed", "user", uid, "error", err)
		fail(c, err)
		return
	}
	h.Logger.Info("vault recovered", "user", uid)
	ok(c, gin.H{"token": token, "recovery_phrase": nextPhrase})
}

func (h *VaultHandler) Lock(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	h.Svc.Lock(vaultToken(c))
	event.Emit(event.VaultLockedEvent{UserID: uid})
	ok(c, nil)
}

func (h *VaultHandler) Status(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	status, err := h.Svc.Status(uid)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, status)
}

func (h *VaultHandler) ListSecrets(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var ids []string
	err := h.Svc.WithSecrets(vaultToken(c), uid, func(secrets *vault.Secrets) error {
		ids = secrets.IDs()
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"ids": ids})
}

type putSecretRequest struct {
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`
}

func (h *VaultHandler) PutSecret(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	id := c.Param("id")
	var req putSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request parameters: " + err.Error()})
		return
	}
	err := h.Svc.WithSecrets(vaultToken(c), uid, func(secrets *vault.Secrets) error {
		secrets.Put(id, vault.Secret{
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
			Passphrase: req.Passphrase,
		})
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.Logger.Info("secret stored", "user", uid, "secretId", id)
	ok(c, nil)
}

func (h *VaultHandler) DeleteSecret(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	id := c.Param("id")
	removed := false
	err := h.Svc.WithSecrets(vaultToken(c), uid, func(secrets *vault.Secrets) error {
		removed = secrets.Delete(id)
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: "secret not found"})
		return
	}
	ok(c, nil)
}
