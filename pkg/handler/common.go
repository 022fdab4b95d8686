// Package handler provides the HTTP handlers for the gateway API. Callers
// identify themselves with the X-User-ID header; vault-backed operations
// additionally carry X-Vault-Token.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftgate/driftgate/pkg/gateway"
	"github.com/driftgate/driftgate/pkg/models"
	"github.com/driftgate/driftgate/pkg/vault"
)

const (
	headerUserID     = "X-User-ID"
	headerVaultToken = "X-Vault-Token"
)

// userID extracts the caller identity. An empty header aborts with 401.
func userID(c *gin.Context) (string, bool) {
	uid := c.GetHeader(headerUserID)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, models.Response{Code: 401, Message: "X-User-ID header is required"})
		return "", false
	}
	return uid, true
}

func vaultToken(c *gin.Context) string {
	return c.GetHeader(headerVaultToken)
}

// statusFor maps service errors to HTTP status codes. Unknown errors are
// internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrHostNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrHostKeyMismatch):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrMissingTarget),
		errors.Is(err, gateway.ErrNoCredentials),
		errors.Is(err, gateway.ErrNotDirectory),
		errors.Is(err, gateway.ErrNotFile),
		errors.Is(err, gateway.ErrSymlinkLoop),
		errors.Is(err, gateway.ErrDeleteDepth):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUploadTooLarge),
		errors.Is(err, gateway.ErrDownloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gateway.ErrCommandTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, vault.ErrTokenExpired),
		errors.Is(err, vault.ErrInvalidPassphrase),
		errors.Is(err, vault.ErrInvalidRecovery):
		return http.StatusUnauthorized
	case errors.Is(err, vault.ErrVaultExists):
		return http.StatusConflict
	case errors.Is(err, vault.ErrVaultNotInitialized):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	c.JSON(status, models.Response{Code: status, Message: err.Error()})
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: data})
}
