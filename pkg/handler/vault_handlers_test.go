package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftgate/driftgate/pkg/models"
	"github.com/driftgate/driftgate/pkg/store"
	"github.com/driftgate/driftgate/pkg/utils"
	"github.com/driftgate/driftgate/pkg/vault"
)

func newVaultRouter(t *testing.T) (*gin.Engine, *vault.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemStore()
	svc := vault.NewService(st, time.Minute)
	h := NewVaultHandler(svc, utils.GetLogger())

	r := gin.New()
	r.POST("/api/vault/init", h.Init)
	r.POST("/api/vault/unlock", h.Unlock)
	r.POST("/api/vault/lock", h.Lock)
	r.GET("/api/vault/status", h.Status)
	r.GET("/api/vault/secrets", h.ListSecrets)
	r.PUT("/api/vault/secrets/:id", h.PutSecret)
	return r, svc
}

func doJSON(t *testing.T, r *gin.Engine, method, url, uid, token string, body any) (*httptest.ResponseRecorder, models.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp models.Response
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestVaultHandler_RequiresUserHeader(t *testing.T) {
	r, _ := newVaultRouter(t)
	w, _ := doJSON(t, r, http.MethodGet, "/api/vault/status", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestVaultHandler_Lifecycle(t *testing.T) {
	r, _ := newVaultRouter(t)

	w, resp := doJSON(t, r, http.MethodPost, "/api/vault/init", "u1", "", gin.H{"passphrase": "open sesame"})
	if w.Code != http.StatusOK {
		t.Fatalf("init status = %d body = %s", w.Code, w.Body.String())
	}
	data := resp.Data.(map[string]any)
	if data["recovery_phrase"] == "" {
		t.Fatal("init returned no recovery phrase")
	}

	// Double init conflicts.
	w, _ = doJSON(t, r, http.MethodPost, "/api/vault/init", "u1", "", gin.H{"passphrase": "again"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second init status = %d, want 409", w.Code)
	}

	// Wrong passphrase is unauthorized.
	w, _ = doJSON(t, r, http.MethodPost, "/api/vault/unlock", "u1", "", gin.H{"passphrase": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad unlock status = %d, want 401", w.Code)
	}

	w, resp = doJSON(t, r, http.MethodPost, "/api/vault/unlock", "u1", "", gin.H{"passphrase": "open sesame"})
	if w.Code != http.StatusOK {
		t.Fatalf("unlock status = %d body = %s", w.Code, w.Body.String())
	}
	token := resp.Data.(map[string]any)["token"].(string)
	if token == "" {
		t.Fatal("unlock returned no token")
	}

	w, _ = doJSON(t, r, http.MethodPut, "/api/vault/secrets/prod-db", "u1", token, gin.H{"password": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("put secret status = %d body = %s", w.Code, w.Body.String())
	}

	w, resp = doJSON(t, r, http.MethodGet, "/api/vault/secrets", "u1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list secrets status = %d", w.Code)
	}
	ids := resp.Data.(map[string]any)["ids"].([]any)
	if len(ids) != 1 || ids[0] != "prod-db" {
		t.Fatalf("secret ids = %v", ids)
	}

	// Lock kills the token.
	w, _ = doJSON(t, r, http.MethodPost, "/api/vault/lock", "u1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lock status = %d", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodGet, "/api/vault/secrets", "u1", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("post-lock list status = %d, want 401", w.Code)
	}
}

func TestVaultHandler_TokenBoundToUser(t *testing.T) {
	r, _ := newVaultRouter(t)

	doJSON(t, r, http.MethodPost, "/api/vault/init", "u1", "", gin.H{"passphrase": "pp"})
	_, resp := doJSON(t, r, http.MethodPost, "/api/vault/unlock", "u1", "", gin.H{"passphrase": "pp"})
	token := resp.Data.(map[string]any)["token"].(string)

	w, _ := doJSON(t, r, http.MethodGet, "/api/vault/secrets", "u2", token, nil)
	if w.Code != http.StatusUnauthorized && w.Code != http.StatusNotFound {
		t.Fatalf("cross-user token status = %d, want 401 or 404", w.Code)
	}
}
