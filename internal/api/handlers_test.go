package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/firstdataunion/vault/internal/packet"
	"github.com/firstdataunion/vault/internal/vault"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T) (http.Handler, *vault.Service) {
	t.Helper()
	v := vault.New()
	if err := v.Initialize(context.Background(), vault.ModeLocal, vault.Options{DataDir: t.TempDir()}); err != nil {
		t.Fatalf("initializing vault: %v", err)
	}
	t.Cleanup(func() { v.Close(context.Background()) })

	handler := NewAppHandler(AppDeps{
		Vault:       v,
		Token:       testToken,
		BaseOptions: vault.Options{DataDir: t.TempDir()},
	})
	return handler, v
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestBearerAuthRejectsBadToken(t *testing.T) {
	handler, _ := setupAppHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/packets/conversation/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected open /health, got %d", rec.Code)
	}
}

func TestPacketCRUDOverHTTP(t *testing.T) {
	handler, _ := setupAppHandler(t)

	body := `{"id":"c1","profile_id":"p1","payload":{"title":"hello"},"tags":["work"],"request_id":"r1"}`
	rec := doRequest(t, handler, http.MethodPost, "/packets/conversation/", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	// Same request ID: absorbed, still one packet.
	rec = doRequest(t, handler, http.MethodPost, "/packets/conversation/", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("idempotent create: expected 201, got %d", rec.Code)
	}

	// Same ID, new request ID: conflict.
	dup := `{"id":"c1","profile_id":"p1","payload":{},"request_id":"r2"}`
	rec = doRequest(t, handler, http.MethodPost, "/packets/conversation/", dup)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/packets/conversation/c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var got packet.DataPacket
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding get response: %v", err)
	}
	if got.ID != "c1" || got.ProfileID != "p1" {
		t.Errorf("unexpected packet: %+v", got)
	}

	rec = doRequest(t, handler, http.MethodPut, "/packets/conversation/c1", `{"profile_id":"p1","payload":{"title":"edited"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, handler, http.MethodGet, "/packets/conversation/?profile_id=p1&tags=work", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/packets/conversation/c1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/packets/conversation/c1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestUnknownResourceType(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rec := doRequest(t, handler, http.MethodGet, "/packets/bogus/", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", rec.Code)
	}
}

func TestUninitializedVaultMapsTo409(t *testing.T) {
	v := vault.New()
	handler := NewAppHandler(AppDeps{Vault: v, Token: testToken})

	rec := doRequest(t, handler, http.MethodGet, "/packets/conversation/c1", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for uninitialized vault, got %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Type != "not_initialized" {
		t.Errorf("expected not_initialized error type, got %q", body.Error.Type)
	}
}

func TestSyncEndpointsInLocalMode(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rec := doRequest(t, handler, http.MethodPost, "/sync/now", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for sync in local mode, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/sync/state", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for sync state in local mode, got %d", rec.Code)
	}
}

func TestModeEndpoints(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rec := doRequest(t, handler, http.MethodGet, "/mode", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get mode: expected 200, got %d", rec.Code)
	}
	var mode struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &mode); err != nil {
		t.Fatalf("decoding mode: %v", err)
	}
	if mode.Mode != "local" {
		t.Errorf("expected local mode, got %q", mode.Mode)
	}

	dir := t.TempDir()
	rec = doRequest(t, handler, http.MethodPost, "/mode", fmt.Sprintf(`{"mode":"filesystem","directory":%q}`, dir))
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, handler, http.MethodPost, "/mode", `{"mode":"teleport"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown mode, got %d", rec.Code)
	}
}

func TestFilesystemWithoutGrantMapsTo403(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rec := doRequest(t, handler, http.MethodPost, "/mode", `{"mode":"filesystem","directory":"/does/not/exist"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for missing grant, got %d: %s", rec.Code, rec.Body)
	}
}

func TestAPIKeyEndpointsRedactSecrets(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rec := doRequest(t, handler, http.MethodPut, "/api-keys/p1/openai", `{"api_key":"sk-secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save key: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Error("save response leaked the key")
	}

	rec = doRequest(t, handler, http.MethodGet, "/api-keys/p1/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list keys: expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Error("list response leaked the key")
	}

	// The single-key fetch is the one place the value comes back.
	rec = doRequest(t, handler, http.MethodGet, "/api-keys/p1/openai", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get key: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sk-secret") {
		t.Error("get response missing the key value")
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api-keys/p1/openai", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete key: expected 204, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api-keys/p1/openai", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted key: expected 404, got %d", rec.Code)
	}
}
