// Package api exposes the storage service over HTTP (chi router, bearer
// auth) and over MCP for assistant clients.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/firstdataunion/vault/internal/extract"
	"github.com/firstdataunion/vault/internal/packet"
	"github.com/firstdataunion/vault/internal/vault"
)

const maxBodySize = 10 << 20 // 10MB

// AppDeps holds what the HTTP layer needs.
type AppDeps struct {
	Vault *vault.Service
	Token string

	// BaseOptions seeds mode switches requested over the API; the request
	// can override the filesystem directory.
	BaseOptions vault.Options
}

// NewAppHandler builds the full router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/packets/{type}", func(r chi.Router) {
			r.Post("/", handleCreatePacket(deps))
			r.Get("/", handleListPackets(deps))
			r.Get("/{id}", handleGetPacket(deps))
			r.Put("/{id}", handleUpdatePacket(deps))
			r.Delete("/{id}", handleDeletePacket(deps))
		})

		r.Route("/api-keys/{profileID}", func(r chi.Router) {
			r.Get("/", handleListAPIKeys(deps))
			r.Put("/{provider}", handleSaveAPIKey(deps))
			r.Get("/{provider}", handleGetAPIKey(deps))
			r.Delete("/{provider}", handleDeleteAPIKey(deps))
		})

		r.Post("/sync/now", handleSyncNow(deps))
		r.Get("/sync/state", handleSyncState(deps))
		r.Get("/mode", handleGetMode(deps))
		r.Post("/mode", handleSetMode(deps))
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// resourceType validates the {type} URL segment.
func resourceType(r *http.Request) (packet.ResourceType, bool) {
	rt := packet.ResourceType(chi.URLParam(r, "type"))
	return rt, rt.Valid()
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"mode":        deps.Vault.Mode(),
			"initialized": deps.Vault.Initialized(),
		})
	}
}

func handleCreatePacket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, ok := resourceType(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", chi.URLParam(r, "type"))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var p packet.DataPacket
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		p.Type = rt
		if p.ProfileID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "profile_id is required")
			return
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if rt == packet.TypeDocument {
			p.Payload = extract.EnrichDocument(p.Payload)
		}

		created, err := deps.Vault.CreatePacket(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleListPackets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, ok := resourceType(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", chi.URLParam(r, "type"))
			return
		}

		q := r.URL.Query()
		var f packet.Filter
		if tags := q.Get("tags"); tags != "" {
			f.Tags = strings.Split(tags, ",")
		}
		var err error
		if f.From, err = parseTimeParam(q.Get("from")); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid from timestamp")
			return
		}
		if f.To, err = parseTimeParam(q.Get("to")); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid to timestamp")
			return
		}

		pg := packet.Page{
			Offset: intParam(q.Get("offset"), 0),
			Limit:  intParam(q.Get("limit"), 0),
		}

		results, err := deps.Vault.ListPackets(r.Context(), rt, q.Get("profile_id"), f, pg)
		if err != nil {
			writeError(w, err)
			return
		}
		if results == nil {
			results = []packet.DataPacket{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"packets": results})
	}
}

func handleGetPacket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, ok := resourceType(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", chi.URLParam(r, "type"))
			return
		}
		p, err := deps.Vault.GetPacket(r.Context(), rt, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleUpdatePacket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, ok := resourceType(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", chi.URLParam(r, "type"))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var p packet.DataPacket
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		p.Type = rt
		p.ID = chi.URLParam(r, "id")

		updated, err := deps.Vault.UpdatePacket(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeletePacket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, ok := resourceType(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", chi.URLParam(r, "type"))
			return
		}
		if err := deps.Vault.DeletePacket(r.Context(), rt, chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- api keys ---

type saveKeyRequest struct {
	Key string `json:"api_key"`
}

func handleSaveAPIKey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req saveKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "api_key is required")
			return
		}

		saved, err := deps.Vault.SaveAPIKey(r.Context(), packet.APIKey{
			ID:        uuid.New().String(),
			ProfileID: chi.URLParam(r, "profileID"),
			Provider:  chi.URLParam(r, "provider"),
			Key:       req.Key,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		saved.Key = "" // never echo secrets
		writeJSON(w, http.StatusOK, saved)
	}
}

func handleGetAPIKey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := deps.Vault.APIKey(r.Context(), chi.URLParam(r, "profileID"), chi.URLParam(r, "provider"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, k)
	}
}

func handleListAPIKeys(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := deps.Vault.APIKeys(r.Context(), chi.URLParam(r, "profileID"))
		if err != nil {
			writeError(w, err)
			return
		}
		// The list view names providers without exposing key material.
		out := make([]packet.APIKey, 0, len(keys))
		for _, k := range keys {
			k.Key = ""
			out = append(out, k)
		}
		writeJSON(w, http.StatusOK, map[string]any{"api_keys": out})
	}
}

func handleDeleteAPIKey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Vault.DeleteAPIKey(r.Context(), chi.URLParam(r, "profileID"), chi.URLParam(r, "provider")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- sync & mode ---

func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Vault.SyncNow(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		st, err := deps.Vault.SyncState()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSyncState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Vault.SyncState()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetMode(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online := false
		if deps.Vault.Initialized() {
			online, _ = deps.Vault.Online(r.Context())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":   deps.Vault.Mode(),
			"online": online,
		})
	}
}

type setModeRequest struct {
	Mode      vault.Mode `json:"mode"`
	Directory string     `json:"directory,omitempty"`
}

func handleSetMode(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req setModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		switch req.Mode {
		case vault.ModeLocal, vault.ModeCloud, vault.ModeFilesystem:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown mode %q", req.Mode)
			return
		}

		opts := deps.BaseOptions
		if req.Directory != "" {
			opts.Directory = req.Directory
		}
		if err := deps.Vault.SwitchMode(r.Context(), req.Mode, opts); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mode": deps.Vault.Mode()})
	}
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
