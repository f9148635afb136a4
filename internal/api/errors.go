package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/firstdataunion/vault/internal/blob"
	"github.com/firstdataunion/vault/internal/crypto"
	"github.com/firstdataunion/vault/internal/database"
	"github.com/firstdataunion/vault/internal/packet"
	"github.com/firstdataunion/vault/internal/vault"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps engine errors onto the HTTP taxonomy. Integrity failures
// (bad decryption, schema mismatch) are flagged so clients can distinguish
// "try later" from "this blob is damaged".
func writeError(w http.ResponseWriter, err error) {
	var dup *packet.DuplicateIDError
	var access *packet.NoDirectoryAccessError
	var schema *database.SchemaVersionError
	var transport *blob.TransportError

	switch {
	case errors.Is(err, packet.ErrNotInitialized):
		httpError(w, http.StatusConflict, "not_initialized", "%v", err)
	case errors.As(err, &dup):
		httpError(w, http.StatusConflict, "duplicate_id", "%v", err)
	case errors.Is(err, packet.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &access):
		httpError(w, http.StatusForbidden, "no_directory_access", "%v", err)
	case errors.Is(err, vault.ErrWrongMode):
		httpError(w, http.StatusConflict, "wrong_mode", "%v", err)
	case errors.Is(err, crypto.ErrDecrypt), errors.As(err, &schema):
		httpError(w, http.StatusInternalServerError, "integrity_error", "%v", err)
	case errors.As(err, &transport):
		httpError(w, http.StatusServiceUnavailable, "remote_unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
