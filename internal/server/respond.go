// ABOUTME: JSON response helpers and the domain error to HTTP status map.
// ABOUTME: Every sentinel from the service layers maps to exactly one status.

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/toolgate/internal/engine"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/oauth"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolsets"
	"github.com/2389/toolgate/internal/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP statuses. Unknown errors are
// internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateURL),
		errors.Is(err, store.ErrDuplicateSlug),
		errors.Is(err, ledger.ErrAlreadyDecided),
		errors.Is(err, engine.ErrServerDisabled),
		errors.Is(err, engine.ErrInstanceDisabled),
		errors.Is(err, registry.ErrServerDisabled),
		errors.Is(err, oauth.ErrReauthRequired):
		return http.StatusConflict
	case errors.Is(err, registry.ErrBadSlug),
		errors.Is(err, registry.ErrBadName),
		errors.Is(err, registry.ErrBadDescription),
		errors.Is(err, registry.ErrBadURL),
		errors.Is(err, registry.ErrBadAuthConfig),
		errors.Is(err, engine.ErrToolNotAllowed),
		errors.Is(err, toolsets.ErrUnknownType),
		errors.Is(err, toolsets.ErrUnknownTool),
		errors.Is(err, ledger.ErrNothingApproved),
		errors.Is(err, ledger.ErrServerMismatch),
		errors.Is(err, oauth.ErrStateNotFound),
		errors.Is(err, oauth.ErrNotOAuthConfig):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInstanceNotOwned):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrConnectionFailed),
		errors.Is(err, engine.ErrExecutionFailed),
		errors.Is(err, oauth.ErrExchangeFailed):
		return http.StatusBadGateway
	case errors.Is(err, vault.ErrDecryptFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Default().Error("internal error", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
