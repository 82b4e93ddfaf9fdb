// ABOUTME: Handlers for the access request ledger: third-party draft
// ABOUTME: creation and the owner's one-time approve or deny decision.

package server

import (
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/store"
)

type accessRequestResponse struct {
	ID           string `json:"id"`
	AppClientID  string `json:"app_client_id"`
	AppName      string `json:"app_name,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Status       string `json:"status"`
	Requested    string `json:"requested,omitempty"`
	Approved     string `json:"approved,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExpiresAt    string `json:"expires_at"`
	CreatedAt    string `json:"created_at"`
}

func toAccessRequestResponse(ar *store.AccessRequest) accessRequestResponse {
	return accessRequestResponse{
		ID:           ar.ID,
		AppClientID:  ar.AppClientID,
		AppName:      ar.AppName,
		UserID:       ar.UserID,
		Status:       string(ar.Status),
		Requested:    ar.Requested,
		Approved:     ar.Approved,
		ErrorMessage: ar.ErrorMessage,
		ExpiresAt:    ar.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:    ar.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCreateAccessRequest opens a draft on behalf of a third-party
// app. The caller authenticates as an external app; the draft is not
// bound to a user until the owner decides on it.
func (s *Server) handleCreateAccessRequest(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity.Kind != auth.IdentityExternalApp {
		writeError(w, http.StatusUnauthorized, "external app credentials required")
		return
	}

	var req struct {
		AppName   string                    `json:"app_name"`
		Requested ledger.RequestedResources `json:"requested"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ar, err := s.ledger.CreateDraft(r.Context(), identity.ClientID, req.AppName, req.Requested)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccessRequestResponse(ar))
}

func (s *Server) handleGetAccessRequest(w http.ResponseWriter, r *http.Request) {
	ar, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessRequestResponse(ar))
}

func (s *Server) handleApproveAccessRequest(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req struct {
		Approved ledger.ApprovedResources `json:"approved"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ar, err := s.ledger.Approve(r.Context(), identity.UserID, r.PathValue("id"), req.Approved)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessRequestResponse(ar))
}

// handleFailAccessRequest records a consent flow failure. Either side
// of the flow may report it: the app when its consent UI aborts, or
// the owner's frontend when approval provisioning breaks.
func (s *Server) handleFailAccessRequest(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity.Kind == auth.IdentityAnonymous {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Error string `json:"error"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Error == "" {
		req.Error = "consent flow failed"
	}

	ar, err := s.ledger.Fail(r.Context(), r.PathValue("id"), req.Error)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessRequestResponse(ar))
}

func (s *Server) handleDenyAccessRequest(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	ar, err := s.ledger.Deny(r.Context(), identity.UserID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessRequestResponse(ar))
}
