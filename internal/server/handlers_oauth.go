// ABOUTME: Handlers for the OAuth login flow: initiate, callback
// ABOUTME: exchange, and provider metadata discovery for pre-fill.

package server

import (
	"net/http"

	"github.com/2389/toolgate/internal/auth"
)

// handleOAuthLogin starts the authorization code flow for an
// instance's OAuth config and returns the URL to send the user to.
func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	instanceID := r.PathValue("id")

	// The instance lookup is owner-scoped, so another user's instance
	// id yields not-found here.
	if _, err := s.registry.GetInstance(r.Context(), identity.UserID, instanceID); err != nil {
		writeServiceError(w, err)
		return
	}
	cfg, err := s.store.GetAuthConfigByInstance(r.Context(), instanceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	authURL, err := s.oauth.InitiateLogin(r.Context(), identity.UserID, cfg.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

// handleOAuthCallback completes the flow. The provider redirects the
// browser here; the state parameter selects the pending login.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	token, err := s.oauth.CompleteLogin(r.Context(), state, code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := map[string]any{
		"status":            "connected",
		"granted_scopes":    token.GrantedScopes,
		"has_refresh_token": token.HasRefreshToken(),
	}
	if token.ExpiresAt != nil {
		resp["expires_at"] = token.ExpiresAt.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOAuthDiscover fetches a provider's authorization metadata to
// pre-fill an OAuth config form. Best effort only.
func (s *Server) handleOAuthDiscover(w http.ResponseWriter, r *http.Request) {
	baseURL := r.URL.Query().Get("base_url")
	if baseURL == "" {
		writeError(w, http.StatusBadRequest, "base_url is required")
		return
	}

	meta, err := s.oauth.Discover(r.Context(), baseURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
