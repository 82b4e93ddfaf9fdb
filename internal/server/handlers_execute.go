// ABOUTME: Tool execution handler shared by the toolset and MCP routes.
// ABOUTME: Runs after the access-request gate has authorized the caller.

package server

import (
	"net/http"

	"github.com/2389/toolgate/internal/auth"
)

type executeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// handleExecute runs one tool on the instance named in the path. The
// gate has already authorized external-app callers against their
// access request; session callers act directly on their own instances.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	result, err := s.engine.Execute(r.Context(), identity.UserID, r.PathValue("id"), req.Tool, req.Args)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
