// ABOUTME: Handlers for the admin-owned server allow list.
// ABOUTME: CRUD plus enable toggle, instance counts, and tool discovery.

package server

import (
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/store"
)

type serverRequest struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled"`
}

type serverResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toServerResponse(srv *store.ResourceServer) serverResponse {
	return serverResponse{
		ID:          srv.ID,
		URL:         srv.URL,
		Name:        srv.Name,
		Description: srv.Description,
		Enabled:     srv.Enabled,
		CreatedAt:   srv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   srv.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	srv, err := s.registry.RegisterServer(r.Context(), req.URL, req.Name, req.Description, enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServerResponse(srv))
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.registry.ListServers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]serverResponse, 0, len(servers))
	for _, srv := range servers {
		resp = append(resp, toServerResponse(srv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": resp})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.registry.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	enabled, total, err := s.registry.ServerInstanceCounts(r.Context(), srv.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server": toServerResponse(srv),
		"instances": map[string]int64{
			"enabled": enabled,
			"total":   total,
		},
	})
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	srv, err := s.registry.UpdateServer(r.Context(), r.PathValue("id"), req.URL, req.Name, req.Description, enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServerResponse(srv))
}

func (s *Server) handleSetServerEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.registry.SetServerEnabled(r.Context(), r.PathValue("id"), req.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// handleDiscoverTools probes a server's tool catalogue before an
// instance exists. Candidate credentials ride in the request body and
// are never persisted here.
func (s *Server) handleDiscoverTools(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Headers map[string]string `json:"headers"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	tools, err := s.engine.DiscoverTools(r.Context(), r.PathValue("id"), req.Headers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleListToolsetTypes(w http.ResponseWriter, r *http.Request) {
	types := s.toolsets.Types()
	resp := make([]map[string]any, 0, len(types))
	for _, name := range types {
		ts, err := s.toolsets.Get(name)
		if err != nil {
			continue
		}
		resp = append(resp, map[string]any{
			"type":  name,
			"tools": ts.Schemas(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"toolset_types": resp})
}
