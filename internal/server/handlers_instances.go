// ABOUTME: Handlers for per-user instances: CRUD, tool cache refresh,
// ABOUTME: and auth configuration with masked confirmation responses.

package server

import (
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/vault"
)

type createInstanceRequest struct {
	Kind        string             `json:"kind"`
	ServerID    string             `json:"server_id"`
	ToolsetType string             `json:"toolset_type"`
	Name        string             `json:"name"`
	Slug        string             `json:"slug"`
	Description string             `json:"description"`
	Tools       []store.ToolSchema `json:"tools"`
	Whitelist   []string           `json:"whitelist"`
}

type updateInstanceRequest struct {
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	Description string   `json:"description"`
	Enabled     bool     `json:"enabled"`
	Whitelist   []string `json:"whitelist"`
}

type instanceResponse struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	ServerID    string             `json:"server_id,omitempty"`
	ToolsetType string             `json:"toolset_type,omitempty"`
	Name        string             `json:"name"`
	Slug        string             `json:"slug"`
	Description string             `json:"description,omitempty"`
	Enabled     bool               `json:"enabled"`
	ToolCache   []store.ToolSchema `json:"tool_cache"`
	Whitelist   []string           `json:"whitelist"`
	AuthKind    string             `json:"auth_kind"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

func (s *Server) toInstanceResponse(r *http.Request, inst *store.Instance) instanceResponse {
	authKind := string(store.AuthKindPublic)
	if cfg, err := s.store.GetAuthConfigByInstance(r.Context(), inst.ID); err == nil {
		authKind = string(cfg.Kind)
	}
	return instanceResponse{
		ID:          inst.ID,
		Kind:        string(inst.Kind),
		ServerID:    inst.ServerID,
		ToolsetType: inst.ToolsetType,
		Name:        inst.Name,
		Slug:        inst.Slug,
		Description: inst.Description,
		Enabled:     inst.Enabled,
		ToolCache:   inst.ToolCache,
		Whitelist:   inst.Whitelist,
		AuthKind:    authKind,
		CreatedAt:   inst.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   inst.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req createInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var inst *store.Instance
	var err error
	switch req.Kind {
	case string(store.InstanceKindToolset):
		tools, tErr := s.engine.ToolsetTools(req.ToolsetType)
		if tErr != nil {
			writeServiceError(w, tErr)
			return
		}
		inst, err = s.registry.CreateToolsetInstance(r.Context(), identity.UserID, req.ToolsetType, req.Name, req.Slug, req.Description, tools, req.Whitelist)
	case string(store.InstanceKindMCP):
		// Two-phase create: tools come from a prior discover call.
		inst, err = s.registry.CreateMcpInstance(r.Context(), identity.UserID, req.ServerID, req.Name, req.Slug, req.Description, req.Tools, req.Whitelist)
	default:
		writeError(w, http.StatusBadRequest, "kind must be mcp or toolset")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toInstanceResponse(r, inst))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	instances, err := s.registry.ListInstances(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		resp = append(resp, s.toInstanceResponse(r, inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": resp})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	// The path accepts either the instance id or its slug.
	inst, err := s.registry.ResolveInstance(r.Context(), identity.UserID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toInstanceResponse(r, inst))
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req updateInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inst, err := s.registry.UpdateInstance(r.Context(), identity.UserID, r.PathValue("id"), req.Name, req.Slug, req.Description, req.Enabled, req.Whitelist)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toInstanceResponse(r, inst))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	if err := s.registry.DeleteInstance(r.Context(), identity.UserID, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshToolCache(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	inst, err := s.engine.RefreshToolCache(r.Context(), identity.UserID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toInstanceResponse(r, inst))
}

type setAuthRequest struct {
	Kind string `json:"kind"`

	// header
	HeaderKey string `json:"header_key,omitempty"`
	Value     string `json:"value,omitempty"`

	// oauth
	ClientID              string   `json:"client_id,omitempty"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string   `json:"token_endpoint,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`
}

func (s *Server) handleSetAuth(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	instanceID := r.PathValue("id")

	var req setAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp := map[string]string{"kind": req.Kind}
	var err error
	switch req.Kind {
	case string(store.AuthKindPublic):
		err = s.registry.SetPublicAuth(r.Context(), identity.UserID, instanceID)
	case string(store.AuthKindHeader):
		err = s.registry.SetHeaderAuth(r.Context(), identity.UserID, instanceID, registry.HeaderAuthParams{
			HeaderKey: req.HeaderKey,
			Value:     req.Value,
		})
		resp["header_key"] = req.HeaderKey
		resp["value"] = vault.Mask(req.Value)
	case string(store.AuthKindOAuth):
		err = s.registry.SetOAuthAuth(r.Context(), identity.UserID, instanceID, registry.OAuthParams{
			ClientID:              req.ClientID,
			ClientSecret:          req.ClientSecret,
			AuthorizationEndpoint: req.AuthorizationEndpoint,
			TokenEndpoint:         req.TokenEndpoint,
			Scopes:                req.Scopes,
		})
		resp["client_id"] = req.ClientID
		resp["client_secret"] = vault.Mask(req.ClientSecret)
	default:
		err = registry.ErrBadAuthConfig
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
