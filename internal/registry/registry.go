// ABOUTME: Resource registry service over servers and instances
// ABOUTME: Validation, two-phase instance creation, and auth config switching

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/vault"
)

// Validation errors
var (
	ErrBadSlug        = errors.New("slug must be alphanumeric or hyphen, at most 24 characters")
	ErrBadDescription = errors.New("description too long")
	ErrBadName        = errors.New("name missing or too long")
	ErrBadURL         = errors.New("url missing or too long")
	ErrServerNotFound = errors.New("server not found")
	ErrServerDisabled = errors.New("server disabled")
	ErrBadAuthConfig  = errors.New("invalid auth config")
)

const (
	maxSlugLen        = 24
	maxDescriptionLen = 255
	maxNameLen        = 100
	maxURLLen         = 2048
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Service implements registry operations on top of the store. Discovery
// happens before creation, never here: the registry does no network I/O.
type Service struct {
	store  store.Store
	vault  *vault.Vault
	logger *slog.Logger
}

// NewService creates a registry service.
func NewService(st store.Store, v *vault.Vault) *Service {
	return &Service{
		store:  st,
		vault:  v,
		logger: slog.Default().With("component", "registry"),
	}
}

// RegisterServer adds a server to the allow list. The URL is stored
// trimmed; comparison is case-insensitive with no slash normalization.
func (s *Service) RegisterServer(ctx context.Context, url, name, description string, enabled bool) (*store.ResourceServer, error) {
	url = strings.TrimSpace(url)
	if url == "" || len(url) > maxURLLen {
		return nil, ErrBadURL
	}
	if name == "" || len(name) > maxNameLen {
		return nil, ErrBadName
	}
	if len(description) > maxDescriptionLen {
		return nil, ErrBadDescription
	}

	server := &store.ResourceServer{
		URL:         url,
		Name:        name,
		Description: description,
		Enabled:     enabled,
	}
	if err := s.store.CreateServer(ctx, server); err != nil {
		return nil, err
	}

	s.logger.Info("registered server", "id", server.ID, "url", server.URL)
	return server, nil
}

// UpdateServer updates a server. A URL change clears every dependent
// instance's tool cache: cached catalogues from the old endpoint are no
// longer trustworthy. Whitelists survive.
func (s *Service) UpdateServer(ctx context.Context, id, url, name, description string, enabled bool) (*store.ResourceServer, error) {
	url = strings.TrimSpace(url)
	if url == "" || len(url) > maxURLLen {
		return nil, ErrBadURL
	}
	if name == "" || len(name) > maxNameLen {
		return nil, ErrBadName
	}
	if len(description) > maxDescriptionLen {
		return nil, ErrBadDescription
	}

	current, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	urlChanged := !strings.EqualFold(current.URL, url)

	current.URL = url
	current.Name = name
	current.Description = description
	current.Enabled = enabled
	if err := s.store.UpdateServer(ctx, current); err != nil {
		return nil, err
	}

	if urlChanged {
		if err := s.store.ClearToolCachesByServer(ctx, id); err != nil {
			return nil, fmt.Errorf("clearing dependent tool caches: %w", err)
		}
		s.logger.Info("server url changed, cleared dependent tool caches", "id", id)
	}

	return current, nil
}

// SetServerEnabled flips a server's enabled flag. Instances survive
// disabling; execution against them fails fast instead.
func (s *Service) SetServerEnabled(ctx context.Context, id string, enabled bool) error {
	return s.store.SetServerEnabled(ctx, id, enabled)
}

// GetServer retrieves a server by id.
func (s *Service) GetServer(ctx context.Context, id string) (*store.ResourceServer, error) {
	return s.store.GetServer(ctx, id)
}

// ListServers returns the allow list.
func (s *Service) ListServers(ctx context.Context) ([]*store.ResourceServer, error) {
	return s.store.ListServers(ctx)
}

// ServerInstanceCounts returns the enabled and total instance counts
// referencing a server, for the admin view.
func (s *Service) ServerInstanceCounts(ctx context.Context, serverID string) (enabled, total int64, err error) {
	return s.store.CountInstancesForServer(ctx, serverID)
}

// validateInstanceFields checks slug and description constraints.
func validateInstanceFields(name, slug, description string) error {
	if name == "" || len(name) > maxNameLen {
		return ErrBadName
	}
	if slug == "" || len(slug) > maxSlugLen || !slugPattern.MatchString(slug) {
		return ErrBadSlug
	}
	if len(description) > maxDescriptionLen {
		return ErrBadDescription
	}
	return nil
}

// CreateMcpInstance creates an instance of an allow-listed MCP server.
// The caller has already discovered the tool catalogue; tools seeds both
// the cache and, when whitelist is nil, the whitelist.
func (s *Service) CreateMcpInstance(ctx context.Context, owner, serverID, name, slug, description string, tools []store.ToolSchema, whitelist []string) (*store.Instance, error) {
	if err := validateInstanceFields(name, slug, description); err != nil {
		return nil, err
	}

	server, err := s.store.GetServer(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	if !server.Enabled {
		return nil, ErrServerDisabled
	}

	inst := &store.Instance{
		OwnerUserID: owner,
		Kind:        store.InstanceKindMCP,
		ServerID:    serverID,
		Name:        name,
		Slug:        slug,
		Description: description,
		Enabled:     true,
		ToolCache:   tools,
		Whitelist:   seedWhitelist(tools, whitelist),
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	s.logger.Info("created mcp instance", "id", inst.ID, "owner", owner, "slug", slug)
	return inst, nil
}

// CreateToolsetInstance creates an instance of a built-in toolset type.
func (s *Service) CreateToolsetInstance(ctx context.Context, owner, toolsetType, name, slug, description string, tools []store.ToolSchema, whitelist []string) (*store.Instance, error) {
	if err := validateInstanceFields(name, slug, description); err != nil {
		return nil, err
	}

	inst := &store.Instance{
		OwnerUserID: owner,
		Kind:        store.InstanceKindToolset,
		ToolsetType: toolsetType,
		Name:        name,
		Slug:        slug,
		Description: description,
		Enabled:     true,
		ToolCache:   tools,
		Whitelist:   seedWhitelist(tools, whitelist),
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	s.logger.Info("created toolset instance", "id", inst.ID, "owner", owner, "type", toolsetType)
	return inst, nil
}

// seedWhitelist defaults a nil whitelist to the full discovered tool
// set. An explicit empty whitelist blocks all execution.
func seedWhitelist(tools []store.ToolSchema, whitelist []string) []string {
	if whitelist != nil {
		return whitelist
	}
	seeded := make([]string, 0, len(tools))
	for _, tool := range tools {
		seeded = append(seeded, tool.Name)
	}
	return seeded
}

// UpdateInstance updates an instance's mutable fields. Ownership
// mismatch surfaces as store.ErrNotFound.
func (s *Service) UpdateInstance(ctx context.Context, owner, id, name, slug, description string, enabled bool, whitelist []string) (*store.Instance, error) {
	if err := validateInstanceFields(name, slug, description); err != nil {
		return nil, err
	}

	inst, err := s.store.GetInstance(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	inst.Name = name
	inst.Slug = slug
	inst.Description = description
	inst.Enabled = enabled
	if whitelist != nil {
		inst.Whitelist = whitelist
	}
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// ReplaceToolCache overwrites an instance's tool cache after a
// re-discovery. The whitelist is left untouched: prior restriction
// choices survive a refresh.
func (s *Service) ReplaceToolCache(ctx context.Context, owner, id string, tools []store.ToolSchema) (*store.Instance, error) {
	inst, err := s.store.GetInstance(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	inst.ToolCache = tools
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	s.logger.Debug("replaced tool cache", "id", id, "tools", len(tools))
	return inst, nil
}

// GetInstance retrieves an instance, owner-scoped.
func (s *Service) GetInstance(ctx context.Context, owner, id string) (*store.Instance, error) {
	return s.store.GetInstance(ctx, owner, id)
}

// ResolveInstance looks an instance up by id, falling back to the
// owner-scoped slug. Slugs never collide with ids: ids are UUIDs and
// slugs cap at 24 characters.
func (s *Service) ResolveInstance(ctx context.Context, owner, ref string) (*store.Instance, error) {
	inst, err := s.store.GetInstance(ctx, owner, ref)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.GetInstanceBySlug(ctx, owner, ref)
	}
	return inst, err
}

// ListInstances returns all of a user's instances.
func (s *Service) ListInstances(ctx context.Context, owner string) ([]*store.Instance, error) {
	return s.store.ListInstances(ctx, owner)
}

// DeleteInstance removes an instance; auth config and token cascade.
func (s *Service) DeleteInstance(ctx context.Context, owner, id string) error {
	return s.store.DeleteInstance(ctx, owner, id)
}

// HeaderAuthParams configures header auth for an instance.
type HeaderAuthParams struct {
	HeaderKey string
	Value     string
}

// OAuthParams configures OAuth auth for an instance.
type OAuthParams struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	Scopes                []string
}

// SetPublicAuth removes any auth config from the instance, making it
// public. Cascades token deletion through the config replacement.
func (s *Service) SetPublicAuth(ctx context.Context, owner, instanceID string) error {
	if _, err := s.store.GetInstance(ctx, owner, instanceID); err != nil {
		return err
	}
	return s.store.SetAuthConfig(ctx, &store.AuthConfig{
		InstanceID: instanceID,
		Kind:       store.AuthKindPublic,
	})
}

// SetHeaderAuth configures header auth, encrypting the value.
func (s *Service) SetHeaderAuth(ctx context.Context, owner, instanceID string, params HeaderAuthParams) error {
	if params.HeaderKey == "" || params.Value == "" {
		return ErrBadAuthConfig
	}
	if _, err := s.store.GetInstance(ctx, owner, instanceID); err != nil {
		return err
	}

	rec, err := s.vault.Encrypt(params.Value)
	if err != nil {
		return fmt.Errorf("encrypting header value: %w", err)
	}

	return s.store.SetAuthConfig(ctx, &store.AuthConfig{
		InstanceID:     instanceID,
		Kind:           store.AuthKindHeader,
		HeaderKey:      params.HeaderKey,
		EncryptedValue: rec.Ciphertext,
		ValueSalt:      rec.Salt,
		ValueNonce:     rec.Nonce,
	})
}

// SetOAuthAuth configures OAuth auth, encrypting the client secret.
func (s *Service) SetOAuthAuth(ctx context.Context, owner, instanceID string, params OAuthParams) error {
	if params.ClientID == "" || params.TokenEndpoint == "" || params.AuthorizationEndpoint == "" {
		return ErrBadAuthConfig
	}
	if _, err := s.store.GetInstance(ctx, owner, instanceID); err != nil {
		return err
	}

	cfg := &store.AuthConfig{
		InstanceID:            instanceID,
		Kind:                  store.AuthKindOAuth,
		ClientID:              params.ClientID,
		AuthorizationEndpoint: params.AuthorizationEndpoint,
		TokenEndpoint:         params.TokenEndpoint,
		Scopes:                params.Scopes,
	}
	if params.ClientSecret != "" {
		rec, err := s.vault.Encrypt(params.ClientSecret)
		if err != nil {
			return fmt.Errorf("encrypting client secret: %w", err)
		}
		cfg.EncryptedSecret = rec.Ciphertext
		cfg.SecretSalt = rec.Salt
		cfg.SecretNonce = rec.Nonce
	}

	return s.store.SetAuthConfig(ctx, cfg)
}
