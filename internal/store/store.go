// ABOUTME: Store interfaces and data types for toolgate persistence
// ABOUTME: Defines servers, instances, auth configs, tokens, and access requests

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
// Owner-scoped lookups also return it when the entity exists but belongs
// to a different user, so existence is never disclosed to non-owners.
var ErrNotFound = errors.New("not found")

// ErrDuplicateURL is returned when registering a server whose URL is
// already on the allow list (compared trimmed and case-insensitively).
var ErrDuplicateURL = errors.New("server URL already exists")

// ErrDuplicateSlug is returned when an owner already has an instance
// with the same slug (case-insensitive).
var ErrDuplicateSlug = errors.New("instance slug already exists")

// ResourceServer is an admin-owned allow-listed remote tool server endpoint.
type ResourceServer struct {
	ID          string
	URL         string
	Name        string
	Description string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToolSchema describes one tool exposed by a provider.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// InstanceKind distinguishes MCP instances from built-in toolset instances.
type InstanceKind string

const (
	InstanceKindMCP     InstanceKind = "mcp"
	InstanceKindToolset InstanceKind = "toolset"
)

// Instance is a per-user configuration of a remote MCP server or a
// built-in toolset type. ServerID is set for MCP instances, ToolsetType
// for toolset instances; exactly one of the two is non-empty.
type Instance struct {
	ID          string
	OwnerUserID string
	Kind        InstanceKind
	ServerID    string
	ToolsetType string
	Name        string
	Slug        string
	Description string
	Enabled     bool
	ToolCache   []ToolSchema
	Whitelist   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuthKind selects how requests to the instance's provider authenticate.
type AuthKind string

const (
	AuthKindPublic AuthKind = "public"
	AuthKindHeader AuthKind = "header"
	AuthKindOAuth  AuthKind = "oauth"
)

// AuthConfig is the stored auth configuration for one instance. A row
// exists only for the header and oauth kinds; public instances have no
// row. Secrets are vault-encrypted base64 triples.
type AuthConfig struct {
	ID         string
	InstanceID string
	Kind       AuthKind

	// Header kind
	HeaderKey      string
	EncryptedValue string
	ValueSalt      string
	ValueNonce     string

	// OAuth kind
	ClientID              string
	EncryptedSecret       string
	SecretSalt            string
	SecretNonce           string
	AuthorizationEndpoint string
	TokenEndpoint         string
	Scopes                []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OAuthToken is the single live token record for an OAuth auth config.
// A refresh replaces the record in place; records never accumulate.
type OAuthToken struct {
	ID           string
	AuthConfigID string

	EncryptedAccessToken string
	AccessTokenSalt      string
	AccessTokenNonce     string

	// Empty when the provider issued no refresh token.
	EncryptedRefreshToken string
	RefreshTokenSalt      string
	RefreshTokenNonce     string

	GrantedScopes string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasRefreshToken reports whether the record carries a refresh token.
func (t *OAuthToken) HasRefreshToken() bool {
	return t.EncryptedRefreshToken != ""
}

// AccessRequestStatus is the lifecycle state of an access request.
type AccessRequestStatus string

const (
	AccessRequestDraft    AccessRequestStatus = "draft"
	AccessRequestApproved AccessRequestStatus = "approved"
	AccessRequestDenied   AccessRequestStatus = "denied"
	AccessRequestFailed   AccessRequestStatus = "failed"
	AccessRequestExpired  AccessRequestStatus = "expired"
)

// AccessRequest records a third-party app's ask to act on a user's
// resources. Requested and Approved are canonical wire-shape JSON;
// Approved is empty unless Status is approved. The record is mutated
// once by the owner's decision and is append-only afterwards.
type AccessRequest struct {
	ID           string
	AppClientID  string
	AppName      string
	UserID       string
	Status       AccessRequestStatus
	Requested    string
	Approved     string
	ErrorMessage string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LoginState holds a pending OAuth login's PKCE verifier, keyed by the
// anti-forgery state parameter. The verifier never round-trips through
// the client.
type LoginState struct {
	State        string
	AuthConfigID string
	UserID       string
	CodeVerifier string
	RedirectURI  string
	CreatedAt    time.Time
}

// ServerStore manages the admin-owned server allow list.
type ServerStore interface {
	CreateServer(ctx context.Context, server *ResourceServer) error
	GetServer(ctx context.Context, id string) (*ResourceServer, error)
	GetServerByURL(ctx context.Context, url string) (*ResourceServer, error)
	ListServers(ctx context.Context) ([]*ResourceServer, error)
	UpdateServer(ctx context.Context, server *ResourceServer) error
	SetServerEnabled(ctx context.Context, id string, enabled bool) error
	CountInstancesForServer(ctx context.Context, serverID string) (enabled, total int64, err error)
	ClearToolCachesByServer(ctx context.Context, serverID string) error
}

// InstanceStore manages per-user instances. All lookups are owner-scoped.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, ownerUserID, id string) (*Instance, error)
	GetInstanceBySlug(ctx context.Context, ownerUserID, slug string) (*Instance, error)
	ListInstances(ctx context.Context, ownerUserID string) ([]*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	DeleteInstance(ctx context.Context, ownerUserID, id string) error
}

// AuthConfigStore manages the at-most-one auth config per instance.
type AuthConfigStore interface {
	// SetAuthConfig replaces the instance's auth config. Any prior row is
	// deleted first, cascading token deletion, so no orphans survive a
	// kind switch. A public config deletes without inserting.
	SetAuthConfig(ctx context.Context, cfg *AuthConfig) error
	GetAuthConfig(ctx context.Context, id string) (*AuthConfig, error)
	GetAuthConfigByInstance(ctx context.Context, instanceID string) (*AuthConfig, error)
}

// TokenStore manages the single live OAuth token record per auth config.
type TokenStore interface {
	// ReplaceToken deletes any existing record for the auth config and
	// inserts the new one.
	ReplaceToken(ctx context.Context, token *OAuthToken) error
	GetTokenByAuthConfig(ctx context.Context, authConfigID string) (*OAuthToken, error)
	DeleteTokenByAuthConfig(ctx context.Context, authConfigID string) error
}

// AccessRequestStore manages the access request ledger.
type AccessRequestStore interface {
	CreateAccessRequest(ctx context.Context, ar *AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error)
	// UpdateAccessRequestDecision records the owner's one-time decision.
	UpdateAccessRequestDecision(ctx context.Context, ar *AccessRequest) error
	// ExpireIfDraftAndPast flips a draft request past its expiry to
	// expired. Returns the (possibly updated) request.
	ExpireIfDraftAndPast(ctx context.Context, id string, now time.Time) (*AccessRequest, error)
}

// LoginStateStore persists pending OAuth login states.
type LoginStateStore interface {
	CreateLoginState(ctx context.Context, ls *LoginState) error
	// ConsumeLoginState fetches and deletes a state in one step; a state
	// is single-use.
	ConsumeLoginState(ctx context.Context, state string) (*LoginState, error)
	DeleteExpiredLoginStates(ctx context.Context, before time.Time) error
}

// Store is the full persistence interface implemented by SQLiteStore.
type Store interface {
	ServerStore
	InstanceStore
	AuthConfigStore
	TokenStore
	AccessRequestStore
	LoginStateStore
	Close() error
}
