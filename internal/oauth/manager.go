// ABOUTME: OAuth token lifecycle manager for instance auth configs
// ABOUTME: PKCE login flow, code exchange, and guarded token refresh

package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/vault"
)

// Lifecycle errors
var (
	// ErrReauthRequired means no usable token exists and the resource
	// owner must run the login flow again. Surfaced to the owner, never
	// to the OAuth third party.
	ErrReauthRequired = errors.New("reauthorization required")
	// ErrExchangeFailed means the provider rejected the code exchange.
	ErrExchangeFailed = errors.New("token exchange failed")
	// ErrStateNotFound means the callback state is unknown, expired, or
	// already used.
	ErrStateNotFound = errors.New("login state not found")
	// ErrNotOAuthConfig means the auth config is not of the oauth kind.
	ErrNotOAuthConfig = errors.New("auth config is not oauth")
)

// expiryMargin is how long before expiry a token is refreshed
// proactively rather than handed out.
const expiryMargin = 60 * time.Second

// Manager drives the OAuth lifecycle for oauth-kind auth configs. All
// token material is vault-encrypted at rest; refresh for one config is
// serialized by a per-config mutex so concurrent callers cannot
// invalidate each other's refresh token.
type Manager struct {
	store       store.Store
	vault       *vault.Vault
	httpClient  *http.Client
	redirectURI string
	stateTTL    time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a token lifecycle manager. redirectURI is the
// externally reachable callback URL registered with providers.
func NewManager(st store.Store, v *vault.Vault, redirectURI string, stateTTL time.Duration) *Manager {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &Manager{
		store:       st,
		vault:       v,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		redirectURI: redirectURI,
		stateTTL:    stateTTL,
		logger:      slog.Default().With("component", "oauth"),
		locks:       make(map[string]*sync.Mutex),
	}
}

// configLock returns the mutex guarding one auth config's
// read-check-refresh-write sequence.
func (m *Manager) configLock(authConfigID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[authConfigID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[authConfigID] = lock
	}
	return lock
}

// generateState produces a random anti-forgery state parameter.
func generateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// oauthConfig builds the x/oauth2 config for an auth config, decrypting
// the client secret when one is stored.
func (m *Manager) oauthConfig(cfg *store.AuthConfig) (*oauth2.Config, error) {
	if cfg.Kind != store.AuthKindOAuth {
		return nil, ErrNotOAuthConfig
	}

	var secret string
	if cfg.EncryptedSecret != "" {
		var err error
		secret, err = m.vault.Decrypt(vault.Record{
			Ciphertext: cfg.EncryptedSecret,
			Salt:       cfg.SecretSalt,
			Nonce:      cfg.SecretNonce,
		})
		if err != nil {
			m.logger.Error("client secret decrypt failed", "auth_config_id", cfg.ID, "error", err)
			return nil, fmt.Errorf("decrypting client secret: %w", err)
		}
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
		RedirectURL: m.redirectURI,
		Scopes:      cfg.Scopes,
	}, nil
}

// httpContext injects the manager's HTTP client into oauth2 calls.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// InitiateLogin starts the authorization code flow for an auth config.
// The S256 PKCE verifier is persisted server-side keyed by the state
// parameter; a client-supplied verifier is never trusted. Returns the
// provider authorization URL to redirect the user to.
func (m *Manager) InitiateLogin(ctx context.Context, userID, authConfigID string) (string, error) {
	cfg, err := m.store.GetAuthConfig(ctx, authConfigID)
	if err != nil {
		return "", err
	}
	oc, err := m.oauthConfig(cfg)
	if err != nil {
		return "", err
	}

	state, err := generateState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	// Abandoned states never get consumed, so sweep anything past the
	// TTL whenever a new login starts.
	if err := m.store.DeleteExpiredLoginStates(ctx, time.Now().Add(-m.stateTTL)); err != nil {
		m.logger.Warn("purging expired login states", "error", err)
	}

	if err := m.store.CreateLoginState(ctx, &store.LoginState{
		State:        state,
		AuthConfigID: authConfigID,
		UserID:       userID,
		CodeVerifier: verifier,
		RedirectURI:  m.redirectURI,
	}); err != nil {
		return "", fmt.Errorf("persisting login state: %w", err)
	}

	url := oc.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	m.logger.Info("initiated oauth login", "auth_config_id", authConfigID)
	return url, nil
}

// CompleteLogin finishes the flow from the provider callback. The state
// is single-use and bounded by the state TTL; the stored token record is
// replaced, never accumulated.
func (m *Manager) CompleteLogin(ctx context.Context, state, code string) (*store.OAuthToken, error) {
	ls, err := m.store.ConsumeLoginState(ctx, state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Since(ls.CreatedAt) > m.stateTTL {
		return nil, ErrStateNotFound
	}

	cfg, err := m.store.GetAuthConfig(ctx, ls.AuthConfigID)
	if err != nil {
		return nil, err
	}
	oc, err := m.oauthConfig(cfg)
	if err != nil {
		return nil, err
	}

	token, err := oc.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(ls.CodeVerifier))
	if err != nil {
		m.logger.Warn("code exchange failed", "auth_config_id", cfg.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	record, err := m.persistToken(ctx, cfg.ID, token)
	if err != nil {
		return nil, err
	}

	m.logger.Info("completed oauth login", "auth_config_id", cfg.ID)
	return record, nil
}

// persistToken encrypts and stores a provider token, replacing any
// prior record for the config.
func (m *Manager) persistToken(ctx context.Context, authConfigID string, token *oauth2.Token) (*store.OAuthToken, error) {
	access, err := m.vault.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}

	record := &store.OAuthToken{
		AuthConfigID:         authConfigID,
		EncryptedAccessToken: access.Ciphertext,
		AccessTokenSalt:      access.Salt,
		AccessTokenNonce:     access.Nonce,
	}
	if token.RefreshToken != "" {
		refresh, err := m.vault.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
		record.EncryptedRefreshToken = refresh.Ciphertext
		record.RefreshTokenSalt = refresh.Salt
		record.RefreshTokenNonce = refresh.Nonce
	}
	if scope, ok := token.Extra("scope").(string); ok {
		record.GrantedScopes = scope
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		record.ExpiresAt = &expiry
	}

	if err := m.store.ReplaceToken(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ResolveValidToken returns a ready Authorization header value for the
// config, refreshing proactively when the stored token is within the
// expiry margin. No usable token yields ErrReauthRequired.
func (m *Manager) ResolveValidToken(ctx context.Context, authConfigID string) (string, error) {
	lock := m.configLock(authConfigID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.store.GetTokenByAuthConfig(ctx, authConfigID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrReauthRequired
	}
	if err != nil {
		return "", err
	}

	if record.ExpiresAt == nil || time.Now().Before(record.ExpiresAt.Add(-expiryMargin)) {
		access, err := m.vault.Decrypt(vault.Record{
			Ciphertext: record.EncryptedAccessToken,
			Salt:       record.AccessTokenSalt,
			Nonce:      record.AccessTokenNonce,
		})
		if err != nil {
			m.logger.Error("access token decrypt failed", "auth_config_id", authConfigID, "error", err)
			return "", fmt.Errorf("decrypting access token: %w", err)
		}
		return "Bearer " + access, nil
	}

	return m.refreshLocked(ctx, authConfigID, record)
}

// ForceRefresh refreshes the token unconditionally. Callers use it once
// after a provider 401 and retry exactly once; there is no loop here.
func (m *Manager) ForceRefresh(ctx context.Context, authConfigID string) (string, error) {
	lock := m.configLock(authConfigID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.store.GetTokenByAuthConfig(ctx, authConfigID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrReauthRequired
	}
	if err != nil {
		return "", err
	}

	return m.refreshLocked(ctx, authConfigID, record)
}

// refreshLocked exchanges the refresh token for a new token pair and
// replaces the stored record. Caller holds the config lock.
func (m *Manager) refreshLocked(ctx context.Context, authConfigID string, record *store.OAuthToken) (string, error) {
	if !record.HasRefreshToken() {
		return "", ErrReauthRequired
	}

	refresh, err := m.vault.Decrypt(vault.Record{
		Ciphertext: record.EncryptedRefreshToken,
		Salt:       record.RefreshTokenSalt,
		Nonce:      record.RefreshTokenNonce,
	})
	if err != nil {
		m.logger.Error("refresh token decrypt failed", "auth_config_id", authConfigID, "error", err)
		return "", fmt.Errorf("decrypting refresh token: %w", err)
	}

	cfg, err := m.store.GetAuthConfig(ctx, authConfigID)
	if err != nil {
		return "", err
	}
	oc, err := m.oauthConfig(cfg)
	if err != nil {
		return "", err
	}

	source := oc.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: refresh})
	token, err := source.Token()
	if err != nil {
		// An expired or revoked refresh token means the owner must log
		// in again.
		m.logger.Warn("token refresh failed", "auth_config_id", authConfigID, "error", err)
		return "", ErrReauthRequired
	}

	if token.RefreshToken == "" {
		// Providers may omit the refresh token on rotation; keep the
		// old one.
		token.RefreshToken = refresh
	}
	if _, err := m.persistToken(ctx, authConfigID, token); err != nil {
		return "", err
	}

	m.logger.Info("refreshed oauth token", "auth_config_id", authConfigID)
	return "Bearer " + token.AccessToken, nil
}
