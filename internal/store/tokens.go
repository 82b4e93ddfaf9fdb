// ABOUTME: OAuth token record persistence
// ABOUTME: One live record per auth config; refresh replaces, never accumulates

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReplaceToken deletes any existing token record for the auth config and
// inserts the new one in a single transaction.
func (s *SQLiteStore) ReplaceToken(ctx context.Context, token *OAuthToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE auth_config_id = ?`, token.AuthConfigID); err != nil {
		return fmt.Errorf("deleting prior token: %w", err)
	}

	var expiresAt any
	if token.ExpiresAt != nil {
		expiresAt = formatTime(*token.ExpiresAt)
	}

	query := `
		INSERT INTO oauth_tokens (id, auth_config_id,
			encrypted_access_token, access_token_salt, access_token_nonce,
			encrypted_refresh_token, refresh_token_salt, refresh_token_nonce,
			granted_scopes, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		token.ID,
		token.AuthConfigID,
		token.EncryptedAccessToken,
		token.AccessTokenSalt,
		token.AccessTokenNonce,
		nullString(token.EncryptedRefreshToken),
		nullString(token.RefreshTokenSalt),
		nullString(token.RefreshTokenNonce),
		nullString(token.GrantedScopes),
		expiresAt,
		formatTime(token.CreatedAt),
		formatTime(token.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing token: %w", err)
	}

	s.logger.Debug("replaced oauth token", "auth_config_id", token.AuthConfigID)
	return nil
}

// GetTokenByAuthConfig retrieves the live token record for an auth config.
func (s *SQLiteStore) GetTokenByAuthConfig(ctx context.Context, authConfigID string) (*OAuthToken, error) {
	query := `
		SELECT id, auth_config_id,
			encrypted_access_token, access_token_salt, access_token_nonce,
			encrypted_refresh_token, refresh_token_salt, refresh_token_nonce,
			granted_scopes, expires_at, created_at, updated_at
		FROM oauth_tokens
		WHERE auth_config_id = ?
	`

	var token OAuthToken
	var encRefresh, refreshSalt, refreshNonce, scopes, expiresAt sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, authConfigID).Scan(
		&token.ID,
		&token.AuthConfigID,
		&token.EncryptedAccessToken,
		&token.AccessTokenSalt,
		&token.AccessTokenNonce,
		&encRefresh,
		&refreshSalt,
		&refreshNonce,
		&scopes,
		&expiresAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	token.EncryptedRefreshToken = stringOrEmpty(encRefresh)
	token.RefreshTokenSalt = stringOrEmpty(refreshSalt)
	token.RefreshTokenNonce = stringOrEmpty(refreshNonce)
	token.GrantedScopes = stringOrEmpty(scopes)
	if expiresAt.Valid {
		t := s.parseTime("expires_at", token.ID, expiresAt.String)
		token.ExpiresAt = &t
	}
	token.CreatedAt = s.parseTime("created_at", token.ID, createdAt)
	token.UpdatedAt = s.parseTime("updated_at", token.ID, updatedAt)

	return &token, nil
}

// DeleteTokenByAuthConfig removes the token record for an auth config.
// Deleting a nonexistent record is not an error.
func (s *SQLiteStore) DeleteTokenByAuthConfig(ctx context.Context, authConfigID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE auth_config_id = ?`, authConfigID); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

var _ TokenStore = (*SQLiteStore)(nil)
