// ABOUTME: Pending OAuth login state persistence
// ABOUTME: Single-use PKCE verifier records keyed by state parameter

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateLoginState persists a pending login's verifier keyed by state.
func (s *SQLiteStore) CreateLoginState(ctx context.Context, ls *LoginState) error {
	if ls.CreatedAt.IsZero() {
		ls.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO oauth_login_states (state, auth_config_id, user_id, code_verifier, redirect_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ls.State,
		ls.AuthConfigID,
		ls.UserID,
		ls.CodeVerifier,
		ls.RedirectURI,
		formatTime(ls.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting login state: %w", err)
	}
	return nil
}

// ConsumeLoginState fetches and deletes a login state atomically. A second
// consume of the same state returns ErrNotFound.
func (s *SQLiteStore) ConsumeLoginState(ctx context.Context, state string) (*LoginState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT state, auth_config_id, user_id, code_verifier, redirect_uri, created_at
		FROM oauth_login_states
		WHERE state = ?
	`

	var ls LoginState
	var createdAt string
	err = tx.QueryRowContext(ctx, query, state).Scan(
		&ls.State,
		&ls.AuthConfigID,
		&ls.UserID,
		&ls.CodeVerifier,
		&ls.RedirectURI,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying login state: %w", err)
	}
	ls.CreatedAt = s.parseTime("created_at", ls.State, createdAt)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM oauth_login_states WHERE state = ?`, state); err != nil {
		return nil, fmt.Errorf("deleting login state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing login state consume: %w", err)
	}
	return &ls, nil
}

// DeleteExpiredLoginStates removes states created before the cutoff.
func (s *SQLiteStore) DeleteExpiredLoginStates(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_login_states WHERE created_at < ?`, formatTime(before.UTC()))
	if err != nil {
		return fmt.Errorf("deleting expired login states: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Debug("deleted expired login states", "count", rows)
	}
	return nil
}

var _ LoginStateStore = (*SQLiteStore)(nil)
