// ABOUTME: Access request ledger persistence
// ABOUTME: Draft creation, one-time decisions, and read-time draft expiry

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accessRequestColumns = `id, app_client_id, app_name, user_id, status,
	requested, approved, error_message, expires_at, created_at, updated_at`

// CreateAccessRequest inserts a new request. Status defaults to draft.
func (s *SQLiteStore) CreateAccessRequest(ctx context.Context, ar *AccessRequest) error {
	if ar.ID == "" {
		ar.ID = uuid.New().String()
	}
	if ar.Status == "" {
		ar.Status = AccessRequestDraft
	}
	now := time.Now().UTC()
	ar.CreatedAt = now
	ar.UpdatedAt = now

	query := `
		INSERT INTO access_requests (` + accessRequestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ar.ID,
		ar.AppClientID,
		ar.AppName,
		ar.UserID,
		string(ar.Status),
		ar.Requested,
		nullString(ar.Approved),
		nullString(ar.ErrorMessage),
		formatTime(ar.ExpiresAt),
		formatTime(ar.CreatedAt),
		formatTime(ar.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access request: %w", err)
	}

	s.logger.Debug("created access request", "id", ar.ID, "app_client_id", ar.AppClientID)
	return nil
}

func (s *SQLiteStore) scanAccessRequest(row interface{ Scan(...any) error }) (*AccessRequest, error) {
	var ar AccessRequest
	var status string
	var userID, approved, errorMessage sql.NullString
	var expiresAt, createdAt, updatedAt string

	err := row.Scan(
		&ar.ID,
		&ar.AppClientID,
		&ar.AppName,
		&userID,
		&status,
		&ar.Requested,
		&approved,
		&errorMessage,
		&expiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ar.Status = AccessRequestStatus(status)
	ar.UserID = stringOrEmpty(userID)
	ar.Approved = stringOrEmpty(approved)
	ar.ErrorMessage = stringOrEmpty(errorMessage)
	ar.ExpiresAt = s.parseTime("expires_at", ar.ID, expiresAt)
	ar.CreatedAt = s.parseTime("created_at", ar.ID, createdAt)
	ar.UpdatedAt = s.parseTime("updated_at", ar.ID, updatedAt)
	return &ar, nil
}

// GetAccessRequest retrieves a request by ID.
func (s *SQLiteStore) GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error) {
	query := `SELECT ` + accessRequestColumns + ` FROM access_requests WHERE id = ?`

	ar, err := s.scanAccessRequest(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying access request: %w", err)
	}
	return ar, nil
}

// UpdateAccessRequestDecision records the owner's decision: status,
// the deciding user, approved payload, and error message. Other fields
// are immutable.
func (s *SQLiteStore) UpdateAccessRequestDecision(ctx context.Context, ar *AccessRequest) error {
	ar.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE access_requests
		SET status = ?, user_id = ?, approved = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(ar.Status),
		nullString(ar.UserID),
		nullString(ar.Approved),
		nullString(ar.ErrorMessage),
		formatTime(ar.UpdatedAt),
		ar.ID,
	)
	if err != nil {
		return fmt.Errorf("updating access request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("recorded access request decision", "id", ar.ID, "status", ar.Status)
	return nil
}

// ExpireIfDraftAndPast transitions a draft request past its expiry to
// expired, then returns the current record. The conditional update keeps
// the transition race-free without a background sweeper.
func (s *SQLiteStore) ExpireIfDraftAndPast(ctx context.Context, id string, now time.Time) (*AccessRequest, error) {
	query := `
		UPDATE access_requests
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at <= ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(AccessRequestExpired),
		formatTime(now.UTC()),
		id,
		string(AccessRequestDraft),
		formatTime(now.UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("expiring access request: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Debug("expired draft access request", "id", id)
	}

	return s.GetAccessRequest(ctx, id)
}

var _ AccessRequestStore = (*SQLiteStore)(nil)
