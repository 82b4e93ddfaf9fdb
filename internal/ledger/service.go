// ABOUTME: Access request lifecycle service
// ABOUTME: Draft creation, owner decisions, and instance ownership binding

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/store"
)

// Lifecycle errors
var (
	// ErrAlreadyDecided is returned when deciding a request that has left
	// the draft state.
	ErrAlreadyDecided = errors.New("access request already decided")
	// ErrInstanceNotOwned is returned when an approval names an instance
	// the deciding user does not own.
	ErrInstanceNotOwned = errors.New("approved instance not owned by user")
	// ErrNothingApproved is returned when an approval grants no instances.
	ErrNothingApproved = errors.New("approval names no instances")
	// ErrServerMismatch is returned when an mcps approval entry binds an
	// instance to a URL that is not the instance's registered server.
	ErrServerMismatch = errors.New("approved instance does not belong to the named server")
)

// DefaultDraftTTL is how long a draft request stays decidable.
const DefaultDraftTTL = 24 * time.Hour

// Service manages the access request ledger on top of the store.
type Service struct {
	store    store.Store
	draftTTL time.Duration
	logger   *slog.Logger
}

// NewService creates a ledger service with the default draft TTL.
func NewService(st store.Store) *Service {
	return &Service{
		store:    st,
		draftTTL: DefaultDraftTTL,
		logger:   slog.Default().With("component", "ledger"),
	}
}

// CreateDraft records a third-party app's ask as a draft request.
func (s *Service) CreateDraft(ctx context.Context, appClientID, appName string, requested RequestedResources) (*store.AccessRequest, error) {
	raw, err := json.Marshal(requested)
	if err != nil {
		return nil, fmt.Errorf("encoding requested resources: %w", err)
	}

	ar := &store.AccessRequest{
		AppClientID: appClientID,
		AppName:     appName,
		Requested:   string(raw),
		ExpiresAt:   time.Now().UTC().Add(s.draftTTL),
	}
	if err := s.store.CreateAccessRequest(ctx, ar); err != nil {
		return nil, err
	}

	s.logger.Info("access request drafted", "id", ar.ID, "app_client_id", appClientID)
	return ar, nil
}

// Get retrieves a request, flipping stale drafts to expired first.
func (s *Service) Get(ctx context.Context, id string) (*store.AccessRequest, error) {
	return s.store.ExpireIfDraftAndPast(ctx, id, time.Now())
}

// Approve records the owner's approval. Every instance named in the
// payload must belong to the approving user, and every mcps entry must
// name the server its instance is registered on. A request that has
// left the draft state is immutable.
func (s *Service) Approve(ctx context.Context, userID, id string, approved ApprovedResources) (*store.AccessRequest, error) {
	ar, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ar.Status != store.AccessRequestDraft {
		return nil, ErrAlreadyDecided
	}

	ids := approved.InstanceIDs()
	if len(ids) == 0 {
		return nil, ErrNothingApproved
	}
	for _, ts := range approved.Toolsets {
		if _, err := s.ownedInstance(ctx, userID, ts.Instance.ID); err != nil {
			return nil, err
		}
	}
	for _, m := range approved.Mcps {
		inst, err := s.ownedInstance(ctx, userID, m.Instance.ID)
		if err != nil {
			return nil, err
		}
		// The entry's URL must resolve to the registered server the
		// instance actually lives on.
		server, err := s.store.GetServerByURL(ctx, m.URL)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrServerMismatch
		}
		if err != nil {
			return nil, err
		}
		if inst.ServerID != server.ID {
			return nil, ErrServerMismatch
		}
	}

	raw, err := json.Marshal(approved)
	if err != nil {
		return nil, fmt.Errorf("encoding approved resources: %w", err)
	}

	ar.Status = store.AccessRequestApproved
	ar.UserID = userID
	ar.Approved = string(raw)
	if err := s.store.UpdateAccessRequestDecision(ctx, ar); err != nil {
		return nil, err
	}

	s.logger.Info("access request approved", "id", ar.ID, "user_id", userID, "instances", len(ids))
	return ar, nil
}

func (s *Service) ownedInstance(ctx context.Context, userID, instanceID string) (*store.Instance, error) {
	inst, err := s.store.GetInstance(ctx, userID, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInstanceNotOwned
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Deny records the owner's denial.
func (s *Service) Deny(ctx context.Context, userID, id string) (*store.AccessRequest, error) {
	ar, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ar.Status != store.AccessRequestDraft {
		return nil, ErrAlreadyDecided
	}

	ar.Status = store.AccessRequestDenied
	ar.UserID = userID
	if err := s.store.UpdateAccessRequestDecision(ctx, ar); err != nil {
		return nil, err
	}

	s.logger.Info("access request denied", "id", ar.ID, "user_id", userID)
	return ar, nil
}

// Fail records a consent flow failure with its error message.
func (s *Service) Fail(ctx context.Context, id, message string) (*store.AccessRequest, error) {
	ar, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ar.Status != store.AccessRequestDraft {
		return nil, ErrAlreadyDecided
	}

	ar.Status = store.AccessRequestFailed
	ar.ErrorMessage = message
	if err := s.store.UpdateAccessRequestDecision(ctx, ar); err != nil {
		return nil, err
	}

	s.logger.Warn("access request failed", "id", ar.ID, "error", message)
	return ar, nil
}
