// ABOUTME: Access-request authorization gate for entity-scoped routes
// ABOUTME: Generic over an EntityValidator; one validator per resource kind

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/store"
)

// RejectionKind enumerates every way the gate can turn a request away.
type RejectionKind string

const (
	RejectMissingAuth              RejectionKind = "missing_auth"
	RejectAccessRequestNotFound    RejectionKind = "access_request_not_found"
	RejectAccessRequestNotApproved RejectionKind = "access_request_not_approved"
	RejectAppClientMismatch        RejectionKind = "app_client_mismatch"
	RejectUserMismatch             RejectionKind = "user_mismatch"
	RejectEntityNotApproved        RejectionKind = "entity_not_approved"
)

// AllRejectionKinds lists every rejection the gate can produce.
var AllRejectionKinds = []RejectionKind{
	RejectMissingAuth,
	RejectAccessRequestNotFound,
	RejectAccessRequestNotApproved,
	RejectAppClientMismatch,
	RejectUserMismatch,
	RejectEntityNotApproved,
}

// Rejection is a typed authorization failure. RequestStatus is set for
// not-approved rejections, EntityID for entity rejections.
type Rejection struct {
	Kind          RejectionKind
	RequestStatus store.AccessRequestStatus
	EntityID      string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("authorization rejected: %s", r.Kind)
}

// HTTPStatus maps a rejection to its response code. The mapping is
// total: not-found and not-approved share 401 with missing auth so a
// probing app cannot distinguish ledger states it does not own.
func (r *Rejection) HTTPStatus() int {
	switch r.Kind {
	case RejectMissingAuth, RejectAccessRequestNotFound, RejectAccessRequestNotApproved:
		return http.StatusUnauthorized
	case RejectAppClientMismatch, RejectUserMismatch, RejectEntityNotApproved:
		return http.StatusForbidden
	default:
		// Unreachable for kinds produced by the gate.
		return http.StatusForbidden
	}
}

// EntityValidator resolves and checks the entity a route addresses.
// One implementation exists per resource kind; new kinds add a
// validator without touching the gate.
type EntityValidator interface {
	// ExtractEntityID pulls the addressed entity id from a request path.
	ExtractEntityID(path string) (string, error)
	// ValidateApproved checks that the approved payload grants the
	// entity. A nil error means granted.
	ValidateApproved(approvedJSON, entityID string) error
}

// errEntityNotApproved is the validator-internal denial, surfaced by the
// gate as RejectEntityNotApproved.
var errEntityNotApproved = errors.New("entity not approved")

// Gate authorizes entity-scoped requests against the access request
// ledger. Session callers pass through; external apps must present an
// approved access request covering the addressed entity.
type Gate struct {
	requests  store.AccessRequestStore
	validator EntityValidator
	logger    *slog.Logger
}

// NewGate creates a gate for one resource kind.
func NewGate(requests store.AccessRequestStore, validator EntityValidator) *Gate {
	return &Gate{
		requests:  requests,
		validator: validator,
		logger:    slog.Default().With("component", "auth"),
	}
}

// Authorize runs the gate for one request. Exactly one of the returns
// is set: nil-nil-nil means proceed, a Rejection is a typed denial, and
// an error is a malformed request or store failure.
func (g *Gate) Authorize(ctx context.Context, id *Identity, path string) (*Rejection, error) {
	switch {
	case id.Kind == IdentitySession:
		// Ownership checks happen downstream in the registry.
		return nil, nil

	case id.Kind == IdentityExternalApp && id.AccessRequestID != "":
		return g.authorizeExternalApp(ctx, id, path)

	default:
		return &Rejection{Kind: RejectMissingAuth}, nil
	}
}

func (g *Gate) authorizeExternalApp(ctx context.Context, id *Identity, path string) (*Rejection, error) {
	ar, err := g.requests.GetAccessRequest(ctx, id.AccessRequestID)
	if errors.Is(err, store.ErrNotFound) {
		return &Rejection{Kind: RejectAccessRequestNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching access request: %w", err)
	}

	if ar.Status != store.AccessRequestApproved {
		return &Rejection{Kind: RejectAccessRequestNotApproved, RequestStatus: ar.Status}, nil
	}
	if ar.AppClientID != id.ClientID {
		g.logger.Warn("access request client mismatch", "access_request_id", ar.ID)
		return &Rejection{Kind: RejectAppClientMismatch}, nil
	}
	if ar.UserID != id.UserID {
		g.logger.Warn("access request user mismatch", "access_request_id", ar.ID)
		return &Rejection{Kind: RejectUserMismatch}, nil
	}

	entityID, err := g.validator.ExtractEntityID(path)
	if err != nil {
		return nil, fmt.Errorf("extracting entity id: %w", err)
	}
	if err := g.validator.ValidateApproved(ar.Approved, entityID); err != nil {
		if errors.Is(err, errEntityNotApproved) {
			return &Rejection{Kind: RejectEntityNotApproved, EntityID: entityID}, nil
		}
		return nil, fmt.Errorf("validating approval: %w", err)
	}

	return nil, nil
}

// Middleware wraps a handler with the gate. Rejections are written as
// JSON with their mapped status; extraction failures are bad requests.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rejection, err := g.Authorize(r.Context(), FromContext(r.Context()), r.URL.Path)
			if err != nil {
				http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
				return
			}
			if rejection != nil {
				http.Error(w, `{"error":"`+string(rejection.Kind)+`"}`, rejection.HTTPStatus())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// pathSegmentAfter returns the path segment following the first
// occurrence of marker, e.g. the instance id in /api/toolsets/{id}/execute.
func pathSegmentAfter(path, marker string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == marker && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("no %s id in path %q", marker, path)
}

// ToolsetValidator validates toolset instances against the approved
// payload's toolsets entries.
type ToolsetValidator struct{}

func (ToolsetValidator) ExtractEntityID(path string) (string, error) {
	return pathSegmentAfter(path, "toolsets")
}

func (ToolsetValidator) ValidateApproved(approvedJSON, entityID string) error {
	approved, err := ledger.ParseApproved(approvedJSON)
	if err != nil {
		return fmt.Errorf("parsing approved payload: %w", err)
	}
	for _, ts := range approved.Toolsets {
		if ts.Instance.ID == entityID && ts.Status == ledger.ApprovalStatusApproved {
			return nil
		}
	}
	return errEntityNotApproved
}

// McpValidator validates MCP instances against the approved payload's
// mcps entries. Both the entry and its nested instance must be approved.
type McpValidator struct{}

func (McpValidator) ExtractEntityID(path string) (string, error) {
	return pathSegmentAfter(path, "mcps")
}

func (McpValidator) ValidateApproved(approvedJSON, entityID string) error {
	approved, err := ledger.ParseApproved(approvedJSON)
	if err != nil {
		return fmt.Errorf("parsing approved payload: %w", err)
	}
	for _, m := range approved.Mcps {
		if m.Instance.ID == entityID && m.Status == ledger.ApprovalStatusApproved &&
			m.Instance.Status == ledger.ApprovalStatusApproved {
			return nil
		}
	}
	return errEntityNotApproved
}

var (
	_ EntityValidator = ToolsetValidator{}
	_ EntityValidator = McpValidator{}
)
