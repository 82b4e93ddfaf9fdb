// ABOUTME: Request identity for tracking callers through handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// IdentityKind distinguishes the three caller classes.
type IdentityKind string

const (
	// IdentitySession is an interactive session owner.
	IdentitySession IdentityKind = "session"
	// IdentityExternalApp is a third-party OAuth client acting for a user.
	IdentityExternalApp IdentityKind = "external_app"
	// IdentityAnonymous is an unauthenticated caller.
	IdentityAnonymous IdentityKind = "anonymous"
)

// Identity holds the authenticated caller information extracted from a request.
// ClientID and AccessRequestID are only set for external apps.
type Identity struct {
	Kind            IdentityKind
	UserID          string
	ClientID        string
	AccessRequestID string
}

// Session builds a session identity for the given user.
func Session(userID string) *Identity {
	return &Identity{Kind: IdentitySession, UserID: userID}
}

// ExternalApp builds a third-party app identity. accessRequestID may be
// empty when the app presents no access request.
func ExternalApp(clientID, userID, accessRequestID string) *Identity {
	return &Identity{
		Kind:            IdentityExternalApp,
		UserID:          userID,
		ClientID:        clientID,
		AccessRequestID: accessRequestID,
	}
}

// Anonymous builds an unauthenticated identity.
func Anonymous() *Identity {
	return &Identity{Kind: IdentityAnonymous}
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context. Returns an
// anonymous identity if none is present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return Anonymous()
	}
	id, ok := val.(*Identity)
	if !ok || id == nil {
		return Anonymous()
	}
	return id
}
