// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here to prevent
// typos and make key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains the authenticated *saml.Identity
	// Set by: middleware.Gate after a successful session lookup
	// Required by: the /api/secure handlers
	IdentityKey Key = "identity"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: logger, tracing
	RequestIDKey Key = "request_id"
)

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithRequestID adds the request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID retrieves the request ID from the context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
