// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage
// discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: All protected endpoints, the permission gate
	// Type: *auth.AuthContext
	AuthKey Key = "auth_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// HospitalIDKey contains the hospital scope for the current request
	// Set by: routing layer when a route is hospital-scoped
	// Used by: the permission gate's hospital-scope resolution
	// Type: string
	HospitalIDKey Key = "hospital_id"
)

// WithAuth adds auth context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithHospitalID adds the hospital scope to the context
func WithHospitalID(ctx context.Context, hospitalID string) context.Context {
	return context.WithValue(ctx, HospitalIDKey, hospitalID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetHospitalID retrieves the hospital scope from context
func GetHospitalID(ctx context.Context) string {
	if hospitalID, ok := ctx.Value(HospitalIDKey).(string); ok {
		return hospitalID
	}
	return ""
}
