// Package middleware provides HTTP middleware for authentication and
// request plumbing.
package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/caregrid/caregrid/pkg/auth"
	"github.com/caregrid/caregrid/pkg/contextkeys"
	"github.com/caregrid/caregrid/pkg/httputil"
)

// AuthMiddleware resolves bearer tokens to users and stores the result
// in the request context for downstream handlers and the permission gate.
type AuthMiddleware struct {
	tokens   *auth.TokenStore
	optional bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens *auth.TokenStore, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:   tokens,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		user, token, err := m.tokens.ValidateToken(r.Context(), parts[1])
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		authCtx := &auth.AuthContext{
			User:  user,
			Token: token,
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	ctx := r.Context().Value(contextkeys.AuthKey)
	if ctx == nil {
		return nil
	}
	authCtx, ok := ctx.(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireRole creates middleware that checks for a specific base role.
// It is a coarse gate for routes where the layered permission check is
// not needed, such as the token management endpoints.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil || authCtx.User == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if !authCtx.HasRole(role) {
				httputil.WriteForbidden(w, "insufficient role")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns each request a UUID, stores it in the context and
// echoes it in the X-Request-ID response header. Incoming X-Request-ID
// headers are trusted so callers can correlate across services.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HospitalScope copies a hospital identifier from the X-Hospital-ID
// header into the request context. Routes behind the permission gate use
// it to scope checks to the hospital the client is operating in.
func HospitalScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hospitalID := r.Header.Get("X-Hospital-ID"); hospitalID != "" {
			ctx := contextkeys.WithHospitalID(r.Context(), hospitalID)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
