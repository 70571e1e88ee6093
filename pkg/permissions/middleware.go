package permissions

import (
	"net/http"

	"github.com/caregrid/caregrid/pkg/auth"
	"github.com/caregrid/caregrid/pkg/contextkeys"
	"github.com/caregrid/caregrid/pkg/httputil"
	"github.com/caregrid/caregrid/pkg/middleware"
)

// Gate protects HTTP routes with layered permission checks. It sits
// behind the authentication middleware and reads the identity it put in
// the request context.
type Gate struct {
	resolver *Resolver
}

// NewGate creates a gate over a resolver
func NewGate(resolver *Resolver) *Gate {
	return &Gate{resolver: resolver}
}

// gateConfig is the per-route configuration built from GateOptions
type gateConfig struct {
	hospitalID     *string
	hospitalIDFunc func(*http.Request) *string
	customCheck    func(*http.Request, *auth.User) (bool, error)
	errorMessage   string
}

// GateOption customizes a single Require gate
type GateOption func(*gateConfig)

// WithHospitalID scopes the check to a fixed hospital
func WithHospitalID(hospitalID string) GateOption {
	return func(c *gateConfig) {
		c.hospitalID = &hospitalID
	}
}

// WithHospitalIDFunc derives the hospital scope from the request, for
// routes where the hospital is a path or query parameter. Returning nil
// leaves the check unscoped.
func WithHospitalIDFunc(fn func(*http.Request) *string) GateOption {
	return func(c *gateConfig) {
		c.hospitalIDFunc = fn
	}
}

// WithCustomCheck replaces the resolver call entirely. The function
// receives the authenticated user and decides access on its own; an
// error from it is treated like a store failure (denied, 500).
func WithCustomCheck(fn func(*http.Request, *auth.User) (bool, error)) GateOption {
	return func(c *gateConfig) {
		c.customCheck = fn
	}
}

// WithErrorMessage overrides the default 403 message
func WithErrorMessage(msg string) GateOption {
	return func(c *gateConfig) {
		c.errorMessage = msg
	}
}

// Require returns middleware that permits the request only when the
// authenticated user may perform action on resource. Unauthenticated
// requests get 401, denied requests 403, and resolver failures 500; in
// every case the body is the standard JSON error envelope.
func (g *Gate) Require(resource Resource, action Action, opts ...GateOption) func(http.Handler) http.Handler {
	cfg := gateConfig{
		errorMessage: "insufficient permissions",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := middleware.GetAuthContext(r)
			if authCtx == nil || authCtx.User == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			user := authCtx.User

			if cfg.customCheck != nil {
				allowed, err := cfg.customCheck(r, user)
				if err != nil {
					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
					return
				}
				if !allowed {
					httputil.WriteForbidden(w, cfg.errorMessage)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			check := Check{
				UserID:     user.ID,
				Resource:   resource,
				Action:     action,
				HospitalID: g.hospitalScope(r, cfg),
			}

			allowed, err := g.resolver.HasPermission(r.Context(), check)
			if err != nil {
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, cfg.errorMessage)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// hospitalScope picks the hospital for a check: explicit option first,
// then the per-request function, then the request context set by the
// HospitalScope middleware.
func (g *Gate) hospitalScope(r *http.Request, cfg gateConfig) *string {
	if cfg.hospitalID != nil {
		return cfg.hospitalID
	}
	if cfg.hospitalIDFunc != nil {
		if id := cfg.hospitalIDFunc(r); id != nil {
			return id
		}
		return nil
	}
	if id := contextkeys.GetHospitalID(r.Context()); id != "" {
		return &id
	}
	return nil
}

// CheckPermission evaluates a single check for the request's user
// without writing a response. Handlers use it when access only shapes
// the response, such as hiding fields, rather than blocking the route.
func (g *Gate) CheckPermission(r *http.Request, resource Resource, action Action, hospitalID *string) CheckOutcome {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil || authCtx.User == nil {
		return CheckOutcome{Allowed: false, Error: "authentication required"}
	}
	user := authCtx.User

	allowed, err := g.resolver.HasPermission(r.Context(), Check{
		UserID:     user.ID,
		Resource:   resource,
		Action:     action,
		HospitalID: hospitalID,
	})
	if err != nil {
		return CheckOutcome{Allowed: allowed, User: user, Error: err.Error()}
	}
	return CheckOutcome{Allowed: allowed, User: user}
}

// CheckMultiplePermissions evaluates checks in order and stops at the
// first denial or failure. The returned outcome carries the index of the
// failed check so callers can report which requirement was not met.
func (g *Gate) CheckMultiplePermissions(r *http.Request, checks []Check) (CheckOutcome, int) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil || authCtx.User == nil {
		return CheckOutcome{Allowed: false, Error: "authentication required"}, -1
	}
	user := authCtx.User

	for i, check := range checks {
		check.UserID = user.ID
		allowed, err := g.resolver.HasPermission(r.Context(), check)
		if err != nil {
			return CheckOutcome{Allowed: allowed, User: user, Error: err.Error()}, i
		}
		if !allowed {
			return CheckOutcome{Allowed: false, User: user}, i
		}
	}
	return CheckOutcome{Allowed: true, User: user}, -1
}
