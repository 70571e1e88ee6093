package permissions

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/caregrid/caregrid/pkg/audit"
	"github.com/caregrid/caregrid/pkg/auth"
	"github.com/caregrid/caregrid/pkg/httputil"
	"github.com/caregrid/caregrid/pkg/middleware"
)

// Handlers provides HTTP handlers for permission management. Every write
// invalidates the affected snapshot cache entries before responding, so
// a successful response means the change is already visible to checks.
type Handlers struct {
	store       *Store
	resolver    *Resolver
	auditLogger audit.Logger
}

// NewHandlers creates permission management handlers
func NewHandlers(store *Store, resolver *Resolver, auditLogger audit.Logger) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handlers{
		store:       store,
		resolver:    resolver,
		auditLogger: auditLogger,
	}
}

// RegisterRoutes registers all permission management routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Permission definitions
	router.HandleFunc("/permissions", h.CreatePermission).Methods("POST")
	router.HandleFunc("/permissions", h.ListPermissions).Methods("GET")
	router.HandleFunc("/permissions/{id}", h.GetPermission).Methods("GET")
	router.HandleFunc("/permissions/{id}/active", h.SetPermissionActive).Methods("PUT")

	// Role bundles
	router.HandleFunc("/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/roles/{id}", h.GetRole).Methods("GET")
	router.HandleFunc("/roles/{id}/permissions", h.UpdateRolePermissions).Methods("PUT")
	router.HandleFunc("/roles/{id}/permissions", h.GetRolePermissions).Methods("GET")

	// Per-user overrides and role assignment
	router.HandleFunc("/users/{id}/permissions", h.GrantUserPermission).Methods("POST")
	router.HandleFunc("/users/{id}/permissions", h.GetUserPermissions).Methods("GET")
	router.HandleFunc("/users/{id}/permissions/revoke", h.RevokeUserPermission).Methods("POST")
	router.HandleFunc("/users/{id}/permissions/history", h.GetUserPermissionHistory).Methods("GET")
	router.HandleFunc("/users/{id}/role", h.AssignRole).Methods("PUT")

	// Permission checking
	router.HandleFunc("/check", h.CheckPermission).Methods("POST")
	router.HandleFunc("/check/batch", h.CheckPermissionBatch).Methods("POST")
}

// CreatePermission creates a new permission definition
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authCtx := middleware.GetAuthContext(r)

	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Resource    Resource `json:"resource"`
		Action      Action   `json:"action"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Name == "" || req.Resource == "" || req.Action == "" {
		httputil.WriteBadRequest(w, "name, resource and action are required")
		return
	}

	perm := &Permission{
		Name:        req.Name,
		Description: req.Description,
		Resource:    req.Resource,
		Action:      req.Action,
		IsActive:    true,
	}

	if err := h.store.CreatePermission(ctx, perm); err != nil {
		if errors.Is(err, ErrDuplicatePermission) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if actor := actorID(authCtx); actor != nil {
		h.auditLogger.LogRoleChange(ctx, audit.EventPermissionCreated, *actor, nil, perm.Key())
	}

	httputil.WriteCreated(w, perm)
}

// ListPermissions lists all permission definitions
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// GetPermission retrieves a permission definition
func (h *Handlers) GetPermission(w http.ResponseWriter, r *http.Request) {
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perm, err := h.store.GetPermission(r.Context(), permissionID)
	if err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// SetPermissionActive toggles a permission definition. Deactivation takes
// effect for everyone, so the whole snapshot cache is cleared.
func (h *Handlers) SetPermissionActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authCtx := middleware.GetAuthContext(r)

	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		IsActive bool `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.store.SetPermissionActive(ctx, permissionID, req.IsActive); err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.resolver.ClearAllCache(ctx)

	if actor := actorID(authCtx); actor != nil {
		h.auditLogger.LogRoleChange(ctx, audit.EventPermissionToggled, *actor, nil, "")
	}

	httputil.WriteSuccess(w, map[string]interface{}{"id": permissionID, "is_active": req.IsActive})
}

// CreateRole creates a custom role bundle
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authCtx := middleware.GetAuthContext(r)

	var req struct {
		Name          string  `json:"name"`
		DisplayName   string  `json:"display_name"`
		Description   string  `json:"description"`
		PermissionIDs []int64 `json:"permission_ids"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Name == "" || req.DisplayName == "" {
		httputil.WriteBadRequest(w, "name and display_name are required")
		return
	}

	role := &Role{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		IsSystem:    false,
		IsActive:    true,
		CreatedBy:   actorID(authCtx),
	}

	if err := h.store.CreateRole(ctx, role, req.PermissionIDs); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if actor := actorID(authCtx); actor != nil {
		h.auditLogger.LogRoleChange(ctx, audit.EventRoleCreated, *actor, nil, role.Name)
	}

	httputil.WriteCreated(w, role)
}

// ListRoles lists all role bundles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole retrieves a role bundle
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRolePermissions replaces a role's permission entries. A role edit
// can affect any user holding the role, so the whole cache is cleared.
func (h *Handlers) UpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authCtx := middleware.GetAuthContext(r)

	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Permissions []struct {
			PermissionID int64 `json:"permission_id"`
			Granted      bool  `json:"granted"`
		} `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	entries := make([]RolePermission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		entries = append(entries, RolePermission{
			RoleID:       roleID,
			PermissionID: p.PermissionID,
			Granted:      p.Granted,
		})
	}

	if err := h.store.UpdateRolePermissions(ctx, roleID, entries); err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.resolver.ClearAllCache(ctx)

	if actor := actorID(authCtx); actor != nil {
		h.auditLogger.LogRoleChange(ctx, audit.EventRolePermissionsSet, *actor, nil, "")
	}

	httputil.WriteSuccess(w, map[string]interface{}{"role_id": roleID, "count": len(entries)})
}

// GetRolePermissions retrieves a role's permission entries
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	entries, err := h.store.GetRolePermissions(r.Context(), roleID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

// userPermissionRequest is the body for grant and revoke operations
type userPermissionRequest struct {
	PermissionID int64      `json:"permission_id"`
	HospitalID   *string    `json:"hospital_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// GrantUserPermission appends a grant override for a user
func (h *Handlers) GrantUserPermission(w http.ResponseWriter, r *http.Request) {
	h.appendOverride(w, r, true)
}

// RevokeUserPermission appends a revoke override for a user
func (h *Handlers) RevokeUserPermission(w http.ResponseWriter, r *http.Request) {
	h.appendOverride(w, r, false)
}

func (h *Handlers) appendOverride(w http.ResponseWriter, r *http.Request, granted bool) {
	ctx := r.Context()
	authCtx := middleware.GetAuthContext(r)

	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req userPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.PermissionID == 0 {
		httputil.WriteBadRequest(w, "permission_id is required")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httputil.WriteBadRequest(w, "expires_at must be in the future")
		return
	}

	up := &UserPermission{
		UserID:       userID,
		PermissionID: req.PermissionID,
		HospitalID:   req.HospitalID,
		ExpiresAt:    req.ExpiresAt,
		Reason:       req.Reason,
	}
	if actor := actorID(authCtx); actor != nil {
		up.GrantedBy = *actor
	}

	var err error
	if granted {
		err = h.store.GrantUserPermission(ctx, up)
	} else {
		err = h.store.RevokeUserPermission(ctx, up)
	}
	if err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.resolver.ClearCache(ctx, userID)

	if perm, permErr := h.store.GetPermission(ctx, req.PermissionID); permErr == nil {
		if m := h.resolver.metrics; m != nil {
			if granted {
				m.GrantsTotal.WithLabelValues(string(perm.Resource), string(perm.Action)).Inc()
			} else {
				m.RevokesTotal.WithLabelValues(string(perm.Resource), string(perm.Action)).Inc()
			}
		}
		if actor := actorID(authCtx); actor != nil {
			eventType := audit.EventPermissionGranted
			if !granted {
				eventType = audit.EventPermissionRevoked
			}
			h.auditLogger.LogPermissionChange(ctx, eventType, *actor, userID,
				string(perm.Resource), string(perm.Action), req.HospitalID, req.Reason)
		}
	}

	httputil.WriteCreated(w, up)
}

// GetUserPermissions returns a user's fully resolved snapshot
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	snap, err := h.resolver.GetUserPermissions(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, snap)
}

// GetUserPermissionHistory returns the full append-only override trail
func (h *Handlers) GetUserPermissionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	history, err := h.store.ListUserPermissionHistory(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, history)
}

// AssignRole sets or clears a user's custom role bundle
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authCtx := middleware.GetAuthContext(r)

	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		RoleID *int64 `json:"role_id"` // null clears the assignment
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.store.AssignRoleToUser(ctx, userID, req.RoleID); err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.resolver.ClearCache(ctx, userID)

	if actor := actorID(authCtx); actor != nil {
		eventType := audit.EventRoleAssigned
		if req.RoleID == nil {
			eventType = audit.EventRoleUnassigned
		}
		h.auditLogger.LogRoleChange(ctx, eventType, *actor, &userID, "")
	}

	httputil.WriteSuccess(w, map[string]interface{}{"user_id": userID, "role_id": req.RoleID})
}

// CheckPermission evaluates one check and reports the decision layer
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req Check
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.UserID == 0 || req.Resource == "" || req.Action == "" {
		httputil.WriteBadRequest(w, "user_id, resource and action are required")
		return
	}

	result, err := h.resolver.Check(r.Context(), req)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// CheckPermissionBatch evaluates several checks for one user in a single
// round trip. Results come back positionally, one per request entry, so
// repeated resource/action pairs at different hospitals each keep their
// own result. One failure does not stop the rest.
func (h *Handlers) CheckPermissionBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
		Checks []struct {
			Resource   Resource `json:"resource"`
			Action     Action   `json:"action"`
			HospitalID *string  `json:"hospital_id,omitempty"`
		} `json:"checks"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.UserID == 0 || len(req.Checks) == 0 {
		httputil.WriteBadRequest(w, "user_id and checks are required")
		return
	}

	results := make([]CheckResult, len(req.Checks))
	for i, c := range req.Checks {
		check := Check{
			UserID:     req.UserID,
			Resource:   c.Resource,
			Action:     c.Action,
			HospitalID: c.HospitalID,
		}
		result, err := h.resolver.Check(r.Context(), check)
		if err != nil {
			result = CheckResult{Allowed: false, Decision: DecisionError, Reason: err.Error()}
		}
		results[i] = result
	}
	httputil.WriteSuccess(w, results)
}

// actorID pulls the acting user's ID out of the auth context
func actorID(authCtx *auth.AuthContext) *int64 {
	if authCtx == nil || authCtx.User == nil {
		return nil
	}
	return &authCtx.User.ID
}
