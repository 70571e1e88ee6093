package permissions

import (
	"time"

	"github.com/caregrid/caregrid/pkg/auth"
)

// Resource represents a resource type in the hospital system
type Resource string

const (
	ResourcePatients      Resource = "patients"
	ResourceVisits        Resource = "visits"
	ResourceTests         Resource = "tests"
	ResourceTreatments    Resource = "treatments"
	ResourceOperations    Resource = "operations"
	ResourceMedications   Resource = "medications"
	ResourcePrescriptions Resource = "prescriptions"
	ResourceReports       Resource = "reports"
	ResourceSettings      Resource = "settings"
	ResourceUsers         Resource = "users"
	ResourceHospitals     Resource = "hospitals"
	ResourceCities        Resource = "cities"
	ResourceDiseases      Resource = "diseases"
)

// AllResources lists every known resource type
func AllResources() []Resource {
	return []Resource{
		ResourcePatients,
		ResourceVisits,
		ResourceTests,
		ResourceTreatments,
		ResourceOperations,
		ResourceMedications,
		ResourcePrescriptions,
		ResourceReports,
		ResourceSettings,
		ResourceUsers,
		ResourceHospitals,
		ResourceCities,
		ResourceDiseases,
	}
}

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// AllActions lists every known action
func AllActions() []Action {
	return []Action{ActionRead, ActionWrite, ActionDelete, ActionManage}
}

// Key builds the canonical "resource:action" key used for grant matching.
// The (resource, action) pair is the semantic identity of a permission.
func Key(resource Resource, action Action) string {
	return string(resource) + ":" + string(action)
}

// Permission represents a named permission definition (resource + action).
// Definitions with IsActive=false never grant access through any layer.
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Resource    Resource  `json:"resource"`
	Action      Action    `json:"action"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the permission's "resource:action" matching key
func (p Permission) Key() string {
	return Key(p.Resource, p.Action)
}

// Role represents a named bundle of permissions. System roles are built-in
// and not deletable.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   *int64    `json:"created_by,omitempty"`
}

// RolePermission represents a role's membership entry for a permission,
// with an explicit grant/deny flag. A role can explicitly deny a
// permission it would otherwise imply.
type RolePermission struct {
	RoleID       int64 `json:"role_id"`
	PermissionID int64 `json:"permission_id"`
	Granted      bool  `json:"granted"`
}

// UserPermission represents a single per-user override event. Rows are
// append-only: a revoke is a new row with Granted=false, never a mutation
// or deletion of the prior grant, so the full history stays queryable.
type UserPermission struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	PermissionID int64      `json:"permission_id"`
	HospitalID   *string    `json:"hospital_id,omitempty"` // nil = general scope
	Granted      bool       `json:"granted"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	GrantedBy    int64      `json:"granted_by"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Expired reports whether the override is inert at the given instant
func (up UserPermission) Expired(now time.Time) bool {
	return up.ExpiresAt != nil && !up.ExpiresAt.After(now)
}

// Check represents a permission check request
type Check struct {
	UserID     int64    `json:"user_id"`
	Resource   Resource `json:"resource"`
	Action     Action   `json:"action"`
	HospitalID *string  `json:"hospital_id,omitempty"`
}

// Key returns the "resource:action" key being checked
func (c Check) Key() string {
	return Key(c.Resource, c.Action)
}

// Decision records where a check's answer came from
type Decision string

const (
	DecisionHospitalOverride Decision = "hospital_override"
	DecisionGeneralOverride  Decision = "general_override"
	DecisionRoleBundle       Decision = "role_bundle"
	DecisionRoleDefault      Decision = "role_default"
	DecisionError            Decision = "error"
)

// CheckResult represents the result of a permission check
type CheckResult struct {
	Allowed   bool      `json:"allowed"`
	Decision  Decision  `json:"decision,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CheckOutcome is the gate-level result shape handed to route handlers
type CheckOutcome struct {
	Allowed bool       `json:"allowed"`
	User    *auth.User `json:"user,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// userGrant is one resolved override or bundle row used to build snapshots
type userGrant struct {
	PermissionID int64
	Resource     Resource
	Action       Action
	HospitalID   *string
	Granted      bool
	CreatedAt    time.Time
}

// Key returns the grant's "resource:action" matching key
func (g userGrant) Key() string {
	return Key(g.Resource, g.Action)
}

// Snapshot is a user's fully resolved permission state: general overrides,
// hospital-scoped overrides and role-bundle grants, each keyed by
// "resource:action". Within each map the latest-created matching row won.
type Snapshot struct {
	UserID         int64                      `json:"user_id"`
	BaseRole       auth.Role                  `json:"base_role"`
	GeneralGrants  map[string]bool            `json:"general_grants"`
	HospitalGrants map[string]map[string]bool `json:"hospital_grants"`
	RoleGrants     map[string]bool            `json:"role_grants"`
	LoadedAt       time.Time                  `json:"loaded_at"`
}
