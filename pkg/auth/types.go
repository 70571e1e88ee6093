package auth

import "time"

// Role represents a user's base role in the hospital system.
// Custom role bundles and per-user overrides are layered on top of it by
// the permissions package; the base role is the fallback policy tier.
type Role string

const (
	RoleAdmin  Role = "admin"  // Full access to everything
	RoleDoctor Role = "doctor" // Clinical read/write on assigned resources
	RoleStaff  Role = "staff"  // Read-only clinical access
)

// Valid reports whether the role is one of the known base roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleStaff:
		return true
	}
	return false
}

// User represents a staff member or doctor account
type User struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name,omitempty"`
	Role        Role       `json:"role"`
	RoleID      *int64     `json:"role_id,omitempty"`     // Optional custom role bundle
	HospitalID  *string    `json:"hospital_id,omitempty"` // Home hospital, if assigned
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// APIToken represents an API token issued to a user
type APIToken struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	TokenHash    string     `json:"-"` // Never expose hash
	TokenPrefix  string     `json:"token_prefix"`
	Name         string     `json:"name"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    *int64     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// AuthContext holds the authenticated identity for a request
type AuthContext struct {
	User  *User     `json:"user,omitempty"`
	Token *APIToken `json:"token,omitempty"`
}

// HasRole checks if the authenticated user has the given base role
func (ac *AuthContext) HasRole(role Role) bool {
	return ac != nil && ac.User != nil && ac.User.Role == role
}
