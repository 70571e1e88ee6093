package audit

import "time"

// EventType categorizes an audit event
type EventType string

const (
	// Permission management events
	EventPermissionGranted EventType = "permission.granted"
	EventPermissionRevoked EventType = "permission.revoked"
	EventPermissionCreated EventType = "permission.created"
	EventPermissionToggled EventType = "permission.toggled"

	// Role management events
	EventRoleCreated        EventType = "role.created"
	EventRoleUpdated        EventType = "role.updated"
	EventRoleAssigned       EventType = "role.assigned"
	EventRoleUnassigned     EventType = "role.unassigned"
	EventRolePermissionsSet EventType = "role.permissions_set"

	// Access events
	EventAccessDenied  EventType = "access.denied"
	EventAccessGranted EventType = "access.granted"

	// Token events
	EventTokenIssued  EventType = "token.issued"
	EventTokenRevoked EventType = "token.revoked"
)

// EventStatus records whether the audited operation succeeded
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusDenied  EventStatus = "denied"
)

// Event is a single audit trail entry. ActorID is who performed the
// operation; TargetUserID is who it affected, when those differ.
type Event struct {
	ID           int64                  `json:"id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	Status       EventStatus            `json:"status"`
	ActorID      *int64                 `json:"actor_id,omitempty"`
	TargetUserID *int64                 `json:"target_user_id,omitempty"`
	Resource     string                 `json:"resource,omitempty"`
	Action       string                 `json:"action,omitempty"`
	HospitalID   *string                `json:"hospital_id,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
