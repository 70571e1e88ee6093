package permissions

import (
	"github.com/caregrid/caregrid/pkg/auth"
)

// rolePolicy is an explicit allow-table keyed by resource. Absent resources
// and absent actions are denials.
type rolePolicy map[Resource]map[Action]bool

// doctorDefaults is the fixed allow-list for the doctor base role:
// read+write on clinical resources, read-only on reports and diseases,
// nothing on administrative resources.
var doctorDefaults = rolePolicy{
	ResourcePatients:      {ActionRead: true, ActionWrite: true},
	ResourceVisits:        {ActionRead: true, ActionWrite: true},
	ResourceTests:         {ActionRead: true, ActionWrite: true},
	ResourceTreatments:    {ActionRead: true, ActionWrite: true},
	ResourceOperations:    {ActionRead: true, ActionWrite: true},
	ResourceMedications:   {ActionRead: true, ActionWrite: true},
	ResourcePrescriptions: {ActionRead: true, ActionWrite: true},
	ResourceReports:       {ActionRead: true},
	ResourceDiseases:      {ActionRead: true},
}

// staffDefaults is the read-only allow-list for the staff base role.
var staffDefaults = rolePolicy{
	ResourcePatients:      {ActionRead: true},
	ResourceVisits:        {ActionRead: true},
	ResourceTests:         {ActionRead: true},
	ResourceTreatments:    {ActionRead: true},
	ResourceOperations:    {ActionRead: true},
	ResourceMedications:   {ActionRead: true},
	ResourcePrescriptions: {ActionRead: true},
	ResourceDiseases:      {ActionRead: true},
}

// DefaultAllows answers the built-in base-role policy for a (resource,
// action) pair. Admins get everything; unknown roles get nothing.
func DefaultAllows(role auth.Role, resource Resource, action Action) bool {
	switch role {
	case auth.RoleAdmin:
		return true
	case auth.RoleDoctor:
		return doctorDefaults[resource][action]
	case auth.RoleStaff:
		return staffDefaults[resource][action]
	default:
		return false
	}
}

// Built-in system role names
const (
	RoleHeadPhysician = "system:head-physician"
	RoleNightShift    = "system:night-shift"
	RoleRegistrar     = "system:registrar"
)

// BuiltInRoleSpec describes a system role seeded at startup
type BuiltInRoleSpec struct {
	Name        string
	DisplayName string
	Description string
	Grants      map[string]bool // "resource:action" -> granted
}

// BuiltInRoles returns the system role bundles seeded by the migrations.
// They sit between per-user overrides and base-role defaults, so a staff
// member on night shift can, for example, be allowed to write visits
// without touching the global staff policy.
func BuiltInRoles() []BuiltInRoleSpec {
	return []BuiltInRoleSpec{
		{
			Name:        RoleHeadPhysician,
			DisplayName: "Head Physician",
			Description: "Doctor defaults plus report writing and settings access",
			Grants: map[string]bool{
				Key(ResourceReports, ActionWrite):  true,
				Key(ResourceSettings, ActionRead):  true,
				Key(ResourceSettings, ActionWrite): true,
				Key(ResourceUsers, ActionRead):     true,
			},
		},
		{
			Name:        RoleNightShift,
			DisplayName: "Night Shift",
			Description: "Staff defaults plus visit and test intake",
			Grants: map[string]bool{
				Key(ResourceVisits, ActionWrite): true,
				Key(ResourceTests, ActionWrite):  true,
			},
		},
		{
			Name:        RoleRegistrar,
			DisplayName: "Registrar",
			Description: "Patient registration desk; no clinical writes",
			Grants: map[string]bool{
				Key(ResourcePatients, ActionWrite):  true,
				Key(ResourceVisits, ActionWrite):    true,
				Key(ResourceTreatments, ActionRead): false, // explicitly denied
			},
		},
	}
}
