package models

// Role is the caller role carried in the bearer token.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RolePatient    Role = "patient"
)

// Identity is the authenticated caller handed over by the transport layer. The
// authorization decision has already been made when the core receives it.
type Identity struct {
	Subject    string
	Role       Role
	HospitalID string
}

// System is the identity used by local tooling (CLI, MCP).
var System = Identity{Subject: "system", Role: RoleSuperAdmin}
