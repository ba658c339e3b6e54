package admission

import "strings"

// Role is the staff category of an authenticated user. The set is closed;
// how roles are stored by the identity provider is not this package's concern.
type Role string

const (
	RoleDoctor   Role = "doctor"
	RoleResident Role = "resident"
	RoleNurse    Role = "nurse"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

var knownRoles = map[Role]bool{
	RoleDoctor:   true,
	RoleResident: true,
	RoleNurse:    true,
	RoleStaff:    true,
	RoleAdmin:    true,
}

// roleAliases maps identity-provider role names onto staff roles.
var roleAliases = map[string]Role{
	"physician": RoleDoctor,
	"registrar": RoleStaff,
	"clerk":     RoleStaff,
	"other":     RoleStaff,
}

// ParseRole normalizes a role name. The second return value is false when
// the name does not map to a known role.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if r := Role(s); knownRoles[r] {
		return r, true
	}
	if r, ok := roleAliases[s]; ok {
		return r, true
	}
	return "", false
}

func (r Role) Valid() bool { return knownRoles[r] }

// Privileged reports whether the role may discharge patients and edit
// active admissions without a time limit.
func (r Role) Privileged() bool {
	switch r {
	case RoleDoctor, RoleResident, RoleAdmin:
		return true
	}
	return false
}

// Actor is the user performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Authenticated reports whether the actor carries an identity and a known role.
func (a Actor) Authenticated() bool {
	return a.ID != "" && a.Role.Valid()
}
