package models

// Identity is the authenticated caller. It is only ever produced by the
// identity provider from a verified token plus the users table; nothing in
// this module accepts these fields from request parameters.
type Identity struct {
	UserID      uint
	Username    string
	DisplayName string
	IsAdmin     bool
	IsDemo      bool
}

// Role is a program-scoped staff role, ranked by ascending access
type Role string

const (
	RoleReceptionist   Role = "receptionist"
	RoleStaff          Role = "staff"
	RoleProgramManager Role = "program_manager"
	RoleExecutive      Role = "executive"
)

// AllRoles lists every role in rank order
var AllRoles = []Role{RoleReceptionist, RoleStaff, RoleProgramManager, RoleExecutive}

var roleRanks = map[Role]int{
	RoleReceptionist:   1,
	RoleStaff:          2,
	RoleProgramManager: 3,
	RoleExecutive:      4,
}

// Rank returns the legacy rank (1..4), or 0 for an unknown role.
// Only minimum-rank checks use this; the permission matrix never does.
func (r Role) Rank() int {
	return roleRanks[r]
}

// IsValid reports whether r is one of the four known roles
func (r Role) IsValid() bool {
	_, ok := roleRanks[r]
	return ok
}

// AtLeast reports whether r ranks at or above min
func (r Role) AtLeast(min Role) bool {
	return r.IsValid() && r.Rank() >= min.Rank()
}
