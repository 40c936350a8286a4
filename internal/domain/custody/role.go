package custody

import "strings"

// Role is an administrative capability.
type Role string

const (
	RoleAdministrator      Role = "administrator"
	RoleTreasury           Role = "treasury"
	RoleEmergencyOperator  Role = "emergency_operator"
	RoleSuperAdministrator Role = "super_administrator"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleSuperAdministrator, RoleAdministrator, RoleTreasury, RoleEmergencyOperator}

// ParseRole resolves a role name. Hyphens and case are ignored.
func ParseRole(s string) (Role, bool) {
	norm := Role(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, r := range Roles {
		if r == norm {
			return r, true
		}
	}
	return "", false
}
