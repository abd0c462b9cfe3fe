package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleAdmin may do everything, including the emergency halt and line
	// management.
	RoleAdmin = "admin"
	// RoleOperator enqueues work and triggers dispatch cycles.
	RoleOperator = "operator"
	// RoleViewer reads reports only.
	RoleViewer = "viewer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}
