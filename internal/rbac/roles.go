package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"

	// RoleService is the machine identity used by the task queue and other
	// internal callers of the trigger endpoints. Hidden role: denied unless
	// a route allows it explicitly.
	RoleService = "service"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }
