package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	// ActionRead covers dashboards, usage, transcripts, search and exports.
	ActionRead Action = "read"
	// ActionManage covers participant administration, sweeps and archives.
	ActionManage Action = "manage"
	// ActionAdmin covers studies and researcher accounts.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionManage
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}
