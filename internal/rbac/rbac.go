// Package rbac maps collaboration session roles to the actions they may
// perform inside a room.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleEditor    Role = "editor"
	RoleModerator Role = "moderator"
	RolePresenter Role = "presenter"
)

const (
	ActionView     Action = "view"
	ActionEdit     Action = "edit"
	ActionComment  Action = "comment"
	ActionPresent  Action = "present"
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleModerator:
		return true
	case RolePresenter:
		return action == ActionView || action == ActionEdit || action == ActionComment || action == ActionPresent
	case RoleEditor:
		return action == ActionView || action == ActionEdit || action == ActionComment
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleModerator, RolePresenter:
		return Role(role)
	default:
		return RoleViewer
	}
}
