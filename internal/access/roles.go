package access

// Role is a user's global role.
type Role string

// MemberRole is a user's role inside a single project.
type MemberRole string

const (
	RoleOwner      Role = "owner"
	RoleSupervisor Role = "supervisor"
	RoleMentor     Role = "mentor"
	RoleResearcher Role = "researcher"
	RoleStudent    Role = "student"
)

const (
	MemberCollaborator MemberRole = "collaborator"
	MemberViewer       MemberRole = "viewer"
)

// IsElevated reports whether the global role bypasses per-entity checks.
func IsElevated(role Role) bool {
	switch role {
	case RoleOwner, RoleSupervisor, RoleMentor:
		return true
	default:
		return false
	}
}

// NormalizeRole maps unknown global roles to the least privileged one.
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleSupervisor, RoleMentor, RoleResearcher, RoleStudent:
		return Role(role)
	default:
		return RoleStudent
	}
}

// ParseMemberRole accepts only the project roles the resolver understands.
func ParseMemberRole(role string) (MemberRole, bool) {
	switch MemberRole(role) {
	case MemberCollaborator, MemberViewer:
		return MemberRole(role), true
	default:
		return "", false
	}
}

// CanEdit reports whether the membership role allows mutation.
func (r MemberRole) CanEdit() bool {
	return r == MemberCollaborator
}
