package domain

// SystemRole is the platform-wide role carried by a verified credential.
// It is independent of any meeting-scoped role: a tutor who is not the
// current host of a meeting still joins it as a plain participant.
type SystemRole string

const (
	SystemRoleAdmin  SystemRole = "admin"
	SystemRoleTutor  SystemRole = "tutor"
	SystemRoleMember SystemRole = "member"
)

// Principal is the identity resolved from a bearer credential.
type Principal struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	SystemRole  SystemRole `json:"systemRole"`
}

// IsAdmin reports whether the principal carries the platform admin role.
func (p Principal) IsAdmin() bool {
	return p.SystemRole == SystemRoleAdmin
}

// CanHost reports whether the principal's system role allows it to hold
// the host seat of a meeting.
func (p Principal) CanHost() bool {
	return p.SystemRole == SystemRoleAdmin || p.SystemRole == SystemRoleTutor
}
