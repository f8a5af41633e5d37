package model

type Role string

const (
	RoleSpeaker  Role = "SPEAKER"
	RoleAttendee Role = "ATTENDEE"
)

func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleAttendee
}
