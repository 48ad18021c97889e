package model

// MemberRole 방 멤버 역할
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "OWNER"
	MemberRoleEditor MemberRole = "EDITOR"
)

// String 메서드
func (r MemberRole) String() string {
	return string(r)
}
