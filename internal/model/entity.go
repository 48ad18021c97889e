package model

import (
	"time"
)

// User 사용자. ID는 토큰의 sub 값
type User struct {
	ID         string    `gorm:"primaryKey;type:varchar(128)" json:"id"`
	Nickname   string    `gorm:"type:varchar(100);not null" json:"nickname"`
	ProfileImg *string   `gorm:"type:text" json:"profile_img,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Rooms []RoomMember `gorm:"foreignKey:UserID" json:"rooms,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// Room 캔버스 방. 첫 접속 시 생성됨
type Room struct {
	ID           string    `gorm:"primaryKey;type:varchar(128)" json:"id"`
	OwnerID      *string   `gorm:"type:varchar(128)" json:"owner_id,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	// Relations
	Members []RoomMember `gorm:"foreignKey:RoomID" json:"members,omitempty"`
}

func (Room) TableName() string {
	return "rooms"
}

// RoomMember 방에 한 번이라도 들어온 인증 사용자
type RoomMember struct {
	ID       int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID   string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_room_member" json:"room_id"`
	UserID   string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_room_member" json:"user_id"`
	Role     string    `gorm:"type:varchar(20);default:'EDITOR'" json:"role"` // OWNER, EDITOR
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`

	// Relations
	Room Room `gorm:"foreignKey:RoomID" json:"room,omitempty"`
	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (RoomMember) TableName() string {
	return "room_members"
}
