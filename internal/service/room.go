package service

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"canvas-backend/internal/model"
)

// RoomService 방 레지스트리와 멤버 기록 관련 비즈니스 로직.
// db가 nil이면 모든 메서드가 아무 것도 하지 않음 (DB_ENABLED=false)
type RoomService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRoomService RoomService 생성
func NewRoomService(db *gorm.DB) *RoomService {
	return &RoomService{db: db, now: time.Now}
}

// Enabled DB 연결 여부
func (s *RoomService) Enabled() bool {
	return s != nil && s.db != nil
}

// EnsureRoom 방이 없으면 생성 (첫 인증 접속자가 소유자)
func (s *RoomService) EnsureRoom(roomID, ownerID string) (*model.Room, error) {
	if !s.Enabled() {
		return &model.Room{ID: roomID}, nil
	}

	room := model.Room{ID: roomID, LastActiveAt: s.now()}
	if ownerID != "" {
		room.OwnerID = &ownerID
	}
	if err := s.db.Where(model.Room{ID: roomID}).Attrs(room).FirstOrCreate(&room).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&room).Update("last_active_at", s.now()).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// GetRoom 방 조회
func (s *RoomService) GetRoom(roomID string) (*model.Room, error) {
	if !s.Enabled() {
		return nil, gorm.ErrRecordNotFound
	}
	var room model.Room
	if err := s.db.First(&room, "id = ?", roomID).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// RecordMember 사용자 프로필과 방 멤버십을 upsert
func (s *RoomService) RecordMember(room *model.Room, userID, nickname, profileImg string) error {
	if !s.Enabled() {
		return nil
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		user := model.User{ID: userID, Nickname: nickname}
		if profileImg != "" {
			user.ProfileImg = &profileImg
		}
		updates := []string{"updated_at"}
		if nickname != "" {
			updates = append(updates, "nickname")
		}
		if profileImg != "" {
			updates = append(updates, "profile_img")
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).Create(&user).Error; err != nil {
			return err
		}

		role := model.MemberRoleEditor
		if room.OwnerID != nil && *room.OwnerID == userID {
			role = model.MemberRoleOwner
		}
		member := model.RoomMember{
			RoomID:   room.ID,
			UserID:   userID,
			Role:     role.String(),
			LastSeen: s.now(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
		}).Create(&member).Error
	})
}

// IsRoomMember 방 멤버 여부 확인
func (s *RoomService) IsRoomMember(roomID, userID string) bool {
	if !s.Enabled() {
		return false
	}
	var count int64
	s.db.Model(&model.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count)
	return count > 0
}

// IsRoomOwner 방 소유자 여부 확인
func (s *RoomService) IsRoomOwner(roomID, userID string) bool {
	room, err := s.GetRoom(roomID)
	if err != nil || room.OwnerID == nil {
		return false
	}
	return *room.OwnerID == userID
}

// LookupProfile 저장된 사용자 프로필 조회
func (s *RoomService) LookupProfile(userID string) (*model.User, error) {
	if !s.Enabled() {
		return nil, gorm.ErrRecordNotFound
	}
	var user model.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ListMembers 방 멤버 목록 (최근 접속 순)
func (s *RoomService) ListMembers(roomID string) ([]model.RoomMember, error) {
	if !s.Enabled() {
		return []model.RoomMember{}, nil
	}
	var members []model.RoomMember
	err := s.db.Preload("User").
		Where("room_id = ?", roomID).
		Order("last_seen DESC").
		Find(&members).Error
	return members, err
}

// IsNotFound gorm not-found 에러 여부
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
