package presence

import (
	"time"

	"canvas-backend/internal/docstore"
)

const (
	roomsCollection    = "rooms"
	presenceCollection = "presence"

	// FallbackDisplayName is shown for members without a display name.
	FallbackDisplayName = "Anonymous"
)

// Field names of a presence record.
const (
	fieldUserID      = "userId"
	fieldDisplayName = "displayName"
	fieldAvatarURL   = "avatarUrl"
	fieldColor       = "color"
	fieldCursor      = "cursor"
	fieldLastSeen    = "lastSeen"
	fieldIsActive    = "isActive"
	fieldIsPublic    = "isPublic"
)

// Identity is who a client is. It is fixed for the life of a Session.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Cursor is a pointer position in canvas pixels.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Record is one member's presence in one room.
type Record struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Color       string
	Cursor      Cursor
	// LastSeen is zero until the store has assigned it.
	LastSeen time.Time
	IsActive bool
}

// Name returns the display name or the fallback label.
func (r Record) Name() string {
	if r.DisplayName == "" {
		return FallbackDisplayName
	}
	return r.DisplayName
}

// RoomPath is the root record of a room.
func RoomPath(roomID string) string {
	return docstore.Join(roomsCollection, roomID)
}

// PresenceCollection holds one record per member of a room.
func PresenceCollection(roomID string) string {
	return docstore.Join(roomsCollection, roomID, presenceCollection)
}

// PresencePath is the record of one member.
func PresencePath(roomID, userID string) string {
	return docstore.Join(roomsCollection, roomID, presenceCollection, userID)
}

// ActiveQuery selects the records still flagged active.
func ActiveQuery(roomID string) docstore.Query {
	return docstore.Query{
		Collection: PresenceCollection(roomID),
		Where:      []docstore.Filter{{Field: fieldIsActive, Value: true}},
	}
}

// RecordFromDocument decodes a presence document. The document id wins over
// a missing userId field.
func RecordFromDocument(doc docstore.Document) Record {
	d := doc.Data
	rec := Record{
		UserID:      d.GetString(fieldUserID),
		DisplayName: d.GetString(fieldDisplayName),
		AvatarURL:   d.GetString(fieldAvatarURL),
		Color:       d.GetString(fieldColor),
		Cursor: Cursor{
			X: int(d.GetInt(fieldCursor + ".x")),
			Y: int(d.GetInt(fieldCursor + ".y")),
		},
		LastSeen: d.GetTime(fieldLastSeen),
		IsActive: d.GetBool(fieldIsActive),
	}
	if rec.UserID == "" {
		rec.UserID = doc.ID
	}
	if rec.Color == "" {
		rec.Color = ColorFor(rec.UserID).String()
	}
	return rec
}
