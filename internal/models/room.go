package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RoomType string

const (
	RoomPrivate RoomType = "private"
	RoomGroup   RoomType = "group"
)

// Room binds a fixed set of participants to a conversation.
//
// PairKey is set only for active private rooms and carries a unique index,
// so storage rejects a second active private room for the same pair.
// Deactivation clears it.
type Room struct {
	ID       string   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoomType RoomType `gorm:"type:varchar(16);not null;index" json:"roomType"`
	RoomName string   `gorm:"type:varchar(128)" json:"roomName"`
	PairKey  *string  `gorm:"type:varchar(80);uniqueIndex" json:"-"`
	IsActive bool     `gorm:"not null;default:true;index" json:"isActive"`

	LastMessageID *string  `gorm:"type:varchar(26)" json:"lastMessageId,omitempty"`
	LastMessage   *Message `gorm:"foreignKey:LastMessageID;references:ID" json:"lastMessage,omitempty"`

	Participants []RoomParticipant `gorm:"foreignKey:RoomID;references:ID" json:"participants"`

	// Unread is computed per caller by the room directory.
	Unread bool `gorm:"-" json:"unread"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

// RoomParticipant is one member of a room. Position keeps the order the
// participants were given in when the room was created.
type RoomParticipant struct {
	RoomID   string    `gorm:"primaryKey;type:varchar(36)" json:"-"`
	UserID   string    `gorm:"primaryKey;type:varchar(36);index" json:"userId"`
	Position int       `gorm:"not null" json:"-"`
	User     *User     `gorm:"foreignKey:UserID;references:ID" json:"user,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (r *Room) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// ParticipantIDs returns member ids in creation order.
func (r *Room) ParticipantIDs() []string {
	ps := make([]RoomParticipant, len(r.Participants))
	copy(ps, r.Participants)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Position < ps[j].Position })

	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the other member of a private room.
func (r *Room) Counterpart(userID string) (string, bool) {
	if r.RoomType != RoomPrivate {
		return "", false
	}
	for _, p := range r.Participants {
		if p.UserID != userID {
			return p.UserID, true
		}
	}
	return "", false
}

// PrivatePairKey is the order-independent key of a pair of users.
func PrivatePairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, ":")
}
