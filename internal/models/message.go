package models

import "time"

const MessageTypeText = "text"

// Message is immutable once stored, except for IsRead.
// Within a room messages are ordered by (CreatedAt, ID).
type Message struct {
	ID          string    `gorm:"primaryKey;type:varchar(26);index:idx_room_order,priority:3" json:"id"`
	RoomID      string    `gorm:"type:varchar(36);not null;index:idx_room_order,priority:1" json:"roomId"`
	SenderID    string    `gorm:"type:varchar(36);not null;index" json:"senderId"`
	ReceiverID  *string   `gorm:"type:varchar(36);index" json:"receiverId,omitempty"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	MessageType string    `gorm:"type:varchar(16);not null;default:text" json:"messageType"`
	IsRead      bool      `gorm:"not null;default:false" json:"isRead"`
	CreatedAt   time.Time `gorm:"not null;index:idx_room_order,priority:2" json:"createdAt"`

	Sender *User `gorm:"foreignKey:SenderID;references:ID" json:"sender,omitempty"`
}

// Before reports whether m sorts before o in room order.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
