package storage

import (
	"context"
	"errors"
	"time"

	"dmchat/backend/internal/metrics"
	"dmchat/backend/internal/models"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotParticipant is returned when the acting user is not a member of the room.
	ErrNotParticipant = errors.New("storage: user is not a room participant")
	// ErrRoomInactive is returned when writing into a deactivated room.
	ErrRoomInactive = errors.New("storage: room is not active")
)

// Storage is the persistence boundary for users, rooms and messages.
// Lookups that find nothing return gorm.ErrRecordNotFound; uniqueness
// violations surface as gorm.ErrDuplicatedKey.
type Storage interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	SetUserPresence(ctx context.Context, userID string, online bool) error

	FindPrivateRoom(ctx context.Context, pairKey string) (*models.Room, error)
	CreateRoom(ctx context.Context, room *models.Room, participantIDs []string) error
	GetRoomByID(ctx context.Context, roomID string) (*models.Room, error)
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	DeactivateRoom(ctx context.Context, roomID string) error
	ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error)

	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID string, offset, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) error
}

type Service struct {
	DB *gorm.DB
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StorageLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateUser inserts a new user. Duplicate username or email yields gorm.ErrDuplicatedKey.
func (s *Service) CreateUser(ctx context.Context, user *models.User) error {
	defer observe("create_user")()
	return s.DB.WithContext(ctx).Create(user).Error
}

func (s *Service) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	defer observe("get_user")()
	var user models.User
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	defer observe("get_user")()
	var user models.User
	if err := s.DB.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) SetUserPresence(ctx context.Context, userID string, online bool) error {
	defer observe("presence")()
	updates := map[string]interface{}{"is_online": online}
	if !online {
		updates["last_seen"] = time.Now().UTC()
	}
	return s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
}

func preloadParticipants(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Participants.User")
}

// FindPrivateRoom returns the active private room for a normalized pair key.
func (s *Service) FindPrivateRoom(ctx context.Context, pairKey string) (*models.Room, error) {
	defer observe("find_private_room")()
	var room models.Room
	err := preloadParticipants(s.DB.WithContext(ctx)).
		Preload("LastMessage").
		Where("pair_key = ? AND is_active = ?", pairKey, true).
		First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateRoom writes the room and its participants in one transaction.
// Participant order is preserved through Position.
func (s *Service) CreateRoom(ctx context.Context, room *models.Room, participantIDs []string) error {
	defer observe("create_room")()
	now := time.Now().UTC().Truncate(time.Microsecond)
	room.IsActive = true
	room.CreatedAt = now
	room.UpdatedAt = now

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(room).Error; err != nil {
			return err
		}

		participants := make([]models.RoomParticipant, 0, len(participantIDs))
		for i, id := range participantIDs {
			participants = append(participants, models.RoomParticipant{
				RoomID:   room.ID,
				UserID:   id,
				Position: i,
				JoinedAt: now,
			})
		}
		if err := tx.Omit(clause.Associations).Create(&participants).Error; err != nil {
			return err
		}
		room.Participants = participants
		return nil
	})
}

func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.Room, error) {
	defer observe("get_room")()
	var room models.Room
	err := preloadParticipants(s.DB.WithContext(ctx)).
		Preload("LastMessage").
		Where("id = ?", roomID).
		First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// IsParticipant reports membership in an active room.
func (s *Service) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	defer observe("is_participant")()
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.RoomParticipant{}).
		Joins("JOIN rooms ON rooms.id = room_participants.room_id").
		Where("room_participants.room_id = ? AND room_participants.user_id = ? AND rooms.is_active = ?", roomID, userID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeactivateRoom logically deletes a room and releases its pair key.
func (s *Service) DeactivateRoom(ctx context.Context, roomID string) error {
	defer observe("deactivate_room")()
	res := s.DB.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ? AND is_active = ?", roomID, true).
		UpdateColumns(map[string]interface{}{
			"is_active":  false,
			"pair_key":   nil,
			"updated_at": time.Now().UTC().Truncate(time.Microsecond),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListRoomsForUser returns the user's active rooms, most recently active first.
func (s *Service) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	defer observe("list_rooms")()
	var rooms []models.Room
	err := preloadParticipants(s.DB.WithContext(ctx)).
		Preload("LastMessage").
		Joins("JOIN room_participants rp ON rp.room_id = rooms.id AND rp.user_id = ?", userID).
		Where("rooms.is_active = ?", true).
		Order("rooms.updated_at desc").
		Order("rooms.id asc").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// AppendMessage stores msg and moves the room's last-message pointer in the
// same transaction. The room row is locked so timestamps within a room never
// go backwards. ID, CreatedAt and ReceiverID are assigned here.
func (s *Service) AppendMessage(ctx context.Context, msg *models.Message) error {
	defer observe("append_message")()
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", msg.RoomID).
			First(&room).Error
		if err != nil {
			return err
		}
		if !room.IsActive {
			return ErrRoomInactive
		}

		var participants []models.RoomParticipant
		if err := tx.Where("room_id = ?", room.ID).Order("position asc").Find(&participants).Error; err != nil {
			return err
		}
		room.Participants = participants
		if !room.HasParticipant(msg.SenderID) {
			return ErrNotParticipant
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		if room.LastMessageID != nil && room.UpdatedAt.After(now) {
			now = room.UpdatedAt.UTC()
		}

		msg.ID = ulid.Make().String()
		msg.CreatedAt = now
		msg.IsRead = false
		if msg.MessageType == "" {
			msg.MessageType = models.MessageTypeText
		}
		if other, ok := room.Counterpart(msg.SenderID); ok {
			msg.ReceiverID = &other
		}

		if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&models.Room{}).
			Where("id = ?", room.ID).
			UpdateColumns(map[string]interface{}{
				"last_message_id": msg.ID,
				"updated_at":      msg.CreatedAt,
			}).Error
	})
}

func (s *Service) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	defer observe("get_message")()
	var msg models.Message
	if err := s.DB.WithContext(ctx).Preload("Sender").Where("id = ?", messageID).First(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns up to limit messages newest first, skipping offset.
func (s *Service) ListMessages(ctx context.Context, roomID string, offset, limit int) ([]models.Message, error) {
	defer observe("list_messages")()
	var msgs []models.Message
	err := s.DB.WithContext(ctx).
		Preload("Sender").
		Where("room_id = ?", roomID).
		Order("created_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead sets the read flag on a message the reader received.
// Senders and non-members get gorm.ErrRecordNotFound. Repeated calls are no-ops.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) error {
	defer observe("mark_read")()
	var msg models.Message
	err := s.DB.WithContext(ctx).
		Select("messages.*").
		Joins("JOIN room_participants rp ON rp.room_id = messages.room_id AND rp.user_id = ?", readerID).
		Where("messages.id = ? AND messages.sender_id <> ?", messageID, readerID).
		First(&msg).Error
	if err != nil {
		return err
	}
	if msg.IsRead {
		return nil
	}
	return s.DB.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", msg.ID).
		UpdateColumn("is_read", true).Error
}
