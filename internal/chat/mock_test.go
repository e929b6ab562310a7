package chat_test

import (
	"context"
	"sync"

	"dmchat/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a testify mock of storage.Storage.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockStorage) CreateUser(ctx context.Context, user *models.User) error {
	return m.Called(user).Error(0)
}

func (m *MockStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) SetUserPresence(ctx context.Context, userID string, online bool) error {
	return m.Called(userID, online).Error(0)
}

func (m *MockStorage) FindPrivateRoom(ctx context.Context, pairKey string) (*models.Room, error) {
	args := m.Called(pairKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *MockStorage) CreateRoom(ctx context.Context, room *models.Room, participantIDs []string) error {
	return m.Called(room, participantIDs).Error(0)
}

func (m *MockStorage) GetRoomByID(ctx context.Context, roomID string) (*models.Room, error) {
	args := m.Called(roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *MockStorage) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	args := m.Called(roomID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) DeactivateRoom(ctx context.Context, roomID string) error {
	return m.Called(roomID).Error(0)
}

func (m *MockStorage) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Room), args.Error(1)
}

func (m *MockStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	return m.Called(msg).Error(0)
}

func (m *MockStorage) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	args := m.Called(messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStorage) ListMessages(ctx context.Context, roomID string, offset, limit int) ([]models.Message, error) {
	args := m.Called(roomID, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStorage) MarkRead(ctx context.Context, messageID, readerID string) error {
	return m.Called(messageID, readerID).Error(0)
}

// recordingPublisher keeps every published message in order.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, roomID string, msg *models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, *msg)
}

func (p *recordingPublisher) published() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}
