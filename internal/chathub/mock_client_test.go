package chathub_test

import (
	"context"
	"sync"

	"dmchat/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	connID string
	userID string

	mu       sync.Mutex
	received []models.Envelope
	capacity int
	closed   bool
}

// newMockClient accepts up to capacity envelopes; 0 means unbounded.
func newMockClient(connID, userID string, capacity int) *MockClient {
	return &MockClient{connID: connID, userID: userID, capacity: capacity}
}

func (c *MockClient) GetConnID() string { return c.connID }
func (c *MockClient) GetUserID() string { return c.userID }

func (c *MockClient) Deliver(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.capacity > 0 && len(c.received) >= c.capacity {
		return false
	}
	c.received = append(c.received, env)
	return true
}

func (c *MockClient) Run() {}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) Received() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Envelope, len(c.received))
	copy(out, c.received)
	return out
}

// ReceivedOf filters by event type.
func (c *MockClient) ReceivedOf(event models.EventType) []models.Envelope {
	var out []models.Envelope
	for _, env := range c.Received() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CanSubscribe(ctx context.Context, roomID, userID string) error {
	args := m.Called(roomID, userID)
	return args.Error(0)
}

func (m *MockGateway) Append(ctx context.Context, roomID, senderID, content string) (*models.Message, error) {
	args := m.Called(roomID, senderID, content)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MockGateway) Rebroadcast(ctx context.Context, senderID, roomID, messageID string) error {
	args := m.Called(senderID, roomID, messageID)
	return args.Error(0)
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) SetUserPresence(ctx context.Context, userID string, online bool) error {
	args := m.Called(userID, online)
	return args.Error(0)
}

// fakeBroker loops published envelopes straight back into Listen.
type fakeBroker struct {
	ch        chan fakeFrame
	failWrite bool
}

type fakeFrame struct {
	roomID string
	env    models.Envelope
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{ch: make(chan fakeFrame, 16)}
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) Publish(ctx context.Context, roomID string, env models.Envelope) error {
	if b.failWrite {
		return context.DeadlineExceeded
	}
	b.ch <- fakeFrame{roomID: roomID, env: env}
	return nil
}

func (b *fakeBroker) Listen(ctx context.Context, deliver func(string, models.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-b.ch:
			deliver(f.roomID, f.env)
		}
	}
}

func (b *fakeBroker) Close() error { return nil }
