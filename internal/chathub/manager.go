package chathub

import (
	"context"
	"sync"
	"time"

	"dmchat/backend/internal/apperr"
	"dmchat/backend/internal/config"
	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/metrics"
	"dmchat/backend/internal/models"

	"github.com/rs/zerolog"
)

// Gateway is the command boundary the hub calls before acting on a client
// request. The chat service implements it.
type Gateway interface {
	CanSubscribe(ctx context.Context, roomID, userID string) error
	Append(ctx context.Context, roomID, senderID, content string) (*models.Message, error)
	Rebroadcast(ctx context.Context, senderID, roomID, messageID string) error
}

// Presence records whether a user has at least one live connection.
type Presence interface {
	SetUserPresence(ctx context.Context, userID string, online bool) error
}

// ManagerService is the delivery fanout hub.
type ManagerService struct {
	mu        sync.RWMutex
	clients   map[string]Client
	userConns map[string]int

	registry SubscriptionRegistry
	broker   Broker
	gateway  Gateway
	presence Presence
	// presenceMu orders presence writes so the stored flag ends up matching
	// the final connection count.
	presenceMu sync.Mutex

	log zerolog.Logger

	UnregisterCh chan Client
	quit         chan struct{}
	quitOnce     sync.Once
}

// NewManagerService creates a hub. A nil broker means in-process delivery.
func NewManagerService(registry SubscriptionRegistry, broker Broker) *ManagerService {
	if registry == nil {
		registry = NewRegistry()
	}
	return &ManagerService{
		clients:      make(map[string]Client),
		userConns:    make(map[string]int),
		registry:     registry,
		broker:       broker,
		log:          logger.Component("hub"),
		UnregisterCh: make(chan Client, 64),
		quit:         make(chan struct{}),
	}
}

func (m *ManagerService) SetGateway(g Gateway) {
	m.gateway = g
}

func (m *ManagerService) SetPresence(p Presence) {
	m.presence = p
}

// Run processes unregistrations and feeds broker traffic into local delivery
// until ctx is done or Shutdown is called.
func (m *ManagerService) Run(ctx context.Context) {
	m.log.Info().Bool("broker", m.broker != nil).Msg("chat hub started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.broker != nil {
		go func() {
			if err := m.broker.Listen(ctx, m.deliverLocal); err != nil && ctx.Err() == nil {
				metrics.BrokerErrors.WithLabelValues(m.broker.Name(), "listen").Inc()
				m.log.Error().Err(err).Str("backend", m.broker.Name()).Msg("broker listener stopped")
			}
		}()
	}

	for {
		select {
		case client := <-m.UnregisterCh:
			m.Unregister(client)
		case <-ctx.Done():
			m.closeAll()
			return
		case <-m.quit:
			m.closeAll()
			return
		}
	}
}

// Shutdown stops Run and closes every connection.
func (m *ManagerService) Shutdown() {
	m.quitOnce.Do(func() { close(m.quit) })
}

func (m *ManagerService) closeAll() {
	m.mu.RLock()
	clients := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		m.Unregister(c)
	}
	m.log.Info().Int("closed", len(clients)).Msg("chat hub stopped")
}

// Register makes a connection addressable. It must happen before the
// connection can issue commands.
func (m *ManagerService) Register(c Client) {
	m.mu.Lock()
	if _, exists := m.clients[c.GetConnID()]; exists {
		m.mu.Unlock()
		return
	}
	m.clients[c.GetConnID()] = c
	m.userConns[c.GetUserID()]++
	firstConn := m.userConns[c.GetUserID()] == 1
	m.mu.Unlock()

	metrics.ActiveConnections.Inc()
	m.log.Info().Str("conn_id", c.GetConnID()).Str("user_id", c.GetUserID()).Msg("client registered")

	if firstConn {
		m.setPresence(c.GetUserID(), true)
	}
}

// Unregister removes the connection and all of its subscriptions. Safe to call twice.
func (m *ManagerService) Unregister(c Client) {
	m.mu.Lock()
	if _, ok := m.clients[c.GetConnID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, c.GetConnID())
	m.userConns[c.GetUserID()]--
	lastConn := m.userConns[c.GetUserID()] <= 0
	if lastConn {
		delete(m.userConns, c.GetUserID())
	}
	m.mu.Unlock()

	rooms := m.registry.UnsubscribeAll(c.GetConnID())
	c.Close()

	metrics.ActiveConnections.Dec()
	m.log.Info().
		Str("conn_id", c.GetConnID()).
		Str("user_id", c.GetUserID()).
		Int("rooms", len(rooms)).
		Msg("client unregistered")

	if lastConn {
		m.setPresence(c.GetUserID(), false)
	}
}

func (m *ManagerService) setPresence(userID string, online bool) {
	event := models.EventUserOffline
	if online {
		event = models.EventUserOnline
	}
	m.broadcastAll(models.Envelope{Event: event, UserID: userID})

	if m.presence == nil {
		return
	}
	go m.storePresence(userID)
}

// storePresence writes the user's current state rather than the transition
// that triggered it; a write that lost the race to the lock still stores the
// latest value.
func (m *ManagerService) storePresence(userID string) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	m.mu.RLock()
	online := m.userConns[userID] > 0
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
	defer cancel()
	if err := m.presence.SetUserPresence(ctx, userID, online); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("presence update failed")
	}
}

func (m *ManagerService) client(connID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[connID]
	return c, ok
}

// ClientCount returns the number of registered connections.
func (m *ManagerService) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Subscribe adds a room subscription. Membership must be checked by the caller.
func (m *ManagerService) Subscribe(connID, roomID string) {
	m.registry.Subscribe(connID, roomID)
}

func (m *ManagerService) Unsubscribe(connID, roomID string) {
	m.registry.Unsubscribe(connID, roomID)
}

// Publish pushes a stored message to every subscriber of the room. Failures
// are logged and swallowed; the message is already durable.
func (m *ManagerService) Publish(ctx context.Context, roomID string, msg *models.Message) {
	env := models.Envelope{Event: models.EventReceiveMessage, RoomID: roomID, Message: msg}

	if m.broker == nil {
		m.deliverLocal(roomID, env)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.BrokerPublishWait)
	defer cancel()
	if err := m.broker.Publish(pctx, roomID, env); err != nil {
		metrics.BrokerErrors.WithLabelValues(m.broker.Name(), "publish").Inc()
		m.log.Warn().Err(err).Str("room_id", roomID).Str("backend", m.broker.Name()).Msg("fanout publish failed")
	}
}

// deliverLocal hands env to each local subscriber without blocking. A
// connection that cannot keep up is dropped.
func (m *ManagerService) deliverLocal(roomID string, env models.Envelope) {
	var slow []Client
	for _, connID := range m.registry.Subscribers(roomID) {
		c, ok := m.client(connID)
		if !ok {
			m.registry.UnsubscribeAll(connID)
			continue
		}
		if c.Deliver(env) {
			metrics.FanoutDeliveries.Inc()
			continue
		}
		slow = append(slow, c)
	}

	for _, c := range slow {
		metrics.FanoutDrops.Inc()
		m.log.Warn().Str("conn_id", c.GetConnID()).Str("room_id", roomID).Msg("dropping slow client")
		m.Unregister(c)
	}
}

func (m *ManagerService) broadcastAll(env models.Envelope) {
	m.mu.RLock()
	clients := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		c.Deliver(env)
	}
}

// HandleCommand executes one client request from the push channel.
func (m *ManagerService) HandleCommand(c Client, env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout+time.Second)
	defer cancel()

	switch env.Event {
	case models.EventJoinRoom:
		if m.gateway != nil {
			if err := m.gateway.CanSubscribe(ctx, env.RoomID, c.GetUserID()); err != nil {
				m.replyError(c, env.RoomID, err)
				return
			}
		}
		m.Subscribe(c.GetConnID(), env.RoomID)
		c.Deliver(models.Envelope{Event: models.EventJoinedRoom, RoomID: env.RoomID})

	case models.EventLeaveRoom:
		m.Unsubscribe(c.GetConnID(), env.RoomID)
		c.Deliver(models.Envelope{Event: models.EventLeftRoom, RoomID: env.RoomID})

	case models.EventSendMessage:
		if m.gateway == nil {
			m.replyError(c, env.RoomID, apperr.InvalidArgument("Sending is not available on this connection"))
			return
		}
		var err error
		if env.Message != nil && env.Message.ID != "" {
			err = m.gateway.Rebroadcast(ctx, c.GetUserID(), env.RoomID, env.Message.ID)
		} else {
			content := env.Content
			if content == "" && env.Message != nil {
				content = env.Message.Content
			}
			_, err = m.gateway.Append(ctx, env.RoomID, c.GetUserID(), content)
		}
		if err != nil {
			m.replyError(c, env.RoomID, err)
		}

	default:
		m.replyError(c, env.RoomID, apperr.InvalidArgument("Unknown event"))
	}
}

func (m *ManagerService) replyError(c Client, roomID string, err error) {
	appErr := apperr.From(err)
	if appErr.Kind == apperr.KindInternal || appErr.Kind == apperr.KindTransient {
		m.log.Warn().Err(err).Str("conn_id", c.GetConnID()).Msg("push command failed")
	}
	c.Deliver(models.Envelope{Event: models.EventError, RoomID: roomID, Error: appErr.Message})
}
