// Package client is a chat session for terminals and tests: REST calls, the
// websocket push channel, and the reconciled view of the open room.
package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/models"
	"dmchat/backend/internal/reconcile"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var (
	ErrNoRoomOpen   = errors.New("no room is open")
	ErrNotConnected = errors.New("push channel is not connected")
	ErrClosed       = errors.New("session closed")
)

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	JoinTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 200 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
}

// Session keeps one push connection and the reconciled view of one open room.
type Session struct {
	API  *API
	opts Options
	self *models.User

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	state   *reconcile.State
	opening string
	early   []models.Message
	joins   map[string][]chan error

	// sends numbers optimistic entries across every room opened by this
	// session, so a late reply never resolves another send's entry.
	sends atomic.Uint64

	updates chan *reconcile.State
	events  chan models.Envelope

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial authenticates, connects the push channel and starts the reconnect loop.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	opts.setDefaults()
	api := NewAPI(opts.BaseURL, opts.Token, opts.HTTPClient)

	self, err := api.Me(ctx)
	if err != nil {
		return nil, err
	}

	s := &Session{
		API:     api,
		opts:    opts,
		self:    self,
		joins:   make(map[string][]chan error),
		updates: make(chan *reconcile.State, 1),
		events:  make(chan models.Envelope, 64),
		done:    make(chan struct{}),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, conn)
	return s, nil
}

func (s *Session) Self() *models.User { return s.self }

// State returns the current view, or nil before the first Open completes.
func (s *Session) State() *reconcile.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates signals view changes. Only the latest state is kept.
func (s *Session) Updates() <-chan *reconcile.State { return s.updates }

// Events carries presence and error envelopes. Dropped when nobody reads.
func (s *Session) Events() <-chan models.Envelope { return s.events }

func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) wsURL() string {
	base := s.opts.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.wsURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
}

func (s *Session) write(env models.Envelope) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env)
}

// newReconnectBackOff never gives up on its own; the session context ends
// the retries.
func newReconnectBackOff(opts Options) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.ReconnectMin
	bo.MaxInterval = opts.ReconnectMax
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// redial retries until a connection is up, the token is refused or ctx ends.
func (s *Session) redial(ctx context.Context, bo *backoff.ExponentialBackOff) (*websocket.Conn, error) {
	bo.Reset()
	op := func() (*websocket.Conn, error) {
		conn, err := s.dial(ctx)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(bo, ctx), notify)
}

// run owns the connection: it reads until failure, then redials with backoff
// and restores the open room.
func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	bo := newReconnectBackOff(s.opts)
	reconnected := false

	for {
		s.setConn(conn)
		readErr := make(chan error, 1)
		go func(c *websocket.Conn) { readErr <- s.readLoop(c) }(conn)
		if reconnected {
			go s.restore(ctx)
		}

		select {
		case <-ctx.Done():
			s.setConn(nil)
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
			<-readErr
			s.failJoins(ErrClosed)
			return
		case err := <-readErr:
			logger.Warn().Err(err).Msg("push channel lost, reconnecting")
			s.setConn(nil)
			conn.Close()
			s.failJoins(ErrNotConnected)
		}

		// the first attempt is immediate, later ones wait out the backoff
		c, err := s.redial(ctx, bo)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("giving up on push channel")
			}
			s.failJoins(ErrClosed)
			return
		}
		conn = c
		reconnected = true
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		s.handle(env)
	}
}

func (s *Session) handle(env models.Envelope) {
	switch env.Event {
	case models.EventReceiveMessage:
		if env.Message != nil {
			s.receive(*env.Message)
		}
	case models.EventJoinedRoom:
		s.resolveJoin(env.RoomID, nil)
	case models.EventError:
		if env.RoomID != "" && s.resolveJoin(env.RoomID, errors.New(env.Error)) {
			return
		}
		s.emit(env)
	default:
		s.emit(env)
	}
}

func (s *Session) emit(env models.Envelope) {
	select {
	case s.events <- env:
	default:
	}
}

func (s *Session) receive(msg models.Message) {
	s.mu.Lock()
	var changed *reconcile.State
	switch {
	case s.state != nil && s.state.RoomID() == msg.RoomID:
		next := s.state.Merge(msg)
		if next != s.state {
			s.state = next
			changed = next
		}
	case s.opening == msg.RoomID:
		s.early = append(s.early, msg)
	}
	s.mu.Unlock()

	if changed != nil {
		s.notify(changed)
	}
}

func (s *Session) notify(st *reconcile.State) {
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- st:
	default:
	}
}

func (s *Session) expectJoin(roomID string) chan error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.joins[roomID] = append(s.joins[roomID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) resolveJoin(roomID string, err error) bool {
	s.mu.Lock()
	waiters := s.joins[roomID]
	delete(s.joins, roomID)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return len(waiters) > 0
}

func (s *Session) failJoins(err error) {
	s.mu.Lock()
	joins := s.joins
	s.joins = make(map[string][]chan error)
	s.mu.Unlock()

	for _, waiters := range joins {
		for _, ch := range waiters {
			ch <- err
		}
	}
}

// join subscribes and waits for the server to confirm, so a fetch issued
// afterwards cannot miss a message pushed in between.
func (s *Session) join(ctx context.Context, roomID string) error {
	ack := s.expectJoin(roomID)
	if err := s.write(models.Envelope{Event: models.EventJoinRoom, RoomID: roomID}); err != nil {
		s.resolveJoin(roomID, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	defer cancel()
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open switches the view to roomID: the previous room, or one still being
// opened, is left and discarded, then the newest page becomes the baseline.
func (s *Session) Open(ctx context.Context, roomID string) (*reconcile.State, error) {
	s.mu.Lock()
	prev := s.opening
	if s.state != nil {
		prev = s.state.RoomID()
	}
	if prev == roomID {
		prev = ""
	}
	s.state = nil
	s.opening = roomID
	s.early = nil
	s.mu.Unlock()

	if prev != "" {
		_ = s.write(models.Envelope{Event: models.EventLeaveRoom, RoomID: prev})
	}

	if err := s.join(ctx, roomID); err != nil {
		s.abortOpen(roomID)
		return nil, err
	}
	page, err := s.API.History(ctx, roomID, 1, 0)
	if err != nil {
		s.abortOpen(roomID)
		return nil, err
	}

	s.mu.Lock()
	if s.opening != roomID {
		s.mu.Unlock()
		s.leaveUnused(roomID)
		return nil, context.Canceled
	}
	st := reconcile.Open(roomID, s.self.ID, page).MergeAll(s.early)
	s.state = st
	s.opening = ""
	s.early = nil
	s.mu.Unlock()

	s.notify(st)
	return st, nil
}

func (s *Session) abortOpen(roomID string) {
	s.mu.Lock()
	if s.opening == roomID {
		s.opening = ""
		s.early = nil
	}
	s.mu.Unlock()
	s.leaveUnused(roomID)
}

// leaveUnused drops the subscription for roomID once a later Open took over.
// The leave can race a join still on the wire, so it is sent again here.
func (s *Session) leaveUnused(roomID string) {
	s.mu.Lock()
	inUse := s.opening == roomID || (s.state != nil && s.state.RoomID() == roomID)
	s.mu.Unlock()
	if !inUse {
		_ = s.write(models.Envelope{Event: models.EventLeaveRoom, RoomID: roomID})
	}
}

// restore re-subscribes the open room after a reconnect and merges the
// newest page to recover anything pushed while disconnected.
func (s *Session) restore(ctx context.Context) {
	s.mu.Lock()
	roomID := s.opening
	if s.state != nil {
		roomID = s.state.RoomID()
	}
	s.mu.Unlock()
	if roomID == "" {
		return
	}

	if err := s.join(ctx, roomID); err != nil {
		logger.Warn().Err(err).Str("room_id", roomID).Msg("rejoin after reconnect failed")
		return
	}
	page, err := s.API.History(ctx, roomID, 1, 0)
	if err != nil {
		logger.Warn().Err(err).Str("room_id", roomID).Msg("refetch after reconnect failed")
		return
	}

	s.mu.Lock()
	var changed *reconcile.State
	if s.state != nil && s.state.RoomID() == roomID {
		next := s.state.MergeAll(page)
		if next != s.state {
			s.state = next
			changed = next
		}
	}
	s.mu.Unlock()

	if changed != nil {
		s.notify(changed)
	}
}

// Send shows the message optimistically, stores it over REST and swaps in
// the stored copy. On failure the optimistic entry is removed.
func (s *Session) Send(ctx context.Context, content string) (*models.Message, error) {
	key := "send-" + strconv.FormatUint(s.sends.Add(1), 10)

	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return nil, ErrNoRoomOpen
	}
	roomID := s.state.RoomID()
	st := s.state.AddOptimistic(key, content, time.Now())
	s.state = st
	s.mu.Unlock()
	s.notify(st)

	msg, err := s.API.Send(ctx, roomID, content)

	s.mu.Lock()
	var changed *reconcile.State
	if s.state != nil && s.state.RoomID() == roomID {
		next := s.state
		if err != nil {
			next = next.Fail(key)
		} else {
			next = next.Confirm(key, *msg)
		}
		if next != s.state {
			s.state = next
			changed = next
		}
	}
	s.mu.Unlock()

	if changed != nil {
		s.notify(changed)
	}
	return msg, err
}

// MarkRead flags a received message as read.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.API.MarkRead(ctx, messageID)
}
