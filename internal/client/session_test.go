package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"dmchat/backend/internal/api/apitest"
	"dmchat/backend/internal/auth"
	"dmchat/backend/internal/client"
	"dmchat/backend/internal/models"
	"dmchat/backend/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, srv *apitest.Server, session *auth.Session) *client.Session {
	t.Helper()
	return connectVia(t, srv, session, nil)
}

func connectVia(t *testing.T, srv *apitest.Server, session *auth.Session, rt http.RoundTripper) *client.Session {
	t.Helper()
	opts := client.Options{
		BaseURL:      srv.URL,
		Token:        session.Token,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}
	if rt != nil {
		opts.HTTPClient = &http.Client{Transport: rt}
	}
	s, err := client.Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// heldTransport parks the requests its hold func names until the test
// releases them, with an error or nil to forward to the server.
type heldTransport struct {
	hold    func(*http.Request) string
	arrived chan string

	mu    sync.Mutex
	gates map[string]chan error
}

func newHeldTransport(hold func(*http.Request) string) *heldTransport {
	return &heldTransport{
		hold:    hold,
		arrived: make(chan string, 16),
		gates:   make(map[string]chan error),
	}
}

func (h *heldTransport) gate(key string) chan error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.gates[key]
	if !ok {
		ch = make(chan error, 1)
		h.gates[key] = ch
	}
	return ch
}

func (h *heldTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if key := h.hold(req); key != "" {
		h.arrived <- key
		if err := <-h.gate(key); err != nil {
			return nil, err
		}
	}
	return http.DefaultTransport.RoundTrip(req)
}

func (h *heldTransport) release(key string, err error) {
	h.gate(key) <- err
}

func (h *heldTransport) waitFor(t *testing.T, key string) {
	t.Helper()
	select {
	case got := <-h.arrived:
		require.Equal(t, key, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("request %q never arrived", key)
	}
}

// holdSends keys every message POST by its content.
func holdSends(req *http.Request) string {
	if req.Method != http.MethodPost || req.URL.Path != "/api/chat/messages" || req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return ""
	}
	defer body.Close()
	var in struct {
		Content string `json:"content"`
	}
	raw, _ := io.ReadAll(body)
	if json.Unmarshal(raw, &in) != nil {
		return ""
	}
	return in.Content
}

func contents(st *reconcile.State) []string {
	if st == nil {
		return nil
	}
	var out []string
	for _, e := range st.Entries() {
		out = append(out, e.Content)
	}
	return out
}

func pairRoom(t *testing.T, s *client.Session, other *auth.Session) *models.Room {
	t.Helper()
	room, err := s.API.ResolveRoom(context.Background(), other.User.ID)
	require.NoError(t, err)
	return room
}

func TestDial_RejectsBadToken(t *testing.T) {
	srv := apitest.NewServer(t)

	_, err := client.Dial(context.Background(), client.Options{BaseURL: srv.URL, Token: "nope"})

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSession_SendIsSeenOnceByBothSides(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob := srv.Register(t, "alice"), srv.Register(t, "bob")
	a, b := connect(t, srv, alice), connect(t, srv, bob)
	room := pairRoom(t, a, bob)
	ctx := context.Background()

	_, err := a.Open(ctx, room.ID)
	require.NoError(t, err)
	_, err = b.Open(ctx, room.ID)
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Millisecond)
	sent, err := a.Send(ctx, "hi")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(b.State().Messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	got := b.State().Messages()[0]
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hi", got.Content)
	assert.False(t, got.CreatedAt.Before(before))

	// the echo of alice's own send must not add a second entry
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"hi"}, contents(a.State()))
	assert.Equal(t, 0, a.State().Pending())
	assert.Equal(t, []string{"hi"}, contents(b.State()))
}

func TestSession_UnsubscribedUserSeesMessageOnOpen(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob := srv.Register(t, "alice"), srv.Register(t, "bob")
	a, b := connect(t, srv, alice), connect(t, srv, bob)
	room := pairRoom(t, a, bob)
	ctx := context.Background()

	_, err := a.Open(ctx, room.ID)
	require.NoError(t, err)
	_, err = a.Send(ctx, "are you there?")
	require.NoError(t, err)

	assert.Nil(t, b.State())
	st, err := b.Open(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"are you there?"}, contents(st))
}

func TestSession_RoomSwitchDiscardsPreviousRoom(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob, carol := srv.Register(t, "alice"), srv.Register(t, "bob"), srv.Register(t, "carol")
	a := connect(t, srv, alice)
	withBob := pairRoom(t, a, bob)
	withCarol := pairRoom(t, a, carol)
	ctx := context.Background()

	_, err := srv.Chat.Append(ctx, withBob.ID, bob.User.ID, "from bob")
	require.NoError(t, err)
	_, err = srv.Chat.Append(ctx, withCarol.ID, carol.User.ID, "from carol")
	require.NoError(t, err)

	st, err := a.Open(ctx, withBob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"from bob"}, contents(st))

	st, err = a.Open(ctx, withCarol.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"from carol"}, contents(st))

	// pushes for the room we left are not merged
	_, err = srv.Chat.Append(ctx, withBob.ID, bob.User.ID, "late")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"from carol"}, contents(a.State()))
}

func TestSession_OpenDeniedForOutsider(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob, carol := srv.Register(t, "alice"), srv.Register(t, "bob"), srv.Register(t, "carol")
	a := connect(t, srv, alice)
	room := pairRoom(t, a, bob)

	c := connect(t, srv, carol)
	_, err := c.Open(context.Background(), room.ID)

	require.Error(t, err)
	assert.Nil(t, c.State())
}

func TestSession_FailedSendLeavesNoOptimisticEntry(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob := srv.Register(t, "alice"), srv.Register(t, "bob")
	a := connect(t, srv, alice)
	room := pairRoom(t, a, bob)
	ctx := context.Background()
	_, err := a.Open(ctx, room.ID)
	require.NoError(t, err)

	_, err = a.Send(ctx, "")

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, 0, a.State().Len())
}

func TestSession_SendWithoutOpenRoom(t *testing.T) {
	srv := apitest.NewServer(t)
	a := connect(t, srv, srv.Register(t, "alice"))

	_, err := a.Send(context.Background(), "hello?")

	assert.ErrorIs(t, err, client.ErrNoRoomOpen)
}

func TestSession_ReconnectRecoversMissedMessages(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob := srv.Register(t, "alice"), srv.Register(t, "bob")
	b := connect(t, srv, bob)
	room := pairRoom(t, b, alice)
	ctx := context.Background()

	_, err := b.Open(ctx, room.ID)
	require.NoError(t, err)

	b.DropConnection()
	_, err = srv.Chat.Append(ctx, room.ID, alice.User.ID, "while you were away")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(b.State().Messages()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// subscription is live again after the reconnect
	_, err = srv.Chat.Append(ctx, room.ID, alice.User.ID, "welcome back")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(b.State().Messages()) == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"while you were away", "welcome back"}, contents(b.State()))
}

func TestSession_ReopenDuringSendKeepsNewerEntry(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob := srv.Register(t, "alice"), srv.Register(t, "bob")
	held := newHeldTransport(holdSends)
	a := connectVia(t, srv, alice, held)
	room := pairRoom(t, a, bob)
	ctx := context.Background()

	_, err := a.Open(ctx, room.ID)
	require.NoError(t, err)

	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Send(ctx, "first")
		firstErr <- err
	}()
	held.waitFor(t, "first")

	_, err = a.Open(ctx, room.ID)
	require.NoError(t, err)

	secondErr := make(chan error, 1)
	go func() {
		_, err := a.Send(ctx, "second")
		secondErr <- err
	}()
	held.waitFor(t, "second")
	require.Equal(t, []string{"second"}, contents(a.State()))

	held.release("first", errors.New("connection reset"))
	require.Error(t, <-firstErr)

	assert.Equal(t, []string{"second"}, contents(a.State()))
	assert.Equal(t, 1, a.State().Pending())

	held.release("second", nil)
	require.NoError(t, <-secondErr)
	assert.Eventually(t, func() bool {
		st := a.State()
		return st.Pending() == 0 && len(st.Messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"second"}, contents(a.State()))
}

func TestSession_SwitchWhileOpeningLeavesFirstRoom(t *testing.T) {
	srv := apitest.NewServer(t)
	alice, bob, carol := srv.Register(t, "alice"), srv.Register(t, "bob"), srv.Register(t, "carol")
	heldRoom := ""
	held := newHeldTransport(func(req *http.Request) string {
		if req.Method == http.MethodGet && heldRoom != "" && req.URL.Path == "/api/chat/messages/"+heldRoom {
			return "history"
		}
		return ""
	})
	a := connectVia(t, srv, alice, held)
	withBob := pairRoom(t, a, bob)
	withCarol := pairRoom(t, a, carol)
	heldRoom = withBob.ID
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Open(ctx, withBob.ID)
		firstErr <- err
	}()
	held.waitFor(t, "history")
	require.Len(t, srv.Subs.Subscribers(withBob.ID), 1)

	st, err := a.Open(ctx, withCarol.ID)
	require.NoError(t, err)
	assert.Equal(t, withCarol.ID, st.RoomID())

	held.release("history", nil)
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	assert.Eventually(t, func() bool {
		return len(srv.Subs.Subscribers(withBob.ID)) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.Subs.Subscribers(withCarol.ID), 1)
	assert.Equal(t, withCarol.ID, a.State().RoomID())
}
