package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"testing"
	"time"

	"dmchat/backend/internal/api/apitest"
	"dmchat/backend/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, srv *apitest.Server, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func errorOf(t *testing.T, raw []byte) string {
	return decode[map[string]string](t, raw)["error"]
}

func TestAuthEndpoints(t *testing.T) {
	srv := apitest.NewServer(t)

	code, raw := doJSON(t, srv, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	session := decode[map[string]any](t, raw)
	token, _ := session["token"].(string)
	require.NotEmpty(t, token)

	code, raw = doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong-one",
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid credentials", errorOf(t, raw))

	code, raw = doJSON(t, srv, http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, code)
	me := decode[models.User](t, raw)
	assert.Equal(t, "alice", me.Username)
	assert.NotContains(t, string(raw), "password")
}

func TestChatRoutesRequireAuth(t *testing.T) {
	srv := apitest.NewServer(t)

	code, _ := doJSON(t, srv, http.MethodGet, "/api/chat/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = doJSON(t, srv, http.MethodGet, "/api/chat/rooms", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestResolveRoom(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")

	code, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	require.Equal(t, http.StatusOK, code, string(raw))
	first := decode[models.Room](t, raw)

	code, raw = doJSON(t, srv, http.MethodPost, "/api/chat/room", bob.Token, map[string]string{"otherUserId": alice.User.ID})
	require.Equal(t, http.StatusOK, code, string(raw))
	second := decode[models.Room](t, raw)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, first.Participants, 2)

	code, raw = doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": alice.User.ID})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Cannot create room with yourself", errorOf(t, raw))

	code, raw = doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Participant not found", errorOf(t, raw))

	code, _ = doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMessagesFlow(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")
	carol := srv.Register(t, "carol")

	_, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	room := decode[models.Room](t, raw)

	before := time.Now().UTC().Add(-time.Millisecond)
	code, raw := doJSON(t, srv, http.MethodPost, "/api/chat/messages", alice.Token, map[string]string{
		"roomId": room.ID, "content": "hi",
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	sent := decode[models.Message](t, raw)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.CreatedAt.Before(before))
	if assert.NotNil(t, sent.ReceiverID) {
		assert.Equal(t, bob.User.ID, *sent.ReceiverID)
	}

	code, raw = doJSON(t, srv, http.MethodPost, "/api/chat/messages", carol.Token, map[string]string{
		"roomId": room.ID, "content": "intrude",
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Access denied", errorOf(t, raw))

	code, _ = doJSON(t, srv, http.MethodPost, "/api/chat/messages", alice.Token, map[string]string{"roomId": room.ID})
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw = doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID, bob.Token, nil)
	require.Equal(t, http.StatusOK, code)
	history := decode[[]models.Message](t, raw)
	if assert.Len(t, history, 1) {
		assert.Equal(t, sent.ID, history[0].ID)
		assert.Equal(t, "hi", history[0].Content)
	}

	code, _ = doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID, carol.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID+"?page=abc", bob.Token, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// sender cannot mark their own message
	code, _ = doJSON(t, srv, http.MethodPut, "/api/chat/messages/"+sent.ID+"/read", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	for i := 0; i < 2; i++ {
		code, _ = doJSON(t, srv, http.MethodPut, "/api/chat/messages/"+sent.ID+"/read", bob.Token, nil)
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestListMessagesPaging(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")
	_, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	room := decode[models.Room](t, raw)

	for i := 0; i < 5; i++ {
		code, _ := doJSON(t, srv, http.MethodPost, "/api/chat/messages", alice.Token, map[string]string{
			"roomId": room.ID, "content": "m" + strconv.Itoa(i),
		})
		require.Equal(t, http.StatusCreated, code)
	}

	_, raw = doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID+"?page=1&limit=3", bob.Token, nil)
	newest := decode[[]models.Message](t, raw)
	_, raw = doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID+"?page=2&limit=3", bob.Token, nil)
	older := decode[[]models.Message](t, raw)

	var got []string
	for _, m := range append(older, newest...) {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)

	code, raw := doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID+"?page="+strconv.Itoa(math.MaxInt)+"&limit=50", bob.Token, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Empty(t, decode[[]models.Message](t, raw))
}

func TestRoomsDirectoryAndDelete(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")
	carol := srv.Register(t, "carol")

	_, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	private := decode[models.Room](t, raw)

	code, raw := doJSON(t, srv, http.MethodPost, "/api/chat/rooms/group", alice.Token, map[string]any{
		"name": "team", "participantIds": []string{bob.User.ID, carol.User.ID},
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	group := decode[models.Room](t, raw)
	assert.Equal(t, models.RoomGroup, group.RoomType)

	code, _ = doJSON(t, srv, http.MethodPost, "/api/chat/messages", bob.Token, map[string]string{
		"roomId": private.ID, "content": "ping",
	})
	require.Equal(t, http.StatusCreated, code)

	code, raw = doJSON(t, srv, http.MethodGet, "/api/chat/rooms", alice.Token, nil)
	require.Equal(t, http.StatusOK, code)
	rooms := decode[[]map[string]any](t, raw)
	require.Len(t, rooms, 2)
	assert.Equal(t, private.ID, rooms[0]["id"])
	assert.Equal(t, true, rooms[0]["unread"])

	code, _ = doJSON(t, srv, http.MethodDelete, "/api/chat/rooms/"+private.ID, carol.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = doJSON(t, srv, http.MethodDelete, "/api/chat/rooms/"+private.ID, alice.Token, nil)
	require.Equal(t, http.StatusOK, code)

	_, raw = doJSON(t, srv, http.MethodGet, "/api/chat/rooms", alice.Token, nil)
	assert.Len(t, decode[[]models.Room](t, raw), 1)

	_, raw = doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	assert.NotEqual(t, private.ID, decode[models.Room](t, raw).ID)
}

func TestHealth(t *testing.T) {
	srv := apitest.NewServer(t)

	code, raw := doJSON(t, srv, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", decode[map[string]any](t, raw)["status"])
}

func dial(t *testing.T, srv *apitest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(srv.WSURL()+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one with the wanted event arrives.
func next(t *testing.T, conn *websocket.Conn, event models.EventType) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func TestWebSocket_RejectsMissingToken(t *testing.T) {
	srv := apitest.NewServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(srv.WSURL(), nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_SendViaRESTIsPushedToSubscribers(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")
	_, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	room := decode[models.Room](t, raw)

	aliceConn := dial(t, srv, alice.Token)
	bobConn := dial(t, srv, bob.Token)
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventJoinRoom, RoomID: room.ID}))
		assert.Equal(t, room.ID, next(t, conn, models.EventJoinedRoom).RoomID)
	}

	before := time.Now().UTC().Add(-time.Millisecond)
	code, raw := doJSON(t, srv, http.MethodPost, "/api/chat/messages", alice.Token, map[string]string{
		"roomId": room.ID, "content": "hi",
	})
	require.Equal(t, http.StatusCreated, code)
	sent := decode[models.Message](t, raw)

	got := next(t, bobConn, models.EventReceiveMessage)
	require.NotNil(t, got.Message)
	assert.Equal(t, sent.ID, got.Message.ID)
	assert.Equal(t, "hi", got.Message.Content)
	assert.False(t, got.Message.CreatedAt.Before(before))

	echo := next(t, aliceConn, models.EventReceiveMessage)
	assert.Equal(t, sent.ID, echo.Message.ID)
}

func TestWebSocket_JoinDeniedForOutsider(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")
	carol := srv.Register(t, "carol")
	_, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	room := decode[models.Room](t, raw)

	conn := dial(t, srv, carol.Token)
	require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventJoinRoom, RoomID: room.ID}))

	env := next(t, conn, models.EventError)
	assert.Equal(t, "Access denied", env.Error)
}

func TestWebSocket_SendMessageCommandAppends(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")
	_, raw := doJSON(t, srv, http.MethodPost, "/api/chat/room", alice.Token, map[string]string{"participantId": bob.User.ID})
	room := decode[models.Room](t, raw)

	bobConn := dial(t, srv, bob.Token)
	require.NoError(t, bobConn.WriteJSON(models.Envelope{Event: models.EventJoinRoom, RoomID: room.ID}))
	next(t, bobConn, models.EventJoinedRoom)

	aliceConn := dial(t, srv, alice.Token)
	require.NoError(t, aliceConn.WriteJSON(models.Envelope{Event: models.EventSendMessage, RoomID: room.ID, Content: "over ws"}))

	got := next(t, bobConn, models.EventReceiveMessage)
	assert.Equal(t, "over ws", got.Message.Content)
	assert.Equal(t, alice.User.ID, got.Message.SenderID)

	_, raw = doJSON(t, srv, http.MethodGet, "/api/chat/messages/"+room.ID, bob.Token, nil)
	assert.Len(t, decode[[]models.Message](t, raw), 1)
}

func TestWebSocket_PresenceBroadcast(t *testing.T) {
	srv := apitest.NewServer(t)
	alice := srv.Register(t, "alice")
	bob := srv.Register(t, "bob")

	aliceConn := dial(t, srv, alice.Token)
	next(t, aliceConn, models.EventUserOnline)

	bobConn := dial(t, srv, bob.Token)
	env := next(t, aliceConn, models.EventUserOnline)
	assert.Equal(t, bob.User.ID, env.UserID)

	require.NoError(t, bobConn.Close())
	env = next(t, aliceConn, models.EventUserOffline)
	assert.Equal(t, bob.User.ID, env.UserID)
}
