package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/messages"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/presence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
)

// tokenVerifier accepts the user id as token.
type tokenVerifier struct {
	persister persistence.Persister
}

func (v tokenVerifier) Verify(_ context.Context, token, _ string) (*types.User, error) {
	user := types.User{Id: token}
	if err := v.persister.GetUser(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

type testServer struct {
	url       string
	directory *room.Directory
	store     *messages.Store
	tracker   *presence.Tracker
}

func newTestServer(t *testing.T, users ...string) *testServer {
	t.Helper()
	p, err := persistence.NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"}})
	require.NoError(t, err)
	for _, u := range users {
		require.NoError(t, p.StoreUser(types.User{Id: u, Username: u, Email: u + "@example.com"}))
	}
	d, err := room.NewDirectory(p, 16)
	require.NoError(t, err)
	hub := NewHub("")
	tracker := presence.NewTracker(hub, time.Minute)
	hub.SetTypingTracker(tracker)
	store := messages.NewStore(p, d, hub)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, d, store, tracker, tokenVerifier{p}, 16))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		tracker.Stop()
		p.Close()
	})
	return &testServer{
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		directory: d,
		store:     store,
		tracker:   tracker,
	}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// expect reads until an event of the given kind arrives.
func expect(t *testing.T, conn *websocket.Conn, kind types.EventKind) types.WebsocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		msg := types.WebsocketMessage{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == string(kind) {
			return msg
		}
	}
}

func TestServeRejectsUnauthenticated(t *testing.T) {
	s := newTestServer(t, "alice")
	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?token=nobody", nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRealtimeFlow(t *testing.T) {
	s := newTestServer(t, "alice", "bob", "carol")
	r, _, err := s.directory.CreateDirect("alice", "bob")
	require.NoError(t, err)

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	carol := s.dial(t, "carol")

	send(t, alice, types.InboundJoinRoom, r.Id)
	joined := expect(t, alice, types.EventJoined)
	assert.JSONEq(t, `{"roomId":"`+r.Id+`"}`, string(joined.Data))
	send(t, bob, types.InboundJoinRoom, map[string]string{"roomId": r.Id})
	expect(t, bob, types.EventJoined)

	send(t, carol, types.InboundJoinRoom, r.Id)
	denied := expect(t, carol, types.EventError)
	assert.Contains(t, string(denied.Data), "permission_denied")

	// the sender receives its own echo
	send(t, alice, types.InboundNewMessage, map[string]interface{}{"roomId": r.Id, "content": "hello bob"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := expect(t, conn, types.EventMessageReceived)
		assert.Contains(t, string(msg.Data), "hello bob")
	}

	list, err := s.store.List(r.Id, "bob")
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	messageId := list.Messages[0].Id

	// an echo request for a committed message is not published again
	send(t, alice, types.InboundNewMessage, map[string]interface{}{"id": messageId, "roomId": r.Id, "content": "hello bob"})

	send(t, bob, types.InboundEditMessage, map[string]interface{}{"roomId": r.Id, "messageId": messageId, "newContent": "hacked"})
	editDenied := expect(t, bob, types.EventError)
	assert.Contains(t, string(editDenied.Data), "permission_denied")

	send(t, alice, types.InboundEditMessage, map[string]interface{}{"roomId": r.Id, "messageId": messageId, "newContent": map[string]string{"content": "hello again"}})
	updated := expect(t, bob, types.EventMessageUpdated)
	assert.Contains(t, string(updated.Data), "hello again")

	send(t, bob, types.InboundTyping, map[string]interface{}{"roomId": r.Id, "id": "forged", "username": "mallory"})
	typing := expect(t, alice, types.EventUserTyping)
	assert.Contains(t, string(typing.Data), `"username":"bob"`)
	assert.NotContains(t, string(typing.Data), "mallory")
	assert.True(t, s.tracker.IsTyping(r.Id))

	// bob vanishes while typing
	require.NoError(t, bob.Close())
	stop := expect(t, alice, types.EventUserStopTyping)
	assert.Contains(t, string(stop.Data), `"id":"bob"`)
	assert.False(t, s.tracker.IsTyping(r.Id))

	send(t, alice, types.InboundDeleteMessage, map[string]interface{}{"roomId": r.Id, "messageId": messageId})
	deleted := expect(t, alice, types.EventMessageDeleted)
	assert.JSONEq(t, `"`+messageId+`"`, string(deleted.Data))

	send(t, alice, types.InboundDeleteMessage, map[string]interface{}{"roomId": r.Id, "messageId": messageId})
	notFound := expect(t, alice, types.EventError)
	assert.Contains(t, string(notFound.Data), "not_found")

	send(t, alice, "no-such-event", nil)
	unknown := expect(t, alice, types.EventError)
	assert.Contains(t, string(unknown.Data), "invalid_argument")
}
