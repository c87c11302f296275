package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) SendMessage(ctx context.Context, senderId string, req types.SendMessageRequest) (types.Message, error) {
	args := m.Called(ctx, senderId, req)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockRelay) UpdateStatus(ctx context.Context, messageId string, status types.MessageStatus) (types.Message, error) {
	args := m.Called(ctx, messageId, status)
	return args.Get(0).(types.Message), args.Error(1)
}

type mockTokens struct {
	mock.Mock
}

func (m *mockTokens) VerifyToken(token string) (string, error) {
	args := m.Called(token)
	return args.String(0), args.Error(1)
}

func newMockStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()
	return su
}

// newTestChatServer creates a ChatServer backed by mocks.
func newTestChatServer(t *testing.T, relay MessageRelay, tokens TokenVerifier, su *stats.MockStatsUpdater) *ChatServer {
	return NewChatServer(testutil.TestLogger(t), relay, tokens, su)
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.ActiveConnections).Return().Once()
	su.On("RegisterMetric", stats.Broadcasts).Return().Once()
	su.On("RegisterMetric", stats.DispatchFailures).Return().Once()

	relay := &mockRelay{}
	cs := NewChatServer(testutil.TestLogger(t), relay, &mockTokens{}, su)

	assert.NotNil(t, cs.registry, "expected registry to be initialized")
	assert.Equal(t, relay, cs.relay, "expected relay to be set")
	assert.Zero(t, cs.Registry().Len())
}

func TestRegisterClient(t *testing.T) {
	su := newMockStats()
	cs := newTestChatServer(t, &mockRelay{}, &mockTokens{}, su)

	c := NewClient("conn-1", "alice", nil, cs, testutil.TestLogger(t))
	require.NoError(t, cs.RegisterClient(c))
	assert.ErrorIs(t, cs.RegisterClient(c), ErrDuplicateConnection)
	assert.Equal(t, []string{"conn-1"}, cs.registry.Lookup("alice"))

	cs.DeRegisterClient(c)
	cs.DeRegisterClient(c)
	assert.Empty(t, cs.registry.Lookup("alice"))

	su.AssertNumberOfCalls(t, "Incr", 1)
	su.AssertNumberOfCalls(t, "Decr", 1)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("closes clients", func(t *testing.T) {
		cs := newTestChatServer(t, &mockRelay{}, &mockTokens{}, newMockStats())

		p1, p2 := &fakePusher{}, &fakePusher{}
		require.NoError(t, cs.registry.Register("c1", "alice", p1))
		require.NoError(t, cs.registry.Register("c2", "", p2))

		// Unregister as a real read pump would once its connection closes.
		go func() {
			assert.Eventually(t, func() bool { return p1.Closed() && p2.Closed() }, time.Second, 5*time.Millisecond)
			cs.unregister("c1")
			cs.unregister("c2")
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx))
		assert.Zero(t, cs.registry.Len())
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &mockRelay{}, &mockTokens{}, newMockStats())
		require.NoError(t, cs.registry.Register("c1", "alice", &fakePusher{}))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func serveTestWs(t *testing.T, cs *ChatServer) string {
	upgrader := websocket.Upgrader{}

	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		c := NewClient(fmt.Sprintf("conn-%d", n.Add(1)), r.URL.Query().Get("user"), conn, cs, testutil.TestLogger(t))
		if err := cs.RegisterClient(c); err != nil {
			t.Errorf("register: %v", err)
			conn.Close()
			return
		}

		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestWs(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketSession(t *testing.T) {
	relay := &mockRelay{}
	tokens := &mockTokens{}
	tokens.On("VerifyToken", "good-token").Return("alice", nil)

	stored := types.Message{
		Id:         "01J00000000000000000000000",
		SenderId:   "alice",
		ReceiverId: "bob",
		Content:    "hi",
		Timestamp:  1700000000000,
		Status:     types.StatusSent,
	}
	relay.On("SendMessage", mock.Anything, "alice", types.SendMessageRequest{ReceiverId: "bob", Content: "hi"}).
		Return(stored, nil)

	cs := newTestChatServer(t, relay, tokens, newMockStats())
	url := serveTestWs(t, cs)

	alice := dialTestWs(t, url)
	require.NoError(t, alice.WriteJSON(map[string]any{"id": 1, "auth": map[string]any{"token": "good-token"}}))

	resp := readServerMessage(t, alice)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 1, resp.Id)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
	assert.Equal(t, []string{"conn-1"}, cs.registry.Lookup("alice"))

	require.NoError(t, alice.WriteJSON(map[string]any{
		"id":          2,
		"sendMessage": map[string]any{"receiverId": "bob", "content": "hi"},
	}))

	resp = readServerMessage(t, alice)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 2, resp.Id)
	assert.Equal(t, http.StatusCreated, resp.Response.ResponseCode)

	data, err := json.Marshal(resp.Response.Data)
	require.NoError(t, err)
	var got types.Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, stored, got)

	// Delivery comes from the bus handler, not from the send itself.
	payload, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, cs.HandleMessage(context.Background(), newBusMessage(payload)))

	evt := readServerMessage(t, alice)
	assert.Equal(t, EventNewMessage, evt.Event)
	require.NotNil(t, evt.Message)
	assert.Equal(t, stored, *evt.Message)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp = readServerMessage(t, alice)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusBadRequest, resp.Response.ResponseCode)

	alice.Close()
	assert.Eventually(t, func() bool { return cs.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond,
		"expected disconnect to unregister the connection")
}
