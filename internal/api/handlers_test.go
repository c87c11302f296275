package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMessages struct {
	mock.Mock
}

func (m *mockMessages) SendMessage(ctx context.Context, senderId string, req types.SendMessageRequest) (types.Message, error) {
	args := m.Called(ctx, senderId, req)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockMessages) FindConversation(ctx context.Context, requesterId, otherUserId string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, requesterId, otherUserId, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMessages) UpdateStatus(ctx context.Context, messageId string, status types.MessageStatus) (types.Message, error) {
	args := m.Called(ctx, messageId, status)
	return args.Get(0).(types.Message), args.Error(1)
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetUser(ctx context.Context, userId string) (types.ChatUser, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.ChatUser), args.Error(1)
}

type mockHealth struct {
	mock.Mock
}

func (m *mockHealth) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockTokens struct {
	mock.Mock
}

func (m *mockTokens) VerifyToken(token string) (string, error) {
	args := m.Called(token)
	return args.String(0), args.Error(1)
}

type testApp struct {
	app      *GoChatApp
	messages *mockMessages
	users    *mockUsers
	health   *mockHealth
	tokens   *mockTokens
	cs       *server.ChatServer
}

func newTestApp(t *testing.T) *testApp {
	ta := &testApp{
		messages: &mockMessages{},
		users:    &mockUsers{},
		health:   &mockHealth{},
		tokens:   &mockTokens{},
	}
	t.Cleanup(func() {
		ta.messages.AssertExpectations(t)
		ta.users.AssertExpectations(t)
		ta.health.AssertExpectations(t)
		ta.tokens.AssertExpectations(t)
	})

	logger := testutil.TestLogger(t)
	ta.cs = server.NewChatServer(logger, ta.messages, ta.tokens, stats.NoopStats{})
	ta.app = NewGoChatApp(logger, Deps{
		ChatServer: ta.cs,
		Messages:   ta.messages,
		Users:      ta.users,
		Health:     ta.health,
		Tokens:     ta.tokens,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	}, &config.Config{
		ServerAddr:     "localhost:8000",
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	return ta
}

func (ta *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)
	return rr
}

func sampleMessage() types.Message {
	return types.Message{
		Id:         "01J00000000000000000000000",
		SenderId:   "alice",
		ReceiverId: "bob",
		Content:    "hello",
		Timestamp:  1700000000000,
		Status:     types.StatusSent,
	}
}

func TestNewGoChatApp(t *testing.T) {
	ta := newTestApp(t)

	assert.NotNil(t, ta.app.srv, "expected http server to be initialized")
	assert.Equal(t, "localhost:8000", ta.app.srv.Addr, "expected server address to match config")
	assert.Equal(t, ta.cs, ta.app.cs, "expected chat server to be set")
	assert.Equal(t, []string{"http://localhost:3000"}, ta.app.allowedOrigins)
}

func TestSendMessage(t *testing.T) {
	msg := sampleMessage()
	body := `{"receiverId":"bob","content":"hello"}`

	tcases := []struct {
		name       string
		body       string
		headers    map[string]string
		setup      func(ta *testApp)
		wantStatus int
	}{
		{
			name:    "sender from header",
			body:    body,
			headers: map[string]string{"X-User-Id": "alice"},
			setup: func(ta *testApp) {
				ta.messages.On("SendMessage", mock.Anything, "alice",
					types.SendMessageRequest{ReceiverId: "bob", Content: "hello"}).Return(msg, nil).Once()
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:    "sender from token wins over header",
			body:    body,
			headers: map[string]string{"Authorization": "Bearer good", "X-User-Id": "mallory"},
			setup: func(ta *testApp) {
				ta.tokens.On("VerifyToken", "good").Return("alice", nil).Once()
				ta.messages.On("SendMessage", mock.Anything, "alice", mock.Anything).Return(msg, nil).Once()
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:    "publish failure is still created",
			body:    body,
			headers: map[string]string{"X-User-Id": "alice"},
			setup: func(ta *testApp) {
				ta.messages.On("SendMessage", mock.Anything, "alice", mock.Anything).
					Return(msg, &relay.PublishError{Topic: "t", MessageId: msg.Id, Err: errors.New("bus down")}).Once()
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "no identity",
			body: body,
			setup: func(ta *testApp) {
				ta.messages.On("SendMessage", mock.Anything, "", mock.Anything).
					Return(types.Message{}, &relay.ValidationError{Errs: validation.Errors{"senderId": errors.New("cannot be blank")}}).Once()
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "invalid token",
			body:    body,
			headers: map[string]string{"Authorization": "Bearer bad"},
			setup: func(ta *testApp) {
				ta.tokens.On("VerifyToken", "bad").Return("", errors.New("expired")).Once()
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed body",
			body:       `{"receiverId":`,
			headers:    map[string]string{"X-User-Id": "alice"},
			setup:      func(ta *testApp) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "validation failure",
			body:    `{"receiverId":"bob","content":""}`,
			headers: map[string]string{"X-User-Id": "alice"},
			setup: func(ta *testApp) {
				ta.messages.On("SendMessage", mock.Anything, "alice", mock.Anything).
					Return(types.Message{}, &relay.ValidationError{Errs: validation.Errors{"content": errors.New("cannot be blank")}}).Once()
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "persistence failure",
			body:    body,
			headers: map[string]string{"X-User-Id": "alice"},
			setup: func(ta *testApp) {
				ta.messages.On("SendMessage", mock.Anything, "alice", mock.Anything).
					Return(types.Message{}, &relay.PersistenceError{Op: "create message", Err: errors.New("disk full")}).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t)
			tc.setup(ta)

			req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			rr := ta.do(req)
			assert.Equal(t, tc.wantStatus, rr.Code, rr.Body.String())

			if tc.wantStatus == http.StatusCreated {
				var got types.Message
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
				assert.Equal(t, msg, got)
			} else {
				var apiErr ApiError
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
				assert.Equal(t, tc.wantStatus, apiErr.StatusCode)
			}
		})
	}
}

func TestGetConversation(t *testing.T) {
	msgs := []types.Message{sampleMessage()}

	tcases := []struct {
		name       string
		target     string
		headers    map[string]string
		setup      func(ta *testApp)
		wantStatus int
	}{
		{
			name:   "requester from query",
			target: "/api/messages/conversation/bob?requesterId=alice&limit=10",
			setup: func(ta *testApp) {
				ta.messages.On("FindConversation", mock.Anything, "alice", "bob", 10).Return(msgs, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name:    "matching header and default limit",
			target:  "/api/messages/conversation/bob?requesterId=alice",
			headers: map[string]string{"X-User-Id": "alice"},
			setup: func(ta *testApp) {
				ta.messages.On("FindConversation", mock.Anything, "alice", "bob", 0).Return(msgs, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "header without query requester",
			target:     "/api/messages/conversation/bob",
			headers:    map[string]string{"X-User-Id": "alice"},
			setup:      func(ta *testApp) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "header does not match requester",
			target:     "/api/messages/conversation/bob?requesterId=alice",
			headers:    map[string]string{"X-User-Id": "mallory"},
			setup:      func(ta *testApp) {},
			wantStatus: http.StatusForbidden,
		},
		{
			name:   "empty conversation",
			target: "/api/messages/conversation/carol?requesterId=alice",
			setup: func(ta *testApp) {
				ta.messages.On("FindConversation", mock.Anything, "alice", "carol", 0).Return([]types.Message{}, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "bad limit",
			target:     "/api/messages/conversation/bob?requesterId=alice&limit=ten",
			setup:      func(ta *testApp) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing requester",
			target:     "/api/messages/conversation/bob",
			setup:      func(ta *testApp) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t)
			tc.setup(ta)

			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			rr := ta.do(req)
			assert.Equal(t, tc.wantStatus, rr.Code, rr.Body.String())
		})
	}
}

func TestGetConversation_EmptyIsArray(t *testing.T) {
	ta := newTestApp(t)
	ta.messages.On("FindConversation", mock.Anything, "alice", "carol", 0).Return([]types.Message{}, nil).Once()

	rr := ta.do(httptest.NewRequest(http.MethodGet, "/api/messages/conversation/carol?requesterId=alice", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestUpdateStatus(t *testing.T) {
	updated := sampleMessage()
	updated.Status = types.StatusRead

	tcases := []struct {
		name       string
		body       string
		setup      func(ta *testApp)
		wantStatus int
	}{
		{
			name: "ok",
			body: `{"status":"read"}`,
			setup: func(ta *testApp) {
				ta.messages.On("UpdateStatus", mock.Anything, updated.Id, types.StatusRead).Return(updated, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "unknown message",
			body: `{"status":"read"}`,
			setup: func(ta *testApp) {
				ta.messages.On("UpdateStatus", mock.Anything, updated.Id, types.StatusRead).Return(types.Message{}, relay.ErrNotFound).Once()
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "invalid status",
			body: `{"status":"archived"}`,
			setup: func(ta *testApp) {
				ta.messages.On("UpdateStatus", mock.Anything, updated.Id, types.MessageStatus("archived")).
					Return(types.Message{}, &relay.ValidationError{Errs: validation.Errors{"status": errors.New("must be a valid value")}}).Once()
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `nope`,
			setup:      func(ta *testApp) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t)
			tc.setup(ta)

			req := httptest.NewRequest(http.MethodPatch, "/api/messages/"+updated.Id+"/status", strings.NewReader(tc.body))
			rr := ta.do(req)
			assert.Equal(t, tc.wantStatus, rr.Code, rr.Body.String())
		})
	}
}

func TestGetUser(t *testing.T) {
	ta := newTestApp(t)
	user := types.ChatUser{UserId: "u1", Username: "alice", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ta.users.On("GetUser", mock.Anything, "u1").Return(user, nil).Once()
	ta.users.On("GetUser", mock.Anything, "missing").Return(types.ChatUser{}, relay.ErrNotFound).Once()

	rr := ta.do(httptest.NewRequest(http.MethodGet, "/api/users/u1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var got types.ChatUser
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, user, got)

	rr = ta.do(httptest.NewRequest(http.MethodGet, "/api/users/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ta := newTestApp(t)
		ta.health.On("Ping", mock.Anything).Return(nil).Once()

		rr := ta.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	})

	t.Run("store down", func(t *testing.T) {
		ta := newTestApp(t)
		ta.health.On("Ping", mock.Anything).Return(errors.New("closed")).Once()

		rr := ta.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestMetricsRoute(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "# metrics", rr.Body.String())
}

func TestServeWs(t *testing.T) {
	ta := newTestApp(t)
	ta.tokens.On("VerifyToken", "good").Return("alice", nil).Once()

	srv := httptest.NewServer(ta.app.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=good"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return len(ta.cs.Registry().Lookup("alice")) == 1 },
		time.Second, 10*time.Millisecond, "expected connection bound from token")

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	assert.Error(t, err, "expected disallowed origin to be rejected")
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
