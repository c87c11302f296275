package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	args := m.Called(ctx, userA, userB, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UpdateMessageStatus(ctx context.Context, id, status string) (Message, error) {
	args := m.Called(ctx, id, status)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) CreateChatUser(ctx context.Context, user ChatUser) (bool, error) {
	args := m.Called(ctx, user)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) UpdateChatUser(ctx context.Context, userId string, params UpdateChatUserParams) error {
	args := m.Called(ctx, userId, params)
	return args.Error(0)
}
func (m *MockChatRepository) MarkChatUserVerified(ctx context.Context, userId string) error {
	args := m.Called(ctx, userId)
	return args.Error(0)
}
func (m *MockChatRepository) SetChatUserOnline(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error {
	args := m.Called(ctx, userId, online, lastSeenAt)
	return args.Error(0)
}
func (m *MockChatRepository) GetChatUser(ctx context.Context, userId string) (ChatUser, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(ChatUser), args.Error(1)
}
func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
