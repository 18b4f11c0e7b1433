package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/models"
)

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) Append(ctx context.Context, path string, msg models.Message) error {
	args := m.Called(ctx, path, msg)
	return args.Error(0)
}

func (m *StoreMock) SubscribeOrdered(ctx context.Context, path string, onAdd func(models.Message)) (channel.Unsubscribe, error) {
	args := m.Called(ctx, path, onAdd)
	var unsubscribe channel.Unsubscribe
	if val := args.Get(0); val != nil {
		switch fn := val.(type) {
		case channel.Unsubscribe:
			unsubscribe = fn
		case func():
			unsubscribe = fn
		}
	}
	return unsubscribe, args.Error(1)
}

func (m *StoreMock) History(ctx context.Context, path string) ([]models.Message, error) {
	args := m.Called(ctx, path)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *StoreMock) Conversations(ctx context.Context, participantID string) ([]channel.LogSummary, error) {
	args := m.Called(ctx, participantID)
	var logs []channel.LogSummary
	if val := args.Get(0); val != nil {
		logs = val.([]channel.LogSummary)
	}
	return logs, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

var _ channel.Store = (*StoreMock)(nil)
var _ interface {
	ValidateToken(context.Context, string) (string, error)
} = (*TokenValidatorMock)(nil)
