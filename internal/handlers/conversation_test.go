package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/store"
	"marketplace-chat/internal/telemetry"
)

func setupConversationRouter(handler *ConversationHandler, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(middleware.UserIDKey, userID)
		}
		c.Next()
	})
	handler.Register(r)
	return r
}

func doJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetConversationKeyIsSymmetric(t *testing.T) {
	handler := NewConversationHandler(channel.New(store.NewMemoryStore(), nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u2"), http.MethodGet, "/conversations/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fromU2 map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fromU2))

	rec = doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations/u2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fromU1 map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fromU1))

	assert.Equal(t, "u1_u2", fromU2["conversation_key"])
	assert.Equal(t, fromU1, fromU2)
}

func TestGetConversationRejectsBlankCounterpart(t *testing.T) {
	handler := NewConversationHandler(channel.New(store.NewMemoryStore(), nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations/%20", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationRequiresUser(t *testing.T) {
	handler := NewConversationHandler(channel.New(store.NewMemoryStore(), nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, ""), http.MethodGet, "/conversations/u2", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostMessageThenListHistory(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope"), mock.Anything).Return(nil).Twice()
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "marketplace-chat", "test", nil)

	handler := NewConversationHandler(channel.New(store.NewMemoryStore(), nil), audit, nil)
	clock := int64(1_700_000_000_000)
	handler.now = func() time.Time { clock++; return time.UnixMilli(clock) }

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodPost, "/conversations/u2/messages", `{"text":" hello "}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sent models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, "u1", sent.SenderID)
	assert.Equal(t, " hello ", sent.Text)

	rec = doJSON(setupConversationRouter(handler, "u2"), http.MethodPost, "/conversations/u1/messages", `{"text":"hi back"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(setupConversationRouter(handler, "u2"), http.MethodGet, "/conversations/u1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ConversationKey string           `json:"conversation_key"`
		Messages        []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u1_u2", resp.ConversationKey)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, " hello ", resp.Messages[0].Text)
	assert.Equal(t, "hi back", resp.Messages[1].Text)

	publisher.AssertExpectations(t)
}

func TestListMessagesEmptyConversation(t *testing.T) {
	handler := NewConversationHandler(channel.New(store.NewMemoryStore(), nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations/u9/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversation_key":"u1_u9","messages":[]}`, rec.Body.String())
}

func TestPostMessageRejectsEmptyText(t *testing.T) {
	storeMock := new(mocks.StoreMock)
	handler := NewConversationHandler(channel.New(storeMock, nil), nil, nil)
	router := setupConversationRouter(handler, "u1")

	for _, body := range []string{`{"text":""}`, `{"text":"   "}`, `{}`, `not json`} {
		rec := doJSON(router, http.MethodPost, "/conversations/u2/messages", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	storeMock.AssertNotCalled(t, "Append", mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessageTransportError(t *testing.T) {
	storeMock := new(mocks.StoreMock)
	storeMock.On("Append", mock.Anything, "conversations/u1_u2/messages", mock.Anything).Return(errors.New("connection refused")).Once()
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "marketplace-chat", "test", nil)
	handler := NewConversationHandler(channel.New(storeMock, nil), audit, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodPost, "/conversations/u2/messages", `{"text":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	storeMock.AssertExpectations(t)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListMessagesTransportError(t *testing.T) {
	storeMock := new(mocks.StoreMock)
	storeMock.On("History", mock.Anything, "conversations/u1_u2/messages").Return(nil, errors.New("timeout")).Once()
	handler := NewConversationHandler(channel.New(storeMock, nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations/u2/messages", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDebugAuditRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything).Return(nil).Once()

	r := gin.New()
	RegisterDebugRoutes(r, telemetry.NewAuditEmitter(publisher, "audit.chat", "marketplace-chat", "test", nil), true)
	rec := doJSON(r, http.MethodGet, "/debug/audit-test", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)

	disabled := gin.New()
	RegisterDebugRoutes(disabled, nil, false)
	assert.Equal(t, http.StatusNotFound, doJSON(disabled, http.MethodGet, "/debug/audit-test", "").Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, statusFor(&channel.TransportError{Op: "append", Err: context.DeadlineExceeded}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestListConversations(t *testing.T) {
	ctx := context.Background()
	ch := channel.New(store.NewMemoryStore(), nil)
	for _, m := range []struct {
		key string
		ts  int64
	}{{"u1_u2", 1000}, {"u1_u2", 4000}, {"u0_u1", 3000}, {"u2_u3", 9000}} {
		_, err := ch.Send(ctx, m.key, models.Message{SenderID: "x", Text: "t", Timestamp: m.ts})
		require.NoError(t, err)
	}
	handler := NewConversationHandler(ch, nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []models.ConversationSummary{
		{ConversationKey: "u1_u2", CounterpartID: "u2", LastMessageAt: 4000, MessageCount: 2},
		{ConversationKey: "u0_u1", CounterpartID: "u0", LastMessageAt: 3000, MessageCount: 1},
	}, resp.Conversations)
}

func TestListConversationsEmpty(t *testing.T) {
	handler := NewConversationHandler(channel.New(store.NewMemoryStore(), nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestListConversationsTransportError(t *testing.T) {
	storeMock := new(mocks.StoreMock)
	storeMock.On("Conversations", mock.Anything, "u1").Return(nil, errors.New("timeout")).Once()
	handler := NewConversationHandler(channel.New(storeMock, nil), nil, nil)

	rec := doJSON(setupConversationRouter(handler, "u1"), http.MethodGet, "/conversations", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	storeMock.AssertExpectations(t)

	rec = doJSON(setupConversationRouter(handler, ""), http.MethodGet, "/conversations", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
