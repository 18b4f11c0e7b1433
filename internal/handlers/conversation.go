package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/telemetry"
)

// MessageChannel is the part of *channel.Channel the REST handlers need.
type MessageChannel interface {
	Send(ctx context.Context, key string, msg models.Message) (models.Message, error)
	History(ctx context.Context, key string) ([]models.Message, error)
	Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// ConversationHandler serves the one-shot conversation endpoints. Live
// updates go through the WebSocket endpoint.
type ConversationHandler struct {
	channel MessageChannel
	audit   *telemetry.AuditEmitter
	now     func() time.Time
	log     *zap.SugaredLogger
}

// NewConversationHandler builds a ConversationHandler. audit may be nil.
func NewConversationHandler(ch MessageChannel, audit *telemetry.AuditEmitter, log *zap.SugaredLogger) *ConversationHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ConversationHandler{channel: ch, audit: audit, now: time.Now, log: log}
}

// Register mounts the routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:counterpart_id", h.GetConversation)
	r.GET("/conversations/:counterpart_id/messages", h.ListMessages)
	r.POST("/conversations/:counterpart_id/messages", h.PostMessage)
}

// ListConversations returns the caller's conversations, most recently active first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	conversations, err := h.channel.Conversations(c.Request.Context(), userID)
	if err != nil {
		h.log.Warnw("conversation list failed", "user_id", userID, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "failed to load conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetConversation returns the conversation key shared with the counterpart.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	key, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_key": key})
}

// ListMessages returns the conversation log ordered by timestamp.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	key, ok := h.resolve(c)
	if !ok {
		return
	}

	msgs, err := h.channel.History(c.Request.Context(), key)
	if err != nil {
		h.log.Warnw("history load failed", "conversation_key", key, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation_key": key, "messages": msgs})
}

// PostMessage appends a message from the caller. The stored message reaches
// both participants through their subscriptions.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	key, ok := h.resolve(c)
	if !ok {
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message text is empty"})
		return
	}

	userID, _ := middleware.UserID(c)
	ctx := c.Request.Context()
	msg, err := h.channel.Send(ctx, key, models.Message{
		SenderID:  userID,
		Text:      req.Text,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to send message"})
		return
	}

	requestID := requestIDFromContext(c)
	h.audit.Emit(ctx, "INFO", "message sent", key, requestID, userIDFromContext(c))
	_ = observability.PublishEvent(ctx, observability.RoutingMessageSent, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "message_sent",
		Payload: map[string]interface{}{
			"conversation_key": key,
			"message_id":       msg.ID,
			"sender_id":        msg.SenderID,
			"timestamp":        msg.Timestamp,
		},
	}, observability.BuildHeaders(requestID, traceIDFromContext(c)))

	c.JSON(http.StatusCreated, msg)
}

func (h *ConversationHandler) resolve(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	key, err := conversation.ResolveKey(userID, c.Param("counterpart_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterpart id"})
		return "", false
	}
	return key, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
