package channel

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

const tracerName = "marketplace-chat/channel"

// Channel appends to and streams conversation logs held by a Store.
type Channel struct {
	store Store
	log   *zap.SugaredLogger
}

// New builds a Channel over store.
func New(store Store, log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{store: store, log: log}
}

// Send appends msg to the conversation log and returns the stored message.
// Store failures are returned as *TransportError and are not retried.
func (c *Channel) Send(ctx context.Context, key string, msg models.Message) (models.Message, error) {
	if key == "" {
		return models.Message{}, conversation.ErrInvalidIdentifier
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "channel.send",
		trace.WithAttributes(attribute.String("chat.conversation_key", key)))
	defer span.End()

	if err := c.store.Append(ctx, conversation.MessagesPath(key), msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		observability.IncMessageSendFailure()
		c.log.Warnw("message append failed", "conversation_key", key, "error", err)
		return models.Message{}, &TransportError{Op: "append", Key: key, Err: err}
	}

	observability.IncMessagesSent()
	c.log.Debugw("message appended", "conversation_key", key, "message_id", msg.ID, "sender_id", msg.SenderID)
	return msg, nil
}

// Subscribe opens an independent feed on the conversation log. ctx only bounds
// the setup; the feed lives until Cancel.
func (c *Channel) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	if key == "" {
		return nil, conversation.ErrInvalidIdentifier
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "channel.subscribe",
		trace.WithAttributes(attribute.String("chat.conversation_key", key)))
	defer span.End()

	sub := newSubscription(key)
	unsubscribe, err := c.store.SubscribeOrdered(ctx, conversation.MessagesPath(key), sub.enqueue)
	if err != nil {
		sub.Cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		return nil, &TransportError{Op: "subscribe", Key: key, Err: err}
	}
	sub.unsubscribe = unsubscribe

	observability.IncActiveSubscriptions()
	sub.onCancel = func() {
		observability.DecActiveSubscriptions()
		c.log.Debugw("subscription cancelled", "conversation_key", key)
	}
	c.log.Debugw("subscription opened", "conversation_key", key)
	return sub, nil
}

// History returns the current log of a conversation, oldest first.
func (c *Channel) History(ctx context.Context, key string) ([]models.Message, error) {
	if key == "" {
		return nil, conversation.ErrInvalidIdentifier
	}
	msgs, err := c.store.History(ctx, conversation.MessagesPath(key))
	if err != nil {
		return nil, &TransportError{Op: "history", Key: key, Err: err}
	}
	return msgs, nil
}

// Conversations lists the conversations userID takes part in, most recently
// active first.
func (c *Channel) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, conversation.ErrInvalidIdentifier
	}
	logs, err := c.store.Conversations(ctx, userID)
	if err != nil {
		return nil, &TransportError{Op: "conversations", Key: userID, Err: err}
	}

	out := make([]models.ConversationSummary, 0, len(logs))
	for _, l := range logs {
		key, ok := conversation.KeyFromPath(l.Path)
		if !ok || l.Count == 0 {
			continue
		}
		counterpart, ok := conversation.Counterpart(key, userID)
		if !ok {
			continue
		}
		out = append(out, models.ConversationSummary{
			ConversationKey: key,
			CounterpartID:   counterpart,
			LastMessageAt:   l.LastTimestamp,
			MessageCount:    l.Count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ConversationKey < out[j].ConversationKey
	})
	return out, nil
}
