package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/telemetry"
)

// Publisher publishes domain and audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Config selects the broker and the topic exchange chat events go to.
type Config struct {
	URL      string
	Exchange string
	// AppID stamps every message with the publishing service.
	AppID string
}

// NewPublisher builds a RabbitMQ publisher, or a noop publisher when AMQP is
// disabled or the broker cannot be reached at startup.
func NewPublisher(cfg Config, log *zap.SugaredLogger) Publisher {
	if cfg.URL == "" {
		log.Infow("rabbitmq disabled, using noop", "reason", "empty amqp url")
		return noopPublisher{reason: "empty amqp url", log: log}
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		log.Warnw("rabbitmq disabled, using noop", "reason", err)
		return noopPublisher{reason: err.Error(), log: log}
	}

	p := &amqpPublisher{conn: conn, cfg: cfg, log: log}
	if err := p.openChannel(); err != nil {
		log.Warnw("rabbitmq disabled, using noop", "reason", err)
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), log: log}
	}

	log.Infow("rabbitmq connected", "exchange", cfg.Exchange)
	return p
}

type amqpPublisher struct {
	conn *amqp.Connection
	cfg  Config
	log  *zap.SugaredLogger

	// mu guards ch; an AMQP channel is reopened after the broker closes it.
	mu sync.Mutex
	ch *amqp.Channel
}

func (p *amqpPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	p.ch = ch
	return nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	msg, err := publishing(p.cfg.AppID, event, headers, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.openChannel(); err != nil {
			p.log.Warnw("rabbitmq channel reopen failed", "routing_key", routingKey, "error", err)
			return err
		}
	}

	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) && !p.conn.IsClosed() {
		if reopenErr := p.openChannel(); reopenErr == nil {
			err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg)
		}
	}
	if err != nil {
		p.log.Warnw("rabbitmq publish failed", "routing_key", routingKey, "type", msg.Type, "error", err)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// publishing maps a chat event onto AMQP properties: the event name becomes
// the message type, the request id the correlation id, and the conversation
// key a header so consumers can bind per conversation.
func publishing(appID string, event any, headers map[string]string, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}

	name, conversationKey := describe(event)
	table := toTable(headers)
	if conversationKey != "" {
		table["conversation_key"] = conversationKey
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: headers["x-request-id"],
		Type:          name,
		AppId:         appID,
		Timestamp:     now,
		Headers:       table,
		Body:          body,
	}, nil
}

// describe returns the event name and, when present, the conversation key.
func describe(event any) (string, string) {
	switch e := event.(type) {
	case telemetry.AuditEnvelope:
		return e.EventType, e.Payload.ConversationKey
	case *telemetry.AuditEnvelope:
		return e.EventType, e.Payload.ConversationKey
	case observability.EventEnvelope:
		return e.EventName, payloadConversationKey(e.Payload)
	case *observability.EventEnvelope:
		return e.EventName, payloadConversationKey(e.Payload)
	default:
		return "", ""
	}
}

// payloadConversationKey looks at the top level and at the "ws" section used
// by websocket lifecycle events.
func payloadConversationKey(payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	if key, ok := m["conversation_key"].(string); ok {
		return key
	}
	if ws, ok := m["ws"].(map[string]interface{}); ok {
		if key, ok := ws["conversation_key"].(string); ok {
			return key
		}
	}
	return ""
}

func toTable(headers map[string]string) amqp.Table {
	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}
	return table
}

type noopPublisher struct {
	reason string
	log    *zap.SugaredLogger
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	name, conversationKey := describe(event)
	p.log.Debugw("rabbitmq noop publish", "routing_key", routingKey, "type", name,
		"conversation_key", conversationKey, "request_id", headers["x-request-id"])
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
