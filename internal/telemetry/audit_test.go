package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	routingKey string
	event      any
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, event any, _ map[string]string) error {
	p.routingKey = routingKey
	p.event = event
	return nil
}

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewAuditEmitter(pub, "audit.chat", "marketplace-chat", "test", nil)
	user := "u1"

	emitter.Emit(context.Background(), "INFO", "message sent", "u1_u2", "req-9", &user)

	require.Equal(t, "audit.chat", pub.routingKey)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "marketplace-chat", envelope.Service)
	assert.Equal(t, "req-9", envelope.RequestID)
	assert.Equal(t, "u1", *envelope.UserID)
	assert.Equal(t, "u1_u2", envelope.Payload.ConversationKey)
}

func TestEmitOnNilEmitterIsSafe(t *testing.T) {
	var emitter *AuditEmitter
	emitter.Emit(context.Background(), "INFO", "x", "", "", nil)
}
