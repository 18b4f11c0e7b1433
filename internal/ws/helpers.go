package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"marketplace-chat/internal/observability"
)

const wsKind = "chat"

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// publishWSEvent counts a lifecycle event and forwards it to the event bus.
func publishWSEvent(ctx context.Context, info ConnInfo, event, conversationKey, reason string) {
	observability.IncWSEvent(wsKind, event)

	durationMS := int64(0)
	if event != "ws_connect" {
		durationMS = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":             wsKind,
				"conversation_key": conversationKey,
				"event":            event,
				"conn_id":          info.ConnID,
				"duration_ms":      durationMS,
				"reason":           reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
