package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketplace-chat/internal/chatview"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
)

// ChatWebSocketHandler upgrades authenticated clients into sessions.
type ChatWebSocketHandler struct {
	hub       *Hub
	channel   chatview.MessageChannel
	sendRate  rate.Limit
	sendBurst int
	log       *zap.SugaredLogger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. Each session may
// send sendRate messages per second with bursts of sendBurst.
func NewChatWebSocketHandler(hub *Hub, ch chatview.MessageChannel, sendRate float64, sendBurst int, log *zap.SugaredLogger) *ChatWebSocketHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ChatWebSocketHandler{
		hub:       hub,
		channel:   ch,
		sendRate:  rate.Limit(sendRate),
		sendBurst: sendBurst,
		log:       log,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and serves the session until it ends. It must
// run behind middleware.AuthMiddleware.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	done := h.hub.Track()
	defer done()

	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake")
	span.SetAttributes(attribute.String("chat.user_id", userID))
	traceID := span.SpanContext().TraceID().String()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		h.log.Debugw("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	span.End()

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	session := NewSession(conn, info, h.channel, rate.NewLimiter(h.sendRate, h.sendBurst), h.log)
	h.hub.Add(session)

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, info, "ws_connect", "", "")
	h.log.Infow("websocket session started", "conn_id", info.ConnID, "user_id", userID)

	reason := session.Run(ctx, c.Query("counterpart_id"))

	h.hub.Remove(session)
	observability.DecWSActive(wsKind)
	publishWSEvent(ctx, info, "ws_disconnect", "", reason)
	h.log.Infow("websocket session ended", "conn_id", info.ConnID, "user_id", userID,
		"duration_ms", time.Since(info.ConnectedAt).Milliseconds(), "reason", reason)
}
