package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/chatview"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8 << 10
	outboxSize     = 256
	maxCloseReason = 120
)

// Session is one websocket client. It drives a chatview.ViewModel from the
// client's commands and writes what the view model produces back as frames.
type Session struct {
	conn    *websocket.Conn
	info    ConnInfo
	view    *chatview.ViewModel
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	out       chan models.ChatEvent
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	key    string
	reason string
}

// NewSession wires a view model for info.UserID onto conn. limiter bounds
// the rate of send commands.
func NewSession(conn *websocket.Conn, info ConnInfo, ch chatview.MessageChannel, limiter *rate.Limiter, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Session{
		conn:    conn,
		info:    info,
		limiter: limiter,
		log:     log.With("conn_id", info.ConnID, "user_id", info.UserID),
		out:     make(chan models.ChatEvent, outboxSize),
		done:    make(chan struct{}),
	}
	s.view = chatview.New(ch, chatview.StaticIdentity(info.UserID),
		chatview.WithSurface(s),
		chatview.WithLogger(s.log),
	)
	return s
}

func (s *Session) Info() ConnInfo { return s.info }

// Run serves the connection until the client leaves or Close is called and
// returns the close reason. A non-empty counterpartID is opened right away.
func (s *Session) Run(ctx context.Context, counterpartID string) string {
	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	if counterpartID != "" {
		s.handle(ctx, models.ClientCommand{Type: models.CommandOpen, CounterpartID: counterpartID})
	}
	s.readLoop(ctx)

	s.view.Deactivate()
	<-writerDone
	_ = s.conn.Close()
	return s.closeReason()
}

// Close stops the session. Only the first reason is kept.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		// Unblocks the reader; the writer sends the close frame.
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

func (s *Session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, s.info, "ws_error", s.conversationKey(), err.Error())
			}
			s.Close(err.Error())
			return
		}

		var cmd models.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.push(models.ChatEvent{Type: models.EventError, Error: "malformed frame"})
			continue
		}
		s.handle(ctx, cmd)
	}
}

func (s *Session) handle(ctx context.Context, cmd models.ClientCommand) {
	switch cmd.Type {
	case models.CommandOpen:
		if err := s.view.Activate(ctx, cmd.CounterpartID); err != nil {
			s.log.Debugw("open failed", "counterpart_id", cmd.CounterpartID, "error", err)
			s.setKey(s.view.ConversationKey())
		}
	case models.CommandSend:
		if !s.limiter.Allow() {
			observability.IncWSEvent(wsKind, "rate_limited")
			s.push(models.ChatEvent{Type: models.EventError, Error: "rate limit exceeded"})
			return
		}
		// Other failures already reached ErrorRaised.
		if err := s.view.Send(ctx, cmd.Text); errors.Is(err, chatview.ErrEmptyText) {
			s.push(models.ChatEvent{Type: models.EventError, Error: errorText(err)})
		}
	case models.CommandClose:
		key := s.conversationKey()
		s.view.Deactivate()
		s.setKey("")
		s.push(models.ChatEvent{Type: models.EventClosed, ConversationKey: key})
	default:
		s.push(models.ChatEvent{Type: models.EventError, Error: "unknown command"})
	}
}

func (s *Session) writeLoop(writerDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(writerDone)
	}()

	for {
		select {
		case ev := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.log.Debugw("websocket write failed", "error", err)
				s.Close(err.Error())
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(err.Error())
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason())
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// push queues a frame for the writer and drops it once the session is closed.
func (s *Session) push(ev models.ChatEvent) {
	select {
	case s.out <- ev:
	case <-s.done:
	}
}

func (s *Session) conversationKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) setKey(key string) {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
}

func (s *Session) ConversationOpened(key, counterpartID string) {
	s.setKey(key)
	s.push(models.ChatEvent{Type: models.EventOpened, ConversationKey: key, CounterpartID: counterpartID})
}

func (s *Session) MessageAppended(msg models.Message) {
	s.push(models.ChatEvent{Type: models.EventMessage, ConversationKey: s.conversationKey(), Message: &msg})
}

func (s *Session) ErrorRaised(err error) {
	s.push(models.ChatEvent{Type: models.EventError, ConversationKey: s.conversationKey(), Error: errorText(err)})
}

// errorText is what clients see; store details stay in the logs.
func errorText(err error) string {
	switch {
	case errors.Is(err, conversation.ErrInvalidIdentifier):
		return "invalid counterpart id"
	case errors.Is(err, chatview.ErrEmptyText):
		return "message text is empty"
	case errors.Is(err, chatview.ErrNotActive):
		return "no active conversation"
	case errors.Is(err, channel.ErrTransport):
		return "message store unavailable"
	default:
		return "internal error"
	}
}

var (
	_ chatview.Surface       = (*Session)(nil)
	_ chatview.OpenedSurface = (*Session)(nil)
)
