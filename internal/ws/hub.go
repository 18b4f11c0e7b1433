package ws

import (
	"context"
	"sync"
)

// Hub tracks live websocket sessions by connection id.
type Hub struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	// handlers counts websocket handlers still running, including ones
	// whose connection was hijacked and is no longer tracked by http.Server.
	handlers sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.info.ConnID] = s
}

// Remove forgets a session. It does not close it.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.info.ConnID]; ok && cur == s {
		delete(h.sessions, s.info.ConnID)
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns the connection info of every live session.
func (h *Hub) Sessions() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConnInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info)
	}
	return out
}

// CloseAll closes every live session, e.g. on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}

// Track marks a websocket handler as running. The returned func must be
// called once the handler has finished its cleanup; extra calls are ignored.
func (h *Hub) Track() func() {
	h.handlers.Add(1)
	return sync.OnceFunc(h.handlers.Done)
}

// Wait blocks until every tracked handler has finished or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
