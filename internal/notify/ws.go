package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no websocket session")

// WSSession wraps one connected client. gorilla conns allow a single
// concurrent writer, hence the per-session mutex.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sessions per actor (drivers and passengers share
// one namespace; IDs are globally unique upstream).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(actorID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[actorID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[actorID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[actorID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, actorID)
	}
}

// Push sends an arbitrary JSON payload to one actor's session. The
// dispatch coordinator uses this for offers; Notify uses it for events.
func (r *WSRegistry) Push(actorID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[actorID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.SendJSON(v)
}

func (r *WSRegistry) Notify(ctx context.Context, actorID string, ev models.Event) error {
	return r.Push(actorID, ev)
}
