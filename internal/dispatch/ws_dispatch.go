package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(a models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(a)
}

// WSRegistry holds driver sessions keyed by driver id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// Offer pushes the assignment to the driver's socket, if connected.
func (r *WSRegistry) Offer(driverID string, a models.Assignment) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(a)
}
