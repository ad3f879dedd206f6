package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no live session")

type channel string

const (
	providerChannel channel = "provider"
	userChannel     channel = "user"
)

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wireEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func (s *session) send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(wireEvent{Event: event, Payload: payload})
}

// Registry holds live websocket sessions for providers and requesters.
type Registry struct {
	mu       sync.RWMutex
	sessions map[channel]map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[channel]map[string]*session{
		providerChannel: {},
		userChannel:     {},
	}}
}

// AddProvider registers a provider's live connection, replacing any prior one.
func (r *Registry) AddProvider(providerID string, conn *websocket.Conn) {
	r.add(providerChannel, providerID, conn)
}

func (r *Registry) AddUser(userID string, conn *websocket.Conn) {
	r.add(userChannel, userID, conn)
}

func (r *Registry) add(ch channel, id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[ch][id]; ok {
		_ = old.conn.Close()
	}
	r.sessions[ch][id] = &session{conn: conn}
}

func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.sessions {
		delete(m, id)
	}
}

func (r *Registry) Online(ch channel, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[ch][id]
	return ok
}

func (r *Registry) Send(ch channel, id, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[ch][id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(event, payload); err != nil {
		r.Drop(id)
		return err
	}
	return nil
}
