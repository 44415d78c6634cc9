package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"booking-chat/internal/models"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
)

// Registry tracks live chat connections in registration order.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register stores socket under a fresh connection id with the default user role.
func (r *Registry) Register(socket Socket, username string) *Connection {
	conn := &Connection{
		ID:          newConnID(),
		Username:    username,
		ConnectedAt: time.Now(),
		role:        models.RoleUser,
		socket:      socket,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	r.order = append(r.order, conn.ID)
	return conn
}

// Unregister removes a connection. It reports whether the id was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// SetRole changes the role of a live connection.
func (r *Registry) SetRole(id string, role models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.role = role
	return nil
}

// Role returns the current role of a connection.
func (r *Registry) Role(id string) (models.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return "", false
	}
	return conn.role, true
}

// Get returns a live connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// FindByUsername resolves a username (trimmed, case-insensitive). When several
// connections share the name, the earliest registered one wins.
func (r *Registry) FindByUsername(username string) (*Connection, bool) {
	want := normalizeUsername(username)
	if want == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		conn := r.conns[id]
		if normalizeUsername(conn.Username) == want {
			return conn, true
		}
	}
	return nil, false
}

// ListByRole snapshots the connections holding role, in registration order.
func (r *Registry) ListByRole(role models.Role) []models.ActiveUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]models.ActiveUser, 0, len(r.order))
	for _, id := range r.order {
		conn := r.conns[id]
		if conn.role == role {
			users = append(users, models.ActiveUser{ClientID: conn.ID, Username: conn.Username})
		}
	}
	return users
}

// ConnectionsByRole snapshots the connection handles holding role.
func (r *Registry) ConnectionsByRole(role models.Role) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		if conn := r.conns[id]; conn.role == role {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send writes v as JSON to the connection with the given id.
func (r *Registry) Send(id string, v any) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrConnectionNotFound
	}
	return sendJSON(conn, v)
}

// CloseAll closes every socket and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.order = nil
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.close(); err != nil {
			log.Printf("websocket close error conn_id=%s: %v", conn.ID, err)
		}
	}
}

func sendJSON(conn *Connection, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.write(payload)
}
