package collab

import (
	"log"
	"sync"
)

func logf(format string, args ...any) {
	log.Printf(format, args...)
}

// Conn is the transport-side handle the router delivers to. Send must not
// block; it reports false when the payload was dropped.
type Conn interface {
	ID() string
	Send(payload []byte) bool
}

// Router fans payloads out to the live connections of a room, always
// excluding the originator. Delivery is at-most-once and best-effort: a
// connection that misses a frame catches up through the activity log.
type Router struct {
	mu       sync.RWMutex
	presence *Tracker
	rooms    map[string]map[string]Conn
}

func NewRouter(presence *Tracker) *Router {
	return &Router{
		presence: presence,
		rooms:    make(map[string]map[string]Conn),
	}
}

func (r *Router) Join(roomID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.rooms[roomID]
	if !ok {
		conns = make(map[string]Conn)
		r.rooms[roomID] = conns
	}
	conns[conn.ID()] = conn
}

func (r *Router) Leave(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.rooms, roomID)
	}
}

// Publish delivers payload to every live connection in the room except
// excludeConnID. Returns the number of connections the payload reached.
func (r *Router) Publish(roomID string, payload []byte, excludeConnID string) int {
	live := r.presence.LiveConnIDs(roomID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for connID, conn := range r.rooms[roomID] {
		if connID == excludeConnID {
			continue
		}
		if _, ok := live[connID]; !ok {
			continue
		}
		if conn.Send(payload) {
			delivered++
		} else {
			logf("dropped frame for slow connection %s in room %s", connID, roomID)
		}
	}
	return delivered
}
