package collab

import (
	"sync"
	"time"

	"inkwell/api/internal/store"
)

// PresenceEntry is the tracker's in-memory view of one connected session.
type PresenceEntry struct {
	SessionID string
	RoomID    string
	UserID    string
	ConnID    string
	Status    string
	LastSeen  time.Time
}

// Tracker keeps per-session liveness in memory. A session is live iff its
// status is active and it has been seen within the liveness window; idle and
// disconnected sessions count neither toward capacity nor as broadcast
// recipients.
type Tracker struct {
	mu     sync.RWMutex
	window time.Duration
	now    func() time.Time
	rooms  map[string]map[string]*PresenceEntry
}

func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		now:    time.Now,
		rooms:  make(map[string]map[string]*PresenceEntry),
	}
}

func (t *Tracker) Window() time.Duration {
	return t.window
}

// Connect registers (or refreshes) a session as active on a connection.
func (t *Tracker) Connect(roomID, sessionID, userID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions, ok := t.rooms[roomID]
	if !ok {
		sessions = make(map[string]*PresenceEntry)
		t.rooms[roomID] = sessions
	}
	sessions[sessionID] = &PresenceEntry{
		SessionID: sessionID,
		RoomID:    roomID,
		UserID:    userID,
		ConnID:    connID,
		Status:    store.SessionActive,
		LastSeen:  t.now(),
	}
}

// Touch refreshes a session's lastSeen on any inbound message or heartbeat.
// An idle session becomes active again; Touch reports that revival so the
// caller can mirror it to the durable row.
func (t *Tracker) Touch(roomID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.rooms[roomID][sessionID]
	if !ok {
		return false
	}
	revived := entry.Status != store.SessionActive
	entry.Status = store.SessionActive
	entry.LastSeen = t.now()
	return revived
}

// Disconnect removes the session from the tracker. Terminal for this
// connection; the store row survives for rejoin.
func (t *Tracker) Disconnect(roomID, sessionID string) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions, ok := t.rooms[roomID]
	if !ok {
		return PresenceEntry{}, false
	}
	entry, ok := sessions[sessionID]
	if !ok {
		return PresenceEntry{}, false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(t.rooms, roomID)
	}
	return *entry, true
}

func (t *Tracker) live(entry *PresenceEntry, now time.Time) bool {
	return entry.Status == store.SessionActive && now.Sub(entry.LastSeen) <= t.window
}

// Live returns the live sessions of a room.
func (t *Tracker) Live(roomID string) []PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	var entries []PresenceEntry
	for _, entry := range t.rooms[roomID] {
		if t.live(entry, now) {
			entries = append(entries, *entry)
		}
	}
	return entries
}

// LiveCount is the capacity-relevant participant count.
func (t *Tracker) LiveCount(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	count := 0
	for _, entry := range t.rooms[roomID] {
		if t.live(entry, now) {
			count++
		}
	}
	return count
}

// LiveConnIDs returns the connection IDs eligible to receive broadcasts.
func (t *Tracker) LiveConnIDs(roomID string) map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	conns := make(map[string]struct{})
	for _, entry := range t.rooms[roomID] {
		if t.live(entry, now) {
			conns[entry.ConnID] = struct{}{}
		}
	}
	return conns
}

// Sweep demotes sessions whose lastSeen fell outside the window from active
// to idle and returns them. The transport may still be open; idle is a soft
// state and the next message promotes the session back to active.
func (t *Tracker) Sweep() []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var demoted []PresenceEntry
	for _, sessions := range t.rooms {
		for _, entry := range sessions {
			if entry.Status == store.SessionActive && now.Sub(entry.LastSeen) > t.window {
				entry.Status = store.SessionIdle
				demoted = append(demoted, *entry)
			}
		}
	}
	return demoted
}
