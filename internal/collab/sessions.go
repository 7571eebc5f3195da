package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// ClientInfo carries what the client declared when joining.
type ClientInfo struct {
	RequestedRole string
	IPAddress     string
	UserAgent     string
	Details       json.RawMessage
}

// Participant is the live-roster entry sent on join and exposed over HTTP.
type Participant struct {
	UserID   string    `json:"id"`
	UserName string    `json:"name"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionManager creates, reactivates and closes sessions. At most one
// session row exists per (room, user); reconnecting reuses it.
type SessionManager struct {
	sessions SessionStore
	presence *Tracker
	now      func() time.Time
}

func NewSessionManager(sessions SessionStore, presence *Tracker) *SessionManager {
	return &SessionManager{sessions: sessions, presence: presence, now: time.Now}
}

// Join activates a session for (room, principal) on the given connection.
// An existing row is reactivated with a fresh connection handle; otherwise a
// new row is created with an unguessable session token.
func (m *SessionManager) Join(ctx context.Context, room store.Room, principal auth.Principal, role string, info ClientInfo, connID string) (store.Session, error) {
	now := m.now()

	sess, err := m.sessions.GetSessionByRoomUser(ctx, room.ID, principal.ID)
	switch {
	case err == nil:
		if err := m.sessions.ReactivateSession(ctx, sess.ID, role, connID, now); err != nil {
			return store.Session{}, fmt.Errorf("reactivate session: %w", err)
		}
		sess.Status = store.SessionActive
		sess.UserRole = role
		sess.ConnectionID = connID
		sess.LastSeen = now
		sess.LastActivity = now
		sess.LeftAt = nil
	case errors.Is(err, store.ErrNotFound):
		sess = store.Session{
			ID:           util.NewID("sess"),
			RoomID:       room.ID,
			UserID:       principal.ID,
			UserName:     principal.Name,
			SessionToken: util.NewSessionToken(),
			Status:       store.SessionActive,
			UserRole:     role,
			ConnectionID: connID,
			IPAddress:    info.IPAddress,
			UserAgent:    info.UserAgent,
			ClientInfo:   info.Details,
			JoinedAt:     now,
			LastSeen:     now,
			LastActivity: now,
		}
		if err := m.sessions.InsertSession(ctx, sess); err != nil {
			return store.Session{}, fmt.Errorf("create session: %w", err)
		}
	default:
		return store.Session{}, fmt.Errorf("lookup session: %w", err)
	}

	m.presence.Connect(room.ID, sess.ID, principal.ID, connID)
	return sess, nil
}

// Leave marks the session disconnected and finalizes its cumulative time.
// The row is kept for history and future rejoins.
func (m *SessionManager) Leave(ctx context.Context, sess store.Session) {
	m.presence.Disconnect(sess.RoomID, sess.ID)
	if err := m.sessions.MarkSessionDisconnected(ctx, sess.ID, m.now()); err != nil {
		logf("disconnect session %s: %v", sess.ID, err)
	}
}

// Participants returns the room's current live roster.
func (m *SessionManager) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	live := make(map[string]struct{})
	for _, entry := range m.presence.Live(roomID) {
		live[entry.SessionID] = struct{}{}
	}

	rows, err := m.sessions.ListRoomSessions(ctx, roomID, store.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	participants := make([]Participant, 0, len(rows))
	for _, row := range rows {
		if _, ok := live[row.ID]; !ok {
			continue
		}
		participants = append(participants, Participant{
			UserID:   row.UserID,
			UserName: row.UserName,
			Role:     row.UserRole,
			JoinedAt: row.JoinedAt,
		})
	}
	return participants, nil
}
