package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/cursor"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// RoomStore is the persistence this service needs for rooms. Rooms are owned
// by the external document service.
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (store.Room, error)
	TouchRoom(ctx context.Context, roomID string, at time.Time) error
}

type SessionStore interface {
	GetSessionByRoomUser(ctx context.Context, roomID, userID string) (store.Session, error)
	InsertSession(ctx context.Context, sess store.Session) error
	ReactivateSession(ctx context.Context, sessionID, userRole, connectionID string, at time.Time) error
	UpdateSessionSeen(ctx context.Context, sessionID string, at time.Time) error
	RecordSessionActivity(ctx context.Context, sessionID string, at time.Time) error
	MarkSessionIdle(ctx context.Context, sessionID string) error
	MarkSessionActive(ctx context.Context, sessionID string) error
	MarkSessionDisconnected(ctx context.Context, sessionID string, leftAt time.Time) error
	ListRoomSessions(ctx context.Context, roomID, status string) ([]store.Session, error)
}

type ActivityStore interface {
	InsertActivity(ctx context.Context, activity store.Activity) error
	MaxSequence(ctx context.Context, roomID string) (int64, error)
	ListActivitiesSince(ctx context.Context, roomID string, since int64, limit int) ([]store.Activity, error)
}

type CursorStateStore interface {
	Upsert(ctx context.Context, roomID string, cur cursor.Cursor) error
	ListRoom(ctx context.Context, roomID string) ([]cursor.Cursor, error)
	Remove(ctx context.Context, roomID, userID string) error
}

// PermissionChecker is the external document/team permission capability.
type PermissionChecker interface {
	CanRead(ctx context.Context, principal auth.Principal, documentID string) (bool, error)
	CanWrite(ctx context.Context, principal auth.Principal, documentID string) (bool, error)
	IsTeamMember(ctx context.Context, principal auth.Principal, teamID string) (bool, error)
}

// IdentityResolver turns a bearer token into a principal.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (auth.Principal, error)
}

// Stores bundles the persistence dependencies for NewService.
type Stores struct {
	Rooms      RoomStore
	Sessions   SessionStore
	Activities ActivityStore
	Cursors    CursorStateStore
}

// Options tunes presence and version-skew behavior. Zero values fall back
// to defaults.
type Options struct {
	LivenessWindow time.Duration
	SweepInterval  time.Duration
	VersionSkew    int64
}

const (
	defaultLivenessWindow = 5 * time.Minute
	defaultSweepInterval  = 30 * time.Second
	defaultVersionSkew    = 5
)

// Service wires the collaboration components together. All state mutation
// flows through it; connection handlers hold a reference and never touch
// stores directly.
type Service struct {
	identity   IdentityResolver
	perms      PermissionChecker
	sessions   SessionStore
	activities ActivityStore
	cursors    CursorStateStore

	presence  *Tracker
	registry  *Registry
	manager   *SessionManager
	sequencer *Sequencer
	router    *Router

	sweepInterval time.Duration
	versionSkew   int64
	now           func() time.Time
}

func NewService(stores Stores, perms PermissionChecker, identity IdentityResolver, opts Options) *Service {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = defaultLivenessWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.VersionSkew <= 0 {
		opts.VersionSkew = defaultVersionSkew
	}

	presence := NewTracker(opts.LivenessWindow)
	return &Service{
		identity:      identity,
		perms:         perms,
		sessions:      stores.Sessions,
		activities:    stores.Activities,
		cursors:       stores.Cursors,
		presence:      presence,
		registry:      NewRegistry(stores.Rooms, perms, presence),
		manager:       NewSessionManager(stores.Sessions, presence),
		sequencer:     NewSequencer(stores.Activities),
		router:        NewRouter(presence),
		sweepInterval: opts.SweepInterval,
		versionSkew:   opts.VersionSkew,
		now:           time.Now,
	}
}

// ForgetRoom drops the in-memory sequencing and admission state of a deleted
// room. Called after the durable rows are gone; a revived room reseeds from
// the log.
func (s *Service) ForgetRoom(roomID string) {
	s.sequencer.Forget(roomID)
	s.registry.Forget(roomID)
}

// touchSession refreshes in-memory liveness on any inbound message. When that
// revives an idle entry, the durable row is promoted back to active so the
// roster agrees with the tracker.
func (s *Service) touchSession(ctx context.Context, roomID string, sess store.Session) {
	if s.presence.Touch(roomID, sess.ID) {
		if err := s.sessions.MarkSessionActive(ctx, sess.ID); err != nil {
			logf("mark session %s active: %v", sess.ID, err)
		}
	}
}

// ActiveSessionCount is the room's current live participant count.
func (s *Service) ActiveSessionCount(roomID string) int {
	return s.registry.ActiveSessionCount(roomID)
}

// Authenticate resolves the bearer token and verifies the principal may join
// the room. Runs once per connection; messages after that reuse the result.
func (s *Service) Authenticate(ctx context.Context, roomID, token string) (auth.Principal, store.Room, error) {
	principal, err := s.identity.Resolve(ctx, token)
	if err != nil {
		return auth.Principal{}, store.Room{}, err
	}
	room, err := s.registry.Get(ctx, roomID)
	if err != nil {
		return auth.Principal{}, store.Room{}, err
	}
	if err := s.registry.CanJoin(ctx, room, principal); err != nil {
		return auth.Principal{}, store.Room{}, err
	}
	return principal, room, nil
}

// Join admits the connection into the room: policy re-check, session
// creation or reactivation, router registration, a sequenced user_join
// activity, and the live roster for initial state sync.
func (s *Service) Join(ctx context.Context, room store.Room, principal auth.Principal, info ClientInfo, conn Conn) (store.Session, []Participant, error) {
	role, err := s.resolveRole(ctx, principal, room, info.RequestedRole)
	if err != nil {
		return store.Session{}, nil, err
	}

	// Capacity may have changed between authenticate and join; the policy
	// re-check and the session claim run under the room's admission lock so
	// concurrent joins cannot both take the last slot.
	var sess store.Session
	if err := s.registry.Admit(ctx, room, principal, func() error {
		var err error
		sess, err = s.manager.Join(ctx, room, principal, role, info, conn.ID())
		return err
	}); err != nil {
		return store.Session{}, nil, err
	}
	s.router.Join(room.ID, conn)

	joinData, _ := json.Marshal(map[string]string{
		"user_id":    principal.ID,
		"session_id": sess.ID,
	})
	_, err = s.recordDurable(ctx, room, sess, store.Activity{
		ActivityType: store.ActivityUserJoin,
		ActivityData: joinData,
	}, func(store.Activity) map[string]any {
		return map[string]any{
			"type": "user_join",
			"user": map[string]string{
				"id":   principal.ID,
				"name": principal.Name,
				"role": role,
			},
		}
	})
	if err != nil {
		// The join itself succeeded; a failed join record is log-only.
		logf("record user_join in room %s: %v", room.ID, err)
	}

	participants, err := s.manager.Participants(ctx, room.ID)
	if err != nil {
		// The join stands; a roster of one beats tearing the session down.
		logf("list participants in room %s: %v", room.ID, err)
		participants = []Participant{{
			UserID:   principal.ID,
			UserName: principal.Name,
			Role:     role,
			JoinedAt: sess.JoinedAt,
		}}
	}
	return sess, participants, nil
}

// resolveRole honors the requested role only when the principal can write
// the document; everyone else observes as a viewer.
func (s *Service) resolveRole(ctx context.Context, principal auth.Principal, room store.Room, requested string) (string, error) {
	if requested == "" {
		requested = string(rbac.RoleEditor)
	}
	role := rbac.Normalize(requested)
	if role == rbac.RoleViewer {
		return string(role), nil
	}
	canWrite, err := s.perms.CanWrite(ctx, principal, room.DocumentID)
	if err != nil {
		return "", fmt.Errorf("write permission check: %w", err)
	}
	if !canWrite {
		return string(rbac.RoleViewer), nil
	}
	return string(role), nil
}

// TextChangeInput is a validated text_change message.
type TextChangeInput struct {
	Operation         json.RawMessage
	Position          json.RawMessage
	Content           string
	OperationID       string
	ParentOperationID string
	DocumentVersion   int64
	ClientTimestamp   time.Time
}

// TextChange sequences a document edit and fans it out to the rest of the
// room. Skewed document versions are accepted as-is: the log is
// last-write-wins, transform and rebase live upstream.
func (s *Service) TextChange(ctx context.Context, room store.Room, sess store.Session, input TextChangeInput) (store.Activity, error) {
	if len(input.Operation) == 0 || len(input.Position) == 0 || input.Content == "" {
		return store.Activity{}, validationf("text_change requires operation, position and content")
	}
	if !rbac.Can(rbac.Role(sess.UserRole), rbac.ActionEdit) {
		return store.Activity{}, ErrPermission
	}

	if input.DocumentVersion > 0 {
		if known := s.sequencer.KnownVersion(room.ID); known-input.DocumentVersion > s.versionSkew {
			logf("room %s: accepting text_change at stale version %d (current %d)", room.ID, input.DocumentVersion, known)
		}
	}

	operationID := input.OperationID
	if operationID == "" {
		operationID = util.NewID("op")
	}
	data, _ := json.Marshal(map[string]any{
		"operation": input.Operation,
		"position":  input.Position,
		"content":   input.Content,
		"length":    len(input.Content),
	})
	return s.recordDurable(ctx, room, sess, store.Activity{
		ActivityType:      textActivityType(input.Operation),
		ActivityData:      data,
		Operation:         input.Operation,
		OperationID:       operationID,
		ParentOperationID: input.ParentOperationID,
		Position:          input.Position,
		DocumentVersion:   input.DocumentVersion,
		ClientTimestamp:   input.ClientTimestamp,
	}, func(activity store.Activity) map[string]any {
		return map[string]any{
			"type":        "text_change",
			"activity_id": activity.ID,
			"user_id":     sess.UserID,
			"operation":   input.Operation,
			"position":    input.Position,
			"content":     input.Content,
			"timestamp":   activity.ServerTimestamp.Format(time.RFC3339Nano),
		}
	})
}

// DocumentSave sequences a save marker and advances the room's known
// document version.
func (s *Service) DocumentSave(ctx context.Context, room store.Room, sess store.Session, version int64, autoSave bool, clientTS time.Time) (store.Activity, error) {
	if version <= 0 {
		return store.Activity{}, validationf("document_save requires a positive version")
	}
	if !rbac.Can(rbac.Role(sess.UserRole), rbac.ActionEdit) {
		return store.Activity{}, ErrPermission
	}

	data, _ := json.Marshal(map[string]any{
		"document_version": version,
		"auto_save":        autoSave,
	})
	activity, err := s.recordDurable(ctx, room, sess, store.Activity{
		ActivityType:    store.ActivityDocumentSave,
		ActivityData:    data,
		DocumentVersion: version,
		ClientTimestamp: clientTS,
	}, func(store.Activity) map[string]any {
		return map[string]any{
			"type":    "document_save",
			"user_id": sess.UserID,
			"version": version,
		}
	})
	if err != nil {
		return store.Activity{}, err
	}
	s.sequencer.ObserveVersion(room.ID, version)
	return activity, nil
}

// recordDurable assigns the next sequence number, broadcasts inside the
// serialization point so delivery order matches assignment order, then
// persists. A persistence failure is fatal to this action only; the
// sequencer has already moved on and other rooms are unaffected.
func (s *Service) recordDurable(ctx context.Context, room store.Room, sess store.Session, activity store.Activity, frameFn func(store.Activity) map[string]any) (store.Activity, error) {
	now := s.now()
	activity.ID = util.NewID("act")
	activity.RoomID = room.ID
	activity.SessionID = sess.ID
	activity.UserID = sess.UserID
	activity.ServerTimestamp = now
	if activity.ClientTimestamp.IsZero() {
		activity.ClientTimestamp = now
	}
	if activity.DocumentVersion <= 0 {
		activity.DocumentVersion = 1
	}

	if _, err := s.sequencer.Assign(ctx, room.ID, func(seq int64) {
		activity.SequenceNumber = seq
		if payload := marshalFrame(frameFn(activity)); payload != nil {
			activity.IsBroadcast = s.router.Publish(room.ID, payload, sess.ConnectionID) > 0
		}
	}); err != nil {
		return store.Activity{}, err
	}

	if err := s.activities.InsertActivity(ctx, activity); err != nil {
		return store.Activity{}, fmt.Errorf("persist activity: %w", err)
	}

	s.touchSession(ctx, room.ID, sess)
	if err := s.sessions.RecordSessionActivity(ctx, sess.ID, now); err != nil {
		logf("record session activity %s: %v", sess.ID, err)
	}
	s.registry.Touch(ctx, room.ID, now)
	return activity, nil
}

// CursorMove overwrites the user's cursor and, when the room tracks
// cursors, broadcasts it. Never sequenced: cursor state is presence data,
// superseded by its own next occurrence.
func (s *Service) CursorMove(ctx context.Context, room store.Room, sess store.Session, position json.RawMessage) error {
	if len(position) == 0 {
		return validationf("cursor_move requires a position")
	}
	if err := s.cursors.Upsert(ctx, room.ID, cursor.Cursor{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Position:  position,
		Label:     sess.UserName,
		IsVisible: true,
		UpdatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	s.touchSession(ctx, room.ID, sess)

	if room.EnableCursorTracking {
		payload := marshalFrame(map[string]any{
			"type":     "cursor_move",
			"user_id":  sess.UserID,
			"position": position,
		})
		s.router.Publish(room.ID, payload, sess.ConnectionID)
	}
	return nil
}

// SelectionChange is CursorMove plus a selection payload.
func (s *Service) SelectionChange(ctx context.Context, room store.Room, sess store.Session, position, selection json.RawMessage) error {
	if len(selection) == 0 {
		return validationf("selection_change requires a selection")
	}
	if err := s.cursors.Upsert(ctx, room.ID, cursor.Cursor{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Position:  position,
		Selection: selection,
		Label:     sess.UserName,
		IsVisible: true,
		UpdatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("update selection: %w", err)
	}
	s.touchSession(ctx, room.ID, sess)

	if room.EnableCursorTracking {
		payload := marshalFrame(map[string]any{
			"type":      "selection_change",
			"user_id":   sess.UserID,
			"selection": selection,
		})
		s.router.Publish(room.ID, payload, sess.ConnectionID)
	}
	return nil
}

// Typing relays a typing indicator. Broadcast-only, nothing stored.
func (s *Service) Typing(ctx context.Context, room store.Room, sess store.Session, isTyping bool) {
	s.touchSession(ctx, room.ID, sess)
	payload := marshalFrame(map[string]any{
		"type":      "user_typing",
		"user_id":   sess.UserID,
		"is_typing": isTyping,
	})
	s.router.Publish(room.ID, payload, sess.ConnectionID)
}

// Heartbeat refreshes liveness and returns the server time for the pong.
// Heartbeats are never sequenced.
func (s *Service) Heartbeat(ctx context.Context, room store.Room, sess store.Session) time.Time {
	now := s.now()
	s.touchSession(ctx, room.ID, sess)
	if err := s.sessions.UpdateSessionSeen(ctx, sess.ID, now); err != nil {
		logf("heartbeat session %s: %v", sess.ID, err)
	}
	return now
}

// Disconnect finalizes the session for this connection and announces the
// departure. user_leave is best-effort presence, not part of the edit log:
// a late-arriving leave cannot desynchronize document state.
func (s *Service) Disconnect(ctx context.Context, room store.Room, sess store.Session) {
	s.manager.Leave(ctx, sess)
	s.router.Leave(room.ID, sess.ConnectionID)
	if err := s.cursors.Remove(ctx, room.ID, sess.UserID); err != nil {
		logf("remove cursor for %s in room %s: %v", sess.UserID, room.ID, err)
	}

	payload := marshalFrame(map[string]any{
		"type": "user_leave",
		"user": map[string]string{
			"id":   sess.UserID,
			"name": sess.UserName,
		},
	})
	s.router.Publish(room.ID, payload, sess.ConnectionID)
}

// LiveParticipants exposes the live roster for external tooling.
func (s *Service) LiveParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	if _, err := s.registry.Get(ctx, roomID); err != nil {
		return nil, err
	}
	return s.manager.Participants(ctx, roomID)
}

// ActivitiesSince exposes the replay window: all activities after a given
// sequence number, in order.
func (s *Service) ActivitiesSince(ctx context.Context, roomID string, since int64, limit int) ([]store.Activity, error) {
	if _, err := s.registry.Get(ctx, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.activities.ListActivitiesSince(ctx, roomID, since, limit)
}

// RoomCursors returns the current cursor state of a room.
func (s *Service) RoomCursors(ctx context.Context, roomID string) ([]cursor.Cursor, error) {
	if _, err := s.registry.Get(ctx, roomID); err != nil {
		return nil, err
	}
	return s.cursors.ListRoom(ctx, roomID)
}

// RunSweeper periodically demotes sessions that fell out of the liveness
// window. Blocks until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range s.presence.Sweep() {
				if err := s.sessions.MarkSessionIdle(ctx, entry.SessionID); err != nil {
					logf("mark session %s idle: %v", entry.SessionID, err)
				}
				logf("session %s in room %s idle after %s without contact", entry.SessionID, entry.RoomID, s.presence.Window())
			}
		}
	}
}

// textActivityType maps the operation descriptor to a concrete activity
// type, defaulting to text_insert when the descriptor does not say.
func textActivityType(operation json.RawMessage) string {
	var descriptor struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(operation, &descriptor); err != nil {
		return store.ActivityTextInsert
	}
	switch descriptor.Type {
	case "delete":
		return store.ActivityTextDelete
	case "format":
		return store.ActivityTextFormat
	case "replace":
		return store.ActivityTextReplace
	default:
		return store.ActivityTextInsert
	}
}

func marshalFrame(frame map[string]any) []byte {
	payload, err := json.Marshal(frame)
	if err != nil {
		logf("marshal frame: %v", err)
		return nil
	}
	return payload
}
