package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/cursor"
	"inkwell/api/internal/store"
)

type fakeRooms struct {
	getRoomFn   func(context.Context, string) (store.Room, error)
	touchRoomFn func(context.Context, string, time.Time) error
}

func (f *fakeRooms) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	if f.getRoomFn != nil {
		return f.getRoomFn(ctx, roomID)
	}
	return store.Room{}, store.ErrNotFound
}

func (f *fakeRooms) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	if f.touchRoomFn != nil {
		return f.touchRoomFn(ctx, roomID, at)
	}
	return nil
}

type fakeSessions struct {
	getSessionByRoomUserFn  func(context.Context, string, string) (store.Session, error)
	insertSessionFn         func(context.Context, store.Session) error
	reactivateSessionFn     func(context.Context, string, string, string, time.Time) error
	updateSessionSeenFn     func(context.Context, string, time.Time) error
	recordSessionActivityFn func(context.Context, string, time.Time) error
	markSessionIdleFn       func(context.Context, string) error
	markSessionActiveFn     func(context.Context, string) error
	markDisconnectedFn      func(context.Context, string, time.Time) error
	listRoomSessionsFn      func(context.Context, string, string) ([]store.Session, error)
}

func (f *fakeSessions) GetSessionByRoomUser(ctx context.Context, roomID, userID string) (store.Session, error) {
	if f.getSessionByRoomUserFn != nil {
		return f.getSessionByRoomUserFn(ctx, roomID, userID)
	}
	return store.Session{}, store.ErrNotFound
}

func (f *fakeSessions) InsertSession(ctx context.Context, sess store.Session) error {
	if f.insertSessionFn != nil {
		return f.insertSessionFn(ctx, sess)
	}
	return nil
}

func (f *fakeSessions) ReactivateSession(ctx context.Context, sessionID, userRole, connectionID string, at time.Time) error {
	if f.reactivateSessionFn != nil {
		return f.reactivateSessionFn(ctx, sessionID, userRole, connectionID, at)
	}
	return nil
}

func (f *fakeSessions) UpdateSessionSeen(ctx context.Context, sessionID string, at time.Time) error {
	if f.updateSessionSeenFn != nil {
		return f.updateSessionSeenFn(ctx, sessionID, at)
	}
	return nil
}

func (f *fakeSessions) RecordSessionActivity(ctx context.Context, sessionID string, at time.Time) error {
	if f.recordSessionActivityFn != nil {
		return f.recordSessionActivityFn(ctx, sessionID, at)
	}
	return nil
}

func (f *fakeSessions) MarkSessionIdle(ctx context.Context, sessionID string) error {
	if f.markSessionIdleFn != nil {
		return f.markSessionIdleFn(ctx, sessionID)
	}
	return nil
}

func (f *fakeSessions) MarkSessionActive(ctx context.Context, sessionID string) error {
	if f.markSessionActiveFn != nil {
		return f.markSessionActiveFn(ctx, sessionID)
	}
	return nil
}

func (f *fakeSessions) MarkSessionDisconnected(ctx context.Context, sessionID string, leftAt time.Time) error {
	if f.markDisconnectedFn != nil {
		return f.markDisconnectedFn(ctx, sessionID, leftAt)
	}
	return nil
}

func (f *fakeSessions) ListRoomSessions(ctx context.Context, roomID, status string) ([]store.Session, error) {
	if f.listRoomSessionsFn != nil {
		return f.listRoomSessionsFn(ctx, roomID, status)
	}
	return nil, nil
}

type fakeCursors struct {
	upsertFn   func(context.Context, string, cursor.Cursor) error
	listRoomFn func(context.Context, string) ([]cursor.Cursor, error)
	removeFn   func(context.Context, string, string) error
}

func (f *fakeCursors) Upsert(ctx context.Context, roomID string, cur cursor.Cursor) error {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, roomID, cur)
	}
	return nil
}

func (f *fakeCursors) ListRoom(ctx context.Context, roomID string) ([]cursor.Cursor, error) {
	if f.listRoomFn != nil {
		return f.listRoomFn(ctx, roomID)
	}
	return nil, nil
}

func (f *fakeCursors) Remove(ctx context.Context, roomID, userID string) error {
	if f.removeFn != nil {
		return f.removeFn(ctx, roomID, userID)
	}
	return nil
}

type fakePerms struct {
	canReadFn      func(context.Context, auth.Principal, string) (bool, error)
	canWriteFn     func(context.Context, auth.Principal, string) (bool, error)
	isTeamMemberFn func(context.Context, auth.Principal, string) (bool, error)
}

func (f *fakePerms) CanRead(ctx context.Context, principal auth.Principal, documentID string) (bool, error) {
	if f.canReadFn != nil {
		return f.canReadFn(ctx, principal, documentID)
	}
	return true, nil
}

func (f *fakePerms) CanWrite(ctx context.Context, principal auth.Principal, documentID string) (bool, error) {
	if f.canWriteFn != nil {
		return f.canWriteFn(ctx, principal, documentID)
	}
	return true, nil
}

func (f *fakePerms) IsTeamMember(ctx context.Context, principal auth.Principal, teamID string) (bool, error) {
	if f.isTeamMemberFn != nil {
		return f.isTeamMemberFn(ctx, principal, teamID)
	}
	return true, nil
}

type fakeIdentity struct {
	resolveFn func(context.Context, string) (auth.Principal, error)
}

func (f *fakeIdentity) Resolve(ctx context.Context, token string) (auth.Principal, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, token)
	}
	return auth.Principal{ID: "user_1", Name: "Ada"}, nil
}

func activeRoom() store.Room {
	return store.Room{
		ID:                   "room_1",
		Name:                 "Draft review",
		RoomType:             store.RoomTypeDocument,
		Status:               store.RoomActive,
		DocumentID:           "doc_1",
		TeamID:               "team_1",
		MaxParticipants:      10,
		EnableCursorTracking: true,
	}
}

type serviceDeps struct {
	rooms    *fakeRooms
	sessions *fakeSessions
	acts     *fakeActivities
	cursors  *fakeCursors
	perms    *fakePerms
	identity *fakeIdentity
}

func newTestService(t *testing.T) (*Service, *serviceDeps) {
	t.Helper()
	deps := &serviceDeps{
		rooms: &fakeRooms{
			getRoomFn: func(_ context.Context, roomID string) (store.Room, error) {
				if roomID == "room_1" {
					return activeRoom(), nil
				}
				return store.Room{}, store.ErrNotFound
			},
		},
		sessions: &fakeSessions{},
		acts:     &fakeActivities{},
		cursors:  &fakeCursors{},
		perms:    &fakePerms{},
		identity: &fakeIdentity{},
	}
	svc := NewService(Stores{
		Rooms:      deps.rooms,
		Sessions:   deps.sessions,
		Activities: deps.acts,
		Cursors:    deps.cursors,
	}, deps.perms, deps.identity, Options{})
	return svc, deps
}

func mustJoin(t *testing.T, svc *Service, conn Conn, userID, name string) store.Session {
	t.Helper()
	principal := auth.Principal{ID: userID, Name: name}
	sess, _, err := svc.Join(context.Background(), activeRoom(), principal, ClientInfo{}, conn)
	if err != nil {
		t.Fatalf("Join(%s): %v", userID, err)
	}
	return sess
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	svc, deps := newTestService(t)
	deps.identity.resolveFn = func(context.Context, string) (auth.Principal, error) {
		return auth.Principal{}, auth.ErrInvalidToken
	}

	_, _, err := svc.Authenticate(context.Background(), "room_1", "garbage")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateUnknownRoom(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Authenticate(context.Background(), "room_missing", "token")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthenticateInactiveRoom(t *testing.T) {
	svc, deps := newTestService(t)
	deps.rooms.getRoomFn = func(context.Context, string) (store.Room, error) {
		room := activeRoom()
		room.Status = store.RoomArchived
		return room, nil
	}

	_, _, err := svc.Authenticate(context.Background(), "room_1", "token")
	if !errors.Is(err, ErrRoomInactive) {
		t.Fatalf("err = %v, want ErrRoomInactive", err)
	}
}

func TestAuthenticateNonMember(t *testing.T) {
	svc, deps := newTestService(t)
	deps.perms.isTeamMemberFn = func(context.Context, auth.Principal, string) (bool, error) {
		return false, nil
	}

	_, _, err := svc.Authenticate(context.Background(), "room_1", "token")
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

func TestJoinCreatesSessionOnce(t *testing.T) {
	svc, deps := newTestService(t)

	inserted := 0
	deps.sessions.insertSessionFn = func(_ context.Context, sess store.Session) error {
		inserted++
		if sess.RoomID != "room_1" || sess.UserID != "user_1" {
			t.Fatalf("inserted session for (%s, %s)", sess.RoomID, sess.UserID)
		}
		if sess.SessionToken == "" {
			t.Fatal("inserted session without a token")
		}
		return nil
	}

	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")
	if inserted != 1 {
		t.Fatalf("InsertSession called %d times, want 1", inserted)
	}
	if sess.Status != store.SessionActive || sess.UserRole != "editor" {
		t.Fatalf("session = %+v, want active editor", sess)
	}
}

func TestJoinReusesExistingSession(t *testing.T) {
	svc, deps := newTestService(t)

	reactivated := ""
	deps.sessions.getSessionByRoomUserFn = func(context.Context, string, string) (store.Session, error) {
		return store.Session{
			ID:     "sess_old",
			RoomID: "room_1",
			UserID: "user_1",
			Status: store.SessionDisconnected,
		}, nil
	}
	deps.sessions.insertSessionFn = func(context.Context, store.Session) error {
		t.Fatal("InsertSession called for an existing (room, user)")
		return nil
	}
	deps.sessions.reactivateSessionFn = func(_ context.Context, sessionID, _, connID string, _ time.Time) error {
		reactivated = sessionID
		if connID != "conn_new" {
			t.Fatalf("reactivated with connection %q", connID)
		}
		return nil
	}

	sess := mustJoin(t, svc, &fakeConn{id: "conn_new"}, "user_1", "Ada")
	if reactivated != "sess_old" {
		t.Fatalf("reactivated %q, want sess_old", reactivated)
	}
	if sess.ID != "sess_old" || sess.Status != store.SessionActive {
		t.Fatalf("session = %+v, want reactivated sess_old", sess)
	}
}

func TestJoinFullRoomCreatesNoSession(t *testing.T) {
	svc, deps := newTestService(t)

	room := activeRoom()
	room.MaxParticipants = 1
	deps.rooms.getRoomFn = func(context.Context, string) (store.Room, error) {
		return room, nil
	}
	deps.sessions.insertSessionFn = func(_ context.Context, sess store.Session) error {
		if sess.UserID == "user_2" {
			t.Fatal("session created for a refused join")
		}
		return nil
	}

	mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")

	_, _, err := svc.Join(context.Background(), room, auth.Principal{ID: "user_2", Name: "Bob"}, ClientInfo{}, &fakeConn{id: "conn_2"})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}
}

func TestJoinDowngradesRoleWithoutWriteAccess(t *testing.T) {
	svc, deps := newTestService(t)
	deps.perms.canWriteFn = func(context.Context, auth.Principal, string) (bool, error) {
		return false, nil
	}

	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")
	if sess.UserRole != "viewer" {
		t.Fatalf("role = %q, want viewer", sess.UserRole)
	}
}

func TestJoinBroadcastsUserJoinToOthers(t *testing.T) {
	svc, _ := newTestService(t)

	first := &fakeConn{id: "conn_1"}
	mustJoin(t, svc, first, "user_1", "Ada")
	second := &fakeConn{id: "conn_2"}
	mustJoin(t, svc, second, "user_2", "Bob")

	if len(second.frames) != 0 {
		t.Fatal("joining user received its own join frame")
	}
	if len(first.frames) != 1 {
		t.Fatalf("first connection received %d frames, want 1", len(first.frames))
	}
	var frame struct {
		Type string `json:"type"`
		User struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(first.frames[0], &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "user_join" || frame.User.ID != "user_2" || frame.User.Name != "Bob" {
		t.Fatalf("frame = %s", first.frames[0])
	}
}

func TestTextChangeSequencesAndBroadcasts(t *testing.T) {
	svc, deps := newTestService(t)

	var persisted []store.Activity
	deps.acts.insertActivityFn = func(_ context.Context, activity store.Activity) error {
		persisted = append(persisted, activity)
		return nil
	}

	sender := &fakeConn{id: "conn_1"}
	senderSess := mustJoin(t, svc, sender, "user_1", "Ada")
	receiver := &fakeConn{id: "conn_2"}
	mustJoin(t, svc, receiver, "user_2", "Bob")

	activity, err := svc.TextChange(context.Background(), activeRoom(), senderSess, TextChangeInput{
		Operation: json.RawMessage(`{"type":"insert"}`),
		Position:  json.RawMessage(`{"line":3,"column":7}`),
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("TextChange: %v", err)
	}

	// Two join activities preceded it.
	if activity.SequenceNumber != 3 {
		t.Fatalf("sequence = %d, want 3", activity.SequenceNumber)
	}
	if activity.ActivityType != store.ActivityTextInsert {
		t.Fatalf("type = %q, want text_insert", activity.ActivityType)
	}
	if !activity.IsBroadcast {
		t.Fatal("activity not marked broadcast")
	}
	if len(persisted) != 3 || persisted[2].ID != activity.ID {
		t.Fatalf("persisted %d activities, want the change last", len(persisted))
	}
	if len(receiver.frames) != 1 {
		t.Fatalf("receiver got %d frames, want 1", len(receiver.frames))
	}

	last := receiver.frames[len(receiver.frames)-1]
	var frame struct {
		Type    string `json:"type"`
		UserID  string `json:"user_id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(last, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "text_change" || frame.UserID != "user_1" || frame.Content != "hello" {
		t.Fatalf("frame = %s", last)
	}
}

func TestTextChangeRequiresEditRole(t *testing.T) {
	svc, _ := newTestService(t)

	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")
	sess.UserRole = "viewer"

	_, err := svc.TextChange(context.Background(), activeRoom(), sess, TextChangeInput{
		Operation: json.RawMessage(`{"type":"insert"}`),
		Position:  json.RawMessage(`{"line":1}`),
		Content:   "x",
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

func TestTextChangeValidatesPayload(t *testing.T) {
	svc, _ := newTestService(t)
	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")

	_, err := svc.TextChange(context.Background(), activeRoom(), sess, TextChangeInput{
		Content: "orphan",
	})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestTextChangePersistFailureSurfaces(t *testing.T) {
	svc, deps := newTestService(t)
	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")

	boom := errors.New("insert failed")
	deps.acts.insertActivityFn = func(context.Context, store.Activity) error {
		return boom
	}

	_, err := svc.TextChange(context.Background(), activeRoom(), sess, TextChangeInput{
		Operation: json.RawMessage(`{"type":"insert"}`),
		Position:  json.RawMessage(`{"line":1}`),
		Content:   "x",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestDocumentSaveAdvancesKnownVersion(t *testing.T) {
	svc, _ := newTestService(t)
	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")

	if _, err := svc.DocumentSave(context.Background(), activeRoom(), sess, 12, false, time.Time{}); err != nil {
		t.Fatalf("DocumentSave: %v", err)
	}
	if got := svc.sequencer.KnownVersion("room_1"); got != 12 {
		t.Fatalf("KnownVersion = %d, want 12", got)
	}

	if _, err := svc.DocumentSave(context.Background(), activeRoom(), sess, 0, false, time.Time{}); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestCursorMoveRespectsRoomSetting(t *testing.T) {
	svc, deps := newTestService(t)

	upserts := 0
	deps.cursors.upsertFn = func(_ context.Context, roomID string, cur cursor.Cursor) error {
		upserts++
		if cur.UserID != "user_1" || !cur.IsVisible {
			t.Fatalf("upserted cursor = %+v", cur)
		}
		return nil
	}

	sender := &fakeConn{id: "conn_1"}
	sess := mustJoin(t, svc, sender, "user_1", "Ada")
	receiver := &fakeConn{id: "conn_2"}
	mustJoin(t, svc, receiver, "user_2", "Bob")
	before := len(receiver.frames)

	room := activeRoom()
	if err := svc.CursorMove(context.Background(), room, sess, json.RawMessage(`{"line":1}`)); err != nil {
		t.Fatalf("CursorMove: %v", err)
	}
	if len(receiver.frames) != before+1 {
		t.Fatal("cursor frame not broadcast with tracking enabled")
	}

	room.EnableCursorTracking = false
	if err := svc.CursorMove(context.Background(), room, sess, json.RawMessage(`{"line":2}`)); err != nil {
		t.Fatalf("CursorMove: %v", err)
	}
	if len(receiver.frames) != before+1 {
		t.Fatal("cursor frame broadcast with tracking disabled")
	}
	if upserts != 2 {
		t.Fatalf("Upsert called %d times, want 2 (state kept even when not broadcast)", upserts)
	}
}

func TestTypingIsNeverPersisted(t *testing.T) {
	svc, deps := newTestService(t)

	deps.acts.insertActivityFn = func(_ context.Context, activity store.Activity) error {
		if activity.ActivityType != store.ActivityUserJoin {
			t.Fatalf("persisted %q activity", activity.ActivityType)
		}
		return nil
	}

	sender := &fakeConn{id: "conn_1"}
	sess := mustJoin(t, svc, sender, "user_1", "Ada")
	receiver := &fakeConn{id: "conn_2"}
	mustJoin(t, svc, receiver, "user_2", "Bob")
	before := len(receiver.frames)

	svc.Typing(context.Background(), activeRoom(), sess, true)
	if len(receiver.frames) != before+1 {
		t.Fatal("typing frame not delivered")
	}
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	svc, deps := newTestService(t)

	seen := ""
	deps.sessions.updateSessionSeenFn = func(_ context.Context, sessionID string, _ time.Time) error {
		seen = sessionID
		return nil
	}

	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")
	svc.Heartbeat(context.Background(), activeRoom(), sess)
	if seen != sess.ID {
		t.Fatalf("UpdateSessionSeen for %q, want %q", seen, sess.ID)
	}
}

func TestDisconnectAnnouncesWithoutSequencing(t *testing.T) {
	svc, deps := newTestService(t)

	removedCursor := ""
	deps.cursors.removeFn = func(_ context.Context, _, userID string) error {
		removedCursor = userID
		return nil
	}
	disconnected := ""
	deps.sessions.markDisconnectedFn = func(_ context.Context, sessionID string, _ time.Time) error {
		disconnected = sessionID
		return nil
	}
	deps.acts.insertActivityFn = func(_ context.Context, activity store.Activity) error {
		if activity.ActivityType == store.ActivityUserLeave {
			t.Fatal("user_leave reached the activity log")
		}
		return nil
	}

	leaver := &fakeConn{id: "conn_1"}
	leaverSess := mustJoin(t, svc, leaver, "user_1", "Ada")
	stayer := &fakeConn{id: "conn_2"}
	mustJoin(t, svc, stayer, "user_2", "Bob")
	before := len(stayer.frames)

	svc.Disconnect(context.Background(), activeRoom(), leaverSess)

	if disconnected != leaverSess.ID {
		t.Fatalf("disconnected %q, want %q", disconnected, leaverSess.ID)
	}
	if removedCursor != "user_1" {
		t.Fatalf("removed cursor for %q, want user_1", removedCursor)
	}
	if len(stayer.frames) != before+1 {
		t.Fatalf("stayer received %d new frames, want 1", len(stayer.frames)-before)
	}
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(stayer.frames[len(stayer.frames)-1], &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "user_leave" {
		t.Fatalf("frame type = %q, want user_leave", frame.Type)
	}
}

func TestActivitiesSinceClampsLimit(t *testing.T) {
	svc, deps := newTestService(t)

	gotLimit := 0
	deps.acts.listActivitiesSinceFn = func(_ context.Context, _ string, since int64, limit int) ([]store.Activity, error) {
		if since != 10 {
			t.Fatalf("since = %d, want 10", since)
		}
		gotLimit = limit
		return nil, nil
	}

	if _, err := svc.ActivitiesSince(context.Background(), "room_1", 10, 0); err != nil {
		t.Fatalf("ActivitiesSince: %v", err)
	}
	if gotLimit != 500 {
		t.Fatalf("limit = %d, want 500", gotLimit)
	}

	if _, err := svc.ActivitiesSince(context.Background(), "room_missing", 0, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHeartbeatRestoresIdleSession(t *testing.T) {
	svc, deps := newTestService(t)

	roster := map[string]store.Session{}
	statuses := map[string]string{}
	deps.sessions.insertSessionFn = func(_ context.Context, sess store.Session) error {
		roster[sess.ID] = sess
		statuses[sess.ID] = store.SessionActive
		return nil
	}
	deps.sessions.markSessionIdleFn = func(_ context.Context, sessionID string) error {
		statuses[sessionID] = store.SessionIdle
		return nil
	}
	deps.sessions.markSessionActiveFn = func(_ context.Context, sessionID string) error {
		statuses[sessionID] = store.SessionActive
		return nil
	}
	deps.sessions.listRoomSessionsFn = func(_ context.Context, _, status string) ([]store.Session, error) {
		var out []store.Session
		for id, sess := range roster {
			if statuses[id] == status {
				out = append(out, sess)
			}
		}
		return out, nil
	}

	sess := mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")

	// Push the session past the liveness window, then demote it the way the
	// sweeper does.
	svc.presence.now = func() time.Time { return time.Now().Add(defaultLivenessWindow + time.Minute) }
	for _, entry := range svc.presence.Sweep() {
		if err := deps.sessions.MarkSessionIdle(context.Background(), entry.SessionID); err != nil {
			t.Fatalf("MarkSessionIdle: %v", err)
		}
	}
	svc.presence.now = time.Now

	if statuses[sess.ID] != store.SessionIdle {
		t.Fatalf("status after sweep = %q, want idle", statuses[sess.ID])
	}

	svc.Heartbeat(context.Background(), activeRoom(), sess)

	if statuses[sess.ID] != store.SessionActive {
		t.Fatalf("durable status after heartbeat = %q, want active", statuses[sess.ID])
	}
	participants, err := svc.LiveParticipants(context.Background(), "room_1")
	if err != nil {
		t.Fatalf("LiveParticipants: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "user_1" {
		t.Fatalf("participants = %+v, want the revived user_1", participants)
	}
}

func TestJoinSurvivesRosterFetchFailure(t *testing.T) {
	svc, deps := newTestService(t)
	deps.sessions.listRoomSessionsFn = func(context.Context, string, string) ([]store.Session, error) {
		return nil, errors.New("db down")
	}

	sess, participants, err := svc.Join(context.Background(), activeRoom(),
		auth.Principal{ID: "user_1", Name: "Ada"}, ClientInfo{}, &fakeConn{id: "conn_1"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "user_1" {
		t.Fatalf("participants = %+v, want a roster of the joining user", participants)
	}
	if sess.ID == "" {
		t.Fatal("join returned no session")
	}
	if got := svc.ActiveSessionCount("room_1"); got != 1 {
		t.Fatalf("ActiveSessionCount = %d, want 1", got)
	}
}

func TestConcurrentJoinsHonorCapacity(t *testing.T) {
	svc, _ := newTestService(t)

	room := activeRoom()
	room.MaxParticipants = 1

	const joiners = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, refused := 0, 0
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			principal := auth.Principal{ID: fmt.Sprintf("user_%d", i), Name: fmt.Sprintf("User %d", i)}
			_, _, err := svc.Join(context.Background(), room, principal, ClientInfo{}, &fakeConn{id: fmt.Sprintf("conn_%d", i)})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrRoomFull):
				refused++
			default:
				t.Errorf("Join(user_%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if admitted != 1 || refused != joiners-1 {
		t.Fatalf("admitted %d, refused %d; want exactly one admission", admitted, refused)
	}
}

func TestLiveParticipantsExcludesDeparted(t *testing.T) {
	svc, deps := newTestService(t)

	roster := map[string]store.Session{}
	deps.sessions.insertSessionFn = func(_ context.Context, sess store.Session) error {
		roster[sess.ID] = sess
		return nil
	}
	deps.sessions.listRoomSessionsFn = func(_ context.Context, _, status string) ([]store.Session, error) {
		var out []store.Session
		for _, sess := range roster {
			out = append(out, sess)
		}
		return out, nil
	}

	mustJoin(t, svc, &fakeConn{id: "conn_1"}, "user_1", "Ada")
	bob := mustJoin(t, svc, &fakeConn{id: "conn_2"}, "user_2", "Bob")

	svc.Disconnect(context.Background(), activeRoom(), bob)

	participants, err := svc.LiveParticipants(context.Background(), "room_1")
	if err != nil {
		t.Fatalf("LiveParticipants: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "user_1" {
		t.Fatalf("participants = %+v, want just user_1", participants)
	}
}
