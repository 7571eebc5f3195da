package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a room or session does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const roomColumns = `id, name, description, room_type, status, document_id, team_id, created_by,
	is_public, max_participants, allow_anonymous,
	enable_voice, enable_video, enable_screen_share, enable_cursor_tracking,
	settings, created_at, updated_at, last_activity`

func scanRoom(row *sql.Row) (Room, error) {
	var room Room
	err := row.Scan(
		&room.ID, &room.Name, &room.Description, &room.RoomType, &room.Status,
		&room.DocumentID, &room.TeamID, &room.CreatedBy,
		&room.IsPublic, &room.MaxParticipants, &room.AllowAnonymous,
		&room.EnableVoice, &room.EnableVideo, &room.EnableScreenShare, &room.EnableCursorTracking,
		&room.Settings, &room.CreatedAt, &room.UpdatedAt, &room.LastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("scan room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM collab_rooms WHERE id=$1`, roomID)
	return scanRoom(row)
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_rooms (
			id, name, description, room_type, status, document_id, team_id, created_by,
			is_public, max_participants, allow_anonymous,
			enable_voice, enable_video, enable_screen_share, enable_cursor_tracking,
			settings
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, COALESCE($16, '{}'::jsonb))
	`,
		room.ID, room.Name, room.Description, room.RoomType, room.Status,
		room.DocumentID, room.TeamID, room.CreatedBy,
		room.IsPublic, room.MaxParticipants, room.AllowAnonymous,
		room.EnableVoice, room.EnableVideo, room.EnableScreenShare, room.EnableCursorTracking,
		nullableJSON(room.Settings),
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRoomStatus(ctx context.Context, roomID, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE collab_rooms SET status=$2, updated_at=NOW() WHERE id=$1`, roomID, status)
	if err != nil {
		return fmt.Errorf("update room status: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collab_rooms SET last_activity=$2 WHERE id=$1`, roomID, at)
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// DeleteRoom removes the room and, through FK cascade, its sessions and
// activities. Redis cursor state is cleared by the caller.
func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM collab_rooms WHERE id=$1`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return requireRow(result)
}

const sessionColumns = `id, room_id, user_id, user_name, session_token, status, user_role, connection_id,
	ip_address, user_agent, client_info,
	joined_at, last_seen, last_activity, left_at, total_time_seconds, activity_count`

func scanSession(scanner interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	err := scanner.Scan(
		&sess.ID, &sess.RoomID, &sess.UserID, &sess.UserName, &sess.SessionToken,
		&sess.Status, &sess.UserRole, &sess.ConnectionID,
		&sess.IPAddress, &sess.UserAgent, &sess.ClientInfo,
		&sess.JoinedAt, &sess.LastSeen, &sess.LastActivity, &sess.LeftAt,
		&sess.TotalTimeSeconds, &sess.ActivityCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSessionByRoomUser(ctx context.Context, roomID, userID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM collab_sessions WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	return scanSession(row)
}

func (s *PostgresStore) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (
			id, room_id, user_id, user_name, session_token, status, user_role, connection_id,
			ip_address, user_agent, client_info, joined_at, last_seen, last_activity
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, '{}'::jsonb), $12, $13, $14)
	`,
		sess.ID, sess.RoomID, sess.UserID, sess.UserName, sess.SessionToken,
		sess.Status, sess.UserRole, sess.ConnectionID,
		sess.IPAddress, sess.UserAgent, nullableJSON(sess.ClientInfo),
		sess.JoinedAt, sess.LastSeen, sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ReactivateSession flips an existing (room, user) row back to active for a
// new connection. left_at is cleared; joined_at and accumulated counters are
// preserved.
func (s *PostgresStore) ReactivateSession(ctx context.Context, sessionID, userRole, connectionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collab_sessions
		SET status=$2, user_role=$3, connection_id=$4, last_seen=$5, last_activity=$5, left_at=NULL
		WHERE id=$1
	`, sessionID, SessionActive, userRole, connectionID, at)
	if err != nil {
		return fmt.Errorf("reactivate session: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) UpdateSessionSeen(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collab_sessions SET last_seen=$2 WHERE id=$1`, sessionID, at)
	if err != nil {
		return fmt.Errorf("update session seen: %w", err)
	}
	return nil
}

// RecordSessionActivity refreshes the activity timestamps, bumps the
// activity counter and recomputes cumulative time from joined_at.
func (s *PostgresStore) RecordSessionActivity(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collab_sessions
		SET last_seen=$2, last_activity=$2, activity_count=activity_count+1,
		    total_time_seconds=GREATEST(0, EXTRACT(EPOCH FROM ($2 - joined_at))::bigint)
		WHERE id=$1
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("record session activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSessionIdle(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collab_sessions SET status=$2 WHERE id=$1 AND status=$3`,
		sessionID, SessionIdle, SessionActive)
	if err != nil {
		return fmt.Errorf("mark session idle: %w", err)
	}
	return nil
}

// MarkSessionActive is the inverse of MarkSessionIdle: an inbound message on
// an idle session promotes the row back to active. Disconnected rows are left
// alone; those come back through ReactivateSession.
func (s *PostgresStore) MarkSessionActive(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collab_sessions SET status=$2 WHERE id=$1 AND status=$3`,
		sessionID, SessionActive, SessionIdle)
	if err != nil {
		return fmt.Errorf("mark session active: %w", err)
	}
	return nil
}

// MarkSessionDisconnected finalizes the row for this connection: terminal
// status, left_at set, cumulative time frozen at leftAt - joined_at.
func (s *PostgresStore) MarkSessionDisconnected(ctx context.Context, sessionID string, leftAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collab_sessions
		SET status=$2, left_at=$3, connection_id='',
		    total_time_seconds=GREATEST(0, EXTRACT(EPOCH FROM ($3 - joined_at))::bigint)
		WHERE id=$1
	`, sessionID, SessionDisconnected, leftAt)
	if err != nil {
		return fmt.Errorf("mark session disconnected: %w", err)
	}
	return nil
}

// ListRoomSessions returns the room's sessions, optionally filtered by
// status. An empty status returns all of them.
func (s *PostgresStore) ListRoomSessions(ctx context.Context, roomID, status string) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM collab_sessions WHERE room_id=$1`
	args := []any{roomID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY joined_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list room sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_activities (
			id, room_id, session_id, user_id, activity_type, activity_data,
			operation, operation_id, parent_operation_id,
			document_version, position, client_timestamp, server_timestamp,
			sequence_number, is_applied, is_broadcast
		) VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::jsonb), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		activity.ID, activity.RoomID, activity.SessionID, activity.UserID,
		activity.ActivityType, nullableJSON(activity.ActivityData),
		nullableJSON(activity.Operation), activity.OperationID, activity.ParentOperationID,
		activity.DocumentVersion, nullableJSON(activity.Position),
		activity.ClientTimestamp, activity.ServerTimestamp,
		activity.SequenceNumber, activity.IsApplied, activity.IsBroadcast,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// MaxSequence returns the highest sequence number assigned in the room, or 0
// when the log is empty. Used to seed the in-process sequencer.
func (s *PostgresStore) MaxSequence(ctx context.Context, roomID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM collab_activities WHERE room_id=$1`, roomID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}

// ListActivitiesSince returns up to limit activities with sequence numbers
// strictly greater than since, in sequence order. The replay window for
// reconnecting clients.
func (s *PostgresStore) ListActivitiesSince(ctx context.Context, roomID string, since int64, limit int) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, session_id, user_id, activity_type, activity_data,
		       operation, operation_id, parent_operation_id,
		       document_version, position, client_timestamp, server_timestamp,
		       sequence_number, is_applied, is_broadcast
		FROM collab_activities
		WHERE room_id=$1 AND sequence_number > $2
		ORDER BY sequence_number
		LIMIT $3
	`, roomID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var activities []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(
			&a.ID, &a.RoomID, &a.SessionID, &a.UserID, &a.ActivityType, &a.ActivityData,
			&a.Operation, &a.OperationID, &a.ParentOperationID,
			&a.DocumentVersion, &a.Position, &a.ClientTimestamp, &a.ServerTimestamp,
			&a.SequenceNumber, &a.IsApplied, &a.IsBroadcast,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func (s *PostgresStore) CollabStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM collab_rooms),
			(SELECT COUNT(*) FROM collab_rooms WHERE status='active'),
			(SELECT COUNT(*) FROM collab_sessions),
			(SELECT COUNT(*) FROM collab_activities),
			(SELECT COUNT(*) FROM collab_activities WHERE server_timestamp >= NOW() - INTERVAL '24 hours')
	`).Scan(&stats.TotalRooms, &stats.ActiveRooms, &stats.TotalSessions, &stats.TotalActivities, &stats.RecentActivities)
	if err != nil {
		return Stats{}, fmt.Errorf("collab stats: %w", err)
	}
	return stats, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON maps empty JSON payloads to NULL so JSONB defaults and
// nullable columns behave.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
