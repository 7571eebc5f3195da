package store

import (
	"encoding/json"
	"time"
)

// Room statuses.
const (
	RoomActive   = "active"
	RoomPaused   = "paused"
	RoomArchived = "archived"
)

// Room types.
const (
	RoomTypeDocument     = "document"
	RoomTypeDiscussion   = "discussion"
	RoomTypeReview       = "review"
	RoomTypePresentation = "presentation"
)

// Session statuses. Disconnected is terminal for a connection; the row is
// kept and reactivated on rejoin.
const (
	SessionActive       = "active"
	SessionIdle         = "idle"
	SessionDisconnected = "disconnected"
)

// Activity types. The text_*, comment_* and document_save types are durable
// and sequenced; cursor_move, selection_change and user_typing never reach
// the activity log.
const (
	ActivityTextInsert       = "text_insert"
	ActivityTextDelete       = "text_delete"
	ActivityTextFormat       = "text_format"
	ActivityTextReplace      = "text_replace"
	ActivityUserJoin         = "user_join"
	ActivityUserLeave        = "user_leave"
	ActivityCommentAdd       = "comment_add"
	ActivityCommentReply     = "comment_reply"
	ActivityCommentResolve   = "comment_resolve"
	ActivityDocumentSave     = "document_save"
	ActivityRoomSettings     = "room_settings"
	ActivityPermissionChange = "permission_change"
)

// Room is a document-scoped collaboration space. Owned by the external
// document/team aggregate; this service only reads and touches it.
type Room struct {
	ID          string
	Name        string
	Description string
	RoomType    string
	Status      string

	DocumentID string
	TeamID     string
	CreatedBy  string

	IsPublic        bool
	MaxParticipants int
	AllowAnonymous  bool

	EnableVoice          bool
	EnableVideo          bool
	EnableScreenShare    bool
	EnableCursorTracking bool

	Settings json.RawMessage

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
}

// Session is one user's membership instance in one room. At most one row per
// (room, user); rejoin reactivates rather than duplicates.
type Session struct {
	ID           string
	RoomID       string
	UserID       string
	UserName     string
	SessionToken string

	Status       string
	UserRole     string
	ConnectionID string

	IPAddress  string
	UserAgent  string
	ClientInfo json.RawMessage

	JoinedAt     time.Time
	LastSeen     time.Time
	LastActivity time.Time
	LeftAt       *time.Time

	TotalTimeSeconds int64
	ActivityCount    int64
}

// Activity is one immutable, sequence-numbered record of a user action in a
// room. Append-only; rows never change once written.
type Activity struct {
	ID        string
	RoomID    string
	SessionID string
	UserID    string

	ActivityType string
	ActivityData json.RawMessage

	Operation         json.RawMessage
	OperationID       string
	ParentOperationID string

	DocumentVersion int64
	Position        json.RawMessage

	ClientTimestamp time.Time
	ServerTimestamp time.Time
	SequenceNumber  int64

	IsApplied   bool
	IsBroadcast bool
}

// Stats summarizes collaboration volume for the stats endpoint.
type Stats struct {
	TotalRooms       int64
	ActiveRooms      int64
	TotalSessions    int64
	TotalActivities  int64
	RecentActivities int64
}
