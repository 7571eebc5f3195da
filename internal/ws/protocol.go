// Package ws is the WebSocket transport for collaboration rooms. It owns the
// connection lifecycle and the JSON frame protocol; all room semantics live
// in the collab service.
package ws

import (
	"encoding/json"
	"time"
)

// Inbound message types. The dispatch switch over these is closed: an
// unknown type is a validation error, never a silent drop.
const (
	MsgAuthenticate    = "authenticate"
	MsgJoinRoom        = "join_room"
	MsgTextChange      = "text_change"
	MsgCursorMove      = "cursor_move"
	MsgSelectionChange = "selection_change"
	MsgUserTyping      = "user_typing"
	MsgDocumentSave    = "document_save"
	MsgHeartbeat       = "heartbeat"
)

// Close codes in the collaborator-facing contract.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// Error codes carried in error frames.
const (
	CodeAuth       = "auth_error"
	CodePermission = "permission_error"
	CodeInactive   = "room_inactive"
	CodeFull       = "room_full"
	CodeValidation = "validation_error"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal_error"
)

// Envelope is the superset of all inbound frames. Type selects which fields
// are meaningful; handlers validate the ones they need.
type Envelope struct {
	Type string `json:"type"`

	// authenticate
	Token string `json:"token,omitempty"`

	// join_room
	Role       string          `json:"role,omitempty"`
	ClientInfo json.RawMessage `json:"client_info,omitempty"`

	// text_change, cursor_move, selection_change
	Operation         json.RawMessage `json:"operation,omitempty"`
	Position          json.RawMessage `json:"position,omitempty"`
	Selection         json.RawMessage `json:"selection,omitempty"`
	Content           string          `json:"content,omitempty"`
	OperationID       string          `json:"operation_id,omitempty"`
	ParentOperationID string          `json:"parent_operation_id,omitempty"`
	DocumentVersion   int64           `json:"document_version,omitempty"`
	Timestamp         string          `json:"timestamp,omitempty"`

	// user_typing
	IsTyping bool `json:"is_typing,omitempty"`

	// document_save
	Version  int64 `json:"version,omitempty"`
	AutoSave bool  `json:"auto_save,omitempty"`
}

// ClientTimestamp parses the client-declared timestamp, zero when absent or
// unparseable.
func (e Envelope) ClientTimestamp() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func errorFrame(code, message string) map[string]any {
	return map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	}
}
