package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Handler upgrades connections at /ws/collab/{roomID} and runs the per-
// connection protocol state machine: connection_established, then
// authenticate, then join_room, then the message loop.
type Handler struct {
	svc      *collab.Service
	upgrader websocket.Upgrader
}

func NewHandler(svc *collab.Service, allowedOrigin string) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/collab/"), "/")
	if roomID == "" || strings.Contains(roomID, "/") {
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}

	client := newClient(util.NewID("conn"), conn)
	go client.writePump()
	h.serve(r.Context(), client, roomID, clientIP(r), r.UserAgent())
}

// connState is what the protocol has established so far. Fields fill in
// strictly forward: authenticate sets principal and room, join_room sets
// the session.
type connState struct {
	principal auth.Principal
	room      store.Room
	sess      store.Session
	authed    bool
	joined    bool
}

func (h *Handler) serve(ctx context.Context, client *Client, roomID, ip, userAgent string) {
	client.prepareRead()
	h.sendFrame(client, map[string]any{
		"type":          "connection_established",
		"connection_id": client.ID(),
		"timestamp":     time.Now().Format(time.RFC3339Nano),
	})

	var state connState
	defer func() {
		if state.joined {
			h.svc.Disconnect(ctx, state.room, state.sess)
		}
		client.CloseWith(websocket.CloseNormalClosure, "")
	}()

	for {
		payload, err := client.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("connection %s: %v", client.ID(), err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.sendFrame(client, errorFrame(CodeValidation, "malformed frame"))
			continue
		}

		if closed := h.dispatch(ctx, client, &state, roomID, ip, userAgent, env); closed {
			return
		}
	}
}

// dispatch handles one inbound message. The switch over message types is
// exhaustive; adding a type means adding a case here. Reports true when the
// connection must close.
func (h *Handler) dispatch(ctx context.Context, client *Client, state *connState, roomID, ip, userAgent string, env Envelope) bool {
	switch env.Type {
	case MsgHeartbeat:
		// Pong regardless of protocol phase.
		now := time.Now()
		if state.joined {
			now = h.svc.Heartbeat(ctx, state.room, state.sess)
		}
		h.sendFrame(client, map[string]any{
			"type":      "pong",
			"timestamp": now.Format(time.RFC3339Nano),
		})
		return false

	case MsgAuthenticate:
		if state.authed {
			h.sendFrame(client, errorFrame(CodeValidation, "already authenticated"))
			return false
		}
		principal, room, err := h.svc.Authenticate(ctx, roomID, env.Token)
		if err != nil {
			return h.refuse(client, err)
		}
		state.principal = principal
		state.room = room
		state.authed = true
		h.sendFrame(client, map[string]any{
			"type": "authenticated",
			"user": map[string]string{"id": principal.ID, "name": principal.Name},
			"room": map[string]string{"id": room.ID, "name": room.Name},
		})
		return false

	case MsgJoinRoom:
		if !state.authed {
			h.sendFrame(client, errorFrame(CodeAuth, "authenticate first"))
			return false
		}
		if state.joined {
			h.sendFrame(client, errorFrame(CodeValidation, "already joined"))
			return false
		}
		sess, participants, err := h.svc.Join(ctx, state.room, state.principal, collab.ClientInfo{
			RequestedRole: env.Role,
			IPAddress:     ip,
			UserAgent:     userAgent,
			Details:       env.ClientInfo,
		}, client)
		if err != nil {
			return h.refuse(client, err)
		}
		state.sess = sess
		state.joined = true
		h.sendFrame(client, map[string]any{
			"type":          "room_joined",
			"session_id":    sess.ID,
			"participants":  participants,
			"room_settings": roomSettings(state.room),
		})
		return false

	case MsgTextChange:
		if !h.requireJoined(client, state) {
			return false
		}
		_, err := h.svc.TextChange(ctx, state.room, state.sess, collab.TextChangeInput{
			Operation:         env.Operation,
			Position:          env.Position,
			Content:           env.Content,
			OperationID:       env.OperationID,
			ParentOperationID: env.ParentOperationID,
			DocumentVersion:   env.DocumentVersion,
			ClientTimestamp:   env.ClientTimestamp(),
		})
		if err != nil {
			return h.refuse(client, err)
		}
		return false

	case MsgCursorMove:
		if !h.requireJoined(client, state) {
			return false
		}
		if err := h.svc.CursorMove(ctx, state.room, state.sess, env.Position); err != nil {
			return h.refuse(client, err)
		}
		return false

	case MsgSelectionChange:
		if !h.requireJoined(client, state) {
			return false
		}
		if err := h.svc.SelectionChange(ctx, state.room, state.sess, env.Position, env.Selection); err != nil {
			return h.refuse(client, err)
		}
		return false

	case MsgUserTyping:
		if !h.requireJoined(client, state) {
			return false
		}
		h.svc.Typing(ctx, state.room, state.sess, env.IsTyping)
		return false

	case MsgDocumentSave:
		if !h.requireJoined(client, state) {
			return false
		}
		if _, err := h.svc.DocumentSave(ctx, state.room, state.sess, env.Version, env.AutoSave, env.ClientTimestamp()); err != nil {
			return h.refuse(client, err)
		}
		return false

	default:
		h.sendFrame(client, errorFrame(CodeValidation, "unknown message type"))
		return false
	}
}

func (h *Handler) requireJoined(client *Client, state *connState) bool {
	if state.joined {
		return true
	}
	h.sendFrame(client, errorFrame(CodeValidation, "join a room first"))
	return false
}

// refuse converts a service error into an error frame and, for connection-
// fatal classes, a close. Reports true when the connection is closing.
func (h *Handler) refuse(client *Client, err error) bool {
	code, message, closeCode := classify(err)
	if code == CodeInternal {
		log.Printf("connection %s: %v", client.ID(), err)
	}
	h.sendFrame(client, errorFrame(code, message))
	if closeCode == 0 {
		return false
	}
	client.CloseWith(closeCode, message)
	return true
}

// classify maps service errors onto the protocol's error codes. A zero
// close code means the connection stays open.
func classify(err error) (code, message string, closeCode int) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return CodeAuth, "invalid or expired token", CloseUnauthorized
	case errors.Is(err, collab.ErrPermission):
		return CodePermission, "permission denied", CloseForbidden
	case errors.Is(err, collab.ErrRoomFull):
		return CodeFull, "room is at capacity", CloseForbidden
	case errors.Is(err, collab.ErrRoomInactive):
		return CodeInactive, "room is not active", CloseForbidden
	case collab.IsValidation(err):
		return CodeValidation, err.Error(), 0
	case errors.Is(err, collab.ErrNotFound):
		return CodeNotFound, "not found", 0
	default:
		return CodeInternal, "internal error", 0
	}
}

func (h *Handler) sendFrame(client *Client, frame map[string]any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("marshal frame: %v", err)
		return
	}
	if !client.Send(payload) {
		log.Printf("dropped frame for slow connection %s", client.ID())
	}
}

func roomSettings(room store.Room) map[string]any {
	settings := map[string]any{
		"name":                   room.Name,
		"room_type":              room.RoomType,
		"max_participants":       room.MaxParticipants,
		"enable_cursor_tracking": room.EnableCursorTracking,
		"enable_voice":           room.EnableVoice,
		"enable_video":           room.EnableVideo,
		"enable_screen_share":    room.EnableScreenShare,
	}
	if len(room.Settings) > 0 {
		settings["settings"] = json.RawMessage(room.Settings)
	}
	return settings
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
