// Package app is the HTTP sidecar of the collaboration service: health and
// readiness probes, read-only room introspection, websocket ticket issuance
// and aggregate stats. Everything real-time goes over the ws package.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/cursor"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Pinger is a readiness-checkable dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsStore serves the aggregate stats endpoint.
type StatsStore interface {
	CollabStats(ctx context.Context) (store.Stats, error)
}

// RoomAdminStore covers the room lifecycle operations owned by the platform
// (create, archive, delete); collaborators only ever join.
type RoomAdminStore interface {
	GetRoom(ctx context.Context, roomID string) (store.Room, error)
	CreateRoom(ctx context.Context, room store.Room) error
	UpdateRoomStatus(ctx context.Context, roomID, status string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// CursorAdmin is the cursor store's management surface.
type CursorAdmin interface {
	Pinger
	DropRoom(ctx context.Context, roomID string) error
}

// Deps bundles what the HTTP layer needs.
type Deps struct {
	Collab  *collab.Service
	Rooms   RoomAdminStore
	Stats   StatsStore
	Tokens  *auth.Resolver
	DB      Pinger
	Cursors CursorAdmin
}

type HTTPServer struct {
	collab     *collab.Service
	rooms      RoomAdminStore
	stats      StatsStore
	tokens     *auth.Resolver
	db         Pinger
	cursors    CursorAdmin
	corsOrigin string
	wsTokenTTL time.Duration
}

func NewHTTPServer(deps Deps, corsOrigin string, wsTokenTTL time.Duration) *HTTPServer {
	return &HTTPServer{
		collab:     deps.Collab,
		rooms:      deps.Rooms,
		stats:      deps.Stats,
		tokens:     deps.Tokens,
		db:         deps.DB,
		cursors:    deps.Cursors,
		corsOrigin: corsOrigin,
		wsTokenTTL: wsTokenTTL,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/collab/ws-token" {
		s.handleWSToken(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/collab/stats" {
		s.handleStats(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rooms" {
		s.handleCreateRoom(w, r)
		return
	}

	// /api/rooms/{id} and /api/rooms/{id}/...
	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "rooms" {
		roomID := parts[2]
		switch {
		case len(parts) == 3 && r.Method == http.MethodGet:
			s.handleGetRoom(w, r, roomID)
			return
		case len(parts) == 3 && r.Method == http.MethodDelete:
			s.handleDeleteRoom(w, r, roomID)
			return
		case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodPut:
			s.handleRoomStatus(w, r, roomID)
			return
		case len(parts) == 4 && r.Method == http.MethodGet:
			switch parts[3] {
			case "sessions":
				s.handleRoomSessions(w, r, roomID)
				return
			case "activities":
				s.handleRoomActivities(w, r, roomID)
				return
			case "cursors":
				s.handleRoomCursors(w, r, roomID)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]any{
		"database":     map[string]any{"status": "ok"},
		"cursor_store": map[string]any{"status": "ok"},
	}
	if err := s.db.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.cursors.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["cursor_store"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, status, map[string]any{
		"ok":     status == http.StatusOK,
		"checks": checks,
	})
}

// handleWSToken exchanges a valid bearer token for a short-lived token to
// present on the websocket, so long-lived credentials never appear in a
// connection URL.
func (s *HTTPServer) handleWSToken(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.writeMapped(w, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil))
		return
	}
	principal, err := s.tokens.Resolve(r.Context(), token)
	if err != nil {
		s.writeMapped(w, err)
		return
	}

	var body struct {
		RoomID string `json:"room_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	ticket, err := s.tokens.Issue(principal, s.wsTokenTTL)
	if err != nil {
		s.writeMapped(w, fmt.Errorf("issue ws token: %w", err))
		return
	}

	response := map[string]any{
		"token":      ticket,
		"expires_in": int(s.wsTokenTTL.Seconds()),
	}
	if body.RoomID != "" {
		response["websocket_url"] = "/ws/collab/" + body.RoomID
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.CollabStats(r.Context())
	if err != nil {
		s.writeMapped(w, fmt.Errorf("collab stats: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_rooms":       stats.TotalRooms,
		"active_rooms":      stats.ActiveRooms,
		"total_sessions":    stats.TotalSessions,
		"total_activities":  stats.TotalActivities,
		"recent_activities": stats.RecentActivities,
	})
}

func (s *HTTPServer) handleRoomSessions(w http.ResponseWriter, r *http.Request, roomID string) {
	participants, err := s.collab.LiveParticipants(r.Context(), roomID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if participants == nil {
		participants = []collab.Participant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"participants": participants,
	})
}

func (s *HTTPServer) handleRoomActivities(w http.ResponseWriter, r *http.Request, roomID string) {
	since, err := queryInt64(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be an integer", nil)
		return
	}
	limit, err := queryInt64(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer", nil)
		return
	}

	activities, err := s.collab.ActivitiesSince(r.Context(), roomID, since, int(limit))
	if err != nil {
		s.writeMapped(w, err)
		return
	}

	items := make([]map[string]any, 0, len(activities))
	for _, activity := range activities {
		items = append(items, map[string]any{
			"id":               activity.ID,
			"user_id":          activity.UserID,
			"activity_type":    activity.ActivityType,
			"sequence_number":  activity.SequenceNumber,
			"document_version": activity.DocumentVersion,
			"timestamp":        activity.ServerTimestamp.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":    roomID,
		"since":      since,
		"activities": items,
	})
}

func (s *HTTPServer) handleRoomCursors(w http.ResponseWriter, r *http.Request, roomID string) {
	cursors, err := s.collab.RoomCursors(r.Context(), roomID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if cursors == nil {
		cursors = []cursor.Cursor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": roomID,
		"cursors": cursors,
	})
}

// requirePrincipal resolves the request's bearer token, writing the 401
// itself when there is none.
func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return auth.Principal{}, false
	}
	principal, err := s.tokens.Resolve(r.Context(), token)
	if err != nil {
		s.writeMapped(w, err)
		return auth.Principal{}, false
	}
	return principal, true
}

type roomRequest struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	RoomType             string          `json:"room_type"`
	DocumentID           string          `json:"document_id"`
	TeamID               string          `json:"team_id"`
	IsPublic             bool            `json:"is_public"`
	MaxParticipants      int             `json:"max_participants"`
	AllowAnonymous       bool            `json:"allow_anonymous"`
	EnableVoice          bool            `json:"enable_voice"`
	EnableVideo          bool            `json:"enable_video"`
	EnableScreenShare    bool            `json:"enable_screen_share"`
	EnableCursorTracking bool            `json:"enable_cursor_tracking"`
	Settings             json.RawMessage `json:"settings"`
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	var body roomRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Name == "" || body.DocumentID == "" || body.TeamID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name, document_id and team_id are required", nil)
		return
	}
	roomType := body.RoomType
	if roomType == "" {
		roomType = store.RoomTypeDocument
	}
	switch roomType {
	case store.RoomTypeDocument, store.RoomTypeDiscussion, store.RoomTypeReview, store.RoomTypePresentation:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown room_type", nil)
		return
	}
	maxParticipants := body.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = 50
	}

	room := store.Room{
		ID:                   util.NewID("room"),
		Name:                 body.Name,
		Description:          body.Description,
		RoomType:             roomType,
		Status:               store.RoomActive,
		DocumentID:           body.DocumentID,
		TeamID:               body.TeamID,
		CreatedBy:            principal.ID,
		IsPublic:             body.IsPublic,
		MaxParticipants:      maxParticipants,
		AllowAnonymous:       body.AllowAnonymous,
		EnableVoice:          body.EnableVoice,
		EnableVideo:          body.EnableVideo,
		EnableScreenShare:    body.EnableScreenShare,
		EnableCursorTracking: body.EnableCursorTracking,
		Settings:             body.Settings,
	}
	if err := s.rooms.CreateRoom(r.Context(), room); err != nil {
		s.writeMapped(w, fmt.Errorf("create room: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, roomPayload(room))
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := s.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	payload := roomPayload(room)
	payload["active_sessions"] = s.collab.ActiveSessionCount(roomID)
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleRoomStatus(w http.ResponseWriter, r *http.Request, roomID string) {
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	switch body.Status {
	case store.RoomActive, store.RoomPaused, store.RoomArchived:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "status must be active, paused or archived", nil)
		return
	}

	if err := s.rooms.UpdateRoomStatus(r.Context(), roomID, body.Status); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": roomID, "status": body.Status})
}

// handleDeleteRoom removes the room's durable rows (sessions and activities
// cascade), its cursor state and its in-memory sequencing counter.
func (s *HTTPServer) handleDeleteRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}

	if err := s.rooms.DeleteRoom(r.Context(), roomID); err != nil {
		s.writeMapped(w, err)
		return
	}
	if err := s.cursors.DropRoom(r.Context(), roomID); err != nil {
		log.Printf("drop cursors for deleted room %s: %v", roomID, err)
	}
	s.collab.ForgetRoom(roomID)
	writeJSON(w, http.StatusOK, map[string]any{"id": roomID, "deleted": true})
}

func roomPayload(room store.Room) map[string]any {
	payload := map[string]any{
		"id":                     room.ID,
		"name":                   room.Name,
		"description":            room.Description,
		"room_type":              room.RoomType,
		"status":                 room.Status,
		"document_id":            room.DocumentID,
		"team_id":                room.TeamID,
		"created_by":             room.CreatedBy,
		"is_public":              room.IsPublic,
		"max_participants":       room.MaxParticipants,
		"allow_anonymous":        room.AllowAnonymous,
		"enable_voice":           room.EnableVoice,
		"enable_video":           room.EnableVideo,
		"enable_screen_share":    room.EnableScreenShare,
		"enable_cursor_tracking": room.EnableCursorTracking,
	}
	if len(room.Settings) > 0 {
		payload["settings"] = room.Settings
	}
	return payload
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt64(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
