package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/store"
)

// Registry owns room lookup and join policy. Rooms themselves are created
// and archived by the external document service; this side only reads them
// and stamps last activity.
type Registry struct {
	rooms    RoomStore
	perms    PermissionChecker
	presence *Tracker

	mu     sync.Mutex
	admits map[string]*sync.Mutex
}

func NewRegistry(rooms RoomStore, perms PermissionChecker, presence *Tracker) *Registry {
	return &Registry{
		rooms:    rooms,
		perms:    perms,
		presence: presence,
		admits:   make(map[string]*sync.Mutex),
	}
}

func (r *Registry) Get(ctx context.Context, roomID string) (store.Room, error) {
	room, err := r.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Room{}, ErrNotFound
	}
	if err != nil {
		return store.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// CanJoin returns nil when the principal may join, or the typed refusal.
// Capacity is measured against currently live sessions, never historical
// rows.
func (r *Registry) CanJoin(ctx context.Context, room store.Room, principal auth.Principal) error {
	if room.Status != store.RoomActive {
		return ErrRoomInactive
	}
	if r.ActiveSessionCount(room.ID) >= room.MaxParticipants {
		return ErrRoomFull
	}
	if !room.AllowAnonymous {
		member, err := r.perms.IsTeamMember(ctx, principal, room.TeamID)
		if err != nil {
			return fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return ErrPermission
		}
	}
	canRead, err := r.perms.CanRead(ctx, principal, room.DocumentID)
	if err != nil {
		return fmt.Errorf("read permission check: %w", err)
	}
	if !canRead {
		return ErrPermission
	}
	return nil
}

// Admit runs the join policy and then admit, all under the room's admission
// lock. Serializing admissions per room keeps two concurrent joins from both
// passing the capacity check with one slot left.
func (r *Registry) Admit(ctx context.Context, room store.Room, principal auth.Principal, admit func() error) error {
	lock := r.admission(room.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.CanJoin(ctx, room, principal); err != nil {
		return err
	}
	return admit()
}

func (r *Registry) admission(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.admits[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.admits[roomID] = lock
	}
	return lock
}

// Forget drops the room's admission lock on room teardown.
func (r *Registry) Forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.admits, roomID)
}

// ActiveSessionCount is computed from the presence tracker rather than a
// stored counter, so it cannot drift.
func (r *Registry) ActiveSessionCount(roomID string) int {
	return r.presence.LiveCount(roomID)
}

func (r *Registry) Touch(ctx context.Context, roomID string, at time.Time) {
	if err := r.rooms.TouchRoom(ctx, roomID, at); err != nil {
		// Last-activity is advisory; a failed touch never fails the action.
		logf("touch room %s: %v", roomID, err)
	}
}
