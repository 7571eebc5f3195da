package collab

import (
	"context"
	"fmt"
	"sync"
)

// Sequencer is the per-room serialization point. It is the sole authority
// for sequence-number assignment: numbers are handed out strictly in
// processing order, gapless and unique per room, and are never reassigned.
// Persistence happens after the critical section so database latency never
// serializes unrelated edits.
type Sequencer struct {
	mu         sync.Mutex
	activities ActivityStore
	rooms      map[string]*roomSequencer
}

type roomSequencer struct {
	mu         sync.Mutex
	seeded     bool
	last       int64
	docVersion int64
}

func NewSequencer(activities ActivityStore) *Sequencer {
	return &Sequencer{
		activities: activities,
		rooms:      make(map[string]*roomSequencer),
	}
}

func (s *Sequencer) room(roomID string) *roomSequencer {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		rs = &roomSequencer{}
		s.rooms[roomID] = rs
	}
	return rs
}

// Assign hands out the next sequence number for the room and runs fn while
// still holding the room's lock. Broadcast fan-out happens inside fn, which
// is what makes per-recipient delivery order match assignment order. The
// counter is seeded from the durable log on first use.
func (s *Sequencer) Assign(ctx context.Context, roomID string, fn func(seq int64)) (int64, error) {
	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.seeded {
		max, err := s.activities.MaxSequence(ctx, roomID)
		if err != nil {
			return 0, fmt.Errorf("seed sequencer: %w", err)
		}
		rs.last = max
		rs.seeded = true
	}

	rs.last++
	if fn != nil {
		fn(rs.last)
	}
	return rs.last, nil
}

// ObserveVersion records the highest document version declared by a save.
func (s *Sequencer) ObserveVersion(roomID string, version int64) {
	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if version > rs.docVersion {
		rs.docVersion = version
	}
}

// KnownVersion returns the room's last observed document version.
func (s *Sequencer) KnownVersion(roomID string) int64 {
	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.docVersion
}

// Forget drops the room's in-memory counter, for room teardown. The durable
// log remains the source of truth if the room ever comes back.
func (s *Sequencer) Forget(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}
