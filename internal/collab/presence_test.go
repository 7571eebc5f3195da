package collab

import (
	"testing"
	"time"

	"inkwell/api/internal/store"
)

func trackerAt(window time.Duration, at *time.Time) *Tracker {
	tr := NewTracker(window)
	tr.now = func() time.Time { return *at }
	return tr
}

func TestTrackerLiveWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := trackerAt(5*time.Minute, &now)

	tr.Connect("room_1", "sess_1", "user_1", "conn_1")
	if got := tr.LiveCount("room_1"); got != 1 {
		t.Fatalf("LiveCount = %d, want 1", got)
	}

	now = now.Add(5 * time.Minute)
	if got := tr.LiveCount("room_1"); got != 1 {
		t.Fatalf("LiveCount at window edge = %d, want 1", got)
	}

	now = now.Add(time.Second)
	if got := tr.LiveCount("room_1"); got != 0 {
		t.Fatalf("LiveCount past window = %d, want 0", got)
	}
}

func TestTrackerTouchRevivesIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := trackerAt(5*time.Minute, &now)

	tr.Connect("room_1", "sess_1", "user_1", "conn_1")
	now = now.Add(6 * time.Minute)

	demoted := tr.Sweep()
	if len(demoted) != 1 || demoted[0].SessionID != "sess_1" {
		t.Fatalf("Sweep demoted %v, want sess_1", demoted)
	}
	if got := tr.LiveCount("room_1"); got != 0 {
		t.Fatalf("LiveCount after sweep = %d, want 0", got)
	}

	if !tr.Touch("room_1", "sess_1") {
		t.Fatal("Touch did not report reviving the idle session")
	}
	live := tr.Live("room_1")
	if len(live) != 1 || live[0].Status != store.SessionActive {
		t.Fatalf("Live after touch = %v, want one active entry", live)
	}
	if tr.Touch("room_1", "sess_1") {
		t.Fatal("Touch reported a revival for an already active session")
	}
}

func TestTrackerSweepIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := trackerAt(time.Minute, &now)

	tr.Connect("room_1", "sess_1", "user_1", "conn_1")
	now = now.Add(2 * time.Minute)

	if demoted := tr.Sweep(); len(demoted) != 1 {
		t.Fatalf("first Sweep demoted %d, want 1", len(demoted))
	}
	if demoted := tr.Sweep(); len(demoted) != 0 {
		t.Fatalf("second Sweep demoted %d, want 0", len(demoted))
	}
}

func TestTrackerDisconnectRemovesEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := trackerAt(5*time.Minute, &now)

	tr.Connect("room_1", "sess_1", "user_1", "conn_1")
	entry, ok := tr.Disconnect("room_1", "sess_1")
	if !ok || entry.ConnID != "conn_1" {
		t.Fatalf("Disconnect = %v, %v; want entry for conn_1", entry, ok)
	}
	if tr.Touch("room_1", "sess_1") {
		t.Fatal("Touch succeeded after disconnect")
	}
	if _, ok := tr.Disconnect("room_1", "sess_1"); ok {
		t.Fatal("second Disconnect reported a removed entry")
	}
}

func TestTrackerLiveConnIDsFiltersIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := trackerAt(5*time.Minute, &now)

	tr.Connect("room_1", "sess_1", "user_1", "conn_1")
	tr.Connect("room_1", "sess_2", "user_2", "conn_2")

	now = now.Add(4 * time.Minute)
	tr.Touch("room_1", "sess_2")
	now = now.Add(2 * time.Minute)

	conns := tr.LiveConnIDs("room_1")
	if _, ok := conns["conn_1"]; ok {
		t.Fatal("stale conn_1 reported live")
	}
	if _, ok := conns["conn_2"]; !ok {
		t.Fatal("fresh conn_2 missing from live set")
	}
}

func TestTrackerRoomsAreIsolated(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := trackerAt(5*time.Minute, &now)

	tr.Connect("room_1", "sess_1", "user_1", "conn_1")
	tr.Connect("room_2", "sess_2", "user_1", "conn_2")

	if got := tr.LiveCount("room_1"); got != 1 {
		t.Fatalf("room_1 LiveCount = %d, want 1", got)
	}
	tr.Disconnect("room_1", "sess_1")
	if got := tr.LiveCount("room_2"); got != 1 {
		t.Fatalf("room_2 LiveCount after unrelated disconnect = %d, want 1", got)
	}
}
