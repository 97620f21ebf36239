package client

import (
	"testing"

	"workhub/collab/internal/collab"
	"workhub/collab/internal/transport"
)

func mustFrame(t *testing.T, frameType string, seq uint64, payload any) transport.Frame {
	t.Helper()
	frame, err := transport.EncodeFrame(frameType, seq, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", frameType, err)
	}
	return frame
}

func seededFacade(t *testing.T) *Facade {
	t.Helper()
	f := newFacade(New(Config{URL: "ws://unused", UserID: "u1"}))
	f.applyRoomState(transport.RoomStatePayload{
		ConnectionID: "con_1",
		Self:         collab.PresenceIndicator{UserID: "u1", ConnectionID: "con_1", JoinSeq: 1},
		Snapshot: &collab.PresenceSnapshot{
			Online: []collab.PresenceIndicator{{UserID: "u1", ConnectionID: "con_1", JoinSeq: 1}},
		},
		CurrentSeq: 10,
	})
	return f
}

func TestFacadeFoldsPresenceBySeq(t *testing.T) {
	f := seededFacade(t)

	snap := collab.PresenceSnapshot{
		Online: []collab.PresenceIndicator{
			{UserID: "u1", ConnectionID: "con_1", JoinSeq: 1},
			{UserID: "u2", ConnectionID: "con_2", JoinSeq: 2},
		},
	}
	f.applyFrame(mustFrame(t, transport.TypePresenceUpdate, 11, snap))
	if got := f.OnlineUsers(); len(got) != 2 {
		t.Fatalf("online = %+v, want two users", got)
	}
	if f.LastSeq() != 11 {
		t.Errorf("last seq = %d, want 11", f.LastSeq())
	}

	// A replayed or out-of-order frame must not regress the view.
	stale := collab.PresenceSnapshot{Online: []collab.PresenceIndicator{{UserID: "u1"}}}
	f.applyFrame(mustFrame(t, transport.TypePresenceUpdate, 11, stale))
	f.applyFrame(mustFrame(t, transport.TypePresenceUpdate, 5, stale))
	if got := f.OnlineUsers(); len(got) != 2 {
		t.Errorf("online after stale frames = %+v, want unchanged", got)
	}
	if f.LastSeq() != 11 {
		t.Errorf("last seq moved to %d on stale frames", f.LastSeq())
	}
}

func TestFacadeGroupsOnlineByUser(t *testing.T) {
	f := seededFacade(t)
	snap := collab.PresenceSnapshot{
		Online: []collab.PresenceIndicator{
			{UserID: "u1", UserName: "One", ConnectionID: "con_1", JoinSeq: 1},
			{UserID: "u2", UserName: "Two", ConnectionID: "con_2", JoinSeq: 2},
			{UserID: "u1", UserName: "One", ConnectionID: "con_3", JoinSeq: 3}, // second tab
		},
	}
	f.applyFrame(mustFrame(t, transport.TypePresenceUpdate, 11, snap))

	users := f.OnlineByUser()
	if len(users) != 2 {
		t.Fatalf("grouped users = %+v, want two", users)
	}
	if users[0].UserID != "u1" || len(users[0].Connections) != 2 {
		t.Errorf("first group = %+v, want u1 with two connections", users[0])
	}
	if users[1].UserID != "u2" || len(users[1].Connections) != 1 {
		t.Errorf("second group = %+v, want u2 with one connection", users[1])
	}
}

func TestFacadeTracksEntityVersions(t *testing.T) {
	f := seededFacade(t)
	if v := f.EntityVersion("task-1"); v != 0 {
		t.Errorf("unknown entity version = %d, want 0", v)
	}

	f.applyFrame(mustFrame(t, transport.TypeOperationApplied, 11, collab.OperationApplied{EntityID: "task-1", NewVersion: 1}))
	f.applyFrame(mustFrame(t, transport.TypeOperationApplied, 12, collab.OperationApplied{EntityID: "task-1", NewVersion: 2}))
	if v := f.EntityVersion("task-1"); v != 2 {
		t.Errorf("entity version = %d, want 2", v)
	}
}

func TestFacadeConflictLifecycle(t *testing.T) {
	f := seededFacade(t)

	conflict := collab.CollaborationConflict{ID: "cfl_1", EntityID: "task-1", Status: collab.ConflictPending}
	f.applyFrame(mustFrame(t, transport.TypeConflictNotify, 11, conflict))
	if got := f.Conflicts(); len(got) != 1 || got[0].ID != "cfl_1" {
		t.Fatalf("conflicts = %+v", got)
	}

	// Re-notify updates in place instead of duplicating.
	conflict.Message = "updated"
	f.applyFrame(mustFrame(t, transport.TypeConflictNotify, 12, conflict))
	if got := f.Conflicts(); len(got) != 1 || got[0].Message != "updated" {
		t.Fatalf("conflicts after upsert = %+v", got)
	}

	conflict.Status = collab.ConflictAccepted
	f.applyFrame(mustFrame(t, transport.TypeConflictResolved, 13, conflict))
	if got := f.Conflicts(); len(got) != 0 {
		t.Errorf("conflicts after resolve = %+v, want empty", got)
	}
}

func TestFacadeRoomStateResets(t *testing.T) {
	f := seededFacade(t)
	f.applyFrame(mustFrame(t, transport.TypeConflictNotify, 11, collab.CollaborationConflict{ID: "cfl_1"}))

	// A fresh room-state (snapshot path after a long gap) replaces the view
	// and jumps the cursor.
	f.applyRoomState(transport.RoomStatePayload{
		ConnectionID: "con_1",
		Self:         collab.PresenceIndicator{UserID: "u1", ConnectionID: "con_1", JoinSeq: 1},
		Snapshot:     &collab.PresenceSnapshot{},
		Conflicts:    []collab.CollaborationConflict{{ID: "cfl_2", Status: collab.ConflictPending}},
		CurrentSeq:   40,
	})
	if got := f.Conflicts(); len(got) != 1 || got[0].ID != "cfl_2" {
		t.Fatalf("conflicts after reset = %+v", got)
	}
	if f.LastSeq() != 40 {
		t.Errorf("cursor = %d, want 40", f.LastSeq())
	}

	// Events from before the jump are ignored.
	f.applyFrame(mustFrame(t, transport.TypeOperationApplied, 30, collab.OperationApplied{EntityID: "task-1", NewVersion: 9}))
	if v := f.EntityVersion("task-1"); v != 0 {
		t.Errorf("pre-reset frame applied: version = %d", v)
	}
}

func TestFacadeBackfillJoinKeepsCursorAndConflicts(t *testing.T) {
	f := seededFacade(t)
	f.applyFrame(mustFrame(t, transport.TypeConflictNotify, 11, collab.CollaborationConflict{ID: "cfl_1", Status: collab.ConflictPending}))

	// A rejoin inside the replay ring answers without a snapshot; the missed
	// events follow as ordinary frames. CurrentSeq covers those events, so
	// jumping the cursor to it would drop the whole replay.
	f.applyRoomState(transport.RoomStatePayload{
		ConnectionID: "con_1",
		Self:         collab.PresenceIndicator{UserID: "u1", ConnectionID: "con_1", JoinSeq: 1},
		CurrentSeq:   14,
	})
	if f.LastSeq() != 11 {
		t.Fatalf("cursor after backfill join = %d, want 11", f.LastSeq())
	}
	if got := f.Conflicts(); len(got) != 1 || got[0].ID != "cfl_1" {
		t.Fatalf("conflicts after backfill join = %+v, want kept", got)
	}

	f.applyFrame(mustFrame(t, transport.TypeOperationApplied, 12, collab.OperationApplied{EntityID: "task-1", NewVersion: 3}))
	f.applyFrame(mustFrame(t, transport.TypeConflictNotify, 13, collab.CollaborationConflict{ID: "cfl_2", Status: collab.ConflictPending}))
	if v := f.EntityVersion("task-1"); v != 3 {
		t.Fatalf("replayed apply dropped: version = %d, want 3", v)
	}
	if got := f.Conflicts(); len(got) != 2 {
		t.Fatalf("replayed conflict dropped: conflicts = %+v", got)
	}
	if f.LastSeq() != 13 {
		t.Errorf("cursor = %d, want 13", f.LastSeq())
	}
}

func TestFacadeDropsMalformedFrames(t *testing.T) {
	f := seededFacade(t)
	f.applyFrame(transport.Frame{Type: transport.TypePresenceUpdate, Seq: 11, Data: []byte(`{"online":`)})
	if f.LastSeq() != 10 {
		t.Errorf("malformed frame advanced the cursor to %d", f.LastSeq())
	}
}
