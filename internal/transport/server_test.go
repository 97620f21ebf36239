package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"workhub/collab/internal/collab"
)

func testServer(t *testing.T) (*httptest.Server, *collab.Registry) {
	t.Helper()
	registry := collab.NewRegistry(collab.Options{
		Liveness:   30 * time.Second,
		SweepEvery: time.Hour,
	})
	t.Cleanup(registry.Close)
	srv := httptest.NewServer(NewServer(registry, Config{}).Router())
	t.Cleanup(srv.Close)
	return srv, registry
}

func dialRoom(t *testing.T, srv *httptest.Server, documentID string, join JoinPayload) (*websocket.Conn, RoomStatePayload) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + documentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	frame, err := EncodeFrame(TypeJoin, 0, join)
	if err != nil {
		t.Fatalf("encode join: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("send join: %v", err)
	}

	var reply Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read join reply: %v", err)
	}
	if reply.Type != TypeRoomState {
		t.Fatalf("join reply = %q, want room-state", reply.Type)
	}
	var state RoomStatePayload
	if err := DecodePayload(reply, &state); err != nil {
		t.Fatalf("decode room state: %v", err)
	}
	return conn, state
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read while waiting for %s: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("timed out waiting for %s", frameType)
	return Frame{}
}

func TestHealthAndRoomsEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v status=%d", err, resp.StatusCode)
	}
	resp.Body.Close()

	conn, _ := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})
	defer conn.Close()

	resp, err = http.Get(srv.URL + "/rooms")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Rooms []collab.RoomStats `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(body.Rooms) != 1 || body.Rooms[0].DocumentID != "doc-1" || body.Rooms[0].Online != 1 {
		t.Errorf("rooms = %+v", body.Rooms)
	}
}

func TestJoinAssignsConnectionID(t *testing.T) {
	srv, _ := testServer(t)
	conn, state := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})
	defer conn.Close()

	if !strings.HasPrefix(state.ConnectionID, "con_") {
		t.Errorf("assigned connection id = %q", state.ConnectionID)
	}
	if state.Self.UserID != "u1" || state.Self.JoinSeq != 1 {
		t.Errorf("self = %+v", state.Self)
	}
	if state.Snapshot == nil || len(state.Snapshot.Online) != 1 {
		t.Errorf("snapshot = %+v, want self online", state.Snapshot)
	}
}

func TestSubmitFlowsToAllSubscribers(t *testing.T) {
	srv, _ := testServer(t)
	conn1, _ := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})
	conn2, _ := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u2", UserName: "User Two"})
	defer conn1.Close()
	defer conn2.Close()

	submit, _ := EncodeFrame(TypeOperationSubmit, 0, OperationSubmitPayload{
		EntityID:    "task-1",
		BaseVersion: 0,
		Operation: collab.Operation{
			Kind:       collab.OpSetField,
			EntityType: "task",
			Field:      "title",
			Value:      "hello",
			ActorID:    "u1",
		},
	})
	if err := conn1.WriteJSON(submit); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		frame := readFrameOfType(t, conn, TypeOperationApplied)
		var applied collab.OperationApplied
		if err := DecodePayload(frame, &applied); err != nil {
			t.Fatalf("decode applied: %v", err)
		}
		if applied.EntityID != "task-1" || applied.NewVersion != 1 {
			t.Errorf("applied = %+v", applied)
		}
	}
}

func TestStaleSubmitNotifiesConflict(t *testing.T) {
	srv, _ := testServer(t)
	conn, _ := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})
	defer conn.Close()

	op := collab.Operation{Kind: collab.OpSetField, EntityType: "task", Field: "title", Value: "a", ActorID: "u1"}
	first, _ := EncodeFrame(TypeOperationSubmit, 0, OperationSubmitPayload{EntityID: "task-1", BaseVersion: 0, Operation: op})
	if err := conn.WriteJSON(first); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	stale, _ := EncodeFrame(TypeOperationSubmit, 0, OperationSubmitPayload{EntityID: "task-1", BaseVersion: 0, Operation: op})
	if err := conn.WriteJSON(stale); err != nil {
		t.Fatalf("stale submit: %v", err)
	}

	frame := readFrameOfType(t, conn, TypeConflictNotify)
	var conflict collab.CollaborationConflict
	if err := DecodePayload(frame, &conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflict.Status != collab.ConflictPending {
		t.Errorf("conflict status = %s", conflict.Status)
	}

	// Resolving over the wire completes the cycle.
	resolve, _ := EncodeFrame(TypeConflictResolve, 0, ConflictResolvePayload{
		ConflictID: conflict.ID,
		Decision:   collab.ConflictAccepted,
		ResolvedBy: "u1",
	})
	if err := conn.WriteJSON(resolve); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	frame = readFrameOfType(t, conn, TypeConflictResolved)
	if err := DecodePayload(frame, &conflict); err != nil {
		t.Fatalf("decode resolved: %v", err)
	}
	if conflict.Status != collab.ConflictAccepted {
		t.Errorf("resolved status = %s", conflict.Status)
	}
}

func TestUnknownConflictReportsError(t *testing.T) {
	srv, _ := testServer(t)
	conn, _ := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})
	defer conn.Close()

	resolve, _ := EncodeFrame(TypeConflictResolve, 0, ConflictResolvePayload{
		ConflictID: "cfl_missing",
		Decision:   collab.ConflictAccepted,
		ResolvedBy: "u1",
	})
	if err := conn.WriteJSON(resolve); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	frame := readFrameOfType(t, conn, TypeError)
	var payload ErrorPayload
	if err := DecodePayload(frame, &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != "UNKNOWN_CONFLICT" {
		t.Errorf("error code = %q", payload.Code)
	}
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	srv, _ := testServer(t)
	conn, _ := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})
	defer conn.Close()

	// Known type, broken payload: dropped with a log line.
	bad := Frame{Type: TypeAction, Data: json.RawMessage(`{"connectionId":5}`)}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	// Unknown type: also dropped.
	if err := conn.WriteJSON(Frame{Type: "mystery"}); err != nil {
		t.Fatalf("write unknown: %v", err)
	}

	// The connection still serves commands afterwards.
	submit, _ := EncodeFrame(TypeOperationSubmit, 0, OperationSubmitPayload{
		EntityID: "task-1",
		Operation: collab.Operation{
			Kind: collab.OpSetField, EntityType: "task", Field: "title", Value: "x",
		},
	})
	if err := conn.WriteJSON(submit); err != nil {
		t.Fatalf("submit: %v", err)
	}
	readFrameOfType(t, conn, TypeOperationApplied)
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	srv, _ := testServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/doc-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Frame{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != TypeError {
		t.Fatalf("reply = %q, want error", reply.Type)
	}
	var payload ErrorPayload
	if err := DecodePayload(reply, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Code != "JOIN_REQUIRED" {
		t.Errorf("code = %q", payload.Code)
	}
}

func TestLeaveRemovesFromRoster(t *testing.T) {
	srv, registry := testServer(t)
	conn, state := dialRoom(t, srv, "doc-1", JoinPayload{UserID: "u1", UserName: "User One"})

	leave, _ := EncodeFrame(TypeLeave, 0, LeavePayload{ConnectionID: state.ConnectionID})
	if err := conn.WriteJSON(leave); err != nil {
		t.Fatalf("leave: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		room, err := registry.Get("doc-1")
		if err != nil {
			break
		}
		stats, err := room.Stats()
		if err != nil || stats.Online+stats.Offline == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	room, err := registry.Get("doc-1")
	if err == nil {
		stats, serr := room.Stats()
		if serr == nil && stats.Online+stats.Offline != 0 {
			t.Errorf("roster not empty after leave: %+v", stats)
		}
	}
	conn.Close()
}
