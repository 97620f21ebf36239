// Package transport is the WebSocket edge of the collaboration engine: it
// upgrades connections, decodes wire frames into room commands, and writes
// the room's ordered event stream back to the client.
package transport

import (
	"encoding/json"
	"fmt"

	"workhub/collab/internal/collab"
)

// Frame is the wire envelope. Type selects the payload shape carried in
// Data; Seq is set on server frames that belong to the room event stream.
type Frame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client-to-server frame types.
const (
	TypeJoin            = "join"
	TypeHeartbeat       = "heartbeat"
	TypeLeave           = "leave"
	TypeAction          = "action"
	TypeOperationSubmit = "operation-submit"
	TypeConflictResolve = "conflict-resolve"
)

// Server-to-client frame types.
const (
	TypeRoomState        = "room-state"
	TypePresenceUpdate   = "presence-update"
	TypeOperationApplied = "operation-applied"
	TypeConflictNotify   = "conflict-notify"
	TypeConflictResolved = "conflict-resolved"
	TypeSlowDown         = "slow-down"
	TypeError            = "error"
)

type JoinPayload struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	UserAvatar string `json:"userAvatar,omitempty"`
	// ConnectionID is set on reconnect to resume the same roster entry;
	// empty on first join, in which case the server assigns one.
	ConnectionID string `json:"connectionId,omitempty"`
	// LastSeq is the last event sequence number the client processed,
	// zero on first join.
	LastSeq uint64 `json:"lastSeq,omitempty"`
}

type HeartbeatPayload struct {
	ConnectionID string `json:"connectionId"`
}

type LeavePayload struct {
	ConnectionID string `json:"connectionId"`
}

type ActionPayload struct {
	ConnectionID string `json:"connectionId"`
	Action       string `json:"action"`
}

type OperationSubmitPayload struct {
	EntityID    string           `json:"entityId"`
	BaseVersion int64            `json:"baseVersion"`
	Operation   collab.Operation `json:"operation"`
}

type ConflictResolvePayload struct {
	ConflictID string          `json:"conflictId"`
	Decision   collab.Decision `json:"decision"`
	ResolvedBy string          `json:"resolvedBy"`
}

// RoomStatePayload is sent once after a join. It replaces event replay when
// the client's gap predates the broadcast ring.
type RoomStatePayload struct {
	ConnectionID string                          `json:"connectionId"`
	Self         collab.PresenceIndicator        `json:"self"`
	Snapshot     *collab.PresenceSnapshot        `json:"snapshot,omitempty"`
	Conflicts    []collab.CollaborationConflict  `json:"conflicts,omitempty"`
	CurrentSeq   uint64                          `json:"currentSeq"`
}

type SlowDownPayload struct {
	RetryAfterMs int `json:"retryAfterMs"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func EncodeFrame(frameType string, seq uint64, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Seq: seq, Data: data}, nil
}

// eventFrame converts a room event into its wire frame.
func eventFrame(e collab.Event) (Frame, error) {
	switch e.Type {
	case collab.EventPresence:
		return EncodeFrame(TypePresenceUpdate, e.Seq, e.Presence)
	case collab.EventOperationApplied:
		return EncodeFrame(TypeOperationApplied, e.Seq, e.Applied)
	case collab.EventConflictNotify:
		return EncodeFrame(TypeConflictNotify, e.Seq, e.Conflict)
	case collab.EventConflictResolved:
		return EncodeFrame(TypeConflictResolved, e.Seq, e.Conflict)
	}
	return Frame{}, fmt.Errorf("unknown event type %q", e.Type)
}

func DecodePayload(frame Frame, target any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return fmt.Errorf("decode %s frame: %w", frame.Type, err)
	}
	return nil
}
