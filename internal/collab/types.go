// Package collab implements the room-scoped real-time collaboration engine:
// presence tracking, optimistic-concurrency version checks, conflict
// detection and resolution, and ordered event fanout to room subscribers.
package collab

import "time"

// ConnectionStatus is the client-visible transport lifecycle state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Only connected may enter reconnecting, only connecting/reconnecting
// may enter connected, and disconnected is reachable from anywhere.
func (s ConnectionStatus) CanTransition(next ConnectionStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	switch next {
	case StatusDisconnected:
		return true
	case StatusConnecting:
		return s == StatusDisconnected
	case StatusConnected:
		return s == StatusConnecting || s == StatusReconnecting
	case StatusReconnecting:
		return s == StatusConnected
	}
	return false
}

// PresenceIndicator is one roster entry. The unit of liveness is the
// connection, not the user: the same user in two tabs is two entries.
type PresenceIndicator struct {
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName"`
	UserAvatar    string    `json:"userAvatar,omitempty"`
	CurrentAction string    `json:"currentAction,omitempty"`
	ConnectionID  string    `json:"connectionId"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	JoinSeq       uint64    `json:"joinSeq"`
}

// PresenceSnapshot partitions a room roster into disjoint online and offline
// sets, both ordered by JoinSeq ascending.
type PresenceSnapshot struct {
	Online  []PresenceIndicator `json:"online"`
	Offline []PresenceIndicator `json:"offline"`
}

// ConflictStatus is the lifecycle state of a CollaborationConflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictAccepted ConflictStatus = "accepted"
	ConflictRejected ConflictStatus = "rejected"
	ConflictMerged   ConflictStatus = "merged"
)

func (s ConflictStatus) Terminal() bool {
	return s == ConflictAccepted || s == ConflictRejected || s == ConflictMerged
}

// Decision is the resolution verb a participant issues against a pending
// conflict. The decision values are exactly the terminal conflict statuses.
type Decision = ConflictStatus

// CollaborationConflict records a version mismatch between a submitted
// operation and the canonical entity version. LocalOperation is the
// operation already reflected in canonical state; RemoteOperation is the
// stale submission held pending resolution.
type CollaborationConflict struct {
	ID              string         `json:"id"`
	EntityID        string         `json:"entityId"`
	EntityType      string         `json:"entityType"`
	BaseVersion     int64          `json:"baseVersion"`
	LocalOperation  Operation      `json:"localOperation"`
	RemoteOperation Operation      `json:"remoteOperation"`
	Message         string         `json:"message"`
	Status          ConflictStatus `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy      string         `json:"resolvedBy,omitempty"`
}

// VersionedEntity is the canonical revision record for one editable entity.
// Owned exclusively by the room actor; mutated only through tryApply and
// conflict resolution.
type VersionedEntity struct {
	EntityID      string    `json:"entityId"`
	Version       int64     `json:"version"`
	LastOperation Operation `json:"lastOperation"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EventType discriminates room broadcast events.
type EventType string

const (
	EventPresence         EventType = "presence-update"
	EventOperationApplied EventType = "operation-applied"
	EventConflictNotify   EventType = "conflict-notify"
	EventConflictResolved EventType = "conflict-resolved"
)

// OperationApplied reports a successful apply to room subscribers.
type OperationApplied struct {
	EntityID   string `json:"entityId"`
	NewVersion int64  `json:"newVersion"`
}

// Event is one entry in a room's ordered broadcast stream. Seq is the
// room-scoped monotone sequence number subscribers de-duplicate by.
type Event struct {
	Seq      uint64                 `json:"seq"`
	Type     EventType              `json:"type"`
	At       time.Time              `json:"at"`
	Presence *PresenceSnapshot      `json:"presence,omitempty"`
	Applied  *OperationApplied      `json:"applied,omitempty"`
	Conflict *CollaborationConflict `json:"conflict,omitempty"`
}

// RoomStats is the read-only operational view served by the /rooms endpoint.
type RoomStats struct {
	DocumentID   string `json:"documentId"`
	Online       int    `json:"online"`
	Offline      int    `json:"offline"`
	OpenConflict int    `json:"openConflicts"`
	LastSeq      uint64 `json:"lastSeq"`
}
