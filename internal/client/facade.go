package client

import (
	"log"
	"sync"

	"workhub/collab/internal/collab"
	"workhub/collab/internal/transport"
)

// Facade folds the ordered room event stream into the state the UI binds
// to: connection status, the online/offline presence lists, and the pending
// conflict list. Events are de-duplicated by room sequence number, so
// at-least-once delivery and reconnect backfill never double-apply.
type Facade struct {
	client *Client

	mu        sync.RWMutex
	status    collab.ConnectionStatus
	self      collab.PresenceIndicator
	online    []collab.PresenceIndicator
	offline   []collab.PresenceIndicator
	conflicts []collab.CollaborationConflict
	versions  map[string]int64
	lastSeq   uint64
}

func newFacade(c *Client) *Facade {
	return &Facade{
		client:   c,
		status:   collab.StatusDisconnected,
		versions: make(map[string]int64),
	}
}

func (f *Facade) setStatus(s collab.ConnectionStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *Facade) ConnectionStatus() collab.ConnectionStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *Facade) Self() collab.PresenceIndicator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.self
}

func (f *Facade) OnlineUsers() []collab.PresenceIndicator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]collab.PresenceIndicator{}, f.online...)
}

func (f *Facade) OfflineUsers() []collab.PresenceIndicator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]collab.PresenceIndicator{}, f.offline...)
}

// UserPresence is one user with all of their online connections. The
// engine's unit of liveness is the connection; displays usually want one
// row per user.
type UserPresence struct {
	UserID      string
	UserName    string
	UserAvatar  string
	Connections []collab.PresenceIndicator
}

// OnlineByUser groups the online list by user id, ordered by each user's
// earliest join.
func (f *Facade) OnlineByUser() []UserPresence {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []UserPresence
	index := make(map[string]int)
	for _, p := range f.online {
		i, ok := index[p.UserID]
		if !ok {
			index[p.UserID] = len(out)
			out = append(out, UserPresence{UserID: p.UserID, UserName: p.UserName, UserAvatar: p.UserAvatar})
			i = len(out) - 1
		}
		out[i].Connections = append(out[i].Connections, p)
	}
	return out
}

// Conflicts returns the pending conflict list, oldest first.
func (f *Facade) Conflicts() []collab.CollaborationConflict {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]collab.CollaborationConflict{}, f.conflicts...)
}

// EntityVersion returns the last version the facade observed for an entity,
// zero when unknown. Callers use it as the base version for submissions.
func (f *Facade) EntityVersion(entityID string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.versions[entityID]
}

func (f *Facade) LastSeq() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSeq
}

// ResolveConflict forwards a participant's resolution decision to the room.
func (f *Facade) ResolveConflict(conflictID string, decision collab.Decision) error {
	return f.client.resolveConflict(conflictID, decision)
}

// applyRoomState seeds the facade from a join reply. A snapshot reply
// replaces the local view and jumps the event cursor to the server's
// current seq. A backfill reply (no snapshot) keeps the existing view and
// cursor: the replayed events carry seqs above the client's last-seen seq
// and fold in through applyFrame like live traffic.
func (f *Facade) applyRoomState(state transport.RoomStatePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.self = state.Self
	if state.Snapshot == nil {
		return
	}
	f.lastSeq = state.CurrentSeq
	f.online = append([]collab.PresenceIndicator{}, state.Snapshot.Online...)
	f.offline = append([]collab.PresenceIndicator{}, state.Snapshot.Offline...)
	f.conflicts = append([]collab.CollaborationConflict{}, state.Conflicts...)
}

// applyFrame folds one server frame into facade state.
func (f *Facade) applyFrame(frame transport.Frame) {
	switch frame.Type {
	case transport.TypePresenceUpdate:
		var snap collab.PresenceSnapshot
		if err := transport.DecodePayload(frame, &snap); err != nil {
			log.Printf("client: dropping malformed %s frame: %v", frame.Type, err)
			return
		}
		f.fold(frame.Seq, func() {
			f.online = snap.Online
			f.offline = snap.Offline
		})
	case transport.TypeOperationApplied:
		var applied collab.OperationApplied
		if err := transport.DecodePayload(frame, &applied); err != nil {
			log.Printf("client: dropping malformed %s frame: %v", frame.Type, err)
			return
		}
		f.fold(frame.Seq, func() {
			f.versions[applied.EntityID] = applied.NewVersion
		})
	case transport.TypeConflictNotify:
		var conflict collab.CollaborationConflict
		if err := transport.DecodePayload(frame, &conflict); err != nil {
			log.Printf("client: dropping malformed %s frame: %v", frame.Type, err)
			return
		}
		f.fold(frame.Seq, func() { f.upsertConflict(conflict) })
	case transport.TypeConflictResolved:
		var conflict collab.CollaborationConflict
		if err := transport.DecodePayload(frame, &conflict); err != nil {
			log.Printf("client: dropping malformed %s frame: %v", frame.Type, err)
			return
		}
		f.fold(frame.Seq, func() { f.removeConflict(conflict.ID) })
	case transport.TypeSlowDown:
		log.Printf("client: room asked us to slow down")
	case transport.TypeError:
		var payload transport.ErrorPayload
		if err := transport.DecodePayload(frame, &payload); err == nil {
			log.Printf("client: server error %s: %s", payload.Code, payload.Message)
		}
	}
}

// fold applies a mutation iff the frame advances the seq cursor.
func (f *Facade) fold(seq uint64, apply func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq <= f.lastSeq {
		return
	}
	f.lastSeq = seq
	apply()
}

func (f *Facade) upsertConflict(c collab.CollaborationConflict) {
	for i := range f.conflicts {
		if f.conflicts[i].ID == c.ID {
			f.conflicts[i] = c
			return
		}
	}
	f.conflicts = append(f.conflicts, c)
}

func (f *Facade) removeConflict(id string) {
	for i := range f.conflicts {
		if f.conflicts[i].ID == id {
			f.conflicts = append(f.conflicts[:i], f.conflicts[i+1:]...)
			return
		}
	}
}
