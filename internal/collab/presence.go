package collab

import (
	"sort"
	"time"
)

// roster is the per-room presence table, keyed by connection id. It is owned
// by the room actor and is not safe for concurrent use.
type roster struct {
	entries   map[string]*PresenceIndicator
	nextJoin  uint64
	liveness  time.Duration
	retention time.Duration
}

func newRoster(liveness, retention time.Duration) *roster {
	return &roster{
		entries:   make(map[string]*PresenceIndicator),
		liveness:  liveness,
		retention: retention,
	}
}

// join adds or refreshes a roster entry and assigns its JoinSeq. Rejoining
// with a known connection id keeps the original JoinSeq so presence ordering
// stays stable across reconnects.
func (r *roster) join(p PresenceIndicator, now time.Time) PresenceIndicator {
	if existing, ok := r.entries[p.ConnectionID]; ok {
		existing.UserID = p.UserID
		existing.UserName = p.UserName
		existing.UserAvatar = p.UserAvatar
		existing.LastSeenAt = now
		return *existing
	}
	r.nextJoin++
	p.JoinSeq = r.nextJoin
	p.LastSeenAt = now
	r.entries[p.ConnectionID] = &p
	return p
}

func (r *roster) heartbeat(connectionID string, now time.Time) bool {
	entry, ok := r.entries[connectionID]
	if !ok {
		return false
	}
	entry.LastSeenAt = now
	return true
}

func (r *roster) setAction(connectionID, action string, now time.Time) bool {
	entry, ok := r.entries[connectionID]
	if !ok {
		return false
	}
	entry.CurrentAction = action
	entry.LastSeenAt = now
	return true
}

// leave removes the connection from the roster entirely. Unlike a liveness
// timeout, an explicit leave does not linger in the offline partition.
func (r *roster) leave(connectionID string) bool {
	if _, ok := r.entries[connectionID]; !ok {
		return false
	}
	delete(r.entries, connectionID)
	return true
}

func (r *roster) online(p *PresenceIndicator, now time.Time) bool {
	return now.Sub(p.LastSeenAt) <= r.liveness
}

// sweep purges offline entries past the retention ceiling. It reports
// whether the roster changed, so the room can decide to rebroadcast.
func (r *roster) sweep(now time.Time) bool {
	changed := false
	for id, entry := range r.entries {
		if r.online(entry, now) {
			continue
		}
		if now.Sub(entry.LastSeenAt) > r.retention {
			delete(r.entries, id)
			changed = true
		}
	}
	return changed
}

// snapshot partitions the roster into online and offline, each sorted by
// JoinSeq ascending. The two sets are disjoint by construction.
func (r *roster) snapshot(now time.Time) PresenceSnapshot {
	snap := PresenceSnapshot{
		Online:  []PresenceIndicator{},
		Offline: []PresenceIndicator{},
	}
	for _, entry := range r.entries {
		if r.online(entry, now) {
			snap.Online = append(snap.Online, *entry)
		} else {
			snap.Offline = append(snap.Offline, *entry)
		}
	}
	sort.Slice(snap.Online, func(i, j int) bool { return snap.Online[i].JoinSeq < snap.Online[j].JoinSeq })
	sort.Slice(snap.Offline, func(i, j int) bool { return snap.Offline[i].JoinSeq < snap.Offline[j].JoinSeq })
	return snap
}

func (r *roster) counts(now time.Time) (online, offline int) {
	for _, entry := range r.entries {
		if r.online(entry, now) {
			online++
		} else {
			offline++
		}
	}
	return online, offline
}

func (r *roster) empty() bool {
	return len(r.entries) == 0
}
