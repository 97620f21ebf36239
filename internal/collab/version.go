package collab

import "time"

// versionStore holds the canonical version and last-applied operation for
// each editable entity in a room. Owned by the room actor; every call is
// serialized, so applies never race.
type versionStore struct {
	entities map[string]*VersionedEntity
}

func newVersionStore() *versionStore {
	return &versionStore{entities: make(map[string]*VersionedEntity)}
}

// current returns the canonical version for an entity, zero for entities the
// room has never seen.
func (s *versionStore) current(entityID string) int64 {
	if e, ok := s.entities[entityID]; ok {
		return e.Version
	}
	return 0
}

func (s *versionStore) lastOperation(entityID string) Operation {
	if e, ok := s.entities[entityID]; ok {
		return e.LastOperation
	}
	return Operation{}
}

// apply unconditionally records op as the new canonical state and returns
// the incremented version. Version gating happens in the room's tryApply;
// resolution paths call apply directly.
func (s *versionStore) apply(entityID string, op Operation, now time.Time) int64 {
	e, ok := s.entities[entityID]
	if !ok {
		e = &VersionedEntity{EntityID: entityID}
		s.entities[entityID] = e
	}
	e.Version++
	e.LastOperation = op
	e.UpdatedAt = now
	return e.Version
}

// seed installs a persisted version without bumping it, used to rebuild a
// room from the version sink after a restart.
func (s *versionStore) seed(entityID string, version int64, op Operation, updatedAt time.Time) {
	s.entities[entityID] = &VersionedEntity{
		EntityID:      entityID,
		Version:       version,
		LastOperation: op,
		UpdatedAt:     updatedAt,
	}
}
