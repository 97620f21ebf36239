// Package versionlog persists the canonical entity version recorded on
// every successful apply, so a room can be rebuilt after a restart. The
// engine stays memory-resident; this log is its recovery source.
package versionlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"workhub/collab/internal/collab"
)

// Memory is the default sink: process-local, lost on restart. Useful for
// development and tests.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]collab.VersionedEntity
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]collab.VersionedEntity)}
}

func (m *Memory) Record(ctx context.Context, documentID, entityID string, version int64, op collab.Operation, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		doc = make(map[string]collab.VersionedEntity)
		m.docs[documentID] = doc
	}
	doc[entityID] = collab.VersionedEntity{
		EntityID:      entityID,
		Version:       version,
		LastOperation: op,
		UpdatedAt:     at,
	}
	return nil
}

func (m *Memory) Load(ctx context.Context, documentID string) ([]collab.VersionedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[documentID]
	out := make([]collab.VersionedEntity, 0, len(doc))
	for _, e := range doc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
