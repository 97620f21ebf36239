package collab

import (
	"fmt"
	"sort"
	"time"

	"workhub/collab/internal/util"
)

// queuedOp is an operation held back while its entity has an open conflict.
// It re-enters the submit path once the conflict resolves.
type queuedOp struct {
	ConnectionID string
	EntityID     string
	BaseVersion  int64
	Op           Operation
}

// ledger tracks a room's conflicts: at most one open conflict per entity,
// terminal records archived by id so repeated resolutions stay idempotent.
type ledger struct {
	open     map[string]*CollaborationConflict // by entity id
	byID     map[string]*CollaborationConflict // open and archived
	queued   map[string][]queuedOp
	classify ConflictClassifier
}

func newLedger(classify ConflictClassifier) *ledger {
	if classify == nil {
		classify = DefaultClassifier{}
	}
	return &ledger{
		open:     make(map[string]*CollaborationConflict),
		byID:     make(map[string]*CollaborationConflict),
		queued:   make(map[string][]queuedOp),
		classify: classify,
	}
}

func (l *ledger) hasOpen(entityID string) bool {
	_, ok := l.open[entityID]
	return ok
}

// detect records a new pending conflict for a stale submission. local is the
// operation already reflected in canonical state.
func (l *ledger) detect(entityID string, baseVersion int64, local, remote Operation, now time.Time) *CollaborationConflict {
	c := &CollaborationConflict{
		ID:              util.NewID("cfl"),
		EntityID:        entityID,
		EntityType:      remote.EntityType,
		BaseVersion:     baseVersion,
		LocalOperation:  local,
		RemoteOperation: remote,
		Message:         l.classify.Classify(local, remote),
		Status:          ConflictPending,
		CreatedAt:       now,
	}
	l.open[entityID] = c
	l.byID[c.ID] = c
	return c
}

// enqueue holds an operation behind an open conflict on its entity.
func (l *ledger) enqueue(q queuedOp) {
	l.queued[q.EntityID] = append(l.queued[q.EntityID], q)
}

// close marks a conflict terminal and releases any queued operations for its
// entity, in arrival order.
func (l *ledger) close(c *CollaborationConflict, status ConflictStatus, resolvedBy string, now time.Time) []queuedOp {
	c.Status = status
	resolvedAt := now
	c.ResolvedAt = &resolvedAt
	c.ResolvedBy = resolvedBy
	delete(l.open, c.EntityID)
	released := l.queued[c.EntityID]
	delete(l.queued, c.EntityID)
	return released
}

func (l *ledger) get(conflictID string) (*CollaborationConflict, bool) {
	c, ok := l.byID[conflictID]
	return c, ok
}

// pending lists open conflicts ordered by creation time.
func (l *ledger) pending() []CollaborationConflict {
	out := make([]CollaborationConflict, 0, len(l.open))
	for _, c := range l.open {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// expired returns open conflicts older than maxAge. A zero maxAge disables
// the auto-reject policy.
func (l *ledger) expired(now time.Time, maxAge time.Duration) []*CollaborationConflict {
	if maxAge <= 0 {
		return nil
	}
	var out []*CollaborationConflict
	for _, c := range l.open {
		if now.Sub(c.CreatedAt) > maxAge {
			out = append(out, c)
		}
	}
	return out
}

// ConflictClassifier produces the human-readable conflict message shown in
// the conflicts list. Pluggable so entity-specific classifiers can replace
// the generic wording.
type ConflictClassifier interface {
	Classify(local, remote Operation) string
}

// DefaultClassifier describes the competing operations generically.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(local, remote Operation) string {
	if local.Kind == OpSetField && remote.Kind == OpSetField && local.Field == remote.Field {
		return fmt.Sprintf("both edited field %q", local.Field)
	}
	return fmt.Sprintf("one %s, one %s", local.describe(), remote.describe())
}
