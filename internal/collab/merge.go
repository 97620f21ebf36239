package collab

// MergeStrategy combines the two sides of a conflict into one synthetic
// operation for a merged resolution. Strategies are registered per entity
// type; the engine does not fix a text-merge algorithm.
type MergeStrategy interface {
	Merge(entityType string, local, remote Operation) (Operation, error)
}

// FieldMerge is the default strategy: the non-overlapping parts of the
// remote operation are applied on top of canonical state. When every remote
// part overlaps the local operation the strategy falls back to the remote
// side, which makes an all-overlap merge behave like an accept.
type FieldMerge struct{}

func (FieldMerge) Merge(entityType string, local, remote Operation) (Operation, error) {
	var kept []Operation
	for _, part := range remote.parts() {
		if !part.Overlaps(local) {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return remote, nil
	}
	if len(kept) == 1 {
		return kept[0], nil
	}
	return Operation{
		Kind:       OpBatch,
		EntityType: entityType,
		ActorID:    remote.ActorID,
		Parts:      kept,
	}, nil
}

// StrategyTable routes merges by entity type with a fallback strategy.
type StrategyTable struct {
	byType   map[string]MergeStrategy
	fallback MergeStrategy
}

func NewStrategyTable(fallback MergeStrategy) *StrategyTable {
	if fallback == nil {
		fallback = FieldMerge{}
	}
	return &StrategyTable{byType: make(map[string]MergeStrategy), fallback: fallback}
}

func (t *StrategyTable) Register(entityType string, s MergeStrategy) {
	t.byType[entityType] = s
}

func (t *StrategyTable) Merge(entityType string, local, remote Operation) (Operation, error) {
	if s, ok := t.byType[entityType]; ok {
		return s.Merge(entityType, local, remote)
	}
	return t.fallback.Merge(entityType, local, remote)
}
