package merger

import "math"

// ConflictType classifies why a group of same-(source,target)
// relationships disagree, in priority order: a type mismatch always
// wins classification over a confidence disparity, which wins over a
// source contradiction, which falls back to symbol ambiguity.
type ConflictType string

const (
	ConflictRelationTypeMismatch ConflictType = "relation_type_mismatch"
	ConflictConfidenceDisparity ConflictType = "confidence_disparity"
	ConflictSourceContradiction ConflictType = "source_contradiction"
	ConflictSymbolAmbiguity     ConflictType = "symbol_ambiguity"
)

type conflictSet struct {
	relationships []Relationship
	conflictType  ConflictType
}

// detectConflicts groups relationships by (source, target) and
// reports every group of size ≥ 2 as a conflict, classified by type.
func detectConflicts(relationships []Relationship) []conflictSet {
	groups := make(map[[2]string][]Relationship)
	order := make([][2]string, 0)
	for _, r := range relationships {
		k := [2]string{r.SourceUID, r.TargetUID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var conflicts []conflictSet
	for _, k := range order {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		conflicts = append(conflicts, conflictSet{
			relationships: group,
			conflictType:  classifyConflict(group),
		})
	}
	return conflicts
}

func classifyConflict(group []Relationship) ConflictType {
	types := make(map[RelationType]struct{})
	for _, r := range group {
		types[r.RelationType] = struct{}{}
	}
	if len(types) > 1 {
		return ConflictRelationTypeMismatch
	}

	minConf, maxConf := math.Inf(1), math.Inf(-1)
	for _, r := range group {
		if r.Confidence < minConf {
			minConf = r.Confidence
		}
		if r.Confidence > maxConf {
			maxConf = r.Confidence
		}
	}
	if maxConf-minConf > 0.3 {
		return ConflictConfidenceDisparity
	}

	sources := make(map[string]struct{})
	for _, r := range group {
		if s, ok := r.Metadata["source"]; ok {
			sources[s] = struct{}{}
		}
	}
	if len(sources) > 1 {
		return ConflictSourceContradiction
	}

	return ConflictSymbolAmbiguity
}

// CustomResolver delegates resolution of conflict groups the
// configured strategies don't handle.
type CustomResolver interface {
	Resolve(group []Relationship, ctx Context) []Relationship
}

func resolveConflicts(cfg Config, calc ConfidenceCalculator, relationships []Relationship, ctx Context, custom CustomResolver) []Relationship {
	conflicts := detectConflicts(relationships)
	if len(conflicts) == 0 {
		return relationships
	}

	inConflict := make(map[relKey]struct{})
	var resolved []Relationship
	for _, cs := range conflicts {
		for _, r := range cs.relationships {
			inConflict[r.key()] = struct{}{}
		}
		resolved = append(resolved, resolveConflictSet(cfg, calc, cs, ctx, custom)...)
	}

	for _, r := range relationships {
		if _, ok := inConflict[r.key()]; !ok {
			resolved = append(resolved, r)
		}
	}
	return resolved
}

func resolveConflictSet(cfg Config, calc ConfidenceCalculator, cs conflictSet, ctx Context, custom CustomResolver) []Relationship {
	switch cfg.ConflictResolution {
	case ResolutionPreferSemantic:
		if picked := filterByOrigin(cs.relationships, OriginSemantic); len(picked) > 0 {
			return picked
		}
		return highestConfidence(calc, cs.relationships, ctx)
	case ResolutionPreferStructural:
		if picked := filterByOrigin(cs.relationships, OriginStructural); len(picked) > 0 {
			return picked
		}
		return highestConfidence(calc, cs.relationships, ctx)
	case ResolutionKeepAll:
		out := cloneRelationships(cs.relationships)
		for i := range out {
			setMetadata(&out[i], "conflict_type", string(cs.conflictType))
			setMetadata(&out[i], "in_conflict_set", "true")
		}
		return out
	case ResolutionCustom:
		if custom != nil {
			return custom.Resolve(cs.relationships, ctx)
		}
		return highestConfidence(calc, cs.relationships, ctx)
	case ResolutionHighestConfidence:
		fallthrough
	default:
		return highestConfidence(calc, cs.relationships, ctx)
	}
}

func filterByOrigin(relationships []Relationship, origin Origin) []Relationship {
	var out []Relationship
	for _, r := range relationships {
		if Origin(r.Metadata["source"]) == origin {
			out = append(out, r)
		}
	}
	return out
}

func highestConfidence(calc ConfidenceCalculator, relationships []Relationship, ctx Context) []Relationship {
	if len(relationships) == 0 {
		return nil
	}
	best := relationships[0]
	bestScore := calc.Calculate(best, ctx)
	for _, r := range relationships[1:] {
		score := calc.Calculate(r, ctx)
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	return []Relationship{best}
}
