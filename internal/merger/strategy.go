package merger

// applyStrategy combines the structural and semantic streams per the
// configured Strategy. WeightedCombination and SemanticPreferred both
// rely on the downstream conflict/dedup stages to settle overlaps.
func applyStrategy(strategy Strategy, structural, semantic []Relationship) []Relationship {
	switch strategy {
	case StrategyStructuralOnly:
		return structural
	case StrategySemanticOnly:
		return semantic
	case StrategySemanticPreferred:
		return mergeSemanticPreferred(structural, semantic)
	case StrategyComplementary:
		return mergeComplementary(structural, semantic)
	case StrategyWeightedCombination:
		fallthrough
	default:
		combined := make([]Relationship, 0, len(structural)+len(semantic))
		combined = append(combined, structural...)
		combined = append(combined, semantic...)
		return combined
	}
}

func mergeSemanticPreferred(structural, semantic []Relationship) []Relationship {
	present := make(map[relKey]struct{}, len(semantic))
	for _, r := range semantic {
		present[r.key()] = struct{}{}
	}

	result := make([]Relationship, 0, len(structural)+len(semantic))
	result = append(result, semantic...)
	for _, r := range structural {
		if _, conflict := present[r.key()]; !conflict {
			result = append(result, r)
		}
	}
	return result
}

func mergeComplementary(structural, semantic []Relationship) []Relationship {
	var result []Relationship
	for _, r := range structural {
		if r.RelationType.IsStructural() {
			result = append(result, r)
		}
	}
	for _, r := range semantic {
		if r.RelationType.IsUsage() {
			result = append(result, r)
		}
	}
	return result
}
