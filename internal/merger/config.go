package merger

import "github.com/coderisk/cachecore/internal/config"

// Strategy selects how structural and semantic streams are combined
// before conflict detection.
type Strategy string

const (
	StrategyStructuralOnly     Strategy = "structural_only"
	StrategySemanticOnly       Strategy = "semantic_only"
	StrategySemanticPreferred  Strategy = "semantic_preferred"
	StrategyComplementary      Strategy = "complementary"
	StrategyWeightedCombination Strategy = "weighted_combination"
)

// ConflictResolution selects how a group of relationships sharing
// (source, target) is reduced.
type ConflictResolution string

const (
	ResolutionHighestConfidence ConflictResolution = "highest_confidence"
	ResolutionPreferSemantic    ConflictResolution = "prefer_semantic"
	ResolutionPreferStructural  ConflictResolution = "prefer_structural"
	ResolutionKeepAll           ConflictResolution = "keep_all"
	ResolutionCustom            ConflictResolution = "custom"
)

// DeduplicationStrategy selects how near-identical relationships
// within a combined stream are collapsed.
type DeduplicationStrategy string

const (
	DedupExact      DeduplicationStrategy = "exact"
	DedupFuzzy      DeduplicationStrategy = "fuzzy"
	DedupPositional DeduplicationStrategy = "positional"
	DedupCombined   DeduplicationStrategy = "combined"
)

// Config mirrors config.MergerConfig with its string-valued knobs
// parsed into the pipeline's own enums.
type Config struct {
	MergeStrategy             Strategy
	ConflictResolution        ConflictResolution
	DeduplicationStrategy     DeduplicationStrategy
	ConfidenceThreshold       float64
	MaxRelationshipsPerSymbol int
	SourceWeights             map[Origin]float64
	RelationTypeModifiers     map[RelationType]float64
	LocationAccuracyBonus     float64
	StrictValidation          bool
	MaxConcurrentMerges       int
	BatchSizeThreshold        int
	MemoryLimitMB             int
	FuzzyThreshold            float64
	PositionalTolerance       uint32
}

// FromConfig translates the loaded cache-core configuration into a
// pipeline Config.
func FromConfig(c config.MergerConfig) Config {
	weights := make(map[Origin]float64, len(c.SourceWeights))
	for k, v := range c.SourceWeights {
		weights[Origin(k)] = v
	}
	modifiers := make(map[RelationType]float64, len(c.RelationTypeModifiers))
	for k, v := range c.RelationTypeModifiers {
		modifiers[RelationType(k)] = v
	}
	return Config{
		MergeStrategy:             Strategy(c.MergeStrategy),
		ConflictResolution:        ConflictResolution(c.ConflictResolution),
		DeduplicationStrategy:     DeduplicationStrategy(c.DeduplicationStrategy),
		ConfidenceThreshold:       c.ConfidenceThreshold,
		MaxRelationshipsPerSymbol: c.MaxRelationshipsPerSymbol,
		SourceWeights:             weights,
		RelationTypeModifiers:     modifiers,
		LocationAccuracyBonus:     c.LocationAccuracyBonus,
		StrictValidation:          c.StrictValidation,
		MaxConcurrentMerges:       c.MaxConcurrentMerges,
		BatchSizeThreshold:        c.BatchSizeThreshold,
		MemoryLimitMB:             c.MemoryLimitMB,
		FuzzyThreshold:            c.FuzzyThreshold,
		PositionalTolerance:       c.PositionalTolerance,
	}
}
