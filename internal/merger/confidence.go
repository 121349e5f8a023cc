package merger

// Context carries the per-merge parameters that affect confidence
// scoring but aren't part of the static Config — currently just the
// language, which picks the language-specific multiplier.
type Context struct {
	Language string
}

var languageMultipliers = map[string]float64{
	"rust":       1.1,
	"typescript": 1.05,
	"go":         1.05,
	"python":     0.95,
}

// ConfidenceCalculator applies source weight, relation-type modifier,
// location bonus, and a language multiplier to a relationship's raw
// confidence, clamped to [0,1].
type ConfidenceCalculator struct {
	cfg Config
}

func NewConfidenceCalculator(cfg Config) ConfidenceCalculator {
	return ConfidenceCalculator{cfg: cfg}
}

// Calculate returns the final confidence score for r under ctx. The
// origin of r is read from its "source" metadata key.
func (c ConfidenceCalculator) Calculate(r Relationship, ctx Context) float64 {
	confidence := r.Confidence

	if origin, ok := r.Metadata["source"]; ok {
		if weight, ok := c.cfg.SourceWeights[Origin(origin)]; ok {
			confidence *= weight
		}
	}

	if modifier, ok := c.cfg.RelationTypeModifiers[r.RelationType]; ok {
		confidence *= modifier
	}

	if r.Location != nil {
		confidence += c.cfg.LocationAccuracyBonus
	}

	if mult, ok := languageMultipliers[ctx.Language]; ok {
		confidence *= mult
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
