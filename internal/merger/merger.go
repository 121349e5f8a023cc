package merger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Metrics accumulates counters across merge calls, exposed for the
// cache façade's stats surface.
type Metrics struct {
	TotalProcessed       uint64
	ConflictsDetected    uint64
	ConflictsResolved    uint64
	DuplicatesRemoved    uint64
	ConfidenceAdjustments uint64
	ValidationErrors     uint64
}

// Merger fuses structural and semantic relationship streams. It is
// safe for concurrent use; each Merge call is independent.
type Merger struct {
	cfg    Config
	calc   ConfidenceCalculator
	custom CustomResolver

	mu      sync.Mutex
	metrics Metrics
}

// New constructs a Merger from cfg. custom may be nil; it is only
// consulted when ConflictResolution is ResolutionCustom.
func New(cfg Config, custom CustomResolver) *Merger {
	return &Merger{cfg: cfg, calc: NewConfidenceCalculator(cfg), custom: custom}
}

// Metrics returns a snapshot of accumulated counters.
func (m *Merger) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Merger) addMetrics(delta Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.TotalProcessed += delta.TotalProcessed
	m.metrics.ConflictsDetected += delta.ConflictsDetected
	m.metrics.ConflictsResolved += delta.ConflictsResolved
	m.metrics.DuplicatesRemoved += delta.DuplicatesRemoved
	m.metrics.ConfidenceAdjustments += delta.ConfidenceAdjustments
	m.metrics.ValidationErrors += delta.ValidationErrors
}

// Merge runs the full pipeline: preprocess, strategy, conflict
// detection/resolution, deduplication, confidence scoring, validation
// and limits. Large inputs are routed to parallel batch processing
// when the configured thresholds permit it.
func (m *Merger) Merge(ctx context.Context, structural, semantic []Relationship, mergeCtx Context) ([]Relationship, error) {
	total := len(structural) + len(semantic)
	if m.cfg.BatchSizeThreshold > 0 && total > m.cfg.BatchSizeThreshold {
		if ok, err := m.withinMemoryBudget(total); err == nil && ok {
			return m.mergeParallel(ctx, structural, semantic, mergeCtx)
		}
	}
	return m.mergeSequential(structural, semantic, mergeCtx)
}

// withinMemoryBudget estimates memory use at ~500 bytes/relationship,
// matching the original's rough-estimate check.
func (m *Merger) withinMemoryBudget(total int) (bool, error) {
	if m.cfg.MemoryLimitMB <= 0 {
		return true, nil
	}
	estimatedMB := (total * 500) / (1024 * 1024)
	return estimatedMB <= m.cfg.MemoryLimitMB, nil
}

func (m *Merger) mergeSequential(structural, semantic []Relationship, mergeCtx Context) ([]Relationship, error) {
	var delta Metrics

	structural = preprocess(structural, OriginStructural)
	semantic = preprocess(semantic, OriginSemantic)

	combined := applyStrategy(m.cfg.MergeStrategy, structural, semantic)

	conflicts := detectConflicts(combined)
	delta.ConflictsDetected = uint64(len(conflicts))
	resolved := resolveConflicts(m.cfg, m.calc, combined, mergeCtx, m.custom)
	delta.ConflictsResolved = uint64(len(conflicts))

	beforeDedup := len(resolved)
	deduped := deduplicate(m.cfg, resolved)
	delta.DuplicatesRemoved = uint64(beforeDedup - len(deduped))

	scored, adjustments := m.scoreConfidence(deduped, mergeCtx)
	delta.ConfidenceAdjustments = adjustments

	validated, validationErrors := m.validateAndFilter(scored)
	delta.ValidationErrors = validationErrors
	delta.TotalProcessed = uint64(len(validated))

	m.addMetrics(delta)
	return validated, nil
}

func (m *Merger) mergeParallel(ctx context.Context, structural, semantic []Relationship, mergeCtx Context) ([]Relationship, error) {
	batchSize := m.cfg.BatchSizeThreshold / 2
	if batchSize <= 0 {
		batchSize = 1
	}
	structChunks := chunk(structural, batchSize)
	semChunks := chunk(semantic, batchSize)
	chunks := len(structChunks)
	if len(semChunks) > chunks {
		chunks = len(semChunks)
	}

	maxConcurrent := int64(m.cfg.MaxConcurrentMerges)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	results := make([][]Relationship, chunks)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < chunks; i++ {
		i := i
		var sChunk, semChunk []Relationship
		if i < len(structChunks) {
			sChunk = structChunks[i]
		}
		if i < len(semChunks) {
			semChunk = semChunks[i]
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquire merge slot: %w", err)
			}
			defer sem.Release(1)

			batch, err := m.mergeSequential(sChunk, semChunk, mergeCtx)
			if err != nil {
				return err
			}
			results[i] = batch
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Relationship
	for _, r := range results {
		all = append(all, r...)
	}

	deduped := deduplicate(m.cfg, all)
	validated, validationErrors := m.validateAndFilter(deduped)
	m.addMetrics(Metrics{ValidationErrors: validationErrors, TotalProcessed: uint64(len(validated))})
	return validated, nil
}

func chunk(in []Relationship, size int) [][]Relationship {
	if len(in) == 0 {
		return nil
	}
	var out [][]Relationship
	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[i:end])
	}
	return out
}

func preprocess(relationships []Relationship, origin Origin) []Relationship {
	out := cloneRelationships(relationships)
	stamp := nowStamp()
	for i := range out {
		setMetadata(&out[i], "source", string(origin))
		setMetadata(&out[i], "processed_at", stamp)
	}
	return out
}

func (m *Merger) scoreConfidence(relationships []Relationship, ctx Context) ([]Relationship, uint64) {
	var adjustments uint64
	out := make([]Relationship, len(relationships))
	for i, r := range relationships {
		original := r.Confidence
		final := m.calc.Calculate(r, ctx)
		r.Confidence = final
		setMetadata(&r, "original_confidence", fmt.Sprintf("%.4f", original))
		setMetadata(&r, "final_confidence", fmt.Sprintf("%.4f", final))
		if diff := final - original; diff > 0.01 || diff < -0.01 {
			adjustments++
		}
		out[i] = r
	}
	return out, adjustments
}

func (m *Merger) validateAndFilter(relationships []Relationship) ([]Relationship, uint64) {
	var validationErrors uint64
	var kept []Relationship

	for _, r := range relationships {
		if r.Confidence < m.cfg.ConfidenceThreshold {
			continue
		}
		if m.cfg.StrictValidation {
			if err := validate(r); err != nil {
				validationErrors++
				continue
			}
		}
		kept = append(kept, r)
	}

	kept = applyRelationshipLimits(kept, m.cfg.MaxRelationshipsPerSymbol)
	return kept, validationErrors
}

func validate(r Relationship) error {
	if r.SourceUID == "" {
		return fmt.Errorf("source uid is empty")
	}
	if r.TargetUID == "" {
		return fmt.Errorf("target uid is empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %f", r.Confidence)
	}
	return nil
}

func applyRelationshipLimits(relationships []Relationship, maxPerSymbol int) []Relationship {
	if maxPerSymbol <= 0 {
		return relationships
	}

	sorted := make([]Relationship, len(relationships))
	copy(sorted, relationships)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	counts := make(map[string]int)
	var out []Relationship
	for _, r := range sorted {
		if counts[r.SourceUID] < maxPerSymbol {
			out = append(out, r)
			counts[r.SourceUID]++
		}
	}
	return out
}
