package enhancer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/coderisk/cachecore/internal/config"
	"github.com/coderisk/cachecore/internal/errs"
	"github.com/coderisk/cachecore/internal/identity"
	"github.com/coderisk/cachecore/internal/merger"
)

// SymbolRequest names the symbol to enhance and, optionally, a subset
// of operations narrower than DefaultOperations.
type SymbolRequest struct {
	UID        string
	Position   Position
	Operations []Operation
}

// SymbolError carries the symbol and operation a hard error occurred
// under, so callers can log or retry with context instead of a bare
// error.
type SymbolError struct {
	UID       string
	Operation Operation
	Err       error
}

func (e *SymbolError) Error() string {
	return "enhancer: " + e.UID + " (" + string(e.Operation) + "): " + e.Err.Error()
}

func (e *SymbolError) Unwrap() error { return e.Err }

// Result is one symbol's enhancement outcome: whatever relationships
// were obtained plus any hard errors encountered along the way. A
// per-operation timeout is a soft failure and never appears here — the
// symbol simply yields fewer relationships.
type Result struct {
	Relationships []merger.Relationship
	Errors        []SymbolError
}

// Driver fans a symbol out across the enabled LSP operations, bounding
// concurrency with a local token bucket and, optionally, a
// Redis-shared distributed budget.
type Driver struct {
	client         LSPClient
	timeout        time.Duration
	maxConcurrency int
	budget         *budget
	results        *ResultCache
	logger         *logrus.Logger
}

// New builds a Driver. client must be non-nil; process supervision
// and transport for it live outside this package.
func New(cfg config.EnhancerConfig, client LSPClient, logger *logrus.Logger) (*Driver, error) {
	if client == nil {
		return nil, errs.New(errs.ConfigError, "enhancer: LSPClient is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	b := &budget{}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		b.local = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	var results *ResultCache
	if cfg.DistributedLimiter {
		dl, err := NewDistributedLimiter(cfg.RedisAddr, "default", cfg.RatePerSecond)
		if err != nil {
			return nil, err
		}
		b.distributed = dl

		rc, err := NewResultCache(cfg.RedisAddr, cfg.RequestTimeout*60, logger)
		if err != nil {
			return nil, err
		}
		results = rc
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	return &Driver{
		client:         client,
		timeout:        timeout,
		maxConcurrency: maxConcurrency,
		budget:         b,
		results:        results,
		logger:         logger,
	}, nil
}

// Close releases the distributed limiter's and result cache's Redis
// connections, if any.
func (d *Driver) Close() error {
	if d.budget != nil && d.budget.distributed != nil {
		if err := d.budget.distributed.Close(); err != nil {
			return err
		}
	}
	if d.results != nil {
		return d.results.Close()
	}
	return nil
}

// Enhance issues every requested operation for one symbol. A timeout
// on an individual operation is swallowed as a soft failure; every
// other error is collected and returned alongside whatever edges the
// other operations produced.
func (d *Driver) Enhance(ctx context.Context, req SymbolRequest) Result {
	ops := req.Operations
	if len(ops) == 0 {
		ops = DefaultOperations
	}

	var result Result
	for _, op := range ops {
		if edges, hit := d.results.Get(ctx, req.UID, op); hit {
			result.Relationships = append(result.Relationships, edgesToRelationships(req.UID, op, edges)...)
			continue
		}

		if err := d.budget.wait(ctx); err != nil {
			result.Errors = append(result.Errors, SymbolError{UID: req.UID, Operation: op, Err: err})
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, d.timeout)
		edges, err := d.invoke(opCtx, op, req.Position)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				d.logger.WithFields(logrus.Fields{"symbol": req.UID, "op": op}).Debug("enhancer: operation timed out, yielding partial result")
				continue
			}
			result.Errors = append(result.Errors, SymbolError{UID: req.UID, Operation: op, Err: err})
			continue
		}

		d.results.Set(ctx, req.UID, op, edges)
		result.Relationships = append(result.Relationships, edgesToRelationships(req.UID, op, edges)...)
	}
	return result
}

// EnhanceBatch runs Enhance for every request, bounded by
// maxConcurrency. The returned slice preserves the input order.
func (d *Driver) EnhanceBatch(ctx context.Context, reqs []SymbolRequest) []Result {
	results := make([]Result, len(reqs))
	sem := semaphore.NewWeighted(int64(d.maxConcurrency))

	var wg sync.WaitGroup
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Errors: []SymbolError{{UID: req.UID, Err: errs.Wrap(err, errs.Timeout, "acquire enhancer slot")}}}
				return
			}
			defer sem.Release(1)
			results[i] = d.Enhance(ctx, req)
		}()
	}
	wg.Wait()
	return results
}

func (d *Driver) invoke(ctx context.Context, op Operation, pos Position) ([]Edge, error) {
	switch op {
	case OpReferences:
		return d.client.References(ctx, pos)
	case OpDefinition:
		return d.client.Definition(ctx, pos)
	case OpIncomingCalls:
		return d.client.IncomingCalls(ctx, pos)
	case OpOutgoingCalls:
		return d.client.OutgoingCalls(ctx, pos)
	case OpImplementation:
		return d.client.Implementation(ctx, pos)
	default:
		return nil, errs.Newf(errs.ConfigError, "enhancer: unknown operation %q", op)
	}
}

// ComputeFunc adapts the driver into the compute_fn shape the cache's
// in-memory tier calls on a miss, restricting the fan-out to the two
// call-hierarchy operations that feed identity.CallHierarchyInfo.
func (d *Driver) ComputeFunc(symbolUID string, pos Position) func(ctx context.Context) (identity.CallHierarchyInfo, error) {
	return func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		req := SymbolRequest{UID: symbolUID, Position: pos, Operations: []Operation{OpIncomingCalls, OpOutgoingCalls}}
		result := d.Enhance(ctx, req)

		info := identity.CallHierarchyInfo{
			Incoming: edgesToCalls(result, OpIncomingCalls),
			Outgoing: edgesToCalls(result, OpOutgoingCalls),
		}

		if len(result.Errors) > 0 && len(result.Relationships) == 0 {
			return info, result.Errors[0].Err
		}
		return info, nil
	}
}

func edgesToCalls(result Result, op Operation) []identity.Call {
	var calls []identity.Call
	for _, r := range result.Relationships {
		if r.Metadata["lsp_operation"] != string(op) {
			continue
		}
		calls = append(calls, identity.Call{
			Item: identity.CallItem{
				Name: r.Metadata["target_name"],
				File: r.Metadata["target_file"],
				Kind: r.Metadata["target_kind"],
			},
			CallSiteLoc: locationToRange(r.Location),
		})
	}
	return calls
}

func relationTypeFor(op Operation) merger.RelationType {
	switch op {
	case OpIncomingCalls, OpOutgoingCalls:
		return merger.RelationCalls
	case OpImplementation:
		return merger.RelationImplements
	default:
		return merger.RelationReferences
	}
}

func edgesToRelationships(symbolUID string, op Operation, edges []Edge) []merger.Relationship {
	relType := relationTypeFor(op)
	out := make([]merger.Relationship, 0, len(edges))
	for _, e := range edges {
		rel := merger.Relationship{
			SourceUID:    symbolUID,
			TargetUID:    e.TargetUID,
			RelationType: relType,
			Confidence:   0.75,
			Metadata: map[string]string{
				"source":        string(merger.OriginSemantic),
				"lsp_operation": string(op),
				"target_name":   e.TargetName,
				"target_file":   e.TargetFile,
				"target_kind":   e.TargetKind,
			},
		}
		if e.Location != nil {
			rel.Location = &merger.Location{
				StartLine: e.Location.StartLine,
				StartChar: e.Location.StartChar,
				EndLine:   e.Location.EndLine,
				EndChar:   e.Location.EndChar,
			}
		}
		out = append(out, rel)
	}
	return out
}

func locationToRange(loc *merger.Location) identity.Range {
	if loc == nil {
		return identity.Range{}
	}
	return identity.Range{StartLine: loc.StartLine, StartCol: loc.StartChar, EndLine: loc.EndLine, EndCol: loc.EndChar}
}
