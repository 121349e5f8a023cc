package enhancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderisk/cachecore/internal/config"
	"github.com/coderisk/cachecore/internal/merger"
)

type fakeLSPClient struct {
	referencesDelay time.Duration
	referencesEdges []Edge
	referencesErr   error

	incomingEdges []Edge
	outgoingEdges []Edge

	definitionErr error
}

func (f *fakeLSPClient) References(ctx context.Context, pos Position) ([]Edge, error) {
	if f.referencesDelay > 0 {
		select {
		case <-time.After(f.referencesDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.referencesErr != nil {
		return nil, f.referencesErr
	}
	return f.referencesEdges, nil
}

func (f *fakeLSPClient) Definition(ctx context.Context, pos Position) ([]Edge, error) {
	if f.definitionErr != nil {
		return nil, f.definitionErr
	}
	return nil, nil
}

func (f *fakeLSPClient) IncomingCalls(ctx context.Context, pos Position) ([]Edge, error) {
	return f.incomingEdges, nil
}

func (f *fakeLSPClient) OutgoingCalls(ctx context.Context, pos Position) ([]Edge, error) {
	return f.outgoingEdges, nil
}

func (f *fakeLSPClient) Implementation(ctx context.Context, pos Position) ([]Edge, error) {
	return nil, nil
}

func testCfg() config.EnhancerConfig {
	return config.EnhancerConfig{
		Enabled:        true,
		RequestTimeout: 30 * time.Millisecond,
		MaxConcurrency: 4,
		RatePerSecond:  1000,
		RateBurst:      1000,
	}
}

func TestEnhanceSoftFailureOnTimeoutYieldsPartialResult(t *testing.T) {
	client := &fakeLSPClient{
		referencesDelay: 200 * time.Millisecond, // exceeds the 30ms request timeout
		incomingEdges:   []Edge{{TargetUID: "caller::fn", TargetName: "fn"}},
	}
	d, err := New(testCfg(), client, logrus.New())
	require.NoError(t, err)

	result := d.Enhance(context.Background(), SymbolRequest{UID: "pkg::Symbol", Position: Position{File: "a.go", Line: 1}})

	assert.Empty(t, result.Errors, "a timeout must not surface as a hard error")
	found := false
	for _, r := range result.Relationships {
		if r.RelationType == merger.RelationCalls && r.TargetUID == "caller::fn" {
			found = true
		}
	}
	assert.True(t, found, "operations other than the slow one must still produce relationships")
}

func TestEnhanceHardErrorSurfacedWithoutAbortingBatch(t *testing.T) {
	client := &fakeLSPClient{
		referencesErr: errors.New("protocol error: malformed response"),
		incomingEdges: []Edge{{TargetUID: "caller::fn"}},
		outgoingEdges: []Edge{{TargetUID: "callee::fn"}},
	}
	d, err := New(testCfg(), client, logrus.New())
	require.NoError(t, err)

	result := d.Enhance(context.Background(), SymbolRequest{UID: "pkg::Symbol", Position: Position{File: "a.go"}})

	require.Len(t, result.Errors, 1)
	assert.Equal(t, OpReferences, result.Errors[0].Operation)
	assert.NotEmpty(t, result.Relationships, "a hard error on one operation must not block the others")
}

func TestEnhanceBatchPreservesOrderAndBoundsConcurrency(t *testing.T) {
	client := &fakeLSPClient{incomingEdges: []Edge{{TargetUID: "x"}}}
	cfg := testCfg()
	cfg.MaxConcurrency = 2
	d, err := New(cfg, client, logrus.New())
	require.NoError(t, err)

	reqs := []SymbolRequest{
		{UID: "a", Operations: []Operation{OpIncomingCalls}},
		{UID: "b", Operations: []Operation{OpIncomingCalls}},
		{UID: "c", Operations: []Operation{OpIncomingCalls}},
	}
	results := d.EnhanceBatch(context.Background(), reqs)

	require.Len(t, results, 3)
	for i, r := range results {
		require.NotEmpty(t, r.Relationships)
		assert.Equal(t, reqs[i].UID, r.Relationships[0].SourceUID)
	}
}

func TestComputeFuncBuildsCallHierarchyFromIncomingAndOutgoing(t *testing.T) {
	client := &fakeLSPClient{
		incomingEdges: []Edge{{TargetUID: "caller::fn", TargetName: "fn", TargetFile: "caller.go"}},
		outgoingEdges: []Edge{{TargetUID: "callee::fn", TargetName: "callee", TargetFile: "callee.go"}},
	}
	d, err := New(testCfg(), client, logrus.New())
	require.NoError(t, err)

	compute := d.ComputeFunc("pkg::Symbol", Position{File: "a.go", Line: 3})
	info, err := compute(context.Background())
	require.NoError(t, err)

	require.Len(t, info.Incoming, 1)
	require.Len(t, info.Outgoing, 1)
	assert.Equal(t, "fn", info.Incoming[0].Item.Name)
	assert.Equal(t, "callee", info.Outgoing[0].Item.Name)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(testCfg(), nil, logrus.New())
	assert.Error(t, err)
}
