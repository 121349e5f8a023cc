package invalidation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coderisk/cachecore/internal/identity"
)

func idOf(file, symbol string) identity.NodeId {
	return identity.NodeId{File: file, Symbol: symbol}
}

func TestUpdateEdgesPatchesReverseAdjacency(t *testing.T) {
	g := New(nil)
	a, b := idOf("a.go", "A"), idOf("b.go", "B")

	g.UpdateEdges(a, nil, []identity.NodeId{b})

	assert.ElementsMatch(t, []identity.NodeId{b}, g.Outgoing(a))
	assert.ElementsMatch(t, []identity.NodeId{a}, g.Incoming(b))
	assert.Equal(t, 1, g.EdgeCount())
}

func TestAffectedWalksBothDirectionsWithinDepth(t *testing.T) {
	g := New(nil)
	a, b, c, d := idOf("a.go", "A"), idOf("b.go", "B"), idOf("c.go", "C"), idOf("d.go", "D")

	g.UpdateEdges(a, nil, []identity.NodeId{b})
	g.UpdateEdges(b, nil, []identity.NodeId{c})
	g.UpdateEdges(c, nil, []identity.NodeId{d})

	affected := g.Affected(a, 2)
	assert.ElementsMatch(t, []identity.NodeId{a, b, c}, affected)

	affectedDeep := g.Affected(a, 10)
	assert.ElementsMatch(t, []identity.NodeId{a, b, c, d}, affectedDeep)
}

func TestAffectedAtZeroDepthReturnsOnlySelf(t *testing.T) {
	g := New(nil)
	a, b := idOf("a.go", "A"), idOf("b.go", "B")
	g.UpdateEdges(a, nil, []identity.NodeId{b})

	assert.Equal(t, []identity.NodeId{a}, g.Affected(a, 0))
}

func TestRemoveDropsOwnAdjacencyButToleratesDanglingPeers(t *testing.T) {
	g := New(nil)
	a, b := idOf("a.go", "A"), idOf("b.go", "B")
	g.UpdateEdges(a, nil, []identity.NodeId{b})

	g.Remove(a)

	assert.Empty(t, g.Outgoing(a))
	// b still lists a as incoming until b itself is updated or removed;
	// Affected tolerates the dangling reference rather than panicking.
	assert.NotPanics(t, func() { g.Affected(b, 2) })
}

func TestClearDropsAllEdges(t *testing.T) {
	g := New(nil)
	a, b := idOf("a.go", "A"), idOf("b.go", "B")
	g.UpdateEdges(a, nil, []identity.NodeId{b})

	g.Clear()

	assert.Equal(t, 0, g.EdgeCount())
	assert.Empty(t, g.Outgoing(a))
	assert.Empty(t, g.Incoming(b))
}

func TestNilMirrorIsReplacedWithNoop(t *testing.T) {
	g := New(nil)
	assert.IsType(t, NoopMirror{}, g.mirror)
}
