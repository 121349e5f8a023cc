// Package invalidation implements the directed edge graph between node
// identities and the bounded-depth invalidation walk over it. It owns
// no cache entries itself — internal/l1cache asks it which NodeIds are
// affected and performs the actual removals.
package invalidation

import (
	"sync"

	"github.com/coderisk/cachecore/internal/identity"
)

// Graph holds the two adjacency maps (outgoing/incoming) describing
// call-hierarchy edges between node identities.
type Graph struct {
	mu       sync.RWMutex
	outgoing map[identity.NodeId]map[identity.NodeId]struct{}
	incoming map[identity.NodeId]map[identity.NodeId]struct{}
	mirror   Mirror
}

// New creates an empty invalidation graph. A nil Mirror is replaced
// with a no-op so callers never need to nil-check it.
func New(mirror Mirror) *Graph {
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &Graph{
		outgoing: make(map[identity.NodeId]map[identity.NodeId]struct{}),
		incoming: make(map[identity.NodeId]map[identity.NodeId]struct{}),
		mirror:   mirror,
	}
}

// UpdateEdges replaces both adjacency sets for id and patches the
// reverse side of each new edge. It does not remove node id from
// peers no longer listed — that is the job of Invalidate, not of a
// plain edge update.
func (g *Graph) UpdateEdges(id identity.NodeId, incoming, outgoing []identity.NodeId) {
	g.mu.Lock()

	if len(outgoing) > 0 {
		set := make(map[identity.NodeId]struct{}, len(outgoing))
		for _, t := range outgoing {
			set[t] = struct{}{}
		}
		g.outgoing[id] = set
	} else {
		delete(g.outgoing, id)
	}

	if len(incoming) > 0 {
		set := make(map[identity.NodeId]struct{}, len(incoming))
		for _, s := range incoming {
			set[s] = struct{}{}
		}
		g.incoming[id] = set
	} else {
		delete(g.incoming, id)
	}

	for _, target := range outgoing {
		if g.incoming[target] == nil {
			g.incoming[target] = make(map[identity.NodeId]struct{})
		}
		g.incoming[target][id] = struct{}{}
	}
	for _, source := range incoming {
		if g.outgoing[source] == nil {
			g.outgoing[source] = make(map[identity.NodeId]struct{})
		}
		g.outgoing[source][id] = struct{}{}
	}

	g.mu.Unlock()

	g.mirror.UpdateEdges(id, incoming, outgoing)
}

// Affected returns the set of NodeIds reachable from id within depth
// hops over either edge direction, including id itself, via bounded
// BFS. Order is irrelevant — callers only care about set membership.
func (g *Graph) Affected(id identity.NodeId, depth int) []identity.NodeId {
	type frame struct {
		id    identity.NodeId
		depth int
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[identity.NodeId]struct{})
	queue := []frame{{id, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if _, seen := visited[cur.id]; seen {
			continue
		}
		visited[cur.id] = struct{}{}

		if cur.depth >= depth {
			continue
		}
		for target := range g.outgoing[cur.id] {
			queue = append(queue, frame{target, cur.depth + 1})
		}
		for source := range g.incoming[cur.id] {
			queue = append(queue, frame{source, cur.depth + 1})
		}
	}

	out := make([]identity.NodeId, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out
}

// Remove drops id's own adjacency sets, leaving stale entries in
// peers' sets to be pruned lazily (peers are only ever read through
// Affected, which tolerates dangling references).
func (g *Graph) Remove(id identity.NodeId) {
	g.mu.Lock()
	delete(g.outgoing, id)
	delete(g.incoming, id)
	g.mu.Unlock()

	g.mirror.RemoveNode(id)
}

// Clear drops all edges.
func (g *Graph) Clear() {
	g.mu.Lock()
	g.outgoing = make(map[identity.NodeId]map[identity.NodeId]struct{})
	g.incoming = make(map[identity.NodeId]map[identity.NodeId]struct{})
	g.mu.Unlock()

	g.mirror.Clear()
}

// Outgoing returns a copy of id's outgoing edge set, for diagnostics.
func (g *Graph) Outgoing(id identity.NodeId) []identity.NodeId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]identity.NodeId, 0, len(g.outgoing[id]))
	for t := range g.outgoing[id] {
		out = append(out, t)
	}
	return out
}

// Incoming returns a copy of id's incoming edge set, for diagnostics.
func (g *Graph) Incoming(id identity.NodeId) []identity.NodeId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]identity.NodeId, 0, len(g.incoming[id]))
	for s := range g.incoming[id] {
		out = append(out, s)
	}
	return out
}

// EdgeCount returns the total number of directed edges currently
// tracked, used by Cache.Stats().
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.outgoing {
		n += len(set)
	}
	return n
}
