package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/coderisk/cachecore/internal/identity"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
)

// Mirror optionally replicates edge mutations into an external graph
// store for visualization. The invalidation graph itself never reads
// it back — a Mirror failure never affects cache correctness.
type Mirror interface {
	UpdateEdges(id identity.NodeId, incoming, outgoing []identity.NodeId)
	RemoveNode(id identity.NodeId)
	Clear()
}

// NoopMirror discards every mutation; the default when mirroring is
// disabled.
type NoopMirror struct{}

func (NoopMirror) UpdateEdges(identity.NodeId, []identity.NodeId, []identity.NodeId) {}
func (NoopMirror) RemoveNode(identity.NodeId)                                       {}
func (NoopMirror) Clear()                                                           {}

// Neo4jMirror writes NodeId vertices and edges into Neo4j using MERGE
// so replays are idempotent. Every call is fire-and-forget from the
// graph's perspective: errors are logged, never propagated.
type Neo4jMirror struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *logrus.Logger
	timeout  time.Duration
}

// NewNeo4jMirror connects to Neo4j and verifies connectivity.
func NewNeo4jMirror(ctx context.Context, uri, user, password, database string, logger *logrus.Logger) (*Neo4jMirror, error) {
	if uri == "" {
		return nil, fmt.Errorf("neo4j mirror: uri is required")
	}
	if database == "" {
		database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j mirror: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j mirror: verify connectivity: %w", err)
	}

	return &Neo4jMirror{driver: driver, database: database, logger: logger, timeout: 5 * time.Second}, nil
}

func (m *Neo4jMirror) UpdateEdges(id identity.NodeId, incoming, outgoing []identity.NodeId) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	query := `
		MERGE (n:CacheNode {file: $file, symbol: $symbol})
		WITH n
		UNWIND $outgoing AS target
		MERGE (t:CacheNode {file: target.file, symbol: target.symbol})
		MERGE (n)-[:CALLS]->(t)
	`
	params := map[string]any{
		"file":     id.File,
		"symbol":   id.Symbol,
		"outgoing": toParams(outgoing),
	}

	if _, err := neo4j.ExecuteQuery(ctx, m.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(m.database)); err != nil {
		m.logger.WithError(err).Warn("neo4j mirror: update edges failed")
	}

	if len(incoming) > 0 {
		inQuery := `
			MERGE (n:CacheNode {file: $file, symbol: $symbol})
			WITH n
			UNWIND $incoming AS source
			MERGE (s:CacheNode {file: source.file, symbol: source.symbol})
			MERGE (s)-[:CALLS]->(n)
		`
		inParams := map[string]any{
			"file":     id.File,
			"symbol":   id.Symbol,
			"incoming": toParams(incoming),
		}
		if _, err := neo4j.ExecuteQuery(ctx, m.driver, inQuery, inParams,
			neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(m.database)); err != nil {
			m.logger.WithError(err).Warn("neo4j mirror: update incoming edges failed")
		}
	}
}

func (m *Neo4jMirror) RemoveNode(id identity.NodeId) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	query := `MATCH (n:CacheNode {file: $file, symbol: $symbol}) DETACH DELETE n`
	params := map[string]any{"file": id.File, "symbol": id.Symbol}

	if _, err := neo4j.ExecuteQuery(ctx, m.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(m.database)); err != nil {
		m.logger.WithError(err).Warn("neo4j mirror: remove node failed")
	}
}

func (m *Neo4jMirror) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	query := `MATCH (n:CacheNode) DETACH DELETE n`
	if _, err := neo4j.ExecuteQuery(ctx, m.driver, query, nil,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(m.database)); err != nil {
		m.logger.WithError(err).Warn("neo4j mirror: clear failed")
	}
}

// Close releases the underlying driver.
func (m *Neo4jMirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

func toParams(ids []identity.NodeId) []map[string]any {
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"file": id.File, "symbol": id.Symbol}
	}
	return out
}
