package l2store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/coderisk/cachecore/internal/errs"
	"github.com/coderisk/cachecore/internal/identity"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store over PostgreSQL, for shared/team
// deployments where several daemon instances see the same durable
// tier.
type PostgresStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPostgresStore connects to Postgres via dsn and ensures the schema
// exists.
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "connect to postgres")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errs.Wrap(err, errs.InternalError, "init schema")
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		file TEXT NOT NULL,
		symbol TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT,
		info_json JSONB NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (file, symbol, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_file ON nodes(file);

	CREATE TABLE IF NOT EXISTS files (
		file_id TEXT PRIMARY KEY,
		relative_path TEXT NOT NULL,
		absolute_path TEXT,
		language TEXT
	);

	CREATE TABLE IF NOT EXISTS symbols (
		symbol_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		qualified_name TEXT,
		kind TEXT,
		start_line INTEGER,
		start_col INTEGER,
		end_line INTEGER,
		end_col INTEGER,
		signature TEXT,
		docs TEXT,
		visibility TEXT,
		workspace_id TEXT,
		file_id TEXT REFERENCES files(file_id),
		git_commit_hash TEXT,
		indexed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_commit ON symbols(git_commit_hash);

	CREATE TABLE IF NOT EXISTS symbol_references (
		reference_id TEXT PRIMARY KEY,
		source_symbol_id TEXT,
		target_symbol_id TEXT,
		location TEXT,
		workspace_id TEXT,
		git_commit_hash TEXT,
		indexed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS call_graph (
		call_id TEXT PRIMARY KEY,
		caller_symbol_id TEXT,
		callee_symbol_id TEXT,
		location TEXT,
		workspace_id TEXT,
		git_commit_hash TEXT,
		indexed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS lsp_cache (
		cache_key TEXT PRIMARY KEY,
		method TEXT,
		file_id TEXT,
		position TEXT,
		response_data TEXT,
		git_commit_hash TEXT,
		created_at TIMESTAMPTZ
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Get returns the stored revision for key, or a NotFound error.
func (s *PostgresStore) Get(ctx context.Context, key identity.NodeKey) (*StoredNode, error) {
	var row nodeRow
	query := `SELECT file, symbol, content_hash, language, info_json, indexed_at
	          FROM nodes WHERE file = $1 AND symbol = $2 AND content_hash = $3`
	err := s.db.GetContext(ctx, &row, query, key.File, key.Symbol, key.ContentHash)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no stored node for %s", key)
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get node")
	}
	return row.toStoredNode()
}

// Insert idempotently replaces the given revision.
func (s *PostgresStore) Insert(ctx context.Context, key identity.NodeKey, info identity.CallHierarchyInfo, language string) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return errs.Wrap(err, errs.InternalError, "marshal call hierarchy info")
	}

	query := `INSERT INTO nodes (file, symbol, content_hash, language, info_json, indexed_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (file, symbol, content_hash) DO UPDATE SET
	            language = EXCLUDED.language, info_json = EXCLUDED.info_json, indexed_at = EXCLUDED.indexed_at`
	_, err = s.db.ExecContext(ctx, query, key.File, key.Symbol, key.ContentHash, language, string(infoJSON), time.Now())
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "insert node")
	}
	return nil
}

// Remove deletes a single revision.
func (s *PostgresStore) Remove(ctx context.Context, key identity.NodeKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE file = $1 AND symbol = $2 AND content_hash = $3`,
		key.File, key.Symbol, key.ContentHash)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "remove node")
	}
	return nil
}

// GetByFile returns every stored revision belonging to file.
func (s *PostgresStore) GetByFile(ctx context.Context, file string) ([]StoredNode, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT file, symbol, content_hash, language, info_json, indexed_at
	          FROM nodes WHERE file = $1`, file)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get nodes by file")
	}
	return toStoredNodes(rows)
}

// IterNodes returns every stored node.
func (s *PostgresStore) IterNodes(ctx context.Context) ([]StoredNode, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT file, symbol, content_hash, language, info_json, indexed_at FROM nodes`)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "iterate nodes")
	}
	return toStoredNodes(rows)
}

// Clear removes all stored nodes.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE nodes`); err != nil {
		return errs.Wrap(err, errs.Conflict, "clear nodes")
	}
	return nil
}

// UpsertFile idempotently replaces a files row.
func (s *PostgresStore) UpsertFile(ctx context.Context, rec FileRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO files (file_id, relative_path, absolute_path, language)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (file_id) DO UPDATE SET
	            relative_path = EXCLUDED.relative_path, absolute_path = EXCLUDED.absolute_path, language = EXCLUDED.language`,
		rec.FileID, rec.RelativePath, rec.AbsolutePath, rec.Language)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert file")
	}
	return nil
}

// UpsertSymbol idempotently replaces a symbols row for (symbol_id).
func (s *PostgresStore) UpsertSymbol(ctx context.Context, rec SymbolRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO symbols
	          (symbol_id, name, qualified_name, kind, start_line, start_col, end_line, end_col,
	           signature, docs, visibility, workspace_id, file_id, git_commit_hash, indexed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	          ON CONFLICT (symbol_id) DO UPDATE SET
	            name = EXCLUDED.name, qualified_name = EXCLUDED.qualified_name, kind = EXCLUDED.kind,
	            start_line = EXCLUDED.start_line, start_col = EXCLUDED.start_col,
	            end_line = EXCLUDED.end_line, end_col = EXCLUDED.end_col,
	            signature = EXCLUDED.signature, docs = EXCLUDED.docs, visibility = EXCLUDED.visibility,
	            workspace_id = EXCLUDED.workspace_id, file_id = EXCLUDED.file_id,
	            git_commit_hash = EXCLUDED.git_commit_hash, indexed_at = EXCLUDED.indexed_at`,
		rec.SymbolID, rec.Name, rec.QualifiedName, rec.Kind, rec.StartLine, rec.StartCol, rec.EndLine, rec.EndCol,
		rec.Signature, rec.Docs, rec.Visibility, rec.WorkspaceID, rec.FileID, rec.GitCommitHash, rec.IndexedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert symbol")
	}
	return nil
}

// UpsertReference idempotently replaces a symbol_references row.
func (s *PostgresStore) UpsertReference(ctx context.Context, rec ReferenceRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO symbol_references
	          (reference_id, source_symbol_id, target_symbol_id, location, workspace_id, git_commit_hash, indexed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (reference_id) DO UPDATE SET
	            source_symbol_id = EXCLUDED.source_symbol_id, target_symbol_id = EXCLUDED.target_symbol_id,
	            location = EXCLUDED.location, workspace_id = EXCLUDED.workspace_id,
	            git_commit_hash = EXCLUDED.git_commit_hash, indexed_at = EXCLUDED.indexed_at`,
		rec.ReferenceID, rec.SourceSymbolID, rec.TargetSymbolID, rec.Location, rec.WorkspaceID, rec.GitCommitHash, rec.IndexedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert reference")
	}
	return nil
}

// UpsertCallEdge idempotently replaces a call_graph row.
func (s *PostgresStore) UpsertCallEdge(ctx context.Context, rec CallEdgeRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO call_graph
	          (call_id, caller_symbol_id, callee_symbol_id, location, workspace_id, git_commit_hash, indexed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (call_id) DO UPDATE SET
	            caller_symbol_id = EXCLUDED.caller_symbol_id, callee_symbol_id = EXCLUDED.callee_symbol_id,
	            location = EXCLUDED.location, workspace_id = EXCLUDED.workspace_id,
	            git_commit_hash = EXCLUDED.git_commit_hash, indexed_at = EXCLUDED.indexed_at`,
		rec.CallID, rec.CallerSymbolID, rec.CalleeSymbolID, rec.Location, rec.WorkspaceID, rec.GitCommitHash, rec.IndexedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert call edge")
	}
	return nil
}

// PutLSPCacheEntry idempotently replaces an lsp_cache row.
func (s *PostgresStore) PutLSPCacheEntry(ctx context.Context, entry LSPCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO lsp_cache (cache_key, method, file_id, position, response_data, git_commit_hash, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (cache_key) DO UPDATE SET
	            method = EXCLUDED.method, file_id = EXCLUDED.file_id, position = EXCLUDED.position,
	            response_data = EXCLUDED.response_data, git_commit_hash = EXCLUDED.git_commit_hash,
	            created_at = EXCLUDED.created_at`,
		entry.CacheKey, entry.Method, entry.FileID, entry.Position, entry.ResponseData, entry.GitCommitHash, entry.CreatedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "put lsp cache entry")
	}
	return nil
}

// GetLSPCacheEntry returns the memoized response for cacheKey, or a
// NotFound error.
func (s *PostgresStore) GetLSPCacheEntry(ctx context.Context, cacheKey string) (*LSPCacheEntry, error) {
	var row lspCacheRow
	err := s.db.GetContext(ctx, &row, `SELECT cache_key, method, file_id, position, response_data, git_commit_hash, created_at
	          FROM lsp_cache WHERE cache_key = $1`, cacheKey)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no lsp cache entry for %s", cacheKey)
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get lsp cache entry")
	}
	e := LSPCacheEntry(row)
	return &e, nil
}

// CurrentSymbolsForFile returns fileID's current-view symbol set.
func (s *PostgresStore) CurrentSymbolsForFile(ctx context.Context, fileID, currentCommit string) ([]SymbolRecord, error) {
	var rows []symbolRow
	err := s.db.SelectContext(ctx, &rows, `SELECT symbol_id, name, qualified_name, kind, start_line, start_col,
	          end_line, end_col, signature, docs, visibility, workspace_id, file_id, git_commit_hash, indexed_at
	          FROM symbols WHERE file_id = $1`, fileID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get symbols for file")
	}
	return selectCurrentSymbols(toSymbolRecords(rows), currentCommit), nil
}

// CurrentCallGraph returns workspaceID's current-view call edges.
func (s *PostgresStore) CurrentCallGraph(ctx context.Context, workspaceID, currentCommit string) ([]CallEdgeRecord, error) {
	var rows []callEdgeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT call_id, caller_symbol_id, callee_symbol_id, location,
	          workspace_id, git_commit_hash, indexed_at FROM call_graph WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get call graph")
	}
	return selectCurrentCallEdges(toCallEdgeRecords(rows), currentCommit), nil
}

// GetStats reports node/file counts. Disk size is not queried here —
// Postgres sizing belongs to the DBA's own tooling (pg_database_size),
// not a cache-core concern.
func (s *PostgresStore) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.GetContext(ctx, &stats.TotalNodes, `SELECT COUNT(*) FROM nodes`); err != nil {
		return Stats{}, errs.Wrap(err, errs.Unavailable, "count nodes")
	}
	if err := s.db.GetContext(ctx, &stats.TotalFiles, `SELECT COUNT(DISTINCT file) FROM nodes`); err != nil {
		return Stats{}, errs.Wrap(err, errs.Unavailable, "count files")
	}
	return stats, nil
}
