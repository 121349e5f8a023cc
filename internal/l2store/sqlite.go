package l2store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coderisk/cachecore/internal/errs"
	"github.com/coderisk/cachecore/internal/identity"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store over a local SQLite file, the default
// backend for single-workspace deployments.
type SQLiteStore struct {
	db     *sqlx.DB
	path   string
	logger *logrus.Logger
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store
// at path and ensures its schema exists.
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.ConfigError, "create database directory %s", dir)
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "connect to sqlite")
	}

	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	store := &SQLiteStore{db: db, path: path, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errs.Wrap(err, errs.InternalError, "init schema")
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		file TEXT NOT NULL,
		symbol TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT,
		info_json TEXT NOT NULL,
		indexed_at DATETIME NOT NULL,
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
		file_id TEXT,
		git_commit_hash TEXT,
		indexed_at DATETIME,
		FOREIGN KEY (file_id) REFERENCES files(file_id)
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_id);
	CREATE INDEX IF NOT EXISTS idx_symbols_commit ON symbols(git_commit_hash);

	CREATE TABLE IF NOT EXISTS symbol_references (
		reference_id TEXT PRIMARY KEY,
		source_symbol_id TEXT,
		target_symbol_id TEXT,
		location TEXT,
		workspace_id TEXT,
		git_commit_hash TEXT,
		indexed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_refs_source ON symbol_references(source_symbol_id);

	CREATE TABLE IF NOT EXISTS call_graph (
		call_id TEXT PRIMARY KEY,
		caller_symbol_id TEXT,
		callee_symbol_id TEXT,
		location TEXT,
		workspace_id TEXT,
		git_commit_hash TEXT,
		indexed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_call_graph_caller ON call_graph(caller_symbol_id);
	CREATE INDEX IF NOT EXISTS idx_call_graph_callee ON call_graph(callee_symbol_id);

	CREATE TABLE IF NOT EXISTS lsp_cache (
		cache_key TEXT PRIMARY KEY,
		method TEXT,
		file_id TEXT,
		position TEXT,
		response_data TEXT,
		git_commit_hash TEXT,
		created_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tree_metadata (
		tree_name TEXT PRIMARY KEY,
		created_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the stored revision for key, or a NotFound error.
func (s *SQLiteStore) Get(ctx context.Context, key identity.NodeKey) (*StoredNode, error) {
	var row nodeRow
	query := `SELECT file, symbol, content_hash, language, info_json, indexed_at
	          FROM nodes WHERE file = ? AND symbol = ? AND content_hash = ?`
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
func (s *SQLiteStore) Insert(ctx context.Context, key identity.NodeKey, info identity.CallHierarchyInfo, language string) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return errs.Wrap(err, errs.InternalError, "marshal call hierarchy info")
	}

	query := `INSERT OR REPLACE INTO nodes (file, symbol, content_hash, language, info_json, indexed_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, key.File, key.Symbol, key.ContentHash, language, string(infoJSON), time.Now())
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "insert node")
	}
	return nil
}

// Remove deletes a single revision.
func (s *SQLiteStore) Remove(ctx context.Context, key identity.NodeKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE file = ? AND symbol = ? AND content_hash = ?`,
		key.File, key.Symbol, key.ContentHash)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "remove node")
	}
	return nil
}

// GetByFile returns every stored revision belonging to file.
func (s *SQLiteStore) GetByFile(ctx context.Context, file string) ([]StoredNode, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT file, symbol, content_hash, language, info_json, indexed_at
	          FROM nodes WHERE file = ?`, file)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get nodes by file")
	}
	return toStoredNodes(rows)
}

// IterNodes returns every stored node. The contract models this as a
// lazy, non-restartable sequence; this backend materializes it as a
// slice since the workspace-scale datasets this component targets fit
// comfortably in memory.
func (s *SQLiteStore) IterNodes(ctx context.Context) ([]StoredNode, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT file, symbol, content_hash, language, info_json, indexed_at FROM nodes`)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "iterate nodes")
	}
	return toStoredNodes(rows)
}

// Clear removes all stored nodes.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		return errs.Wrap(err, errs.Conflict, "clear nodes")
	}
	return nil
}

// GetStats reports node/file counts and on-disk size.
func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.GetContext(ctx, &stats.TotalNodes, `SELECT COUNT(*) FROM nodes`); err != nil {
		return Stats{}, errs.Wrap(err, errs.Unavailable, "count nodes")
	}
	if err := s.db.GetContext(ctx, &stats.TotalFiles, `SELECT COUNT(DISTINCT file) FROM nodes`); err != nil {
		return Stats{}, errs.Wrap(err, errs.Unavailable, "count files")
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.DiskSizeBytes = info.Size()
		stats.TotalSizeBytes = info.Size()
	}
	return stats, nil
}

// UpsertFile idempotently replaces a files row.
func (s *SQLiteStore) UpsertFile(ctx context.Context, rec FileRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO files (file_id, relative_path, absolute_path, language)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT (file_id) DO UPDATE SET
	            relative_path = excluded.relative_path, absolute_path = excluded.absolute_path, language = excluded.language`,
		rec.FileID, rec.RelativePath, rec.AbsolutePath, rec.Language)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert file")
	}
	return nil
}

// UpsertSymbol idempotently replaces a symbols row for (symbol_id).
func (s *SQLiteStore) UpsertSymbol(ctx context.Context, rec SymbolRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO symbols
	          (symbol_id, name, qualified_name, kind, start_line, start_col, end_line, end_col,
	           signature, docs, visibility, workspace_id, file_id, git_commit_hash, indexed_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (symbol_id) DO UPDATE SET
	            name = excluded.name, qualified_name = excluded.qualified_name, kind = excluded.kind,
	            start_line = excluded.start_line, start_col = excluded.start_col,
	            end_line = excluded.end_line, end_col = excluded.end_col,
	            signature = excluded.signature, docs = excluded.docs, visibility = excluded.visibility,
	            workspace_id = excluded.workspace_id, file_id = excluded.file_id,
	            git_commit_hash = excluded.git_commit_hash, indexed_at = excluded.indexed_at`,
		rec.SymbolID, rec.Name, rec.QualifiedName, rec.Kind, rec.StartLine, rec.StartCol, rec.EndLine, rec.EndCol,
		rec.Signature, rec.Docs, rec.Visibility, rec.WorkspaceID, rec.FileID, rec.GitCommitHash, rec.IndexedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert symbol")
	}
	return nil
}

// UpsertReference idempotently replaces a symbol_references row.
func (s *SQLiteStore) UpsertReference(ctx context.Context, rec ReferenceRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO symbol_references
	          (reference_id, source_symbol_id, target_symbol_id, location, workspace_id, git_commit_hash, indexed_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (reference_id) DO UPDATE SET
	            source_symbol_id = excluded.source_symbol_id, target_symbol_id = excluded.target_symbol_id,
	            location = excluded.location, workspace_id = excluded.workspace_id,
	            git_commit_hash = excluded.git_commit_hash, indexed_at = excluded.indexed_at`,
		rec.ReferenceID, rec.SourceSymbolID, rec.TargetSymbolID, rec.Location, rec.WorkspaceID, rec.GitCommitHash, rec.IndexedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert reference")
	}
	return nil
}

// UpsertCallEdge idempotently replaces a call_graph row.
func (s *SQLiteStore) UpsertCallEdge(ctx context.Context, rec CallEdgeRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO call_graph
	          (call_id, caller_symbol_id, callee_symbol_id, location, workspace_id, git_commit_hash, indexed_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (call_id) DO UPDATE SET
	            caller_symbol_id = excluded.caller_symbol_id, callee_symbol_id = excluded.callee_symbol_id,
	            location = excluded.location, workspace_id = excluded.workspace_id,
	            git_commit_hash = excluded.git_commit_hash, indexed_at = excluded.indexed_at`,
		rec.CallID, rec.CallerSymbolID, rec.CalleeSymbolID, rec.Location, rec.WorkspaceID, rec.GitCommitHash, rec.IndexedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "upsert call edge")
	}
	return nil
}

// PutLSPCacheEntry idempotently replaces an lsp_cache row.
func (s *SQLiteStore) PutLSPCacheEntry(ctx context.Context, entry LSPCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO lsp_cache (cache_key, method, file_id, position, response_data, git_commit_hash, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (cache_key) DO UPDATE SET
	            method = excluded.method, file_id = excluded.file_id, position = excluded.position,
	            response_data = excluded.response_data, git_commit_hash = excluded.git_commit_hash,
	            created_at = excluded.created_at`,
		entry.CacheKey, entry.Method, entry.FileID, entry.Position, entry.ResponseData, entry.GitCommitHash, entry.CreatedAt)
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "put lsp cache entry")
	}
	return nil
}

// GetLSPCacheEntry returns the memoized response for cacheKey, or a
// NotFound error.
func (s *SQLiteStore) GetLSPCacheEntry(ctx context.Context, cacheKey string) (*LSPCacheEntry, error) {
	var row lspCacheRow
	err := s.db.GetContext(ctx, &row, `SELECT cache_key, method, file_id, position, response_data, git_commit_hash, created_at
	          FROM lsp_cache WHERE cache_key = ?`, cacheKey)
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
func (s *SQLiteStore) CurrentSymbolsForFile(ctx context.Context, fileID, currentCommit string) ([]SymbolRecord, error) {
	var rows []symbolRow
	err := s.db.SelectContext(ctx, &rows, `SELECT symbol_id, name, qualified_name, kind, start_line, start_col,
	          end_line, end_col, signature, docs, visibility, workspace_id, file_id, git_commit_hash, indexed_at
	          FROM symbols WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get symbols for file")
	}
	return selectCurrentSymbols(toSymbolRecords(rows), currentCommit), nil
}

// CurrentCallGraph returns workspaceID's current-view call edges.
func (s *SQLiteStore) CurrentCallGraph(ctx context.Context, workspaceID, currentCommit string) ([]CallEdgeRecord, error) {
	var rows []callEdgeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT call_id, caller_symbol_id, callee_symbol_id, location,
	          workspace_id, git_commit_hash, indexed_at FROM call_graph WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get call graph")
	}
	return selectCurrentCallEdges(toCallEdgeRecords(rows), currentCommit), nil
}

type symbolRow struct {
	SymbolID      string    `db:"symbol_id"`
	Name          string    `db:"name"`
	QualifiedName string    `db:"qualified_name"`
	Kind          string    `db:"kind"`
	StartLine     int       `db:"start_line"`
	StartCol      int       `db:"start_col"`
	EndLine       int       `db:"end_line"`
	EndCol        int       `db:"end_col"`
	Signature     string    `db:"signature"`
	Docs          string    `db:"docs"`
	Visibility    string    `db:"visibility"`
	WorkspaceID   string    `db:"workspace_id"`
	FileID        string    `db:"file_id"`
	GitCommitHash string    `db:"git_commit_hash"`
	IndexedAt     time.Time `db:"indexed_at"`
}

func (r symbolRow) toRecord() SymbolRecord {
	return SymbolRecord{
		SymbolID: r.SymbolID, Name: r.Name, QualifiedName: r.QualifiedName, Kind: r.Kind,
		StartLine: uint32(r.StartLine), StartCol: uint32(r.StartCol), EndLine: uint32(r.EndLine), EndCol: uint32(r.EndCol),
		Signature: r.Signature, Docs: r.Docs, Visibility: r.Visibility, WorkspaceID: r.WorkspaceID,
		FileID: r.FileID, GitCommitHash: r.GitCommitHash, IndexedAt: r.IndexedAt,
	}
}

func toSymbolRecords(rows []symbolRow) []SymbolRecord {
	out := make([]SymbolRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out
}

type callEdgeRow struct {
	CallID         string    `db:"call_id"`
	CallerSymbolID string    `db:"caller_symbol_id"`
	CalleeSymbolID string    `db:"callee_symbol_id"`
	Location       string    `db:"location"`
	WorkspaceID    string    `db:"workspace_id"`
	GitCommitHash  string    `db:"git_commit_hash"`
	IndexedAt      time.Time `db:"indexed_at"`
}

func (r callEdgeRow) toRecord() CallEdgeRecord {
	return CallEdgeRecord(r)
}

func toCallEdgeRecords(rows []callEdgeRow) []CallEdgeRecord {
	out := make([]CallEdgeRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out
}

type lspCacheRow struct {
	CacheKey      string    `db:"cache_key"`
	Method        string    `db:"method"`
	FileID        string    `db:"file_id"`
	Position      string    `db:"position"`
	ResponseData  string    `db:"response_data"`
	GitCommitHash string    `db:"git_commit_hash"`
	CreatedAt     time.Time `db:"created_at"`
}

type nodeRow struct {
	File        string    `db:"file"`
	Symbol      string    `db:"symbol"`
	ContentHash string    `db:"content_hash"`
	Language    string    `db:"language"`
	InfoJSON    string    `db:"info_json"`
	IndexedAt   time.Time `db:"indexed_at"`
}

func (r nodeRow) toStoredNode() (*StoredNode, error) {
	var info identity.CallHierarchyInfo
	if err := json.Unmarshal([]byte(r.InfoJSON), &info); err != nil {
		return nil, errs.Wrap(err, errs.InternalError, "unmarshal call hierarchy info")
	}
	return &StoredNode{
		Key:       identity.NewNodeKey(r.Symbol, r.File, r.ContentHash),
		Info:      info,
		Language:  r.Language,
		IndexedAt: r.IndexedAt,
	}, nil
}

func toStoredNodes(rows []nodeRow) ([]StoredNode, error) {
	out := make([]StoredNode, 0, len(rows))
	for _, r := range rows {
		n, err := r.toStoredNode()
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}
