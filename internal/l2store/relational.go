package l2store

import (
	"context"
	"time"
)

// FileRecord is one row of the files table.
type FileRecord struct {
	FileID       string
	RelativePath string
	AbsolutePath string
	Language     string
}

// SymbolRecord is one row of the symbols table: a single symbol as it
// existed at a given git commit.
type SymbolRecord struct {
	SymbolID      string
	Name          string
	QualifiedName string
	Kind          string
	StartLine     uint32
	StartCol      uint32
	EndLine       uint32
	EndCol        uint32
	Signature     string
	Docs          string
	Visibility    string
	WorkspaceID   string
	FileID        string
	GitCommitHash string
	IndexedAt     time.Time
}

// ReferenceRecord is one row of the symbol_references table: a
// non-call use of one symbol by another (e.g. a type reference).
type ReferenceRecord struct {
	ReferenceID    string
	SourceSymbolID string
	TargetSymbolID string
	Location       string
	WorkspaceID    string
	GitCommitHash  string
	IndexedAt      time.Time
}

// CallEdgeRecord is one row of the call_graph table: caller calls
// callee, observed at a given git commit.
type CallEdgeRecord struct {
	CallID         string
	CallerSymbolID string
	CalleeSymbolID string
	Location       string
	WorkspaceID    string
	GitCommitHash  string
	IndexedAt      time.Time
}

// LSPCacheEntry is one row of the lsp_cache table: a memoized LSP
// response for a (method, file, position) triple at a given commit.
type LSPCacheEntry struct {
	CacheKey      string
	Method        string
	FileID        string
	Position      string
	ResponseData  string
	GitCommitHash string
	CreatedAt     time.Time
}

// RelationalStore is the durable store's structured surface over
// symbols, references, the call graph, files, and the LSP response
// cache — distinct from Store's content-addressed node KV surface.
// Only SQL-backed stores (SQLiteStore, PostgresStore) implement it;
// the embedded bbolt backend has no relational query engine to serve
// CurrentSymbolsForFile/CurrentCallGraph's "current view" reads, so it
// is pure-KV only (see DESIGN.md).
type RelationalStore interface {
	UpsertFile(ctx context.Context, rec FileRecord) error
	UpsertSymbol(ctx context.Context, rec SymbolRecord) error
	UpsertReference(ctx context.Context, rec ReferenceRecord) error
	UpsertCallEdge(ctx context.Context, rec CallEdgeRecord) error
	PutLSPCacheEntry(ctx context.Context, entry LSPCacheEntry) error
	GetLSPCacheEntry(ctx context.Context, cacheKey string) (*LSPCacheEntry, error)

	// CurrentSymbolsForFile returns file's "current view": the symbol
	// rows indexed at currentCommit if any exist, else the most
	// recently indexed revision (the file has diverged from every
	// indexed commit, e.g. uncommitted local edits).
	CurrentSymbolsForFile(ctx context.Context, fileID, currentCommit string) ([]SymbolRecord, error)

	// CurrentCallGraph applies the same current-view rule as
	// CurrentSymbolsForFile, scoped to workspaceID's call edges.
	CurrentCallGraph(ctx context.Context, workspaceID, currentCommit string) ([]CallEdgeRecord, error)
}

// selectCurrentSymbols implements the current-view rule shared by
// every SQL backend: prefer rows recorded at currentCommit, else fall
// back to the single most recently indexed revision.
func selectCurrentSymbols(rows []SymbolRecord, currentCommit string) []SymbolRecord {
	var atCommit []SymbolRecord
	for _, r := range rows {
		if currentCommit != "" && r.GitCommitHash == currentCommit {
			atCommit = append(atCommit, r)
		}
	}
	if len(atCommit) > 0 {
		return atCommit
	}
	return latestIndexedSymbols(rows)
}

func latestIndexedSymbols(rows []SymbolRecord) []SymbolRecord {
	var latest time.Time
	for _, r := range rows {
		if r.IndexedAt.After(latest) {
			latest = r.IndexedAt
		}
	}
	var out []SymbolRecord
	for _, r := range rows {
		if r.IndexedAt.Equal(latest) {
			out = append(out, r)
		}
	}
	return out
}

func selectCurrentCallEdges(rows []CallEdgeRecord, currentCommit string) []CallEdgeRecord {
	var atCommit []CallEdgeRecord
	for _, r := range rows {
		if currentCommit != "" && r.GitCommitHash == currentCommit {
			atCommit = append(atCommit, r)
		}
	}
	if len(atCommit) > 0 {
		return atCommit
	}
	var latest time.Time
	for _, r := range rows {
		if r.IndexedAt.After(latest) {
			latest = r.IndexedAt
		}
	}
	var out []CallEdgeRecord
	for _, r := range rows {
		if r.IndexedAt.Equal(latest) {
			out = append(out, r)
		}
	}
	return out
}
