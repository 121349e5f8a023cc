// Package l2store implements the durable, git-aware tier (L2) behind
// the cache: a narrow key/value capability over symbol revisions, plus
// the relational surface (symbols, references, call graph, files)
// described for the durable store.
package l2store

import (
	"context"
	"time"

	"github.com/coderisk/cachecore/internal/identity"
)

// StoredNode is one persisted revision of a node.
type StoredNode struct {
	Key       identity.NodeKey
	Info      identity.CallHierarchyInfo
	Language  string
	IndexedAt time.Time
}

// Stats summarizes the durable store's contents.
type Stats struct {
	TotalNodes     int
	TotalFiles     int
	TotalSizeBytes int64
	DiskSizeBytes  int64
}

// Store is the narrow capability the cache core depends on. Concrete
// backends (SQLite, Postgres, bbolt) all implement it identically so
// the cache façade can be wired to any of them interchangeably.
type Store interface {
	Get(ctx context.Context, key identity.NodeKey) (*StoredNode, error)
	Insert(ctx context.Context, key identity.NodeKey, info identity.CallHierarchyInfo, language string) error
	Remove(ctx context.Context, key identity.NodeKey) error
	GetByFile(ctx context.Context, file string) ([]StoredNode, error)
	IterNodes(ctx context.Context) ([]StoredNode, error)
	Clear(ctx context.Context) error
	GetStats(ctx context.Context) (Stats, error)
	Close() error
}
