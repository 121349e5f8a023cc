package writeback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coderisk/cachecore/internal/identity"
	"github.com/coderisk/cachecore/internal/l2store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	inserts map[string]identity.CallHierarchyInfo
	removed map[string]bool
	cleared bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserts: map[string]identity.CallHierarchyInfo{}, removed: map[string]bool{}}
}

func (f *fakeStore) Get(ctx context.Context, key identity.NodeKey) (*l2store.StoredNode, error) {
	return nil, nil
}
func (f *fakeStore) Insert(ctx context.Context, key identity.NodeKey, info identity.CallHierarchyInfo, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts[key.String()] = info
	delete(f.removed, key.String())
	return nil
}
func (f *fakeStore) Remove(ctx context.Context, key identity.NodeKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[key.String()] = true
	delete(f.inserts, key.String())
	return nil
}
func (f *fakeStore) GetByFile(ctx context.Context, file string) ([]l2store.StoredNode, error) {
	return nil, nil
}
func (f *fakeStore) IterNodes(ctx context.Context) ([]l2store.StoredNode, error) { return nil, nil }
func (f *fakeStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.inserts = map[string]identity.CallHierarchyInfo{}
	return nil
}
func (f *fakeStore) GetStats(ctx context.Context) (l2store.Stats, error) { return l2store.Stats{}, nil }
func (f *fakeStore) Close() error                                        { return nil }

func (f *fakeStore) has(key identity.NodeKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inserts[key.String()]
	return ok
}

type fakeRelationalStore struct {
	*fakeStore
	mu      sync.Mutex
	symbols map[string]l2store.SymbolRecord
}

func newFakeRelationalStore() *fakeRelationalStore {
	return &fakeRelationalStore{fakeStore: newFakeStore(), symbols: map[string]l2store.SymbolRecord{}}
}

func (f *fakeRelationalStore) UpsertFile(ctx context.Context, rec l2store.FileRecord) error { return nil }
func (f *fakeRelationalStore) UpsertSymbol(ctx context.Context, rec l2store.SymbolRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[rec.SymbolID] = rec
	return nil
}
func (f *fakeRelationalStore) UpsertReference(ctx context.Context, rec l2store.ReferenceRecord) error {
	return nil
}
func (f *fakeRelationalStore) UpsertCallEdge(ctx context.Context, rec l2store.CallEdgeRecord) error {
	return nil
}
func (f *fakeRelationalStore) PutLSPCacheEntry(ctx context.Context, entry l2store.LSPCacheEntry) error {
	return nil
}
func (f *fakeRelationalStore) GetLSPCacheEntry(ctx context.Context, cacheKey string) (*l2store.LSPCacheEntry, error) {
	return nil, nil
}
func (f *fakeRelationalStore) CurrentSymbolsForFile(ctx context.Context, fileID, currentCommit string) ([]l2store.SymbolRecord, error) {
	return nil, nil
}
func (f *fakeRelationalStore) CurrentCallGraph(ctx context.Context, workspaceID, currentCommit string) ([]l2store.CallEdgeRecord, error) {
	return nil, nil
}

func (f *fakeRelationalStore) hasSymbol(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.symbols[id]
	return ok
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSchedulerFlushesOnBatchSize(t *testing.T) {
	store := newFakeStore()
	sched := NewScheduler(store, 2, time.Hour, testLogger())
	sched.Start(context.Background())

	key := identity.NewNodeKey("f", "/a.go", "d1")
	sched.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{}})
	sched.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{}})

	require.Eventually(t, func() bool { return store.has(key) }, time.Second, 10*time.Millisecond)
	sched.Close()
}

func TestSchedulerFlushesOnInterval(t *testing.T) {
	store := newFakeStore()
	sched := NewScheduler(store, 100, 20*time.Millisecond, testLogger())
	sched.Start(context.Background())

	key := identity.NewNodeKey("f", "/a.go", "d1")
	sched.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{}})

	require.Eventually(t, func() bool { return store.has(key) }, time.Second, 10*time.Millisecond)
	sched.Close()
}

func TestSchedulerDrainsOnClose(t *testing.T) {
	store := newFakeStore()
	sched := NewScheduler(store, 100, time.Hour, testLogger())
	sched.Start(context.Background())

	key := identity.NewNodeKey("f", "/a.go", "d1")
	sched.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{}})
	sched.Close()

	assert.True(t, store.has(key))
}

func TestSchedulerUpsertSymbolRoutesToRelationalStore(t *testing.T) {
	store := newFakeRelationalStore()
	sched := NewScheduler(store, 10, time.Hour, testLogger())
	sched.Start(context.Background())

	sched.Enqueue(Message{Op: OpUpsertSymbol, SymbolRec: l2store.SymbolRecord{SymbolID: "sym1", Name: "Foo"}})
	sched.Close()

	assert.True(t, store.hasSymbol("sym1"))
}

func TestSchedulerUpsertSymbolSkippedForKVOnlyBackend(t *testing.T) {
	store := newFakeStore()
	sched := NewScheduler(store, 10, time.Hour, testLogger())
	sched.Start(context.Background())

	sched.Enqueue(Message{Op: OpUpsertSymbol, SymbolRec: l2store.SymbolRecord{SymbolID: "sym1", Name: "Foo"}})
	sched.Close()
}

func TestSchedulerOrderingWithinKey(t *testing.T) {
	store := newFakeStore()
	sched := NewScheduler(store, 100, time.Hour, testLogger())
	sched.Start(context.Background())

	key := identity.NewNodeKey("f", "/a.go", "d1")
	sched.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{Incoming: []identity.Call{{Item: identity.CallItem{Name: "v1"}}}}})
	sched.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{Incoming: []identity.Call{{Item: identity.CallItem{Name: "v2"}}}}})
	sched.Enqueue(Message{Op: OpRemove, Key: key})
	sched.Close()

	assert.False(t, store.has(key))

	sched2 := NewScheduler(store, 100, time.Hour, testLogger())
	sched2.Start(context.Background())
	sched2.Enqueue(Message{Op: OpWrite, Key: key, Info: identity.CallHierarchyInfo{Incoming: []identity.Call{{Item: identity.CallItem{Name: "v3"}}}}})
	sched2.Close()

	store.mu.Lock()
	got := store.inserts[key.String()]
	store.mu.Unlock()
	assert.Equal(t, "v3", got.Incoming[0].Item.Name)
}
