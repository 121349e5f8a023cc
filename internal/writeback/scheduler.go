// Package writeback implements the background batched writer that
// drains cache mutations into the durable store: a single long-lived
// goroutine consuming a channel buffered to 256 messages, flushing on
// batch size, interval, or channel close.
package writeback

import (
	"context"
	"sync"
	"time"

	"github.com/coderisk/cachecore/internal/identity"
	"github.com/coderisk/cachecore/internal/l2store"
	"github.com/sirupsen/logrus"
)

// Op identifies the kind of durable mutation a Message carries.
type Op int

const (
	OpWrite Op = iota
	OpRemove
	OpRemoveFile
	OpClear
	OpUpsertFile
	OpUpsertSymbol
	OpUpsertReference
	OpUpsertCallEdge
)

// Message is one queued durable-store mutation. Only the fields
// relevant to Op are read; the relational Upsert* ops ignore the
// content-addressed Key/Info/Language/File fields and vice versa.
type Message struct {
	Op       Op
	Key      identity.NodeKey
	Info     identity.CallHierarchyInfo
	Language string
	File     string

	FileRec      l2store.FileRecord
	SymbolRec    l2store.SymbolRecord
	ReferenceRec l2store.ReferenceRecord
	CallEdgeRec  l2store.CallEdgeRecord
}

// Scheduler owns the background writer goroutine and its message
// channel. Messages for a single NodeKey are applied in emission
// order; no ordering is guaranteed across different keys.
type Scheduler struct {
	store         l2store.Store
	batchSize     int
	flushInterval time.Duration
	logger        *logrus.Logger

	ch   chan Message
	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler constructs a Scheduler bound to store. Call Start to
// launch the background goroutine.
func NewScheduler(store l2store.Store, batchSize int, flushInterval time.Duration, logger *logrus.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Scheduler{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		ch:            make(chan Message, 256),
		done:          make(chan struct{}),
	}
}

// Start launches the background writer goroutine. It returns
// immediately; the goroutine runs until Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Enqueue submits a message for eventual durable application. It
// returns as soon as the message is buffered; while 256 messages are
// already waiting, it blocks until the writer goroutine takes one.
func (s *Scheduler) Enqueue(msg Message) {
	select {
	case s.ch <- msg:
	case <-s.done:
		s.logger.WithField("op", msg.Op).Warn("writeback: scheduler closed, dropping message")
	}
}

// Close stops accepting new messages, drains and flushes whatever
// remains, and waits for the background goroutine to exit.
func (s *Scheduler) Close() {
	close(s.done)
	close(s.ch)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]Message, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"batch_size":     s.batchSize,
		"flush_interval": s.flushInterval,
	}).Info("writeback: scheduler started")

	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				if len(batch) > 0 {
					s.flush(ctx, batch)
				}
				s.logger.Info("writeback: scheduler stopping")
				return
			}
			batch = append(batch, msg)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Scheduler) flush(ctx context.Context, batch []Message) {
	s.logger.WithField("count", len(batch)).Debug("writeback: flushing batch")

	for _, msg := range batch {
		var err error
		switch msg.Op {
		case OpWrite:
			err = s.store.Insert(ctx, msg.Key, msg.Info, msg.Language)
		case OpRemove:
			err = s.store.Remove(ctx, msg.Key)
		case OpRemoveFile:
			err = s.removeFile(ctx, msg.File)
		case OpClear:
			err = s.store.Clear(ctx)
		case OpUpsertFile, OpUpsertSymbol, OpUpsertReference, OpUpsertCallEdge:
			err = s.applyRelational(ctx, msg)
		}
		if err != nil {
			s.logger.WithError(err).WithField("op", msg.Op).Warn("writeback: failed to apply message")
		}
	}
}

// applyRelational routes a relational Upsert* message to the store's
// RelationalStore surface, when the configured backend has one. A
// backend without the relational surface (the embedded bbolt store)
// silently drops these messages rather than erroring, the same way a
// KV-only deployment is expected to forgo the relational views.
func (s *Scheduler) applyRelational(ctx context.Context, msg Message) error {
	rel, ok := s.store.(l2store.RelationalStore)
	if !ok {
		s.logger.WithField("op", msg.Op).Debug("writeback: backend has no relational surface, dropping message")
		return nil
	}
	switch msg.Op {
	case OpUpsertFile:
		return rel.UpsertFile(ctx, msg.FileRec)
	case OpUpsertSymbol:
		return rel.UpsertSymbol(ctx, msg.SymbolRec)
	case OpUpsertReference:
		return rel.UpsertReference(ctx, msg.ReferenceRec)
	case OpUpsertCallEdge:
		return rel.UpsertCallEdge(ctx, msg.CallEdgeRec)
	}
	return nil
}

func (s *Scheduler) removeFile(ctx context.Context, file string) error {
	nodes, err := s.store.GetByFile(ctx, file)
	if err != nil {
		s.logger.WithError(err).WithField("file", file).Warn("writeback: failed to list nodes for file removal")
		return err
	}
	for _, n := range nodes {
		if err := s.store.Remove(ctx, n.Key); err != nil {
			s.logger.WithError(err).WithField("key", n.Key).Warn("writeback: failed to remove node during file removal")
		}
	}
	return nil
}
