package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data    map[string]interface{}
	version int64
	updated time.Time
}

// MemoryStore is an in-process DocumentStore.
// Use this for development/testing or single-instance deployments.
// Transactions are optimistic: reads record document versions and the commit
// fails (and the body is re-run) if any of them changed meanwhile.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	seq     int64
	closed  bool

	maxAttempts int
	watches     *watchRegistry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(maxAttempts int) *MemoryStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryStore{
		entries:     make(map[string]*memoryEntry),
		maxAttempts: maxAttempts,
		watches:     newWatchRegistry(),
	}
}

// Get reads a document.
func (s *MemoryStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.docLocked(path), nil
}

func (s *MemoryStore) docLocked(path string) *Document {
	e, ok := s.entries[path]
	if !ok {
		return missing(path)
	}
	return &Document{Path: path, Data: cloneData(e.data), Version: e.version, UpdateTime: e.updated}
}

// List reads the direct children of a collection.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]*Document, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var docs []*Document
	for path := range s.entries {
		if Parent(path) == collection {
			docs = append(docs, s.docLocked(path))
		}
	}
	sortDocuments(docs)
	return docs, nil
}

// Set replaces a document.
func (s *MemoryStore) Set(ctx context.Context, path string, data map[string]interface{}) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, data)
	})
}

// Merge sets fields on a document, creating it if needed.
func (s *MemoryStore) Merge(ctx context.Context, path string, fields map[string]interface{}) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Merge(path, fields)
	})
}

// Delete removes a document.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete(path)
	})
}

// RunTransaction runs fn, re-running it when a concurrent commit touched
// anything it read.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memoryTx{store: s, writeBuffer: newWriteBuffer()}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		changed, ok, err := s.commit(tx)
		if err != nil {
			return err
		}
		if ok {
			s.watches.notify(changed...)
			return nil
		}
	}
	return ErrAborted
}

func (s *MemoryStore) commit(tx *memoryTx) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	for path, doc := range tx.reads {
		var current int64
		if e, ok := s.entries[path]; ok {
			current = e.version
		}
		if current != doc.Version {
			return nil, false, nil
		}
	}

	states, err := tx.stage(func(path string) (*Document, error) {
		return s.docLocked(path), nil
	})
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	changed := make([]string, 0, len(states))
	for _, st := range states {
		if !st.exists {
			delete(s.entries, st.path)
		} else {
			s.seq++
			s.entries[st.path] = &memoryEntry{data: st.data, version: s.seq, updated: now}
		}
		changed = append(changed, st.path)
	}
	return changed, true, nil
}

// ListenDocument delivers the document now and after every change.
func (s *MemoryStore) ListenDocument(ctx context.Context, path string, fn Listener) (Registration, error) {
	return s.watches.add(ctx, s, path, false, 0, fn)
}

// ListenCollection delivers the collection now and after every change.
func (s *MemoryStore) ListenCollection(ctx context.Context, collection string, fn Listener) (Registration, error) {
	return s.watches.add(ctx, s, collection, true, 0, fn)
}

// Stats returns document and listener counts.
func (s *MemoryStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	total := len(s.entries)
	s.mu.RUnlock()
	return map[string]interface{}{
		"backend":         "memory",
		"total_documents": total,
		"listeners":       s.watches.count(),
	}, nil
}

// Close stops all listeners. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.watches.closeAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memoryTx struct {
	*writeBuffer
	store *MemoryStore
}

func (t *memoryTx) Get(ctx context.Context, path string) (*Document, error) {
	if err := t.beforeRead(path); err != nil {
		return nil, err
	}
	if doc, ok := t.reads[path]; ok {
		return cloneDocument(doc), nil
	}
	doc, err := t.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	t.recordRead(doc)
	return cloneDocument(doc), nil
}

// Ensure MemoryStore implements DocumentStore
var _ DocumentStore = (*MemoryStore)(nil)
