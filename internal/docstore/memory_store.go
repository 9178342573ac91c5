package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/finomaly/finomaly/internal/idgen"
	"github.com/finomaly/finomaly/internal/txn"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	subs        map[string]map[int]*subscriber
	nextSub     int
	closed      bool

	// deliverMu serializes snapshot delivery so subscribers see snapshots
	// in mutation order.
	deliverMu sync.Mutex
}

type subscriber struct {
	onSnapshot SnapshotFunc
	onError    ErrorFunc
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		subs:        make(map[string]map[int]*subscriber),
	}
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	if collection == "" || onSnapshot == nil {
		return nil, ErrInvalidInput
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextSub
	s.nextSub++
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[int]*subscriber)
	}
	s.subs[collection][id] = &subscriber{onSnapshot: onSnapshot, onError: onError}
	snap := s.snapshotLocked(collection)
	s.mu.Unlock()

	onSnapshot(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[collection], id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *MemoryStore) Put(ctx context.Context, collection, id string, data txn.Record) (string, error) {
	if collection == "" {
		return "", ErrInvalidInput
	}
	if id == "" {
		id = idgen.New()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	now := time.Now().UTC()
	doc := Document{ID: id, Data: data, CreatedAt: now, UpdatedAt: now}
	if prev, ok := coll[id]; ok {
		doc.CreatedAt = prev.CreatedAt
	}
	coll[id] = copyDoc(doc)
	s.mu.Unlock()

	s.notify(collection)
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	d := copyDoc(doc)
	return &d, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if _, ok := s.collections[collection][id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, collection string) (int, error) {
	s.mu.Lock()
	n := len(s.collections[collection])
	delete(s.collections, collection)
	s.mu.Unlock()

	if n > 0 {
		s.notify(collection)
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(collection), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for coll := range s.subscribedCollections() {
		s.Fail(coll, ErrClosed)
	}
	return nil
}

// Fail ends every subscription on collection with err, as a broken
// connection would.
func (s *MemoryStore) Fail(collection string, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	subs := s.subs[collection]
	delete(s.subs, collection)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

func (s *MemoryStore) subscribedCollections() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.subs))
	for c := range s.subs {
		out[c] = struct{}{}
	}
	return out
}

func (s *MemoryStore) notify(collection string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subs[collection]))
	for _, sub := range s.subs[collection] {
		subs = append(subs, sub)
	}
	snap := s.snapshotLocked(collection)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.onSnapshot(cloneSnapshot(snap))
	}
}

// snapshotLocked returns the collection ordered by creation time then id.
// Caller must hold s.mu.
func (s *MemoryStore) snapshotLocked(collection string) []Document {
	coll := s.collections[collection]
	docs := make([]Document, 0, len(coll))
	for _, d := range coll {
		docs = append(docs, copyDoc(d))
	}
	sortDocs(docs)
	return docs
}

func sortDocs(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func cloneSnapshot(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = copyDoc(d)
	}
	return out
}
