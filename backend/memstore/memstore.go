// Package memstore is an in-memory implementation of backend.Docs and
// backend.Blobs.  It backs the component tests and the daemon's
// -mem-backend development mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pigeon/backend"
)

// Store holds all collections and blobs behind one lock.  Subscriptions are
// pumped from per-subscription queues so a slow consumer never blocks a
// writer.
type Store struct {
	// SetHook, if non-nil, runs before every Set and Add; returning an
	// error fails the write.  Tests use it to inject faults into chosen
	// collections.
	SetHook func(collection, key string) error

	// UploadHook, if non-nil, runs before every Upload.
	UploadHook func(path string) error

	mu      sync.Mutex
	colls   map[string]*collection
	blobs   map[string][]byte
	nextKey int
	nextSeq int
}

type memDoc struct {
	seq  int
	data backend.Record
}

type collection struct {
	docs map[string]*memDoc
	subs map[*subscription]bool
}

func New() *Store {
	return &Store{
		colls: map[string]*collection{},
		blobs: map[string][]byte{},
	}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.colls[name]
	if !ok {
		c = &collection{
			docs: map[string]*memDoc{},
			subs: map[*subscription]bool{},
		}
		s.colls[name] = c
	}
	return c
}

func (s *Store) Get(ctx context.Context, collection, key string) (backend.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.coll(collection).docs[key]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return cloneRecord(doc.data), nil
}

func (s *Store) Set(ctx context.Context, collection, key string, data backend.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SetHook != nil {
		if err := s.SetHook(collection, key); err != nil {
			return err
		}
	}

	s.nextSeq++
	c := s.coll(collection)
	c.docs[key] = &memDoc{seq: s.nextSeq, data: cloneRecord(data)}
	for sub := range c.subs {
		sub.push(backend.Doc{Key: key, Data: cloneRecord(data)})
	}
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, data backend.Record) (string, error) {
	s.mu.Lock()
	s.nextKey++
	key := fmt.Sprintf("doc-%08d", s.nextKey)
	s.mu.Unlock()

	if err := s.Set(ctx, collection, key, data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.coll(collection).docs, key)
	return nil
}

func (s *Store) Query(ctx context.Context, collection, orderBy string) ([]backend.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.orderedDocsLocked(collection, orderBy), nil
}

func (s *Store) orderedDocsLocked(collection, orderBy string) []backend.Doc {
	c := s.coll(collection)

	type keyed struct {
		key string
		doc *memDoc
	}
	all := make([]keyed, 0, len(c.docs))
	for key, doc := range c.docs {
		all = append(all, keyed{key: key, doc: doc})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].doc.data[orderBy], all[j].doc.data[orderBy]
		if fieldLess(a, b) {
			return true
		}
		if fieldLess(b, a) {
			return false
		}
		// Ties keep write order.
		return all[i].doc.seq < all[j].doc.seq
	})

	out := make([]backend.Doc, 0, len(all))
	for _, kd := range all {
		out = append(out, backend.Doc{Key: kd.key, Data: cloneRecord(kd.doc.data)})
	}
	return out
}

func fieldLess(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Before(bv)
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case int64:
		bv, ok := b.(int64)
		return ok && av < bv
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	}
	return false
}

func (s *Store) Subscribe(ctx context.Context, collection, orderBy string) (backend.Subscription, error) {
	sub := &subscription{
		store: s,
		coll:  collection,
		added: make(chan backend.Doc),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	// Seed the feed with the current contents, in order, before any new
	// additions can be queued behind them.
	for _, doc := range s.orderedDocsLocked(collection, orderBy) {
		sub.push(doc)
	}
	s.coll(collection).subs[sub] = true
	s.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Upload records the blob and returns a mem:// URL for it.
func (s *Store) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if s.UploadHook != nil {
		if err := s.UploadHook(path); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// Blob returns the uploaded bytes at path, for test assertions.
func (s *Store) Blob(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[path]
	return data, ok
}

type subscription struct {
	store *Store
	coll  string
	added chan backend.Doc
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	queue []backend.Doc
}

func (sub *subscription) push(d backend.Doc) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, d)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	defer close(sub.added)
	for {
		sub.mu.Lock()
		pending := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, d := range pending {
			select {
			case sub.added <- d:
			case <-sub.done:
				return
			}
		}

		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}

func (sub *subscription) Added() <-chan backend.Doc {
	return sub.added
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		close(sub.done)

		sub.store.mu.Lock()
		delete(sub.store.coll(sub.coll).subs, sub)
		sub.store.mu.Unlock()
	})
	return nil
}

func cloneRecord(r backend.Record) backend.Record {
	out := make(backend.Record, len(r))
	for k, v := range r {
		switch vv := v.(type) {
		case []any:
			out[k] = append([]any(nil), vv...)
		case []string:
			out[k] = append([]string(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
