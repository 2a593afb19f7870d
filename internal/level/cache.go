package level

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CachedStore memoizes loaded documents and collapses concurrent loads of
// the same level into one backend read. Save writes through and replaces
// the cached copy.
type CachedStore struct {
	backend Store
	group   singleflight.Group

	mu   sync.RWMutex
	docs map[string]*Document
}

// NewCachedStore wraps backend.
func NewCachedStore(backend Store) *CachedStore {
	return &CachedStore{backend: backend, docs: make(map[string]*Document)}
}

// Load returns the cached document for id, reading it through the backend
// on a miss. Callers must not mutate the returned document.
func (c *CachedStore) Load(ctx context.Context, id string) (*Document, error) {
	c.mu.RLock()
	doc, ok := c.docs[id]
	c.mu.RUnlock()
	if ok {
		return doc, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		doc, err := c.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.docs[id] = doc
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Save persists doc and refreshes the cache.
func (c *CachedStore) Save(ctx context.Context, doc *Document) error {
	if err := c.backend.Save(ctx, doc); err != nil {
		return err
	}
	c.mu.Lock()
	c.docs[doc.ID] = doc
	c.mu.Unlock()
	c.group.Forget(doc.ID)
	return nil
}

// Invalidate drops the cached copy of id.
func (c *CachedStore) Invalidate(id string) {
	c.mu.Lock()
	delete(c.docs, id)
	c.mu.Unlock()
}
