package level_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/playnet/internal/level"
)

const floorLevel = `
level:
  id: L1
  name: Floor
  script_dir: floor
  entities:
    - name: floor
      networked: true
      children:
        - name: cell-1
          template: cell
          state:
            lit: false
        - name: cell-2
          template: cell
    - name: camera
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFromBytes(t *testing.T) {
	doc, err := level.LoadFromBytes([]byte(floorLevel))
	require.NoError(t, err)

	assert.Equal(t, "L1", doc.ID)
	assert.Equal(t, "floor", doc.ScriptDir)
	require.Len(t, doc.Entities, 2)
	assert.True(t, doc.Entities[0].Networked)
	require.Len(t, doc.Entities[0].Children, 2)
	assert.Equal(t, false, doc.Entities[0].Children[0].State["lit"])
}

func TestDocument_ValidateRejectsDuplicateNames(t *testing.T) {
	doc := level.Document{ID: "L", Entities: []level.EntitySpec{
		{Name: "a", Children: []level.EntitySpec{{Name: "b"}}},
		{Name: "b"},
	}}
	assert.Error(t, doc.Validate())
}

func TestDocument_ValidateRejectsEmpty(t *testing.T) {
	assert.Error(t, (&level.Document{}).Validate())
	assert.Error(t, (&level.Document{ID: "L", Entities: []level.EntitySpec{{}}}).Validate())
}

func TestFileStore_LoadAndSave(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "L1.yaml", floorLevel)
	store := level.NewFileStore(dir)
	ctx := context.Background()

	doc, err := store.Load(ctx, "L1")
	require.NoError(t, err)

	doc.Name = "Renamed"
	doc.ID = "L2"
	require.NoError(t, store.Save(ctx, doc))

	reloaded, err := store.Load(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", reloaded.Name)
	assert.Len(t, reloaded.Entities, 2)

	ids, err := store.IDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"L1", "L2"}, ids)
}

func TestFileStore_NotFound(t *testing.T) {
	_, err := level.NewFileStore(t.TempDir()).Load(context.Background(), "missing")
	assert.ErrorIs(t, err, level.ErrNotFound)
}

func TestFileStore_RejectsPathIDs(t *testing.T) {
	store := level.NewFileStore(t.TempDir())
	for _, id := range []string{"../etc", "a/b", ".hidden", ""} {
		_, err := store.Load(context.Background(), id)
		assert.Error(t, err, id)
		assert.NotErrorIs(t, err, level.ErrNotFound, id)
	}
}

func TestFileStore_MismatchedID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "other.yaml", floorLevel)
	_, err := level.NewFileStore(dir).Load(context.Background(), "other")
	assert.Error(t, err)
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	err := level.NewFileStore(t.TempDir()).Save(context.Background(), &level.Document{})
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cells.yaml", `
templates:
  - name: cell
    networked: true
    state:
      lit: false
  - name: lamp
    networked: true
`)
	writeFile(t, dir, "README.md", "ignored")

	cat, err := level.LoadCatalog(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cell", "lamp"}, cat.Names())

	cell, ok := cat.Get("cell")
	require.True(t, ok)
	assert.True(t, cell.Networked)
	assert.Len(t, cat.ToData(), 2)
}

func TestLoadCatalog_MissingDirIsEmpty(t *testing.T) {
	cat, err := level.LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, cat.Names())
}

func TestNewCatalog_Duplicate(t *testing.T) {
	_, err := level.NewCatalog(level.Template{Name: "a"}, level.Template{Name: "a"})
	assert.Error(t, err)
}

type slowStore struct {
	loads atomic.Int32
	delay time.Duration
	mu    sync.Mutex
	saved []*level.Document
}

func (s *slowStore) Load(ctx context.Context, id string) (*level.Document, error) {
	s.loads.Add(1)
	time.Sleep(s.delay)
	if id == "missing" {
		return nil, level.ErrNotFound
	}
	return &level.Document{ID: id}, nil
}

func (s *slowStore) Save(_ context.Context, doc *level.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, doc)
	return nil
}

func TestCachedStore_CollapsesConcurrentLoads(t *testing.T) {
	backend := &slowStore{delay: 50 * time.Millisecond}
	cache := level.NewCachedStore(backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := cache.Load(context.Background(), "L1")
			assert.NoError(t, err)
			assert.Equal(t, "L1", doc.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), backend.loads.Load())

	_, err := cache.Load(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.loads.Load())
}

func TestCachedStore_ErrorsAreNotCached(t *testing.T) {
	backend := &slowStore{}
	cache := level.NewCachedStore(backend)
	for i := 0; i < 2; i++ {
		_, err := cache.Load(context.Background(), "missing")
		assert.ErrorIs(t, err, level.ErrNotFound)
	}
	assert.Equal(t, int32(2), backend.loads.Load())
}

func TestCachedStore_SaveRefreshes(t *testing.T) {
	backend := &slowStore{}
	cache := level.NewCachedStore(backend)
	ctx := context.Background()
	_, err := cache.Load(ctx, "L1")
	require.NoError(t, err)

	require.NoError(t, cache.Save(ctx, &level.Document{ID: "L1", Name: "new"}))
	doc, err := cache.Load(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "new", doc.Name)
	assert.Equal(t, int32(1), backend.loads.Load())

	cache.Invalidate("L1")
	_, err = cache.Load(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.loads.Load())
}
