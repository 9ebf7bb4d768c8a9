package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"riskline/internal/config"
)

// Source produces a compiled snapshot from a backing store.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

type SourceFunc func(ctx context.Context) (*Snapshot, error)

func (f SourceFunc) Load(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Cache holds the current snapshot until Invalidate is called. Each gateway
// call reads one snapshot and uses it for the whole operation.
type Cache struct {
	src Source

	mu         sync.RWMutex
	snap       *Snapshot
	generation uint64
	loads      int
}

func NewCache(src Source) *Cache { return &Cache{src: src} }

func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap, gen := c.snap, c.generation
	c.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	loaded, err := c.src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	// An Invalidate that raced with this load wins; the next call reloads.
	if c.generation == gen {
		c.snap = loaded
	}
	return loaded, nil
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.generation++
	c.mu.Unlock()
}

// Loads reports how many times the source has been consulted.
func (c *Cache) Loads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loads
}

// Static always returns the same compiled document.
func Static(doc *config.Document, version int64) (Source, error) {
	snap, err := Compile(doc, version)
	if err != nil {
		return nil, err
	}
	return SourceFunc(func(context.Context) (*Snapshot, error) { return snap, nil }), nil
}

// FileSource reads a YAML document from disk on every load. The file's
// modification time is used as the version.
type FileSource struct {
	Path string
}

func (f FileSource) Load(context.Context) (*Snapshot, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	doc, err := config.FromFile(f.Path)
	if err != nil {
		return nil, err
	}
	return Compile(doc, info.ModTime().UnixNano())
}

// DocumentStore is the versioned policy table. It returns a nil document
// when nothing has been imported yet.
type DocumentStore interface {
	LatestPolicy(ctx context.Context) (int64, *config.Document, error)
}

// StoreSource loads the latest stored document, falling back to a built-in
// document at version 0 when the store is empty.
type StoreSource struct {
	Store    DocumentStore
	Fallback *config.Document
}

func (s StoreSource) Load(ctx context.Context) (*Snapshot, error) {
	version, doc, err := s.Store.LatestPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if s.Fallback == nil {
			return nil, fmt.Errorf("no policy imported")
		}
		return Compile(s.Fallback, 0)
	}
	return Compile(doc, version)
}
