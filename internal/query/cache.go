package query

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stratadb/strata/internal/storage"
)

// DownloadCache keeps cold objects on local disk so repeated queries over
// the same partitions skip the object store. Concurrent fetches of the same
// object share one download.
type DownloadCache struct {
	dir      string
	maxBytes int64
	storage  storage.ObjectStorage

	index  sync.Map // objectKey → *cacheEntry
	flight singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	sizeBytes atomic.Int64
}

type cacheEntry struct {
	localPath  string
	sizeBytes  int64
	lastAccess atomic.Int64 // Unix nanos
}

// NewDownloadCache creates a cache rooted at dir, evicting least recently
// used objects once maxBytes is exceeded.
func NewDownloadCache(dir string, maxBytes int64, store storage.ObjectStorage) (*DownloadCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("query: cache maxBytes must be positive, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("query: failed to create cache dir: %w", err)
	}
	return &DownloadCache{dir: dir, maxBytes: maxBytes, storage: store}, nil
}

// Fetch returns a local path for the object, downloading it on a miss.
func (c *DownloadCache) Fetch(ctx context.Context, objectKey string) (string, error) {
	if v, ok := c.index.Load(objectKey); ok {
		entry := v.(*cacheEntry)
		entry.lastAccess.Store(time.Now().UnixNano())
		c.hits.Add(1)
		return entry.localPath, nil
	}
	c.misses.Add(1)

	path, err, _ := c.flight.Do(objectKey, func() (interface{}, error) {
		// Another flight may have populated the index while we waited.
		if v, ok := c.index.Load(objectKey); ok {
			return v.(*cacheEntry).localPath, nil
		}
		return c.download(ctx, objectKey)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (c *DownloadCache) download(ctx context.Context, objectKey string) (string, error) {
	localPath := filepath.Join(c.dir, sanitizeKey(objectKey))
	if err := c.storage.Download(ctx, objectKey, localPath); err != nil {
		return "", err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("query: failed to stat downloaded object: %w", err)
	}

	entry := &cacheEntry{localPath: localPath, sizeBytes: info.Size()}
	entry.lastAccess.Store(time.Now().UnixNano())
	c.index.Store(objectKey, entry)
	c.sizeBytes.Add(info.Size())

	c.evictIfNeeded()
	return localPath, nil
}

// evictIfNeeded drops least recently used entries until the cache fits.
func (c *DownloadCache) evictIfNeeded() {
	if c.sizeBytes.Load() <= c.maxBytes {
		return
	}

	type candidate struct {
		key        string
		entry      *cacheEntry
		lastAccess int64
	}
	var candidates []candidate
	c.index.Range(func(k, v interface{}) bool {
		e := v.(*cacheEntry)
		candidates = append(candidates, candidate{key: k.(string), entry: e, lastAccess: e.lastAccess.Load()})
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	for _, cand := range candidates {
		if c.sizeBytes.Load() <= c.maxBytes {
			break
		}
		if _, loaded := c.index.LoadAndDelete(cand.key); !loaded {
			continue
		}
		if err := os.Remove(cand.entry.localPath); err != nil && !os.IsNotExist(err) {
			log.Printf("query: [WARN] failed to evict cached object %s: %v", cand.key, err)
		}
		c.sizeBytes.Add(-cand.entry.sizeBytes)
		c.evictions.Add(1)
	}
}

// Invalidate drops a cached object, if present.
func (c *DownloadCache) Invalidate(objectKey string) {
	if v, loaded := c.index.LoadAndDelete(objectKey); loaded {
		entry := v.(*cacheEntry)
		os.Remove(entry.localPath)
		c.sizeBytes.Add(-entry.sizeBytes)
	}
}

// Stats returns hit, miss, and eviction counts plus resident bytes.
func (c *DownloadCache) Stats() (hits, misses, evictions, sizeBytes int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load(), c.sizeBytes.Load()
}

func sanitizeKey(objectKey string) string {
	out := make([]byte, 0, len(objectKey))
	for i := 0; i < len(objectKey); i++ {
		ch := objectKey[i]
		if ch == '/' || ch == '\\' || ch == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, ch)
	}
	return string(out)
}
