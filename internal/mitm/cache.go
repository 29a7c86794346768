// Package mitm — cache.go
//
// PersistentCache is the interface for the cross-session leaf-certificate
// cache: host → (cert_path, key_path). It lets repeat CONNECTs to the same
// host skip minting, including across process restarts when backed by
// bbolt.
//
// Two implementations are provided:
//   - memoryCache — in-memory only, used in tests and when no path is configured.
//   - bboltCache  — embedded key-value store (bbolt), used in production.
package mitm

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// LeafPaths is the cached location of a minted leaf certificate and key.
type LeafPaths struct {
	CertPath string
	KeyPath  string
}

// PersistentCache is the cross-session leaf-certificate cache interface.
// All implementations must be safe for concurrent use.
type PersistentCache interface {
	// Get returns the cached paths for the given host, if present.
	Get(host string) (paths LeafPaths, ok bool)

	// Set stores host → paths. Overwrites any existing entry silently.
	Set(host string, paths LeafPaths)

	// Delete removes any cached entry for host. A no-op if absent.
	Delete(host string)

	// Close releases any resources held by the cache (e.g. file handles).
	Close() error
}

// --- memoryCache ---------------------------------------------------------

// memoryCache is a thread-safe in-memory PersistentCache.
// Used in tests and as a fallback when no bbolt path is configured.
type memoryCache struct {
	mu    sync.RWMutex
	store map[string]LeafPaths
}

func newMemoryCache() PersistentCache {
	return &memoryCache{store: make(map[string]LeafPaths)}
}

func (c *memoryCache) Get(host string) (LeafPaths, bool) {
	c.mu.RLock()
	v, ok := c.store[host]
	c.mu.RUnlock()
	return v, ok
}

func (c *memoryCache) Set(host string, paths LeafPaths) {
	c.mu.Lock()
	c.store[host] = paths
	c.mu.Unlock()
}

func (c *memoryCache) Delete(host string) {
	c.mu.Lock()
	delete(c.store, host)
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// --- bboltCache ----------------------------------------------------------

const bboltBucket = "leaf_cert_cache"

// bboltCache is a PersistentCache backed by an embedded bbolt database.
// Entries survive process restarts. The database file is created at the
// given path if it does not exist.
type bboltCache struct {
	db *bolt.DB
}

// newBboltCache opens (or creates) the bbolt database at path and ensures
// the bucket exists. Returns an error if the file cannot be opened.
func newBboltCache(path string) (PersistentCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt cert cache %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	log.Printf("[MITM] persistent cert cache opened at %s", path)
	return &bboltCache{db: db}, nil
}

func (c *bboltCache) Get(host string) (LeafPaths, bool) {
	var paths LeafPaths
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(host))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &paths); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		log.Printf("[MITM] bbolt Get error: %v", err)
		return LeafPaths{}, false
	}
	return paths, found
}

func (c *bboltCache) Set(host string, paths LeafPaths) {
	data, err := json.Marshal(paths)
	if err != nil {
		log.Printf("[MITM] bbolt Set marshal error: %v", err)
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bboltBucket)
		}
		return b.Put([]byte(host), data)
	}); err != nil {
		log.Printf("[MITM] bbolt Set error: %v", err)
	}
}

func (c *bboltCache) Delete(host string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(host))
	}); err != nil {
		log.Printf("[MITM] bbolt Delete error: %v", err)
	}
}

func (c *bboltCache) Close() error {
	return c.db.Close()
}
