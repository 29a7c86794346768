package mitm

import (
	"fmt"
	"testing"
)

func TestS3FIFOCache_SetGet(t *testing.T) {
	c := newS3FIFOCache(newMemoryCache(), 10)
	c.Set("a.example.com", LeafPaths{CertPath: "/a.crt", KeyPath: "/a.key"})

	got, ok := c.Get("a.example.com")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.CertPath != "/a.crt" {
		t.Errorf("got %+v", got)
	}
}

func TestS3FIFOCache_FallsBackToBacking(t *testing.T) {
	backing := newMemoryCache()
	backing.Set("warm.example.com", LeafPaths{CertPath: "/w.crt", KeyPath: "/w.key"})

	c := newS3FIFOCache(backing, 10)
	got, ok := c.Get("warm.example.com")
	if !ok {
		t.Fatal("expected fallback hit from backing store")
	}
	if got.CertPath != "/w.crt" {
		t.Errorf("got %+v", got)
	}
}

func TestS3FIFOCache_EvictsBeyondCapacity(t *testing.T) {
	backing := newMemoryCache()
	c := newS3FIFOCache(backing, 4)

	for i := 0; i < 20; i++ {
		host := fmt.Sprintf("host%d.example.com", i)
		c.Set(host, LeafPaths{CertPath: "/" + host + ".crt"})
	}

	impl := c.(*s3fifoCache)
	impl.mu.Lock()
	size := impl.sQueue.Len() + impl.mQueue.Len()
	impl.mu.Unlock()
	if size > 4 {
		t.Errorf("in-memory size %d exceeds capacity 4", size)
	}
}

func TestS3FIFOCache_GetIncrementsFrequency(t *testing.T) {
	backing := newMemoryCache()
	c := newS3FIFOCache(backing, 10).(*s3fifoCache)

	c.Set("promote.example.com", LeafPaths{CertPath: "/p.crt"})
	c.Get("promote.example.com") // first get; freq becomes 1

	c.mu.Lock()
	e := c.entries["promote.example.com"]
	freq := e.freq
	c.mu.Unlock()
	if freq != 1 {
		t.Errorf("freq after one Get: got %d, want 1", freq)
	}
}

func TestS3FIFOCache_DeleteRemovesFromMemoryAndBacking(t *testing.T) {
	backing := newMemoryCache()
	c := newS3FIFOCache(backing, 10)
	c.Set("del.example.com", LeafPaths{CertPath: "/d.crt"})
	c.Delete("del.example.com")

	if _, ok := c.Get("del.example.com"); ok {
		t.Error("expected miss after delete")
	}
	if _, ok := backing.Get("del.example.com"); ok {
		t.Error("expected backing store entry to be removed too")
	}
}
