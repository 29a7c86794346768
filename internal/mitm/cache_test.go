package mitm

import (
	"path/filepath"
	"testing"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := newMemoryCache()
	c.Set("example.com", LeafPaths{CertPath: "/c.crt", KeyPath: "/c.key"})

	got, ok := c.Get("example.com")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.CertPath != "/c.crt" || got.KeyPath != "/c.key" {
		t.Errorf("got %+v", got)
	}
}

func TestMemoryCache_Miss(t *testing.T) {
	c := newMemoryCache()
	if _, ok := c.Get("nope.example.com"); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := newMemoryCache()
	c.Set("example.com", LeafPaths{CertPath: "/c.crt", KeyPath: "/c.key"})
	c.Delete("example.com")
	if _, ok := c.Get("example.com"); ok {
		t.Error("expected miss after delete")
	}
}

func TestBboltCache_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "certs.db")

	c1, err := newBboltCache(dbPath)
	if err != nil {
		t.Fatalf("newBboltCache: %v", err)
	}
	c1.Set("persist.example.com", LeafPaths{CertPath: "/p.crt", KeyPath: "/p.key"})
	if err := c1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := newBboltCache(dbPath)
	if err != nil {
		t.Fatalf("reopen newBboltCache: %v", err)
	}
	defer c2.Close() //nolint:errcheck

	got, ok := c2.Get("persist.example.com")
	if !ok {
		t.Fatal("expected entry to survive reopen")
	}
	if got.CertPath != "/p.crt" || got.KeyPath != "/p.key" {
		t.Errorf("got %+v", got)
	}
}

func TestBboltCache_DeleteRemovesEntry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "certs.db")
	c, err := newBboltCache(dbPath)
	if err != nil {
		t.Fatalf("newBboltCache: %v", err)
	}
	defer c.Close() //nolint:errcheck

	c.Set("gone.example.com", LeafPaths{CertPath: "/g.crt", KeyPath: "/g.key"})
	c.Delete("gone.example.com")
	if _, ok := c.Get("gone.example.com"); ok {
		t.Error("expected miss after delete")
	}
}
