package cache

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
)

func TestCache_GetSet(t *testing.T) {
	c, err := New[string]("test", 10, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get() on empty cache returned ok=true")
	}

	c.Set("k1", "v1")
	got, ok := c.Get("k1")
	if !ok || got != "v1" {
		t.Errorf("Get(k1) = %q, %v; want v1, true", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, err := New[string]("test", 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.Set("k1", "v1")
	if _, ok := c.Get("k1"); !ok {
		t.Fatal("fresh entry should be present")
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("k1"); ok {
		t.Error("stale entry should not be returned")
	}

	stats := c.Stats()
	if stats.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", stats.Expirations)
	}
	if stats.Evictions != 0 {
		t.Errorf("Evictions = %d, want 0 (expiry is not eviction)", stats.Evictions)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry removal", c.Len())
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c, err := New[int]("test", 3, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	// Touch k0 so k1 becomes least recently used.
	c.Get("k0")

	c.Set("k3", 3)

	if _, ok := c.Get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	if _, ok := c.Get("k0"); !ok {
		t.Error("k0 should have survived eviction")
	}

	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestCache_RemoveMatching(t *testing.T) {
	c, err := New[int]("test", 10, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.Set("entity:task_aa", 1)
	c.Set("entity:task_bb", 2)
	c.Set("entity:note_cc", 3)

	removed := c.RemoveMatching(func(key string) bool {
		return strings.Contains(key, "task_")
	})
	if removed != 2 {
		t.Errorf("RemoveMatching() = %d, want 2", removed)
	}
	if _, ok := c.Get("entity:note_cc"); !ok {
		t.Error("non-matching entry should survive")
	}
}

func TestCache_InvalidConfig(t *testing.T) {
	if _, err := New[int]("test", 0, time.Minute); err == nil {
		t.Error("New() with zero size should fail")
	}
	if _, err := New[int]("test", 10, 0); err == nil {
		t.Error("New() with zero ttl should fail")
	}
}

func newTestEntity(t *testing.T, typ entity.Type, name string) *entity.Entity {
	t.Helper()
	e, err := entity.New(typ, "org-1", name)
	if err != nil {
		t.Fatalf("entity.New() error = %v", err)
	}
	return e
}

func TestSet_InvalidateEntity(t *testing.T) {
	s, err := NewSet(config.CacheConfig{})
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}

	e := newTestEntity(t, entity.TypeNote, "cached note")
	s.PutEntity(e)
	s.Search.Set(SearchKey("org-1", "notes"), []string{e.ID})

	if _, ok := s.GetEntity(e.ID); !ok {
		t.Fatal("entity should be cached")
	}

	s.InvalidateEntity(e.ID)

	if _, ok := s.GetEntity(e.ID); ok {
		t.Error("entity should be invalidated")
	}
	if s.Search.Len() != 0 {
		t.Error("search cache should be cleared on entity invalidation")
	}
}

func TestSet_InvalidateByType(t *testing.T) {
	s, err := NewSet(config.CacheConfig{})
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}

	task := newTestEntity(t, entity.TypeTask, "some task")
	note := newTestEntity(t, entity.TypeNote, "some note")
	s.PutEntity(task)
	s.PutEntity(note)

	removed := s.InvalidateByType(entity.TypeTask)
	if removed != 1 {
		t.Errorf("InvalidateByType() = %d, want 1", removed)
	}
	if _, ok := s.GetEntity(task.ID); ok {
		t.Error("task entry should be gone")
	}
	if _, ok := s.GetEntity(note.ID); !ok {
		t.Error("note entry should survive")
	}
}

func TestDefaultSet_InitializeAndReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first := Default()
	if first == nil {
		t.Fatal("Default() returned nil")
	}
	if again := Default(); again != first {
		t.Error("Default() should return the same set")
	}

	replaced, err := Initialize(config.CacheConfig{})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if Default() != replaced {
		t.Error("Initialize() should replace the default set")
	}

	Reset()
	if Default() == replaced {
		t.Error("Reset() should drop the previous set")
	}
}

func TestSearchKey_Normalization(t *testing.T) {
	a := SearchKey("org-1", "  Find Tasks  ", "types=task", "project=p1")
	b := SearchKey("org-1", "find tasks", "types=task", "project=p1")
	if a != b {
		t.Errorf("keys should match after normalization: %q vs %q", a, b)
	}

	c := SearchKey("org-2", "find tasks", "types=task", "project=p1")
	if a == c {
		t.Error("different orgs must not share cache keys")
	}
}
