package cache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
)

// Set groups the three process caches so mutation paths can apply the
// cross-cache invalidation rules in one place. Search and community
// values are owned by their packages and stored as any.
type Set struct {
	Entities    *Cache[*entity.Entity]
	Search      *Cache[any]
	Communities *Cache[any]
}

// NewSet builds the three caches from config.
func NewSet(cfg config.CacheConfig) (*Set, error) {
	cfg.SetDefaults()

	entities, err := New[*entity.Entity]("entity", cfg.Entity.Size, cfg.Entity.TTL)
	if err != nil {
		return nil, err
	}
	search, err := New[any]("search", cfg.Search.Size, cfg.Search.TTL)
	if err != nil {
		return nil, err
	}
	communities, err := New[any]("community", cfg.Community.Size, cfg.Community.TTL)
	if err != nil {
		return nil, err
	}

	return &Set{
		Entities:    entities,
		Search:      search,
		Communities: communities,
	}, nil
}

// GetEntity returns a cached entity by id.
func (s *Set) GetEntity(entityID string) (*entity.Entity, bool) {
	return s.Entities.Get(EntityKey(entityID))
}

// PutEntity caches an entity by id.
func (s *Set) PutEntity(e *entity.Entity) {
	if e == nil {
		return
	}
	s.Entities.Set(EntityKey(e.ID), e)
}

// InvalidateEntity drops the entity's entry and clears the search
// cache, since cached search results may reference the entity.
func (s *Set) InvalidateEntity(entityID string) {
	s.Entities.Remove(EntityKey(entityID))
	s.Search.Purge()
}

// InvalidateByType clears every entity entry whose id carries the type
// tag and clears the search cache. Returns the number of entity
// entries removed.
func (s *Set) InvalidateByType(t entity.Type) int {
	tag := string(t) + "_"
	removed := s.Entities.RemoveMatching(func(key string) bool {
		return strings.Contains(key, tag)
	})
	s.Search.Purge()
	return removed
}

// InvalidateCommunity drops one cached community summary.
func (s *Set) InvalidateCommunity(communityID string) {
	s.Communities.Remove(CommunityKey(communityID))
}

// PurgeAll empties every cache.
func (s *Set) PurgeAll() {
	s.Entities.Purge()
	s.Search.Purge()
	s.Communities.Purge()
}

// StatsByName returns stats for each cache keyed by cache name.
func (s *Set) StatsByName() map[string]Stats {
	return map[string]Stats{
		s.Entities.Name():    s.Entities.Stats(),
		s.Search.Name():      s.Search.Stats(),
		s.Communities.Name(): s.Communities.Stats(),
	}
}

var (
	defaultMu  sync.Mutex
	defaultSet *Set
)

// Initialize replaces the process-wide cache set. Call at startup with
// the loaded config.
func Initialize(cfg config.CacheConfig) (*Set, error) {
	s, err := NewSet(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache initialization failed: %w", err)
	}

	defaultMu.Lock()
	defaultSet = s
	defaultMu.Unlock()
	return s, nil
}

// Default returns the process-wide cache set, creating it with default
// sizing on first use.
func Default() *Set {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultSet == nil {
		s, err := NewSet(config.CacheConfig{})
		if err != nil {
			// Defaults are always valid; reaching this is a bug.
			panic(err)
		}
		defaultSet = s
	}
	return defaultSet
}

// Reset drops the process-wide set. Tests call this between runs.
func Reset() {
	defaultMu.Lock()
	defaultSet = nil
	defaultMu.Unlock()
}
