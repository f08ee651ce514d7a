package search

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

func embeddedEntity(id string, typ entity.Type, name string, embedding []float32) *entity.Entity {
	ent := testEntity(id, typ, name, 0)
	ent.NameEmbedding = embedding
	return ent
}

func TestFindDuplicates(t *testing.T) {
	ctx := context.Background()
	g := &fakeGraph{
		listByType: map[entity.Type][]*entity.Entity{
			entity.TypePattern: {
				embeddedEntity("ent_a", entity.TypePattern, "Event Bus", []float32{1, 0}),
				embeddedEntity("ent_b", entity.TypePattern, "Event Bus Pattern", []float32{1, 0.1}),
				embeddedEntity("ent_c", entity.TypePattern, "Cache Layer", []float32{0, 1}),
			},
		},
	}
	eng := newTestEngine(t, config.SearchConfig{}, Deps{Graph: g, Docs: &fakeDocs{}, Embedder: &fakeEmbedder{}})

	// nil types scans the defaults; only patterns are populated here.
	pairs, err := eng.FindDuplicates(ctx, testOrg, nil)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %+v, want exactly the near-identical pair", pairs)
	}

	p := pairs[0]
	if p.FirstID != "ent_a" || p.SecondID != "ent_b" {
		t.Errorf("pair = %s/%s, want ent_a/ent_b", p.FirstID, p.SecondID)
	}
	if p.Similarity < 0.95 || p.Similarity > 1.0+1e-9 {
		t.Errorf("similarity = %v, want within [0.95, 1]", p.Similarity)
	}
	if p.Type != entity.TypePattern {
		t.Errorf("pair type = %s, want pattern", p.Type)
	}
	if p.SuggestedKeep != "ent_b" {
		t.Errorf("suggested keep = %s, want the longer name ent_b", p.SuggestedKeep)
	}

	if got := eng.PendingDuplicates(testOrg); !reflect.DeepEqual(got, pairs) {
		t.Errorf("pending = %+v, want the scan result", got)
	}
}

func TestFindDuplicatesJaccardFilter(t *testing.T) {
	ctx := context.Background()
	g := &fakeGraph{
		listByType: map[entity.Type][]*entity.Entity{
			entity.TypePattern: {
				embeddedEntity("ent_a", entity.TypePattern, "Event Bus", []float32{1, 0}),
				embeddedEntity("ent_d", entity.TypePattern, "Zebra Quux", []float32{1, 0}),
			},
		},
	}
	deps := Deps{Graph: g, Docs: &fakeDocs{}, Embedder: &fakeEmbedder{}}

	// Identical embeddings but disjoint names: the overlap filter
	// rejects the pair.
	eng := newTestEngine(t, config.SearchConfig{}, deps)
	pairs, err := eng.FindDuplicates(ctx, testOrg, []entity.Type{entity.TypePattern})
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("pairs = %+v, want none with the name filter on", pairs)
	}

	off := false
	loose, err := New(config.SearchConfig{}, config.DedupConfig{JaccardFilter: &off}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pairs, err = loose.FindDuplicates(ctx, testOrg, []entity.Type{entity.TypePattern})
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %+v, want the pair with the name filter off", pairs)
	}
	if pairs[0].SuggestedKeep != "ent_d" {
		t.Errorf("suggested keep = %s, want ent_d", pairs[0].SuggestedKeep)
	}
}

func TestMergeRedirectsAndDeletes(t *testing.T) {
	ctx := context.Background()

	keep := testEntity("ent_k", entity.TypePattern, "Event Bus Pattern", 0)
	keep.Metadata = map[string]any{"b": "9"}
	remove := testEntity("ent_r", entity.TypePattern, "Event Bus", 0)
	remove.Metadata = map[string]any{"a": "1", "b": "2"}

	rel := func(relType entity.RelationshipType, from, to string) *entity.Relationship {
		return &entity.Relationship{FromID: from, ToID: to, Type: relType, Weight: 1, GroupID: testOrg}
	}
	g := &fakeGraph{
		entities: map[string]*entity.Entity{"ent_k": keep, "ent_r": remove},
		rels: map[string][]*entity.Relationship{
			"ent_r": {
				rel(entity.RelReferences, "ent_x", "ent_r"),
				rel(entity.RelDependsOn, "ent_r", "ent_y"),
				rel(entity.RelRelatedTo, "ent_k", "ent_r"),
			},
		},
	}
	keywords := newMemoryIndex()
	if err := keywords.Upsert(ctx, testOrg, "ent_r", "resilient retry policy"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	results, err := cache.New[any]("search", 8, time.Minute)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	results.Set(cache.SearchKey(testOrg, "event"), []Result{{ID: "stale"}})
	results.Set(cache.SearchKey("org_2", "event"), []Result{{ID: "other"}})

	eng := newTestEngine(t, config.SearchConfig{}, Deps{
		Graph: g, Docs: &fakeDocs{}, Embedder: &fakeEmbedder{}, Keywords: keywords, Results: results,
	})
	eng.pending[testOrg] = []DuplicatePair{
		{FirstID: "ent_k", SecondID: "ent_r"},
		{FirstID: "ent_m", SecondID: "ent_n"},
	}

	if err := eng.Merge(ctx, testOrg, "ent_k", "ent_r", true); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// Two edges redirect; the edge between the pair would self-loop and
	// is dropped.
	if len(g.upsertedRels) != 2 {
		t.Fatalf("redirected %d edges, want 2: %+v", len(g.upsertedRels), g.upsertedRels)
	}
	first, second := g.upsertedRels[0], g.upsertedRels[1]
	if first.FromID != "ent_x" || first.ToID != "ent_k" || first.Type != entity.RelReferences {
		t.Errorf("first redirect = %+v", first)
	}
	if second.FromID != "ent_k" || second.ToID != "ent_y" || second.Type != entity.RelDependsOn {
		t.Errorf("second redirect = %+v", second)
	}

	if !reflect.DeepEqual(g.deleted, []string{"ent_r"}) {
		t.Errorf("deleted = %v, want [ent_r]", g.deleted)
	}

	if len(g.upsertedEnts) != 1 {
		t.Fatalf("upserted %d entities, want the metadata union", len(g.upsertedEnts))
	}
	wantMeta := map[string]any{"a": "1", "b": "9"}
	if !reflect.DeepEqual(g.upsertedEnts[0].Metadata, wantMeta) {
		t.Errorf("merged metadata = %v, want %v", g.upsertedEnts[0].Metadata, wantMeta)
	}

	pending := eng.PendingDuplicates(testOrg)
	if len(pending) != 1 || pending[0].FirstID != "ent_m" {
		t.Errorf("pending after merge = %+v, want only the unrelated pair", pending)
	}

	if hits, err := keywords.Search(ctx, testOrg, "resilient", 10); err != nil || len(hits) != 0 {
		t.Errorf("keyword hits after merge = %v (err %v), want none", hits, err)
	}
	if _, ok := results.Get(cache.SearchKey(testOrg, "event")); ok {
		t.Error("tenant search cache survived the merge")
	}
	if _, ok := results.Get(cache.SearchKey("org_2", "event")); !ok {
		t.Error("another tenant's cache was evicted")
	}
}

func TestMergeValidation(t *testing.T) {
	ctx := context.Background()
	g := &fakeGraph{entities: map[string]*entity.Entity{
		"ent_k": testEntity("ent_k", entity.TypePattern, "Keep", 0),
	}}
	eng := newTestEngine(t, config.SearchConfig{}, Deps{Graph: g, Docs: &fakeDocs{}, Embedder: &fakeEmbedder{}})

	if err := eng.Merge(ctx, "", "ent_k", "ent_r", false); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("missing tenant: err = %v", err)
	}
	if err := eng.Merge(ctx, testOrg, "ent_k", "", false); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("missing id: err = %v", err)
	}
	if err := eng.Merge(ctx, testOrg, "ent_k", "ent_k", false); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("self merge: err = %v", err)
	}
	if err := eng.Merge(ctx, testOrg, "ent_k", "ent_missing", false); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("unknown entity: err = %v", err)
	}
}

func TestSuggestKeep(t *testing.T) {
	short := testEntity("ent_1", entity.TypePattern, "Bus", 0)
	long := testEntity("ent_2", entity.TypePattern, "Bus Stop", 0)
	if got := suggestKeep(short, long); got != "ent_2" {
		t.Errorf("suggestKeep = %s, want the longer name", got)
	}
	same := testEntity("ent_3", entity.TypePattern, "Hub", 0)
	if got := suggestKeep(short, same); got != "ent_1" {
		t.Errorf("suggestKeep tie = %s, want the first", got)
	}
}

func TestNameJaccard(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Event Bus", "Event Bus Pattern", 2.0 / 3.0},
		{"Event Bus", "Cache Layer", 0},
		{"Event Bus", "event bus", 1},
		{"", "Event Bus", 0},
	}
	for _, tt := range tests {
		if got := nameJaccard(tt.a, tt.b); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("nameJaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
