package community

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/llms"
)

func communityEntity(t *testing.T, name string, members, concepts []string) *entity.Entity {
	t.Helper()
	e, err := entity.New(entity.TypeCommunity, testOrg, name)
	if err != nil {
		t.Fatalf("entity.New: %v", err)
	}
	e.Community.MemberIDs = members
	e.Community.KeyConcepts = concepts
	return e
}

func member(id, name string) *entity.Entity {
	return &entity.Entity{ID: id, Type: entity.TypeOfID(id), Name: name, OrganizationID: testOrg}
}

func summaryCache(t *testing.T) *cache.Cache[any] {
	t.Helper()
	c, err := cache.New[any]("community", 16, time.Minute)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

func TestSummarizeValidation(t *testing.T) {
	g := &fakeGraph{entities: map[string]*entity.Entity{}}
	d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g})

	if _, err := d.Summarize(context.Background(), "", "community_aa"); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("missing tenant: err = %v, want TenantMissing", err)
	}
	if _, err := d.Summarize(context.Background(), testOrg, "task_aa"); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("non-community id: err = %v, want ValidationError", err)
	}
	if _, err := d.Summarize(context.Background(), testOrg, "community_aa"); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("unknown community: err = %v, want NotFound", err)
	}
}

func TestSummarizeServesCache(t *testing.T) {
	e := communityEntity(t, "event cluster", []string{"pattern_aa"}, nil)
	g := &fakeGraph{entities: map[string]*entity.Entity{e.ID: e}}
	summaries := summaryCache(t)
	summaries.Set(cache.CommunityKey(e.ID), "cached summary")

	d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g, Summaries: summaries})
	got, err := d.Summarize(context.Background(), testOrg, e.ID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "cached summary" {
		t.Errorf("summary = %q", got)
	}
	if g.getCalls != 0 {
		t.Errorf("graph reads on cache hit: %d", g.getCalls)
	}
}

func TestSummarizeServesStoredSummary(t *testing.T) {
	e := communityEntity(t, "event cluster", []string{"pattern_aa"}, nil)
	e.Community.Summary = "Stored summary."
	g := &fakeGraph{entities: map[string]*entity.Entity{e.ID: e}}
	gen := &fakeGenerator{text: "should not run"}
	summaries := summaryCache(t)

	d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g, Summaries: summaries, Generator: gen})
	got, err := d.Summarize(context.Background(), testOrg, e.ID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Stored summary." {
		t.Errorf("summary = %q", got)
	}
	if gen.calls != 0 {
		t.Errorf("generator ran for a stored summary")
	}
	if cached, ok := summaries.Get(cache.CommunityKey(e.ID)); !ok || cached.(string) != "Stored summary." {
		t.Errorf("stored summary not cached: %v, %v", cached, ok)
	}
}

func TestSummarizeExtractive(t *testing.T) {
	e := communityEntity(t, "event cluster",
		[]string{"pattern_aa", "rule_bb", "topic_cc"}, []string{"event", "bus"})
	g := &fakeGraph{entities: map[string]*entity.Entity{
		e.ID:         e,
		"pattern_aa": member("pattern_aa", "Event Bus Pattern"),
		"rule_bb":    member("rule_bb", "Event Sourcing Rule"),
	}}
	summaries := summaryCache(t)

	d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g, Summaries: summaries})
	got, err := d.Summarize(context.Background(), testOrg, e.ID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := "3 entities around event, bus: Event Bus Pattern, Event Sourcing Rule."
	if got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
	if len(g.upserted) != 0 {
		t.Error("extractive summary was persisted")
	}
	if e.Community.Summary != "" {
		t.Errorf("entity summary = %q, want empty", e.Community.Summary)
	}
	if cached, ok := summaries.Get(cache.CommunityKey(e.ID)); !ok || cached.(string) != want {
		t.Errorf("summary not cached: %v, %v", cached, ok)
	}
}

func TestSummarizeGenerates(t *testing.T) {
	e := communityEntity(t, "event cluster",
		[]string{"pattern_aa", "rule_bb", "topic_cc"}, []string{"event", "bus"})
	g := &fakeGraph{entities: map[string]*entity.Entity{
		e.ID:         e,
		"pattern_aa": member("pattern_aa", "Event Bus Pattern"),
	}}
	gen := &fakeGenerator{text: "  Event pipeline cluster. \n"}
	summaries := summaryCache(t)

	d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g, Summaries: summaries, Generator: gen})
	got, err := d.Summarize(context.Background(), testOrg, e.ID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Event pipeline cluster." {
		t.Errorf("summary = %q", got)
	}

	if len(g.upserted) != 1 || g.upserted[0].Community.Summary != "Event pipeline cluster." {
		t.Errorf("generated summary not persisted: %v", g.upserted)
	}
	if cached, ok := summaries.Get(cache.CommunityKey(e.ID)); !ok || cached.(string) != "Event pipeline cluster." {
		t.Errorf("summary not cached: %v, %v", cached, ok)
	}

	if len(gen.messages) != 2 || gen.messages[0].Role != llms.RoleSystem {
		t.Fatalf("prompt = %+v", gen.messages)
	}
	prompt := gen.messages[1].Content
	for _, fragment := range []string{
		"cluster of 3 related entities",
		"Key concepts: event, bus.",
		"- Event Bus Pattern (pattern)",
	} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("prompt missing %q:\n%s", fragment, prompt)
		}
	}
}

func TestSummarizeFallsBack(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{name: "generator error", gen: &fakeGenerator{err: errs.New(errs.UpstreamUnavailable, "llms", "test", "provider down")}},
		{name: "blank completion", gen: &fakeGenerator{text: "   "}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := communityEntity(t, "event cluster", []string{"pattern_aa"}, []string{"event"})
			g := &fakeGraph{entities: map[string]*entity.Entity{
				e.ID:         e,
				"pattern_aa": member("pattern_aa", "Event Bus Pattern"),
			}}
			summaries := summaryCache(t)

			d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g, Summaries: summaries, Generator: tc.gen})
			got, err := d.Summarize(context.Background(), testOrg, e.ID)
			if err != nil {
				t.Fatalf("Summarize: %v", err)
			}
			want := "1 entities around event: Event Bus Pattern."
			if got != want {
				t.Errorf("summary = %q, want %q", got, want)
			}
			if len(g.upserted) != 0 {
				t.Error("fallback summary was persisted")
			}
			if cached, ok := summaries.Get(cache.CommunityKey(e.ID)); !ok || cached.(string) != want {
				t.Errorf("fallback not cached: %v, %v", cached, ok)
			}
		})
	}
}

func TestSummarizeSamplesMembers(t *testing.T) {
	members := make([]string, 30)
	for i := range members {
		members[i] = fmt.Sprintf("pattern_%02d", i)
	}
	e := communityEntity(t, "big cluster", members, nil)
	g := &fakeGraph{entities: map[string]*entity.Entity{e.ID: e}}

	d := newDetector(t, config.CommunityConfig{}, Deps{Graph: g})
	if _, err := d.Summarize(context.Background(), testOrg, e.ID); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(g.getBatch) != summaryMemberSample {
		t.Fatalf("sampled %d members, want %d", len(g.getBatch), summaryMemberSample)
	}
	if g.getBatch[0] != "pattern_00" || g.getBatch[11] != "pattern_11" {
		t.Errorf("sample = %v", g.getBatch)
	}
}
