package community

import (
	"context"
	"fmt"
	"strings"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/llms"
)

// summaryMemberSample bounds how many member entities feed a summary.
const summaryMemberSample = 12

// Summarize returns a short description of the community, generating
// and caching it on first request. A summary persisted by an earlier
// call is served from the entity. Generated summaries are written back
// onto the community node; extractive fallbacks are only cached, so a
// recovered generator replaces them once the cache entry expires.
func (d *Detector) Summarize(ctx context.Context, orgID, communityID string) (string, error) {
	const op = "Summarize"

	if orgID == "" {
		return "", errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if entity.TypeOfID(communityID) != entity.TypeCommunity {
		return "", errs.Newf(errs.ValidationError, component, op, "%q is not a community id", communityID)
	}

	key := cache.CommunityKey(communityID)
	if d.summaries != nil {
		if cached, ok := d.summaries.Get(key); ok {
			if summary, ok := cached.(string); ok {
				return summary, nil
			}
		}
	}

	e, err := d.graph.GetEntity(ctx, orgID, communityID)
	if err != nil {
		return "", err
	}
	if e.Community == nil {
		return "", errs.Newf(errs.ValidationError, component, op, "entity %s carries no community payload", communityID)
	}
	if e.Community.Summary != "" {
		d.cacheSummary(key, e.Community.Summary)
		return e.Community.Summary, nil
	}

	members, err := d.memberSample(ctx, orgID, e.Community.MemberIDs)
	if err != nil {
		return "", err
	}

	summary, generated := d.generateSummary(ctx, e, members)
	if generated {
		e.Community.Summary = summary
		if err := d.graph.UpsertEntity(ctx, e); err != nil {
			d.log.Warn("community summary not persisted",
				"community_id", communityID, "error", err)
		}
	}
	d.cacheSummary(key, summary)
	return summary, nil
}

func (d *Detector) cacheSummary(key, summary string) {
	if d.summaries != nil {
		d.summaries.Set(key, summary)
	}
}

func (d *Detector) memberSample(ctx context.Context, orgID string, memberIDs []string) ([]*entity.Entity, error) {
	sample := memberIDs
	if len(sample) > summaryMemberSample {
		sample = sample[:summaryMemberSample]
	}
	if len(sample) == 0 {
		return nil, nil
	}
	return d.graph.GetEntities(ctx, orgID, sample)
}

// generateSummary asks the generator for a summary and reports whether
// it produced one. Without a generator, or when generation fails, the
// summary is assembled from the stored concepts and member names.
func (d *Detector) generateSummary(ctx context.Context, e *entity.Entity, members []*entity.Entity) (string, bool) {
	if d.generator == nil {
		return extractiveSummary(e, members), false
	}

	completion, err := d.generator.Generate(ctx, summaryPrompt(e, members), nil)
	if err != nil {
		d.log.Warn("community summary generation failed",
			"community_id", e.ID, "error", err)
		return extractiveSummary(e, members), false
	}
	summary := strings.TrimSpace(completion.Text)
	if summary == "" {
		return extractiveSummary(e, members), false
	}
	return summary, true
}

func summaryPrompt(e *entity.Entity, members []*entity.Entity) []llms.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarize this cluster of %d related entities in two or three sentences.\n",
		len(e.Community.MemberIDs))
	if len(e.Community.KeyConcepts) > 0 {
		fmt.Fprintf(&sb, "Key concepts: %s.\n", strings.Join(e.Community.KeyConcepts, ", "))
	}
	sb.WriteString("Members:\n")
	for _, m := range members {
		fmt.Fprintf(&sb, "- %s (%s)\n", m.Name, m.Type)
	}
	return []llms.Message{
		llms.SystemMessage("You summarize clusters of related software project knowledge. Answer with the summary only."),
		llms.UserMessage(sb.String()),
	}
}

func extractiveSummary(e *entity.Entity, members []*entity.Entity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d entities", len(e.Community.MemberIDs))
	if len(e.Community.KeyConcepts) > 0 {
		fmt.Fprintf(&sb, " around %s", strings.Join(e.Community.KeyConcepts, ", "))
	}
	if len(members) > 0 {
		names := make([]string, 0, len(members))
		for _, m := range members {
			names = append(names, m.Name)
		}
		fmt.Fprintf(&sb, ": %s", strings.Join(names, ", "))
	}
	sb.WriteString(".")
	return sb.String()
}
