package events

import (
	"time"
)

// Type names a canonical bus event.
type Type string

const (
	TypeCrawlStarted        Type = "crawl_started"
	TypeCrawlProgress       Type = "crawl_progress"
	TypeCrawlComplete       Type = "crawl_complete"
	TypeCrawlSyncComplete   Type = "crawl_sync_complete"
	TypeEntityCreated       Type = "entity_created"
	TypeEntityUpdated       Type = "entity_updated"
	TypeCommunitiesDetected Type = "communities_detected"
)

// maxErrorChars bounds the error text carried by completion events.
const maxErrorChars = 256

// Event is one tenant-scoped bus message. ID is assigned by the stream
// on publish.
type Event struct {
	ID             string         `json:"id,omitempty"`
	Type           Type           `json:"type"`
	OrganizationID string         `json:"organization_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// CrawlStarted announces that a source crawl began.
func CrawlStarted(orgID, sourceID, sourceName string, maxPages int) Event {
	return Event{
		Type:           TypeCrawlStarted,
		OrganizationID: orgID,
		Payload: map[string]any{
			"source_id":   sourceID,
			"source_name": sourceName,
			"max_pages":   maxPages,
		},
	}
}

// CrawlProgress reports incremental counts from a running crawl.
func CrawlProgress(orgID, sourceID string, documents, chunks, delta, errs int) Event {
	return Event{
		Type:           TypeCrawlProgress,
		OrganizationID: orgID,
		Payload: map[string]any{
			"source_id": sourceID,
			"documents": documents,
			"chunks":    chunks,
			"delta":     delta,
			"errors":    errs,
		},
	}
}

// CrawlComplete carries the final counts and, on failure, a truncated
// error string.
func CrawlComplete(orgID, sourceID string, documents, chunks int, duration time.Duration, crawlErr string) Event {
	payload := map[string]any{
		"source_id":   sourceID,
		"documents":   documents,
		"chunks":      chunks,
		"duration_ms": duration.Milliseconds(),
		"success":     crawlErr == "",
	}
	if crawlErr != "" {
		payload["error"] = truncate(crawlErr, maxErrorChars)
	}
	return Event{
		Type:           TypeCrawlComplete,
		OrganizationID: orgID,
		Payload:        payload,
	}
}

// CrawlSyncComplete reports reconciled counts after a sync pass.
func CrawlSyncComplete(orgID, sourceID string, documents, chunks int, statusFrom, statusTo string) Event {
	payload := map[string]any{
		"source_id": sourceID,
		"documents": documents,
		"chunks":    chunks,
	}
	if statusFrom != statusTo {
		payload["status_from"] = statusFrom
		payload["status_to"] = statusTo
	}
	return Event{
		Type:           TypeCrawlSyncComplete,
		OrganizationID: orgID,
		Payload:        payload,
	}
}

// EntityCreated announces a new graph entity.
func EntityCreated(orgID, id, entityType, name, derivedFrom string) Event {
	payload := map[string]any{
		"id":          id,
		"entity_type": entityType,
		"name":        name,
	}
	if derivedFrom != "" {
		payload["derived_from"] = derivedFrom
	}
	return Event{
		Type:           TypeEntityCreated,
		OrganizationID: orgID,
		Payload:        payload,
	}
}

// EntityUpdated announces a mutation with the fields that changed.
func EntityUpdated(orgID, id, entityType string, changedFields []string) Event {
	return Event{
		Type:           TypeEntityUpdated,
		OrganizationID: orgID,
		Payload: map[string]any{
			"id":             id,
			"entity_type":    entityType,
			"changed_fields": changedFields,
		},
	}
}

// CommunitiesDetected reports a finished community detection pass with
// the shape of the rebuilt hierarchy.
func CommunitiesDetected(orgID string, nodes, edges, levels, communities, removed int) Event {
	return Event{
		Type:           TypeCommunitiesDetected,
		OrganizationID: orgID,
		Payload: map[string]any{
			"nodes":       nodes,
			"edges":       edges,
			"levels":      levels,
			"communities": communities,
			"removed":     removed,
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
