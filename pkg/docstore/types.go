package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SourceType distinguishes web crawls from local directory walks.
const (
	SourceWeb   = "web"
	SourceLocal = "local"
)

// SourceStatus is a crawl source lifecycle state.
type SourceStatus string

const (
	SourcePending   SourceStatus = "pending"
	SourceCrawling  SourceStatus = "crawling"
	SourceSyncing   SourceStatus = "syncing"
	SourceCompleted SourceStatus = "completed"
	SourceFailed    SourceStatus = "failed"
)

// CrawlSource is a registered origin of documents: a website or a local
// directory.
type CrawlSource struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organization_id"`
	Name            string       `json:"name"`
	URL             string       `json:"url"`
	SourceType      string       `json:"source_type"`
	CrawlDepth      int          `json:"crawl_depth"`
	IncludePatterns []string     `json:"include_patterns,omitempty"`
	ExcludePatterns []string     `json:"exclude_patterns,omitempty"`
	Status          SourceStatus `json:"status"`
	LastError       string       `json:"last_error,omitempty"`
	DocumentCount   int          `json:"document_count"`
	ChunkCount      int          `json:"chunk_count"`
	LastCrawledAt   *time.Time   `json:"last_crawled_at,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	Categories      []string     `json:"categories,omitempty"`
	FaviconURL      string       `json:"favicon_url,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CrawledDocument is one fetched and parsed page or file. Documents are
// append-only; reingestion deduplicates on (source_id, url).
type CrawledDocument struct {
	ID             string    `json:"id"`
	SourceID       string    `json:"source_id"`
	OrganizationID string    `json:"organization_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	Content        string    `json:"content,omitempty"`
	Headings       []string  `json:"headings,omitempty"`
	SectionPath    []string  `json:"section_path,omitempty"`
	WordCount      int       `json:"word_count"`
	HasCode        bool      `json:"has_code"`
	Language       string    `json:"language,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChunkType classifies a chunk's content.
type ChunkType string

const (
	ChunkText    ChunkType = "text"
	ChunkHeading ChunkType = "heading"
	ChunkCode    ChunkType = "code"
)

// DocumentChunk is a retrieval-sized slice of a document with optional
// contextual prefix and dense embedding.
type DocumentChunk struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	OrganizationID string    `json:"organization_id"`
	ChunkIndex     int       `json:"chunk_index"`
	ChunkType      ChunkType `json:"chunk_type"`
	Content        string    `json:"content"`
	Context        string    `json:"context,omitempty"`
	TokenCount     int       `json:"token_count"`
	StartChar      int       `json:"start_char"`
	EndChar        int       `json:"end_char"`
	HeadingPath    []string  `json:"heading_path,omitempty"`
	Language       string    `json:"language,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	IsComplete     bool      `json:"is_complete"`
	HasEntities    bool      `json:"has_entities"`
	EntityIDs      []string  `json:"entity_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChunkHit is one scored result of a chunk similarity search.
type ChunkHit struct {
	Chunk      *DocumentChunk
	Similarity float64
}

// NewSourceID derives a deterministic source id from the tenant and the
// source name, so registering the same source twice collides instead of
// duplicating.
func NewSourceID(orgID, name string) string {
	return "src_" + shortHash(orgID, strings.ToLower(strings.TrimSpace(name)))
}

// NewDocumentID derives a deterministic document id from the source and
// the url.
func NewDocumentID(sourceID, url string) string {
	return "doc_" + shortHash(sourceID, url)
}

// ChunkID names a chunk by its document and position.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s:%d", documentID, index)
}

func shortHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
