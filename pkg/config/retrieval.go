package config

import (
	"fmt"
	"time"
)

// RRFWeights sets the per-list weights in reciprocal rank fusion.
type RRFWeights struct {
	Vector    float64 `yaml:"vector"`
	Keyword   float64 `yaml:"keyword"`
	Traversal float64 `yaml:"traversal"`
}

// SearchConfig configures the hybrid retrieval engine.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`

	// RRFK is the k constant in score = Σ w / (k + rank).
	RRFK    int        `yaml:"rrf_k"`
	Weights RRFWeights `yaml:"weights"`

	// Traversal expands from the top vector seeds.
	TraversalEnabled *bool `yaml:"traversal_enabled"`
	TraversalDepth   int   `yaml:"traversal_depth"`
	TraversalSeeds   int   `yaml:"traversal_seeds"`

	// Keyword search over the BM25 index of entity name + description.
	KeywordEnabled *bool  `yaml:"keyword_enabled"`
	KeywordIndex   string `yaml:"keyword_index"` // sqlite path; empty = in-memory

	// Temporal boost multiplies fused scores by exp(-age_days/decay_days).
	BoostRecent *bool   `yaml:"boost_recent"`
	DecayDays   float64 `yaml:"decay_days"`

	// DefaultTypes searched when the caller supplies no type filter.
	DefaultTypes []string `yaml:"default_types"`

	// Document stream.
	IncludeDocuments   *bool `yaml:"include_documents"`
	DocChunkMultiplier int   `yaml:"doc_chunk_multiplier"`
	DocContentChars    int   `yaml:"doc_content_chars"`
	DocSnippetChars    int   `yaml:"doc_snippet_chars"`

	Timeout time.Duration `yaml:"timeout"`
}

func (c *SearchConfig) SetDefaults() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = 100
	}
	if c.RRFK == 0 {
		c.RRFK = 60
	}
	if c.Weights.Vector == 0 {
		c.Weights.Vector = 1.0
	}
	if c.Weights.Keyword == 0 {
		c.Weights.Keyword = 1.0
	}
	if c.Weights.Traversal == 0 {
		c.Weights.Traversal = 1.0
	}
	if c.TraversalEnabled == nil {
		t := true
		c.TraversalEnabled = &t
	}
	if c.TraversalDepth == 0 {
		c.TraversalDepth = 2
	}
	if c.TraversalSeeds == 0 {
		c.TraversalSeeds = 5
	}
	if c.KeywordEnabled == nil {
		t := true
		c.KeywordEnabled = &t
	}
	if c.BoostRecent == nil {
		t := true
		c.BoostRecent = &t
	}
	if c.DecayDays == 0 {
		c.DecayDays = 365
	}
	if len(c.DefaultTypes) == 0 {
		c.DefaultTypes = []string{"pattern", "rule", "template", "topic", "episode", "task", "project"}
	}
	if c.IncludeDocuments == nil {
		t := true
		c.IncludeDocuments = &t
	}
	if c.DocChunkMultiplier == 0 {
		c.DocChunkMultiplier = 5
	}
	if c.DocContentChars == 0 {
		c.DocContentChars = 500
	}
	if c.DocSnippetChars == 0 {
		c.DocSnippetChars = 200
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *SearchConfig) Validate() error {
	if c.DefaultLimit <= 0 {
		return fmt.Errorf("search default_limit must be positive")
	}
	if c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("search max_limit (%d) must be >= default_limit (%d)", c.MaxLimit, c.DefaultLimit)
	}
	if c.RRFK <= 0 {
		return fmt.Errorf("search rrf_k must be positive")
	}
	if c.DecayDays <= 0 {
		return fmt.Errorf("search decay_days must be positive")
	}
	if c.TraversalDepth < 1 {
		return fmt.Errorf("search traversal_depth must be at least 1")
	}
	if c.DocChunkMultiplier <= 0 {
		return fmt.Errorf("search doc_chunk_multiplier must be positive")
	}
	return nil
}

// TraversalOn reports whether graph traversal feeds the fusion.
func (c *SearchConfig) TraversalOn() bool {
	return c.TraversalEnabled == nil || *c.TraversalEnabled
}

// KeywordOn reports whether the BM25 list feeds the fusion.
func (c *SearchConfig) KeywordOn() bool {
	return c.KeywordEnabled == nil || *c.KeywordEnabled
}

// RecencyOn reports whether fused scores are boosted by recency.
func (c *SearchConfig) RecencyOn() bool {
	return c.BoostRecent == nil || *c.BoostRecent
}

// DocumentsOn reports whether the document stream runs.
func (c *SearchConfig) DocumentsOn() bool {
	return c.IncludeDocuments == nil || *c.IncludeDocuments
}

// CommunityConfig configures community detection.
type CommunityConfig struct {
	// Resolutions are the modularity resolutions run, coarse to fine;
	// each produces one level of the hierarchy.
	Resolutions []float64 `yaml:"resolutions"`

	// MinCommunitySize discards smaller partitions.
	MinCommunitySize int `yaml:"min_community_size"`
}

func (c *CommunityConfig) SetDefaults() {
	if len(c.Resolutions) == 0 {
		c.Resolutions = []float64{0.5, 1.0, 2.0}
	}
	if c.MinCommunitySize == 0 {
		c.MinCommunitySize = 3
	}
}

func (c *CommunityConfig) Validate() error {
	if len(c.Resolutions) == 0 {
		return fmt.Errorf("community resolutions cannot be empty")
	}
	for _, r := range c.Resolutions {
		if r <= 0 {
			return fmt.Errorf("community resolution must be positive, got %v", r)
		}
	}
	if c.MinCommunitySize < 1 {
		return fmt.Errorf("community min_community_size must be at least 1")
	}
	return nil
}

// DedupConfig configures entity duplicate detection.
type DedupConfig struct {
	// SimilarityThreshold is the cosine floor for candidate pairs.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// NameJaccardMin filters candidates by token overlap between names.
	NameJaccardMin float64 `yaml:"name_jaccard_min"`

	// JaccardFilter toggles the name-overlap filter.
	JaccardFilter *bool `yaml:"jaccard_filter"`

	// MaxPairs caps the returned candidate list.
	MaxPairs int `yaml:"max_pairs"`
}

func (c *DedupConfig) SetDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.95
	}
	if c.NameJaccardMin == 0 {
		c.NameJaccardMin = 0.3
	}
	if c.JaccardFilter == nil {
		t := true
		c.JaccardFilter = &t
	}
	if c.MaxPairs == 0 {
		c.MaxPairs = 100
	}
}

func (c *DedupConfig) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup similarity_threshold must be in (0,1], got %v", c.SimilarityThreshold)
	}
	if c.NameJaccardMin < 0 || c.NameJaccardMin > 1 {
		return fmt.Errorf("dedup name_jaccard_min must be in [0,1], got %v", c.NameJaccardMin)
	}
	return nil
}

// JaccardEnabled reports whether the name-overlap filter runs.
func (c *DedupConfig) JaccardEnabled() bool {
	return c.JaccardFilter == nil || *c.JaccardFilter
}
