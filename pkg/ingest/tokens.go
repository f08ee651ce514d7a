package ingest

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sibyldev/sibyl/pkg/config"
)

// TokenCounter estimates the token footprint of chunk text.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter builds the configured counter. A tiktoken encoding
// that cannot be loaded falls back to the heuristic; token counts feed
// ranking and budgets, they are not a correctness requirement.
func NewTokenCounter(cfg config.ChunkerConfig) TokenCounter {
	if cfg.TokenCounter == "tiktoken" {
		enc, err := tiktoken.GetEncoding(cfg.TiktokenEncoding)
		if err == nil {
			return &tiktokenCounter{enc: enc}
		}
		slog.With("component", component).Warn("tiktoken encoding unavailable, using heuristic",
			"encoding", cfg.TiktokenEncoding,
			"error", err)
	}
	return heuristicCounter{}
}

// heuristicCounter approximates BPE counts as characters over four,
// floored at the word count so short whitespace-heavy text is not
// undercounted.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); words > n {
		n = words
	}
	if n == 0 {
		n = 1
	}
	return n
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
