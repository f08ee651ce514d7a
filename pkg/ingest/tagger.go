package ingest

import (
	"sort"
	"strings"

	"github.com/sibyldev/sibyl/pkg/crawler"
)

// maxSourceTags bounds the heuristic tag list written to a source.
const maxSourceTags = 5

// tagStopwords are words too generic to tag a source with.
var tagStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "your": true, "you": true, "how": true,
	"what": true, "why": true, "when": true, "are": true, "can": true,
	"use": true, "using": true, "into": true, "about": true, "all": true,
	"get": true, "getting": true, "started": true, "guide": true,
	"docs": true, "documentation": true, "introduction": true,
	"overview": true, "page": true, "home": true, "index": true,
	"readme": true, "not": true, "has": true, "have": true, "will": true,
}

// categoryKeywords map a category onto the phrases that suggest it in
// titles, headings, and urls.
var categoryKeywords = map[string][]string{
	"api-reference": {"api", "endpoint", "reference"},
	"tutorial":      {"tutorial", "quickstart", "getting started", "how to", "walkthrough"},
	"architecture":  {"architecture", "design", "internals", "concepts"},
	"operations":    {"deploy", "install", "configuration", "troubleshoot", "monitoring"},
	"changelog":     {"changelog", "release notes", "migration", "upgrade"},
}

// tagger accumulates title and heading vocabulary across one ingestion
// run and derives tags and categories for the source.
type tagger struct {
	words      map[string]int
	categories map[string]bool
	docs       int
	codeDocs   int
}

func newTagger() *tagger {
	return &tagger{
		words:      map[string]int{},
		categories: map[string]bool{},
	}
}

func (t *tagger) observe(doc *crawler.Document) {
	t.docs++
	if doc.HasCode {
		t.codeDocs++
	}

	headline := doc.Title
	if len(doc.Headings) > 0 {
		headline += " " + strings.Join(doc.Headings, " ")
	}
	for _, word := range strings.Fields(strings.ToLower(headline)) {
		word = strings.Trim(word, ".,:;!?()[]{}\"'`#")
		if len(word) < 3 || tagStopwords[word] || !isAlphaWord(word) {
			continue
		}
		t.words[word]++
	}

	haystack := strings.ToLower(doc.URL + " " + headline)
	for cat, keys := range categoryKeywords {
		if t.categories[cat] {
			continue
		}
		for _, key := range keys {
			if strings.Contains(haystack, key) {
				t.categories[cat] = true
				break
			}
		}
	}
}

// finalize returns the run's tags and categories. Tags are the most
// frequent headline words seen in more than one document, or the top
// words overall for single-document sources.
func (t *tagger) finalize() (tags, categories []string) {
	type wordCount struct {
		word  string
		count int
	}
	counts := make([]wordCount, 0, len(t.words))
	for w, c := range t.words {
		if c > 1 || t.docs == 1 {
			counts = append(counts, wordCount{word: w, count: c})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].word < counts[j].word
	})
	for _, wc := range counts {
		if len(tags) >= maxSourceTags {
			break
		}
		tags = append(tags, wc.word)
	}

	for cat := range t.categories {
		categories = append(categories, cat)
	}
	if t.docs > 0 && t.codeDocs*2 > t.docs {
		categories = append(categories, "code-heavy")
	}
	sort.Strings(categories)
	return tags, categories
}

func isAlphaWord(word string) bool {
	for _, r := range word {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}
