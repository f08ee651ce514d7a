// Package crawler enumerates source documents: web pages through a
// breadth-first HTML crawl and local trees through a directory walk
// with native parsers for binary formats. Both emit the same stream
// shape so the ingestion pipeline is agnostic to the source type.
package crawler

import (
	"context"
	"path/filepath"
	"strings"
)

const component = "crawler"

// Document is one fetched and parsed page or file, not yet bound to a
// source or stored.
type Document struct {
	URL         string
	Title       string
	Content     string
	Headings    []string
	SectionPath []string
	WordCount   int
	HasCode     bool
	Language    string
}

// Result is one crawl emission: a parsed document, or the error that
// kept one URL from becoming a document. A failed page never stops the
// rest of the crawl.
type Result struct {
	Document *Document
	URL      string
	Err      error
}

// Request bounds one enumeration run. Zero limits fall back to the
// crawler configuration.
type Request struct {
	URL             string
	MaxPages        int
	MaxDepth        int
	IncludePatterns []string
	ExcludePatterns []string
}

var supportedExtensions = map[string]bool{
	".md":   true,
	".txt":  true,
	".rst":  true,
	".pdf":  true,
	".docx": true,
	".xlsx": true,
}

// SupportedFile reports whether the walker can extract text from path.
func SupportedFile(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// FileURL renders an absolute path as a file URL. These URLs stay
// internal; the search surface never exposes them.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

// LocalPath strips the file scheme from a local source URL.
func LocalPath(url string) string {
	return strings.TrimPrefix(url, "file://")
}

// matchURL applies exclude patterns first, then include patterns; an
// empty include list admits everything. Patterns are substring matches.
func matchURL(candidate string, include, exclude []string) bool {
	for _, p := range exclude {
		if p != "" && strings.Contains(candidate, p) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, p := range include {
		if p != "" && strings.Contains(candidate, p) {
			return true
		}
	}
	return false
}

// emitResult delivers a result unless the consumer's context is gone.
func emitResult(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
