package crawler

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// Walker enumerates documents under a local directory. It accepts the
// same request shape as the web crawler; patterns match the
// slash-separated path relative to the root.
type Walker struct {
	cfg config.CrawlerConfig
	log *slog.Logger
}

// NewWalker builds a directory walker from configuration.
func NewWalker(cfg config.CrawlerConfig) *Walker {
	cfg.SetDefaults()
	return &Walker{
		cfg: cfg,
		log: slog.With("component", component),
	}
}

// errWalkDone stops a walk once the page budget is spent.
var errWalkDone = errors.New("walk budget exhausted")

// Walk streams parsed documents from the tree rooted at req.URL, which
// may be a file URL or a plain path. A single file root yields exactly
// that file.
func (w *Walker) Walk(ctx context.Context, req Request) (<-chan Result, error) {
	const op = "Walk"

	root := LocalPath(strings.TrimSpace(req.URL))
	if root == "" {
		return nil, errs.New(errs.ValidationError, component, op, "local source path is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, component, op, err)
	}
	if req.MaxPages <= 0 {
		req.MaxPages = w.cfg.MaxPages
	}

	out := make(chan Result, 8)
	go func() {
		defer close(out)
		if !info.IsDir() {
			w.emitFile(ctx, root, info.Size(), out)
			return
		}
		w.walkTree(ctx, root, req, out)
	}()
	return out, nil
}

func (w *Walker) walkTree(ctx context.Context, root string, req Request, out chan<- Result) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if count >= req.MaxPages {
			return errWalkDone
		}
		if !SupportedFile(path) {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if !matchURL(filepath.ToSlash(rel), req.IncludePatterns, req.ExcludePatterns) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.Size() > w.cfg.MaxFileSize {
			w.log.Debug("skipping oversized file", "path", path, "size", info.Size())
			return nil
		}
		if !w.emitFile(ctx, path, info.Size(), out) {
			return ctx.Err()
		}
		count++
		return nil
	})
	if err != nil && !errors.Is(err, errWalkDone) && !errors.Is(err, context.Canceled) {
		w.log.Warn("directory walk ended early", "root", root, "error", err)
	}
}

// emitFile parses one file and sends either the document or the parse
// error. It reports false only when the consumer is gone.
func (w *Walker) emitFile(ctx context.Context, path string, size int64, out chan<- Result) bool {
	fileURL := FileURL(path)
	doc, err := w.parseFile(ctx, path, size)
	if err != nil {
		w.log.Warn("file parse failed", "path", path, "error", err)
		return emitResult(ctx, out, Result{URL: fileURL, Err: err})
	}
	doc.URL = fileURL
	return emitResult(ctx, out, Result{Document: doc, URL: fileURL})
}

// parseFile extracts text from one file by extension.
func (w *Walker) parseFile(ctx context.Context, path string, size int64) (*Document, error) {
	const op = "parseFile"

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
		return parseMarkdown(name, string(raw)), nil
	case ".txt", ".rst":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
		content := strings.TrimSpace(string(raw))
		return &Document{
			Title:     name,
			Content:   content,
			WordCount: len(strings.Fields(content)),
		}, nil
	case ".pdf":
		content, err := parsePDF(ctx, path, size)
		if err != nil {
			return nil, err
		}
		return &Document{
			Title:     name,
			Content:   content,
			WordCount: len(strings.Fields(content)),
		}, nil
	case ".docx":
		content, err := parseDocx(path)
		if err != nil {
			return nil, err
		}
		return &Document{
			Title:     name,
			Content:   content,
			WordCount: len(strings.Fields(content)),
		}, nil
	case ".xlsx":
		content, err := parseXlsx(ctx, path)
		if err != nil {
			return nil, err
		}
		return &Document{
			Title:     name,
			Content:   content,
			WordCount: len(strings.Fields(content)),
		}, nil
	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unsupported file type %q", filepath.Ext(path))
	}
}

// parseMarkdown splits out headings and a title from markdown text.
// Fences toggle a code region so commented-out headings inside code
// blocks are not collected.
func parseMarkdown(fallbackTitle, raw string) *Document {
	var (
		headings []string
		title    string
		inCode   bool
		hasCode  bool
	)
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
			hasCode = true
			continue
		}
		if inCode || !strings.HasPrefix(trimmed, "#") {
			continue
		}
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
			continue
		}
		text := strings.TrimSpace(trimmed[level:])
		if text == "" {
			continue
		}
		if title == "" && level == 1 {
			title = text
		}
		if len(headings) < 32 {
			headings = append(headings, text)
		}
	}
	if title == "" {
		title = fallbackTitle
	}
	sectionPath := headings
	if len(sectionPath) > 3 {
		sectionPath = sectionPath[:3]
	}
	content := strings.TrimSpace(raw)
	return &Document{
		Title:       title,
		Content:     content,
		Headings:    headings,
		SectionPath: sectionPath,
		WordCount:   len(strings.Fields(content)),
		HasCode:     hasCode,
	}
}
