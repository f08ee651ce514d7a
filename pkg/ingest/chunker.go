package ingest

import (
	"strings"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// Chunk is one retrieval-sized piece of a document. Offsets are byte
// positions into the original content, so content[StartChar:EndChar]
// reproduces the chunk exactly.
type Chunk struct {
	Content     string
	Type        docstore.ChunkType
	Index       int
	StartChar   int
	EndChar     int
	HeadingPath []string
	Language    string
	IsComplete  bool
}

// Chunker splits document content into chunks.
type Chunker interface {
	Chunk(content string) ([]Chunk, error)
}

// NewChunker builds the configured strategy. Configuration errors are
// reported here, never at chunk time.
func NewChunker(cfg config.ChunkerConfig) (Chunker, error) {
	const op = "NewChunker"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	switch cfg.Strategy {
	case config.StrategySemantic:
		return &structuredChunker{cfg: cfg, codeLimit: cfg.MaxSize}, nil
	case config.StrategySliding:
		return &slidingChunker{cfg: cfg}, nil
	case config.StrategyCode:
		// Code blocks stay intact up to twice the max size before the
		// line splitter takes over.
		return &structuredChunker{cfg: cfg, codeLimit: 2 * cfg.MaxSize}, nil
	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown chunk strategy %q", cfg.Strategy)
	}
}

// segment is a structural slice of a document: a heading-led block, a
// paragraph, or a fenced code block, with the heading breadcrumb in
// effect where it starts.
type segment struct {
	content  string
	typ      docstore.ChunkType
	start    int
	end      int
	language string
	heading  []string
}

// segmentMarkdown walks content line by line, splitting on markdown
// headings, blank lines, and code fences while maintaining a heading
// breadcrumb. Blank runs between segments belong to no segment.
func segmentMarkdown(content string) []segment {
	var (
		segs    []segment
		crumb   []string
		inFence bool

		curStart = -1
		curType  docstore.ChunkType
		curPath  []string
		curLang  string
		buf      strings.Builder
	)

	flush := func() {
		if curStart < 0 {
			return
		}
		text := strings.TrimRight(buf.String(), "\n")
		if strings.TrimSpace(text) != "" {
			segs = append(segs, segment{
				content:  text,
				typ:      curType,
				start:    curStart,
				end:      curStart + len(text),
				language: curLang,
				heading:  curPath,
			})
		}
		buf.Reset()
		curStart = -1
		curLang = ""
	}

	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		lineStart := offset
		offset += len(line)
		trimmed := strings.TrimSpace(line)

		if inFence {
			buf.WriteString(line)
			if trimmed == "```" {
				inFence = false
				flush()
			}
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "```"):
			flush()
			inFence = true
			curStart = lineStart
			curType = docstore.ChunkCode
			curPath = snapshot(crumb)
			curLang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			buf.WriteString(line)

		case headingLevel(trimmed) > 0:
			flush()
			level := headingLevel(trimmed)
			text := strings.TrimSpace(trimmed[level:])
			if level-1 < len(crumb) {
				crumb = crumb[:level-1]
			}
			crumb = append(crumb, text)
			curStart = lineStart
			curType = docstore.ChunkHeading
			curPath = snapshot(crumb)
			buf.WriteString(line)

		case trimmed == "":
			flush()

		default:
			if curStart < 0 {
				curStart = lineStart
				curType = docstore.ChunkText
				curPath = snapshot(crumb)
			}
			buf.WriteString(line)
		}
	}
	flush()
	return segs
}

// headingLevel returns the markdown heading level of a trimmed line, or
// zero when the line is not a heading.
func headingLevel(trimmed string) int {
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0
	}
	return level
}

func snapshot(crumb []string) []string {
	if len(crumb) == 0 {
		return nil
	}
	return append([]string(nil), crumb...)
}

// structuredChunker implements the semantic strategy; with a raised
// codeLimit it implements the code strategy.
type structuredChunker struct {
	cfg       config.ChunkerConfig
	codeLimit int
}

func (c *structuredChunker) Chunk(content string) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	segs := mergeSegments(content, segmentMarkdown(content), c.cfg)

	var chunks []Chunk
	for _, seg := range segs {
		limit := c.cfg.MaxSize
		if seg.typ == docstore.ChunkCode && c.codeLimit > limit {
			limit = c.codeLimit
		}
		switch {
		case len(seg.content) <= limit:
			chunks = append(chunks, Chunk{
				Content:     seg.content,
				Type:        seg.typ,
				StartChar:   seg.start,
				EndChar:     seg.end,
				HeadingPath: seg.heading,
				Language:    seg.language,
				IsComplete:  true,
			})
		case seg.typ == docstore.ChunkCode:
			chunks = append(chunks, splitLines(seg, c.cfg.MaxSize)...)
		default:
			chunks = append(chunks, splitWindow(seg, c.cfg.MaxSize)...)
		}
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// mergeSegments folds segments smaller than the minimum into their
// successor when both share a type and breadcrumb, as long as the
// merged text stays within half the max size. Merged content is taken
// from the original so the separating blank lines survive.
func mergeSegments(content string, segs []segment, cfg config.ChunkerConfig) []segment {
	if len(segs) < 2 {
		return segs
	}
	half := cfg.MaxSize / 2
	out := append([]segment(nil), segs[0])
	for _, next := range segs[1:] {
		cur := &out[len(out)-1]
		if len(cur.content) < cfg.MinSize &&
			cur.typ == next.typ &&
			equalPath(cur.heading, next.heading) &&
			next.end-cur.start <= half {
			cur.content = content[cur.start:next.end]
			cur.end = next.end
			continue
		}
		out = append(out, next)
	}
	return out
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// splitWindow cuts an oversize prose segment into max-sized pieces,
// snapping each cut to the nearest preceding whitespace.
func splitWindow(seg segment, maxSize int) []Chunk {
	var chunks []Chunk
	content := seg.content
	for start := 0; start < len(content); {
		end := start + maxSize
		if end >= len(content) {
			end = len(content)
		} else {
			end = snapToWhitespace(content, start, end)
		}
		chunks = append(chunks, Chunk{
			Content:     content[start:end],
			Type:        seg.typ,
			StartChar:   seg.start + start,
			EndChar:     seg.start + end,
			HeadingPath: seg.heading,
			Language:    seg.language,
			IsComplete:  false,
		})
		start = end
	}
	return chunks
}

// splitLines cuts an oversize code segment at line boundaries, keeping
// the fence language on every piece.
func splitLines(seg segment, maxSize int) []Chunk {
	var (
		chunks   []Chunk
		buf      strings.Builder
		bufStart int
		offset   int
	)
	flush := func(end int) {
		if text := strings.TrimRight(buf.String(), "\n"); text != "" {
			chunks = append(chunks, Chunk{
				Content:     text,
				Type:        seg.typ,
				StartChar:   seg.start + bufStart,
				EndChar:     seg.start + bufStart + len(text),
				HeadingPath: seg.heading,
				Language:    seg.language,
				IsComplete:  false,
			})
		}
		buf.Reset()
		bufStart = end
	}
	for _, line := range strings.SplitAfter(seg.content, "\n") {
		if buf.Len() > 0 && buf.Len()+len(line) > maxSize {
			flush(offset)
		}
		buf.WriteString(line)
		offset += len(line)
	}
	flush(offset)
	return chunks
}

// snapToWhitespace moves a cut point back to the nearest whitespace
// within the search window, so words stay whole.
func snapToWhitespace(content string, start, end int) int {
	const searchWindow = 100
	low := end - searchWindow
	if low <= start {
		low = start + 1
	}
	for i := end - 1; i >= low; i-- {
		switch content[i] {
		case ' ', '\t', '\n':
			return i + 1
		}
	}
	return end
}

// slidingChunker implements the fixed-window strategy with overlap.
type slidingChunker struct {
	cfg config.ChunkerConfig
}

func (c *slidingChunker) Chunk(content string) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	if len(content) <= c.cfg.Size {
		return []Chunk{{
			Content:    content,
			Type:       docstore.ChunkText,
			EndChar:    len(content),
			IsComplete: true,
		}}, nil
	}

	step := c.cfg.Size - c.cfg.Overlap
	var chunks []Chunk
	for start := 0; start < len(content); {
		end := start + c.cfg.Size
		last := false
		if end >= len(content) {
			end = len(content)
			last = true
		} else {
			end = snapToWhitespace(content, start, end)
		}
		chunks = append(chunks, Chunk{
			Content:   content[start:end],
			Type:      docstore.ChunkText,
			Index:     len(chunks),
			StartChar: start,
			EndChar:   end,
		})
		if last {
			break
		}
		next := end - c.cfg.Overlap
		if next <= start {
			next = start + step
		}
		start = next
	}
	return chunks, nil
}
