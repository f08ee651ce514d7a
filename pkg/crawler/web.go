package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/sibyldev/sibyl/internal/httpclient"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// maxPageBytes caps how much of a response body is read per page.
const maxPageBytes = 8 << 20

// Crawler walks a website breadth-first from a start URL, staying on
// the start host and pacing requests with a politeness limiter.
type Crawler struct {
	cfg     config.CrawlerConfig
	client  *httpclient.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// New builds a crawler from configuration. Defaults are applied to
// zero fields.
func New(cfg config.CrawlerConfig) *Crawler {
	cfg.SetDefaults()
	return &Crawler{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: cfg.PageTimeout,
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					if len(via) >= 10 {
						return fmt.Errorf("stopped after 10 redirects")
					}
					return nil
				},
			}),
			httpclient.WithMaxRetries(1),
		),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		log:     slog.With("component", component),
	}
}

// Crawl streams parsed documents from a breadth-first walk of req.URL.
// The channel closes when the page or depth budget is exhausted, the
// frontier empties, or ctx is canceled.
func (c *Crawler) Crawl(ctx context.Context, req Request) (<-chan Result, error) {
	const op = "Crawl"

	start, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if start.Scheme != "http" && start.Scheme != "https" {
		return nil, errs.Newf(errs.ValidationError, component, op, "crawl URL must be http or https, got %q", req.URL)
	}
	if req.MaxPages <= 0 {
		req.MaxPages = c.cfg.MaxPages
	}
	if req.MaxDepth <= 0 {
		req.MaxDepth = c.cfg.MaxDepth
	}

	start.Fragment = ""
	out := make(chan Result, 8)
	go func() {
		defer close(out)
		c.run(ctx, req, start, out)
	}()
	return out, nil
}

type frontierEntry struct {
	url   string
	depth int
}

func (c *Crawler) run(ctx context.Context, req Request, start *url.URL, out chan<- Result) {
	queue := []frontierEntry{{url: start.String(), depth: 1}}
	seen := map[string]bool{start.String(): true}
	emitted := map[string]bool{}
	pages := 0

	for len(queue) > 0 && pages < req.MaxPages {
		if ctx.Err() != nil {
			return
		}
		entry := queue[0]
		queue = queue[1:]

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		doc, links, err := c.fetchPage(ctx, entry.url)
		if err != nil {
			c.log.Warn("page fetch failed", "url", entry.url, "error", err)
			if !emitResult(ctx, out, Result{URL: entry.url, Err: err}) {
				return
			}
			continue
		}
		if doc == nil {
			continue
		}
		// Redirects can collapse several frontier entries onto one
		// final URL.
		if emitted[doc.URL] {
			continue
		}
		emitted[doc.URL] = true
		pages++
		if !emitResult(ctx, out, Result{Document: doc, URL: doc.URL}) {
			return
		}

		if entry.depth >= req.MaxDepth {
			continue
		}
		for _, link := range links {
			if seen[link] {
				continue
			}
			if !matchURL(link, req.IncludePatterns, req.ExcludePatterns) {
				continue
			}
			seen[link] = true
			queue = append(queue, frontierEntry{url: link, depth: entry.depth + 1})
		}
	}
}

// fetchPage fetches one URL and parses it into a document plus the
// same-host links it references. Unsupported content types return a
// nil document without error.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (*Document, []string, error) {
	const op = "fetchPage"

	pageCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(pageCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	// Do reports non-2xx statuses as errors alongside the response;
	// those are classified from the status code below.
	resp, err := c.client.Do(httpReq)
	if err != nil && resp == nil {
		if pageCtx.Err() != nil {
			return nil, nil, errs.Wrap(errs.Timeout, component, op, err)
		}
		return nil, nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, errs.Newf(errs.UpstreamUnavailable, component, op, "status %d fetching %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	finalURL := resp.Request.URL
	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		return c.parseHTML(finalURL, body)
	case strings.HasPrefix(contentType, "text/plain"), strings.HasPrefix(contentType, "text/markdown"):
		content := strings.TrimSpace(string(body))
		return &Document{
			URL:       finalURL.String(),
			Title:     titleFromURL(finalURL),
			Content:   content,
			WordCount: len(strings.Fields(content)),
			HasCode:   strings.Contains(content, "```"),
		}, nil, nil
	default:
		c.log.Debug("skipping unsupported content type", "url", pageURL, "content_type", contentType)
		return nil, nil, nil
	}
}

// parseHTML extracts title, headings, readable text, and same-host
// links from an HTML page.
func (c *Crawler) parseHTML(base *url.URL, body []byte) (*Document, []string, error) {
	const op = "parseHTML"

	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unknown, component, op, err)
	}

	lang, _ := page.Find("html").Attr("lang")
	title := strings.TrimSpace(page.Find("title").First().Text())
	if title == "" {
		title = titleFromURL(base)
	}

	links := c.collectLinks(page, base)

	page.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var headings []string
	page.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if len(headings) >= 32 {
			return
		}
		if text := strings.TrimSpace(s.Text()); text != "" {
			headings = append(headings, text)
		}
	})
	sectionPath := headings
	if len(sectionPath) > 3 {
		sectionPath = sectionPath[:3]
	}

	hasCode := page.Find("pre, code").Length() > 0
	content := extractText(page)

	doc := &Document{
		URL:         base.String(),
		Title:       title,
		Content:     content,
		Headings:    headings,
		SectionPath: sectionPath,
		WordCount:   len(strings.Fields(content)),
		HasCode:     hasCode,
		Language:    strings.TrimSpace(lang),
	}
	return doc, links, nil
}

// collectLinks resolves every anchor against base and keeps http(s)
// links on the same host, fragments stripped.
func (c *Crawler) collectLinks(page *goquery.Document, base *url.URL) []string {
	var links []string
	seen := map[string]bool{}
	page.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		if resolved.Host != base.Host {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}

// extractText pulls the readable blocks of a page in document order,
// falling back to the whole body when nothing block-shaped is found.
func extractText(page *goquery.Document) string {
	var b strings.Builder
	page.Find("p, li, pre, blockquote, td, dd").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	})
	content := strings.TrimSpace(b.String())
	if content == "" {
		content = collapseWhitespace(page.Find("body").Text())
	}
	return content
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func titleFromURL(u *url.URL) string {
	if name := strings.Trim(u.Path, "/"); name != "" {
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	return u.Host
}
