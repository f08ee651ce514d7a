package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FetchFavicon resolves a favicon URL for a site: first from the page
// markup, then by probing the conventional path. Returns an empty
// string when nothing is found; a source without a favicon is normal.
func (c *Crawler) FetchFavicon(ctx context.Context, pageURL string) string {
	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || base.Host == "" {
		return ""
	}
	if href := c.faviconFromMarkup(ctx, base); href != "" {
		return href
	}

	probe := url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/favicon.ico"}
	if c.probeFavicon(ctx, probe.String()) {
		return probe.String()
	}
	return ""
}

// faviconFromMarkup fetches the page and returns the first icon link
// it declares, resolved to an absolute URL.
func (c *Crawler) faviconFromMarkup(ctx context.Context, base *url.URL) string {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, base.String(), nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil && resp == nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	page, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return ""
	}

	var href string
	page.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		if !strings.Contains(strings.ToLower(rel), "icon") {
			return true
		}
		raw, _ := s.Attr("href")
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return true
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return true
		}
		href = resp.Request.URL.ResolveReference(ref).String()
		return false
	})
	return href
}

// probeFavicon checks whether candidate serves an image.
func (c *Crawler) probeFavicon(ctx context.Context, candidate string) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, candidate, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil && resp == nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	contentType := resp.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "image/") || strings.Contains(contentType, "icon")
}
