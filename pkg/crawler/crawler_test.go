package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

func testCrawlerConfig() config.CrawlerConfig {
	return config.CrawlerConfig{
		MaxPages:          50,
		MaxDepth:          3,
		PageTimeout:       5 * time.Second,
		RequestsPerSecond: 1000,
	}
}

func collectResults(t *testing.T, ch <-chan Result) (docs []*Document, failures []Result) {
	t.Helper()
	for r := range ch {
		if r.Err != nil {
			failures = append(failures, r)
			continue
		}
		docs = append(docs, r.Document)
	}
	return docs, failures
}

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html lang="en"><head><title>Docs Home</title></head><body>
			<h1>Welcome</h1>
			<p>Start here to learn the system architecture and its conventions.</p>
			<a href="/guide">Guide</a>
			<a href="/api#section">API</a>
			<a href="/internal/secrets">Internal</a>
			<a href="https://elsewhere.example.com/offsite">Offsite</a>
		</body></html>`))
	})
	mux.HandleFunc("/guide", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Guide</title></head><body>
			<h1>Guide</h1><h2>Setup</h2>
			<p>Install the binary and point it at your configuration.</p>
			<pre>sibyl serve -c sibyl.yaml</pre>
			<a href="/guide">Self</a>
			<a href="/api">API</a>
		</body></html>`))
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>API</title></head><body>
			<h1>API</h1><p>Endpoints accept JSON over HTTP.</p>
		</body></html>`))
	})
	mux.HandleFunc("/internal/secrets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Secrets</title></head><body><p>hidden</p></body></html>`))
	})
	return httptest.NewServer(mux)
}

func TestCrawler_Crawl(t *testing.T) {
	server := newTestSite(t)
	defer server.Close()

	c := New(testCrawlerConfig())
	ch, err := c.Crawl(context.Background(), Request{
		URL:             server.URL,
		MaxPages:        10,
		MaxDepth:        3,
		ExcludePatterns: []string{"/internal/"},
	})
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	docs, pageErrors := collectResults(t, ch)
	if len(pageErrors) != 0 {
		t.Fatalf("unexpected page errors: %+v", pageErrors)
	}

	var paths []string
	byPath := map[string]*Document{}
	for _, d := range docs {
		p := strings.TrimPrefix(d.URL, server.URL)
		if p == "" {
			p = "/"
		}
		paths = append(paths, p)
		byPath[p] = d
	}
	sort.Strings(paths)
	want := []string{"/", "/api", "/guide"}
	if len(paths) != len(want) {
		t.Fatalf("crawled %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("crawled %v, want %v", paths, want)
		}
	}

	home := byPath["/"]
	if home.Title != "Docs Home" {
		t.Errorf("title = %q", home.Title)
	}
	if home.Language != "en" {
		t.Errorf("language = %q", home.Language)
	}
	if len(home.Headings) == 0 || home.Headings[0] != "Welcome" {
		t.Errorf("headings = %v", home.Headings)
	}
	if home.WordCount == 0 {
		t.Error("word count not computed")
	}
	if home.HasCode {
		t.Error("home page has no code blocks")
	}

	guide := byPath["/guide"]
	if !guide.HasCode {
		t.Error("guide page contains a pre block")
	}
	if !strings.Contains(guide.Content, "Install the binary") {
		t.Errorf("guide content missing paragraph: %q", guide.Content)
	}
}

func TestCrawler_MaxPagesAndDepth(t *testing.T) {
	server := newTestSite(t)
	defer server.Close()

	c := New(testCrawlerConfig())

	ch, err := c.Crawl(context.Background(), Request{URL: server.URL, MaxPages: 1, MaxDepth: 3})
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	docs, _ := collectResults(t, ch)
	if len(docs) != 1 {
		t.Fatalf("max_pages=1 crawled %d pages", len(docs))
	}

	ch, err = c.Crawl(context.Background(), Request{URL: server.URL, MaxPages: 10, MaxDepth: 1})
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	docs, _ = collectResults(t, ch)
	if len(docs) != 1 {
		t.Fatalf("max_depth=1 crawled %d pages, want just the start page", len(docs))
	}
}

func TestCrawler_PageErrorContinues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>Root</title></head><body>
			<p>Root page content with several words in it.</p>
			<a href="/missing">Missing</a>
			<a href="/ok">OK</a>
		</body></html>`))
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>OK</title></head><body><p>Fine page here.</p></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(testCrawlerConfig())
	ch, err := c.Crawl(context.Background(), Request{URL: server.URL, MaxPages: 10, MaxDepth: 2})
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	docs, pageErrors := collectResults(t, ch)
	if len(docs) != 2 {
		t.Errorf("crawled %d docs, want root and /ok", len(docs))
	}
	if len(pageErrors) != 1 {
		t.Fatalf("expected 1 page error, got %d", len(pageErrors))
	}
	if !strings.HasSuffix(pageErrors[0].URL, "/missing") {
		t.Errorf("error for unexpected url %q", pageErrors[0].URL)
	}
	if !errs.IsKind(pageErrors[0].Err, errs.UpstreamUnavailable) {
		t.Errorf("unexpected error kind: %v", pageErrors[0].Err)
	}
}

func TestCrawler_RejectsNonHTTP(t *testing.T) {
	c := New(testCrawlerConfig())
	if _, err := c.Crawl(context.Background(), Request{URL: "file:///etc/passwd"}); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestMatchURL(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		include   []string
		exclude   []string
		want      bool
	}{
		{"no patterns admits", "/docs/a", nil, nil, true},
		{"include hit", "/docs/a", []string{"/docs/"}, nil, true},
		{"include miss", "/blog/a", []string{"/docs/"}, nil, false},
		{"exclude wins", "/docs/private/a", []string{"/docs/"}, []string{"/private/"}, false},
		{"empty pattern ignored", "/docs/a", nil, []string{""}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchURL(tt.candidate, tt.include, tt.exclude); got != tt.want {
				t.Errorf("matchURL(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestWalker_Walk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "intro.md", "# Getting Started\n\nSome prose.\n\n## Install\n\n```sh\nmake install\n```\n")
	writeFile(t, root, "notes.txt", "plain notes with words")
	writeFile(t, root, "ignored.exe", "binary junk")
	writeFile(t, root, filepath.Join("sub", "deep.rst"), "restructured text body")
	writeFile(t, root, filepath.Join(".hidden", "skipped.md"), "# Hidden\n")

	cfg := testCrawlerConfig()
	cfg.MaxFileSize = 1 << 20
	w := NewWalker(cfg)

	ch, err := w.Walk(context.Background(), Request{URL: "file://" + root})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	docs, walkErrors := collectResults(t, ch)
	if len(walkErrors) != 0 {
		t.Fatalf("unexpected errors: %+v", walkErrors)
	}
	if len(docs) != 3 {
		t.Fatalf("walked %d docs, want 3", len(docs))
	}

	byTitle := map[string]*Document{}
	for _, d := range docs {
		byTitle[d.Title] = d
		if !strings.HasPrefix(d.URL, "file://") {
			t.Errorf("local doc URL %q lacks file scheme", d.URL)
		}
	}

	intro, ok := byTitle["Getting Started"]
	if !ok {
		t.Fatalf("markdown title not taken from heading: %v", byTitle)
	}
	if !intro.HasCode {
		t.Error("fenced block not detected")
	}
	if len(intro.Headings) != 2 || intro.Headings[1] != "Install" {
		t.Errorf("headings = %v", intro.Headings)
	}
	if _, ok := byTitle["notes"]; !ok {
		t.Error("txt file missing; title should be the file name")
	}
	if _, ok := byTitle["deep"]; !ok {
		t.Error("nested rst file missing")
	}
}

func TestWalker_SizeAndPatternFilters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.md", "# Keep\nbody")
	writeFile(t, root, "big.md", strings.Repeat("x", 2048))
	writeFile(t, root, filepath.Join("drafts", "wip.md"), "# WIP\nbody")

	cfg := testCrawlerConfig()
	cfg.MaxFileSize = 1024
	w := NewWalker(cfg)

	ch, err := w.Walk(context.Background(), Request{
		URL:             root,
		ExcludePatterns: []string{"drafts/"},
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	docs, _ := collectResults(t, ch)
	if len(docs) != 1 || docs[0].Title != "Keep" {
		t.Fatalf("filters not applied: %+v", docs)
	}
}

func TestWalker_SingleFile(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "only.md", "# Only\nbody text")

	w := NewWalker(testCrawlerConfig())
	ch, err := w.Walk(context.Background(), Request{URL: path})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	docs, _ := collectResults(t, ch)
	if len(docs) != 1 || docs[0].Title != "Only" {
		t.Fatalf("single-file walk gave %+v", docs)
	}
}

func TestWalker_MissingRoot(t *testing.T) {
	w := NewWalker(testCrawlerConfig())
	if _, err := w.Walk(context.Background(), Request{URL: "/does/not/exist"}); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestFetchFavicon(t *testing.T) {
	t.Run("from markup", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html><head><link rel="shortcut icon" href="/static/fav.png"></head><body></body></html>`))
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		c := New(testCrawlerConfig())
		got := c.FetchFavicon(context.Background(), server.URL)
		if got != server.URL+"/static/fav.png" {
			t.Errorf("favicon = %q", got)
		}
	})

	t.Run("conventional path fallback", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html><head></head><body></body></html>`))
		})
		mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/x-icon")
			_, _ = w.Write([]byte{0x00, 0x00, 0x01, 0x00})
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		c := New(testCrawlerConfig())
		got := c.FetchFavicon(context.Background(), server.URL)
		if got != server.URL+"/favicon.ico" {
			t.Errorf("favicon = %q", got)
		}
	})

	t.Run("none", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		c := New(testCrawlerConfig())
		if got := c.FetchFavicon(context.Background(), server.URL); got != "" {
			t.Errorf("favicon = %q, want empty", got)
		}
	})
}

func TestSupportedFile(t *testing.T) {
	for path, want := range map[string]bool{
		"a.md":      true,
		"b.PDF":     true,
		"c.docx":    true,
		"d.xlsx":    true,
		"e.rst":     true,
		"f.txt":     true,
		"g.exe":     false,
		"noext":     false,
		"dir/h.png": false,
	} {
		if got := SupportedFile(path); got != want {
			t.Errorf("SupportedFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := w.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	path := writeFile(t, root, "changed.md", "# Changed\n")

	select {
	case ev := <-events:
		if ev.Path != path {
			t.Errorf("event path = %q, want %q", ev.Path, path)
		}
		if ev.Op != WatchCreate && ev.Op != WatchWrite {
			t.Errorf("event op = %q", ev.Op)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch event within 3s")
	}
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}
