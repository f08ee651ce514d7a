package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/jobs"
)

// IngestCmd crawls and indexes one source in the foreground, printing
// progress as the crawl advances. Either an existing --source id or a
// new --url/--path (registered first) can be given. Useful for
// first-time loads and for debugging a misbehaving source without a
// worker pool.
type IngestCmd struct {
	Org    string `required:"" help:"Organization id that owns the source." placeholder:"ORG_ID"`
	Source string `help:"Existing source id to crawl." placeholder:"SOURCE_ID"`

	URL   string `help:"Register and crawl a web source at this URL."`
	Path  string `help:"Register and crawl a local directory." type:"path"`
	Name  string `help:"Name for a newly registered source."`
	Depth int    `help:"Link-follow depth for a newly registered web source." default:"2"`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}
	if err := initLogging(cli, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sourceID := c.Source
	if sourceID == "" {
		sourceID, err = c.registerSource(ctx, a)
		if err != nil {
			return err
		}
	}

	pipeline, err := newPipeline(a)
	if err != nil {
		return err
	}

	report := func(p jobs.Progress) {
		fmt.Fprintf(os.Stderr, "\rdocuments: %d  chunks: %d  errors: %d", p.Documents, p.Chunks, p.Errors)
	}

	stats, err := pipeline.IngestSource(ctx, c.Org, sourceID, report)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	fmt.Printf("ingested %d documents (%d chunks, %d errors)\n", stats.Documents, stats.Chunks, stats.Errors)
	return nil
}

// registerSource creates a source row for a --url or --path one-shot.
func (c *IngestCmd) registerSource(ctx context.Context, a *app) (string, error) {
	src := &docstore.CrawlSource{
		OrganizationID: c.Org,
		Name:           c.Name,
		CrawlDepth:     c.Depth,
	}
	switch {
	case c.URL != "":
		src.URL = c.URL
		src.SourceType = docstore.SourceWeb
		if src.Name == "" {
			src.Name = c.URL
		}
	case c.Path != "":
		abs, err := filepath.Abs(c.Path)
		if err != nil {
			return "", err
		}
		src.URL = "file://" + abs
		src.SourceType = docstore.SourceLocal
		if src.Name == "" {
			src.Name = filepath.Base(abs)
		}
	default:
		return "", fmt.Errorf("one of --source, --url, or --path is required")
	}

	if err := a.docs.CreateSource(ctx, src); err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "registered source %s (%s)\n", src.ID, src.Name)
	return src.ID, nil
}
