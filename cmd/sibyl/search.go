package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/search"
)

// SearchCmd runs a hybrid search from the terminal and prints the
// ranked hits.
type SearchCmd struct {
	Org   string   `required:"" help:"Organization id to search in." placeholder:"ORG_ID"`
	Query []string `arg:"" required:"" help:"Search text."`

	Limit int      `default:"10" help:"Maximum number of results."`
	Types []string `help:"Restrict to entity types (repeatable)."`
	JSON  bool     `help:"Print results as JSON."`
}

func (c *SearchCmd) Run(cli *CLI) error {
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

	q := search.Query{
		Text:  strings.Join(c.Query, " "),
		Limit: c.Limit,
	}
	for _, raw := range c.Types {
		t := entity.Type(raw)
		if !t.Valid() {
			return fmt.Errorf("unknown entity type %q", raw)
		}
		q.Filters.Types = append(q.Filters.Types, t)
	}

	results, err := a.search.Search(ctx, c.Org, q)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. [%.3f] %-12s %s", i+1, r.Score, r.Type, r.Name)
		if r.URL != "" {
			fmt.Printf("  (%s)", r.URL)
		}
		fmt.Println()
	}
	return nil
}
