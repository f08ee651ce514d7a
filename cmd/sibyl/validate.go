package main

import (
	"context"
	"fmt"
)

// ValidateCmd loads a configuration file, applies defaults and
// environment expansion, and reports whether the result is usable.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}

	fmt.Println("configuration is valid")
	fmt.Printf("  server:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  graph:       %s\n", cfg.Graph.URI)
	fmt.Printf("  doc store:   %s\n", cfg.DocumentStore.DSN)
	fmt.Printf("  redis:       %s\n", cfg.Redis.Addr)
	fmt.Printf("  llms:        %d configured\n", len(cfg.LLMs))
	fmt.Printf("  embedders:   %d configured\n", len(cfg.Embedders))
	fmt.Printf("  auth:        enabled=%t\n", cfg.Auth.Enabled)
	return nil
}
