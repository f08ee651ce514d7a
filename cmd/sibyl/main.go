// Command sibyl runs the knowledge engine: the HTTP API, the
// background worker pool, and the operator commands around them.
//
// Usage:
//
//	sibyl serve --config sibyl.yaml
//	sibyl worker --config sibyl.yaml
//	sibyl ingest --org org_acme --source src_docs
//	sibyl search --org org_acme "retry backoff convention"
//	sibyl validate --config sibyl.yaml
//	sibyl schema > schema.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/sibyldev/sibyl/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API server."`
	Worker   WorkerCmd   `cmd:"" help:"Start a background worker node."`
	Ingest   IngestCmd   `cmd:"" help:"Crawl and index one source synchronously."`
	Search   SearchCmd   `cmd:"" help:"Run a hybrid search from the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or json)." default:""`
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("sibyl"),
		kong.Description("Tenant-scoped knowledge engine: hybrid retrieval, ingestion, and agent orchestration."),
		kong.UsageOnError(),
	)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "sibyl: %v\n", err)
		os.Exit(1)
	}
}

// initLogging applies the flag overrides on top of the configured
// logging section. Flags win so an operator can turn on debug output
// without touching the config file.
func initLogging(cli *CLI, level, format, file string) error {
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	if cli.LogFile != "" {
		file = cli.LogFile
	}

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return err
	}

	out := os.Stderr
	if file != "" {
		f, _, err := logger.OpenLogFile(file)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	logger.Init(lvl, out, format)
	return nil
}
