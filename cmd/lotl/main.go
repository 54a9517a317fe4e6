package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/inference"
	"github.com/hpungsan/lotl/internal/mcp"
	"github.com/hpungsan/lotl/internal/store"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"list": true, "fetch": true, "add": true, "update": true, "delete": true,
	"delete-where": true, "apply-results": true, "process": true, "models": true,
	"inventory": true, "flush": true, "dump": true,
	"export": true, "import": true, "import-legacy": true, "embed-png": true,
	"serve": true, "help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	// Known subcommand → CLI
	if cliCommands[arg] {
		return true
	}
	// --help or --version → CLI
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false // Default → MCP server
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _       _   _
  | | ___ | |_| |
  | |/ _ \| __| |
  | | (_) | |_| |
  |_|\___/ \__|_|

  Local image annotation store

  Usage: lotl <command> [options]
         lotl --help

  MCP server mode requires piped input.`)
}

func main() {
	os.Exit(run())
}

// run returns the process exit code. The store is always closed before
// returning so debounced edits reach disk.
func run() int {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return 0
	}

	// Handle --help/--version before store init (no store needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil, nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if !isCLIMode() && len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'lotl --help' for usage.\n")
		return 1
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		return 1
	}
	baseDir := filepath.Join(homeDir, ".lotl")

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine working directory: %v\n", err)
		return 1
	}

	if err := config.LoadDotEnv(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		return 1
	}

	// stdout carries JSON results and the MCP protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create %s: %v\n", baseDir, err)
		return 1
	}
	st := store.Open(cfg.StorePath(baseDir), store.Options{
		FlushDelay: cfg.FlushDelay(),
		Logger:     logger,
	})
	if err := st.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to open store: %v\n", err)
		return 1
	}

	var client mcp.Inference
	if cfg.InferenceURL != "" {
		client = inference.NewClient(cfg.InferenceURL, nil)
	}

	code := 0
	if isCLIMode() {
		app := newCLIApp(st, client, cfg)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			code = 1
		}
	} else {
		warnUnknownDisabled(logger, cfg)
		// MCP server mode (default)
		if err := mcp.Run(st, client, cfg, Version); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			code = 1
		}
	}

	if err := st.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to save store: %v\n", err)
		code = 1
	}
	return code
}

// warnUnknownDisabled logs disabled tool and type names that match nothing.
func warnUnknownDisabled(logger *slog.Logger, cfg *config.Config) {
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", "tools", strings.Join(unknown, ","))
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		logger.Warn("unknown types in disabled_types", "types", strings.Join(unknown, ","))
	}
}
