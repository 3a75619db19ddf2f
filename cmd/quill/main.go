package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hurttlocker/quill/internal/app"
	"github.com/hurttlocker/quill/internal/config"
	"github.com/hurttlocker/quill/internal/store"
)

const version = "0.1.0-dev"

// Global flags, parsed before the subcommand.
var (
	globalConfigPath string
	globalDBPath     string
	globalLLM        string
	globalEmbed      string
	globalVerbose    bool
)

// parseGlobalFlags strips global flags from args wherever they appear and
// returns the rest.
func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "--config" || arg == "--db" || arg == "--llm" || arg == "--embed") && i+1 < len(args):
			i++
			setGlobal(arg, args[i])
		case strings.HasPrefix(arg, "--config="), strings.HasPrefix(arg, "--db="),
			strings.HasPrefix(arg, "--llm="), strings.HasPrefix(arg, "--embed="):
			name, val, _ := strings.Cut(arg, "=")
			setGlobal(name, val)
		case arg == "--verbose" || arg == "-V":
			globalVerbose = true
		default:
			rest = append(rest, arg)
		}
	}
	return rest
}

func setGlobal(name, val string) {
	switch name {
	case "--config":
		globalConfigPath = val
	case "--db":
		globalDBPath = val
	case "--llm":
		globalLLM = val
	case "--embed":
		globalEmbed = val
	}
}

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch args[0] {
	case "import":
		err = runImport(args[1:])
	case "embed":
		err = runEmbed(args[1:])
	case "analyze":
		err = runAnalyze(args[1:])
	case "summary":
		err = runSummary(args[1:])
	case "series":
		err = runSeries(args[1:])
	case "state":
		err = runState(args[1:])
	case "search":
		err = runSearch(args[1:])
	case "tool":
		err = runTool(args[1:])
	case "mcp":
		err = runMCP(args[1:])
	case "delete":
		err = runDelete(args[1:])
	case "stats":
		err = runStats(args[1:])
	case "config":
		err = runConfig(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("quill %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies global
// flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg); err != nil {
		return nil, err
	}
	if globalVerbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// applyOverrides maps --db, --llm and --embed onto the config. --llm takes
// "provider/model" or "none".
func applyOverrides(cfg *config.Config) error {
	if globalDBPath != "" {
		cfg.DBPath = store.ExpandPath(globalDBPath)
	}
	if globalEmbed != "" {
		cfg.Embed.Provider = globalEmbed
	}
	switch v := strings.TrimSpace(globalLLM); {
	case v == "":
	case strings.EqualFold(v, "none"):
		cfg.LLM.Provider = "none"
	default:
		provider, model, ok := strings.Cut(v, "/")
		if !ok || model == "" {
			return fmt.Errorf("invalid --llm %q: expected provider/model or none", v)
		}
		cfg.LLM.Provider = strings.ToLower(provider)
		cfg.LLM.Model = model
	}
	return nil
}

// openApp loads configuration and builds the application.
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(cfg.Log)
	a, err := app.New(cfg, config.NewEnvKeys(), logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Warn("closing app", "error", err)
	}
}

func printUsage() {
	fmt.Printf(`quill %s - Journal analytics and semantic retrieval

Usage:
  quill [global flags] <command> [arguments]

Commands:
  import <path>                 Import journal entries from files or a directory
  embed                         Chunk and embed new or changed entries
  analyze                       Extract mood, events and themes from entries
  summary month <YYYY-MM>       Show a month summary
  summary year <YYYY>           Show a year summary
  series <metric>               Daily happiness, stress or energy values
  state                         Recent mood, themes and stressors
  search <query>                Semantic search over journal passages
  tool <name> [json-args]       Call an agent tool directly
  mcp                           Serve the agent tools over MCP (stdio)
  delete <entry-id>             Delete an entry and everything derived from it
  stats                         Show store statistics
  config init|show              Write or print the configuration
  version                       Print version

Import Flags:
  -r, --recursive               Recursively import from directories
  -n, --dry-run                 Show what would be imported without writing

Analyze Flags:
  --force                       Re-analyze entries whose text has not changed
  --entry <id>                  Only analyze this entry (repeatable)

Summary Flags:
  --regenerate                  Recompute and store the summary

Series / Search Flags:
  --from <YYYY-MM-DD>           First day
  --to <YYYY-MM-DD>             Last day (inclusive)
  -k <n>                        Number of search results (default 5)

State Flags:
  --days <n>                    Window length in days (default 7)

Output Flags:
  --json                        Print JSON instead of text

Global Flags:
  --config <path>               Config file (default ~/.quill/config.yaml, or QUILL_CONFIG)
  --db <path>                   Database path
  --llm <provider/model|none>   Extraction provider, e.g. anthropic/claude-sonnet-4-5
  --embed <provider>            Embedding provider: hash, local or provider/model
  -V, --verbose                 Debug logging
  -h, --help                    Show this help message
  -v, --version                 Print version
`, version)
}
