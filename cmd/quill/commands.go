package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/quill/internal/analyze"
	"github.com/hurttlocker/quill/internal/config"
	"github.com/hurttlocker/quill/internal/ingest"
	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/mcp"
	"github.com/hurttlocker/quill/internal/tools"
)

// flagValue reads "--name value" or "--name=value" at args[*i], advancing i
// past a separate value.
func flagValue(args []string, i *int, names ...string) (string, bool) {
	arg := args[*i]
	for _, name := range names {
		if arg == name && *i+1 < len(args) {
			*i++
			return args[*i], true
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"="), true
		}
	}
	return "", false
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runImport(args []string) error {
	var paths []string
	opts := ingest.ImportOptions{}

	for _, arg := range args {
		switch {
		case arg == "--recursive" || arg == "-r":
			opts.Recursive = true
		case arg == "--dry-run" || arg == "-n":
			opts.DryRun = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			paths = append(paths, arg)
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("usage: quill import <path> [--recursive] [--dry-run]")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signalContext()
	defer stop()

	if opts.DryRun {
		fmt.Println("Dry run mode: no changes will be written")
		fmt.Println()
	}

	total := &ingest.ImportResult{}
	for _, path := range paths {
		fmt.Printf("Importing %s...\n", path)
		opts.ProgressFn = func(current, n int, file string) {
			fmt.Printf("  [%d/%d] %s\n", current, n, file)
		}
		result, err := a.Importer.ImportFile(ctx, path, opts)
		if result != nil {
			total.Add(result)
		}
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
	}

	fmt.Println()
	fmt.Print(ingest.FormatImportResult(total))
	if !opts.DryRun && total.EntriesNew+total.EntriesUpdated > 0 {
		fmt.Println("\nNext: quill embed && quill analyze")
	}
	return nil
}

func runEmbed(args []string) error {
	asJSON := false
	for _, arg := range args {
		switch arg {
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	sigCtx, stop := signalContext()
	defer stop()

	run, _ := a.Pipeline.Start(context.Background())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-run.Done():
			break wait
		case <-sigCtx.Done():
			fmt.Fprintln(os.Stderr, "Cancelling after the current batch...")
			run.Cancel()
			sigCtx = context.Background()
		case <-ticker.C:
			if !asJSON {
				p := run.Progress()
				fmt.Fprintf(os.Stderr, "  %s: %d/%d chunks, %d/%d entries\n",
					run.State(), p.ProcessedChunks, p.TotalChunks, p.ProcessedEntries, p.TotalEntries)
			}
		}
	}

	report, runErr := run.Wait(context.Background())
	if asJSON {
		if err := printJSON(report); err != nil {
			return err
		}
		return runErr
	}

	p := report.Progress
	fmt.Printf("Run %s %s\n", report.RunID, report.State)
	fmt.Printf("  Entries:  %d/%d processed (%d re-chunked, %d pruned)\n",
		p.ProcessedEntries, p.TotalEntries, report.RechunkedCount, report.PrunedCount)
	fmt.Printf("  Chunks:   %d embedded, %d failed, %d total\n", p.EmbeddedChunks, p.FailedChunks, p.TotalChunks)
	for _, f := range report.Failures {
		fmt.Printf("  ! chunk %s (entry %s): %s\n", f.ChunkID, f.EntryID, f.Error)
	}
	return runErr
}

func runAnalyze(args []string) error {
	opts := analyze.BatchOptions{}
	asJSON := false
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "--entry"); ok {
			opts.EntryIDs = append(opts.EntryIDs, v)
			continue
		}
		switch args[i] {
		case "--force":
			opts.Force = true
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)
	if a.Provider == nil {
		return fmt.Errorf("analysis needs an LLM provider: set llm.provider in the config or pass --llm provider/model")
	}

	ctx, stop := signalContext()
	defer stop()

	report, err := a.Analyzer.AnalyzeAll(ctx, opts)
	if report != nil {
		if asJSON {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		} else {
			fmt.Printf("Analyzed %d of %d entries (%d up to date, %d failed)\n",
				report.Analyzed, report.Total, report.Skipped, len(report.Failures))
			for _, f := range report.Failures {
				fmt.Printf("  ! %s: %s\n", f.EntryID, f.Error)
			}
			if report.Cancelled {
				fmt.Println("Cancelled; run again to continue.")
			}
		}
	}
	return err
}

func runSummary(args []string) error {
	if len(args) < 2 || (args[0] != "month" && args[0] != "year") {
		return fmt.Errorf("usage: quill summary month <YYYY-MM> | year <YYYY> [--regenerate] [--json]")
	}
	kind, period := args[0], args[1]
	regenerate, asJSON := false, false
	for _, arg := range args[2:] {
		switch arg {
		case "--regenerate":
			regenerate = true
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)
	ctx, stop := signalContext()
	defer stop()

	if kind == "month" {
		t, err := time.Parse("2006-01", period)
		if err != nil {
			return fmt.Errorf("invalid month %q: expected YYYY-MM", period)
		}
		var s *journal.MonthSummary
		if regenerate {
			s, err = a.Engine.RegenerateMonth(ctx, t.Year(), int(t.Month()))
		} else {
			s, err = a.Engine.MonthSummary(ctx, t.Year(), int(t.Month()))
		}
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(s)
		}
		printMonth(s)
		return nil
	}

	year, err := strconv.Atoi(period)
	if err != nil {
		return fmt.Errorf("invalid year %q", period)
	}
	var s *journal.YearSummary
	if regenerate {
		s, err = a.Engine.RegenerateYear(ctx, year)
	} else {
		s, err = a.Engine.YearSummary(ctx, year)
	}
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(s)
	}
	printYear(s)
	return nil
}

func printMonth(s *journal.MonthSummary) {
	fmt.Printf("%s %d\n\n%s\n", time.Month(s.Month), s.Year, s.SummaryText)
	if s.DaysWithData == 0 {
		return
	}
	ci := s.HappinessConfidenceInterval
	fmt.Printf("\nHappiness: %.1f (%.1f-%.1f), trend %s\n", s.HappinessAvg, ci.Lower, ci.Upper, s.HappinessTrend)
	fmt.Printf("Days with data: %d, entries: %d\n", s.DaysWithData, s.EntryCount)
	if len(s.KeyTopics) > 0 {
		fmt.Printf("Topics: %s\n", strings.Join(s.KeyTopics, ", "))
	}
	printEvents("Lifted by", s.DriversPositive)
	printEvents("Weighed by", s.DriversNegative)
}

func printYear(s *journal.YearSummary) {
	fmt.Printf("%d\n\n%s\n", s.Year, s.SummaryText)
	if s.DaysWithData == 0 {
		return
	}
	ci := s.HappinessConfidenceInterval
	fmt.Printf("\nHappiness: %.1f (%.1f-%.1f), trend %s\n", s.HappinessAvg, ci.Lower, ci.Upper, s.HappinessTrend)
	for _, m := range s.Months {
		if m.DaysWithData == 0 {
			continue
		}
		fmt.Printf("  %-9s %5.1f  (%d days)\n", time.Month(m.Month), m.HappinessAvg, m.DaysWithData)
	}
	printEvents("Lifted by", s.DriversPositive)
	printEvents("Weighed by", s.DriversNegative)
}

func printEvents(title string, events []journal.DetectedEvent) {
	if len(events) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for _, e := range events {
		date := ""
		if e.Date != nil {
			date = e.Date.Format(journal.DateLayout) + " "
		}
		fmt.Printf("  - %s%s (%+.2f)\n", date, e.Title, e.Sentiment)
	}
}

// dispatchCommand runs a registry tool and prints its text rendering, or
// the structured result with --json.
func dispatchCommand(name string, arguments map[string]any, asJSON bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)
	ctx, stop := signalContext()
	defer stop()

	raw, err := json.Marshal(arguments)
	if err != nil {
		return err
	}
	res, err := a.Tools.Dispatch(ctx, tools.Call{Name: name, Arguments: raw})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(res.Structured)
	}
	fmt.Println(res.Text)
	return nil
}

func runSeries(args []string) error {
	arguments := map[string]any{}
	asJSON := false
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "--from"); ok {
			arguments["from"] = v
			continue
		}
		if v, ok := flagValue(args, &i, "--to"); ok {
			arguments["to"] = v
			continue
		}
		switch {
		case args[i] == "--json":
			asJSON = true
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			arguments["metric"] = args[i]
		}
	}
	if arguments["metric"] == nil {
		return fmt.Errorf("usage: quill series <happiness|stress|energy> --from YYYY-MM-DD --to YYYY-MM-DD [--json]")
	}
	return dispatchCommand(tools.GetTimeSeries, arguments, asJSON)
}

func runState(args []string) error {
	arguments := map[string]any{}
	asJSON := false
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "--days"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid --days %q", v)
			}
			arguments["days_analyzed"] = n
			continue
		}
		switch args[i] {
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return dispatchCommand(tools.GetCurrentState, arguments, asJSON)
}

func runSearch(args []string) error {
	arguments := map[string]any{}
	var words []string
	asJSON := false
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "-k", "--k"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid -k %q", v)
			}
			arguments["k"] = n
			continue
		}
		if v, ok := flagValue(args, &i, "--from"); ok {
			arguments["from"] = v
			continue
		}
		if v, ok := flagValue(args, &i, "--to"); ok {
			arguments["to"] = v
			continue
		}
		switch {
		case args[i] == "--json":
			asJSON = true
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	if len(words) == 0 {
		return fmt.Errorf("usage: quill search <query> [-k N] [--from YYYY-MM-DD] [--to YYYY-MM-DD] [--json]")
	}
	arguments["query"] = strings.Join(words, " ")
	return dispatchCommand(tools.SearchSemantic, arguments, asJSON)
}

func runTool(args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: quill tool <name> ['{\"arg\": ...}']")
	}
	call := tools.Call{ID: "cli", Name: args[0]}
	if len(args) == 2 {
		call.Arguments = json.RawMessage(args[1])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)
	ctx, stop := signalContext()
	defer stop()

	reply, err := a.Tools.Handle(ctx, tools.ToolCallMessage{Call: call})
	if err != nil {
		return err
	}
	return printJSON(reply)
}

func runMCP(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown argument: %s", args[0])
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	s := mcp.NewServer(mcp.ServerConfig{Registry: a.Tools, Store: a.Store, Version: version})
	a.Logger.Info("serving MCP over stdio", "tools", len(a.Tools.Names()))
	return server.ServeStdio(s)
}

func runDelete(args []string) error {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: quill delete <entry-id>")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.Store.DeleteEntry(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s (affected summaries are now stale)\n", args[0])
	return nil
}

func runStats(args []string) error {
	asJSON := len(args) == 1 && args[0] == "--json"
	if len(args) > 0 && !asJSON {
		return fmt.Errorf("usage: quill stats [--json]")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	st, err := a.Store.Stats(context.Background())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(st)
	}
	fmt.Printf("Entries:          %d\n", st.EntryCount)
	fmt.Printf("Chunks:           %d (%d embedded, %d dims)\n", st.ChunkCount, st.EmbeddedChunkCount, st.EmbeddingDimensions)
	fmt.Printf("Analyzed entries: %d\n", st.AnalyticsCount)
	fmt.Printf("Summaries:        %d months, %d years, %d stale\n", st.MonthSummaryCount, st.YearSummaryCount, st.StaleSummaryCount)
	fmt.Printf("Database size:    %d bytes\n", st.DBSizeBytes)
	return nil
}

func runConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: quill config init [--force] | show")
	}
	switch args[0] {
	case "init":
		force := len(args) > 1 && args[1] == "--force"
		cfg, err := config.Default()
		if err != nil {
			return err
		}
		path := globalConfigPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if err := cfg.WriteFile(path, force); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil

	case "show":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys := config.NewEnvKeys()
		red := cfg.Redacted()
		if err := red.WriteYAML(os.Stdout); err != nil {
			return err
		}
		if cfg.LLMEnabled() {
			printKeySource("llm", cfg.LLMKey(keys))
		}
		printKeySource("embed", cfg.EmbedKey(keys))
		return nil

	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
}

func printKeySource(name string, v config.ResolvedValue) {
	if v.Value == "" {
		return
	}
	fmt.Printf("# %s api key from %s (%s)\n", name, v.Source, v.From)
}
