package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/Bldg-7/agentmeter/internal/analytics"
	"github.com/Bldg-7/agentmeter/internal/meterctl"
)

var (
	serverURL = flag.String("server-url", "http://localhost:8430", "Daemon API URL")
	authToken = flag.String("auth-token", "", "Authentication token (or set METERCTL_AUTH_TOKEN env var)")
	format    = flag.String("format", "table", "Output format: table or json")
)

func main() {
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("METERCTL_AUTH_TOKEN")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := meterctl.NewHTTPClient(*serverURL, *authToken)

	switch args[0] {
	case "sessions":
		handleSessions(client, args[1:])
	case "summary":
		handleSummary(client, args[1:])
	case "compare":
		handleCompare(client, args[1:])
	case "latency":
		handleLatency(client, args[1:])
	case "budget":
		handleBudget(client, args[1:])
	case "export":
		handleExport(client, args[1:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func handleSessions(client *meterctl.HTTPClient, args []string) {
	status := ""
	if len(args) > 0 {
		status = args[0]
	}

	sessions, err := meterctl.ListSessions(client, status, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(sessions)
	} else {
		printSessionsTable(sessions)
	}
}

func handleSummary(client *meterctl.HTTPClient, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: summary requires a session id\n")
		os.Exit(1)
	}

	summary, err := meterctl.GetSummary(client, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(summary)
	} else {
		printSummaryTable(summary)
	}
}

func handleCompare(client *meterctl.HTTPClient, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: compare requires baseline and compare session ids\n")
		os.Exit(1)
	}

	comparison, err := meterctl.CompareSessions(client, args[0], args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(comparison)
	} else {
		printComparisonTable(comparison)
	}
}

func handleLatency(client *meterctl.HTTPClient, args []string) {
	fs := flag.NewFlagSet("latency", flag.ExitOnError)
	tool := fs.String("tool", "", "Restrict to a single tool name")
	session := fs.String("session", "", "Restrict to a single session id")
	fs.Parse(args)

	report, err := meterctl.GetLatency(client, *tool, *session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(report)
	} else {
		printLatencyTable(report)
	}
}

func handleBudget(client *meterctl.HTTPClient, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: budget command requires subcommand (get, set)\n")
		os.Exit(1)
	}

	switch args[0] {
	case "get":
		cfg, err := meterctl.GetBudget(client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *format == "json" {
			printJSON(cfg)
		} else {
			printBudgetTable(cfg)
		}

	case "set":
		patch, err := parseBudgetArgs(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg, err := meterctl.SetBudget(client, patch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *format == "json" {
			printJSON(cfg)
		} else {
			printBudgetTable(cfg)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown budget subcommand %q\n", args[0])
		os.Exit(1)
	}
}

// parseBudgetArgs parses key=value pairs: session-cap=2.50 daily-cap=10
// threshold=90. Only supplied keys are patched.
func parseBudgetArgs(args []string) (analytics.BudgetPatch, error) {
	var patch analytics.BudgetPatch
	if len(args) == 0 {
		return patch, fmt.Errorf("budget set requires at least one of session-cap=, daily-cap=, threshold=")
	}

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return patch, fmt.Errorf("invalid argument %q, expected key=value", arg)
		}
		switch key {
		case "session-cap":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return patch, fmt.Errorf("invalid session-cap %q", value)
			}
			patch.SessionCapUSD = &v
		case "daily-cap":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return patch, fmt.Errorf("invalid daily-cap %q", value)
			}
			patch.DailyCapUSD = &v
		case "threshold":
			v, err := strconv.Atoi(value)
			if err != nil {
				return patch, fmt.Errorf("invalid threshold %q", value)
			}
			patch.AlertThresholdPct = &v
		default:
			return patch, fmt.Errorf("unknown budget key %q", key)
		}
	}
	return patch, nil
}

func handleExport(client *meterctl.HTTPClient, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	ids := fs.String("ids", "", "Comma-separated session ids (default: most recent sessions)")
	limit := fs.Int("limit", 50, "Maximum sessions to export when no ids are given")
	fs.Parse(args)

	var idList []string
	if *ids != "" {
		idList = strings.Split(*ids, ",")
	}

	summaries, err := meterctl.ExportSummaries(client, idList, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Export is a data interchange command; it always emits JSON.
	printJSON(summaries)
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func printSessionsTable(sessions []analytics.SessionHeader) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tMODEL\tSTATUS\tSTARTED_AT")
	for _, s := range sessions {
		status := "active"
		if s.EndedAt != nil {
			status = "ended"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Label, s.Model, status, s.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printSummaryTable(summary *analytics.SessionSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", summary.SessionID)
	if summary.Label != "" {
		fmt.Fprintf(w, "Label:\t%s\n", summary.Label)
	}
	if summary.Model != "" {
		fmt.Fprintf(w, "Model:\t%s\n", summary.Model)
	}
	fmt.Fprintf(w, "Started:\t%s\n", summary.StartedAt.Format("2006-01-02 15:04:05"))
	if summary.DurationMs != nil {
		fmt.Fprintf(w, "Duration:\t%dms\n", *summary.DurationMs)
	}
	fmt.Fprintf(w, "Cost:\t$%.6f (%d tokens, model %s)\n",
		summary.Cost.TotalCostUSD, summary.Cost.TotalTokens, summary.Cost.Model)
	fmt.Fprintf(w, "Tool calls:\t%d\n", summary.ToolCalls)
	fmt.Fprintf(w, "LLM requests:\t%d\n", summary.LLMRequests)
	fmt.Fprintf(w, "Errors:\t%d\n", summary.Errors)
	if summary.Latency != nil {
		fmt.Fprintf(w, "Tool latency:\tp50=%dms p95=%dms p99=%dms (%d samples)\n",
			summary.Latency.P50, summary.Latency.P95, summary.Latency.P99, summary.Latency.SampleCount)
	}
	w.Flush()

	if len(summary.Tools) > 0 {
		fmt.Println()
		printToolStatsTable(summary.Tools)
	}
}

func printComparisonTable(comparison *analytics.SessionComparison) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Baseline:\t%s\n", comparison.BaselineID)
	fmt.Fprintf(w, "Compare:\t%s\n", comparison.CompareID)
	fmt.Fprintf(w, "Cost delta:\t$%.6f (%+.1f%%)\n", comparison.CostDeltaUSD, comparison.CostDeltaPct)
	if comparison.DurationDeltaMs != nil && comparison.DurationDeltaPct != nil {
		fmt.Fprintf(w, "Duration delta:\t%+dms (%+.1f%%)\n", *comparison.DurationDeltaMs, *comparison.DurationDeltaPct)
	}
	if comparison.P95LatencyDeltaMs != nil && comparison.P95LatencyDeltaPct != nil {
		fmt.Fprintf(w, "P95 latency delta:\t%+dms (%+.1f%%)\n", *comparison.P95LatencyDeltaMs, *comparison.P95LatencyDeltaPct)
	}
	fmt.Fprintf(w, "Tool call delta:\t%+d\n", comparison.ToolCallDelta)
	w.Flush()

	if len(comparison.Regressions) == 0 {
		fmt.Println("\nNo regressions detected.")
		return
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tSEVERITY\tDELTA_PCT\tBASELINE\tCOMPARE")
	for _, r := range comparison.Regressions {
		fmt.Fprintf(w, "%s\t%s\t%+.1f%%\t%.6g\t%.6g\n",
			r.Metric, r.Severity, r.DeltaPct, r.Baseline, r.Compare)
	}
	w.Flush()
}

func printLatencyTable(report *meterctl.LatencyReport) {
	if report.Overall != nil {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "P50\tP75\tP95\tP99\tMIN\tMAX\tMEAN\tSAMPLES")
		fmt.Fprintf(w, "%dms\t%dms\t%dms\t%dms\t%dms\t%dms\t%dms\t%d\n",
			report.Overall.P50, report.Overall.P75, report.Overall.P95, report.Overall.P99,
			report.Overall.Min, report.Overall.Max, report.Overall.Mean, report.Overall.SampleCount)
		w.Flush()
	}

	if len(report.Tools) > 0 {
		fmt.Println()
		printToolStatsTable(report.Tools)
	}
}

func printToolStatsTable(tools []analytics.ToolStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tCALLS\tERR_RATE\tP50\tP95\tP99\tMAX")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%dms\t%dms\t%dms\t%dms\n",
			t.Tool, t.CallCount, t.ErrorRate*100, t.P50, t.P95, t.P99, t.Max)
	}
	w.Flush()
}

func printBudgetTable(cfg *analytics.BudgetConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session cap:\t%s\n", formatCap(cfg.SessionCapUSD))
	fmt.Fprintf(w, "Daily cap:\t%s\n", formatCap(cfg.DailyCapUSD))
	pct := cfg.AlertThresholdPct
	if pct <= 0 {
		pct = analytics.DefaultAlertThresholdPct
	}
	fmt.Fprintf(w, "Alert threshold:\t%d%%\n", pct)
	w.Flush()
}

func formatCap(capUSD float64) string {
	if capUSD <= 0 {
		return "disabled"
	}
	return fmt.Sprintf("$%.2f", capUSD)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `meterctl - agentmeter CLI

Usage:
  meterctl [global-flags] <command> [args]

Global Flags:
  -server-url string
        Daemon API URL (default "http://localhost:8430")
  -auth-token string
        Authentication token (or set METERCTL_AUTH_TOKEN env var)
  -format string
        Output format: table or json (default "table")

Commands:
  sessions [active|ended|all]          List sessions
  summary <id>                         Full summary for one session
  compare <baseline-id> <compare-id>   Diff two sessions with regression flags
  latency [-tool name] [-session id]   Tool latency percentiles
  budget get                           Show budget configuration
  budget set [session-cap=N] [daily-cap=N] [threshold=N]
                                       Update budget configuration
  export [-ids a,b,c] [-limit n]       Export session summaries as JSON

  help                                 Show this help message

Examples:
  meterctl -auth-token mytoken sessions active
  meterctl -format json summary 6f1c0c6e
  meterctl compare 6f1c0c6e 9a2d11b4
  meterctl latency -tool bash
  meterctl budget set session-cap=2.50 threshold=90
  meterctl export -ids 6f1c0c6e,9a2d11b4
`)
}
