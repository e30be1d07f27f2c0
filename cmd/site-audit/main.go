package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-audit/pkg/config"
	applog "github.com/Sriram-PR/site-audit/pkg/log"
	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/orchestrate"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "start":
		os.Exit(runStart(args))
	case "run":
		os.Exit(runBatch(args))
	case "pause", "resume", "stop":
		os.Exit(runSetStatus(os.Args[1], args))
	case "delete":
		os.Exit(runDelete(args))
	case "analyze":
		os.Exit(runAnalyze(args))
	case "status":
		os.Exit(runStatus(args))
	case "list":
		os.Exit(runList(args))
	case "pages":
		os.Exit(runPages(args))
	case "issues":
		os.Exit(runIssues(args))
	case "audits":
		os.Exit(runAudits(args))
	case "grade":
		os.Exit(runGrade(args))
	case "heartbeat":
		runHeartbeat(args)
	case "validate":
		runValidate(args)
	case "mcp-server":
		runMcpServer(args)
	case "version":
		fmt.Printf("site-audit %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `site-audit - Resumable SEO crawler and auditor

Usage:
  site-audit <command> [options]

Crawl control:
  start       Create a crawl for a URL or domain
  run         Run one batch for a crawl
  pause       Pause a RUNNING crawl
  resume      Resume a PAUSED crawl
  stop        Freeze a crawl as COMPLETED
  delete      Delete a crawl and everything it owns
  analyze     Run the post-crawl analysis on a COMPLETED crawl
  heartbeat   Run batches for every RUNNING crawl on the configured schedule

Reporting:
  list        List crawls
  status      Show a crawl's progress, issue counts and recent log
  pages       List crawled pages
  issues      List SEO issues
  audits      List link fixes with replacement HTML
  grade       Grade one crawled page

Other:
  validate    Validate configuration file
  mcp-server  Start MCP server for AI tool integration
  version     Show version info

Run 'site-audit <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// commonFlags are shared by every command that opens the store
type commonFlags struct {
	configFile *string
	logLevel   *string
	jsonOut    *bool
}

func newFlagSet(name, usage string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := commonFlags{
		configFile: fs.String("config", "config.yaml", "Path to config file"),
		logLevel:   fs.String("loglevel", "warn", "Log level (debug, info, warn, error)"),
		jsonOut:    fs.Bool("json", false, "Print JSON instead of text"),
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: site-audit %s %s\n\nOptions:\n", name, usage)
		fs.PrintDefaults()
	}
	return fs, cf
}

// app holds what every store-backed command needs
type app struct {
	cfg   *config.AppConfig
	log   *logrus.Logger
	store storage.Store
	orch  *orchestrate.Orchestrator
}

func openApp(ctx context.Context, cf commonFlags, stderr io.Writer) (*app, error) {
	log, err := applog.NewLogger(stderr, *cf.logLevel)
	if err != nil {
		return nil, err
	}
	appCfg, err := loadConfig(*cf.configFile)
	if err != nil {
		return nil, err
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}

	entry := logrus.NewEntry(log)
	store, err := orchestrate.OpenStore(ctx, appCfg, entry)
	if err != nil {
		return nil, err
	}
	return &app{cfg: appCfg, log: log, store: store, orch: orchestrate.New(appCfg, store, entry)}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Errorf("Closing store: %v", err)
	}
}

// withApp parses args, opens the app and runs fn; the returned int is the exit code
func withApp(fs *flag.FlagSet, cf commonFlags, args []string, nArgs int, stdout, stderr io.Writer,
	fn func(ctx context.Context, a *app, pos []string) error) int {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < nArgs {
		fs.Usage()
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := fn(ctx, a, fs.Args()); err != nil {
		fmt.Fprintf(stderr, "Error [%s]: %v\n", utils.CategorizeError(err), err)
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStart(args []string) int { return doStart(args, os.Stdout, os.Stderr) }

func doStart(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("start", "<url-or-domain>")
	runNow := fs.Bool("run", false, "Run batches until the crawl completes")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		crawl, err := a.orch.StartCrawl(ctx, pos[0])
		if err != nil {
			return err
		}
		if *runNow {
			if err := drain(ctx, a, crawl.ID, stderr); err != nil {
				return err
			}
		}
		if *cf.jsonOut {
			return printJSON(stdout, crawl)
		}
		fmt.Fprintf(stdout, "Crawl %s started for %s (%s)\n", crawl.ID, crawl.Domain, crawl.StartURL)
		return nil
	})
}

// drain runs batches back to back until the crawl leaves RUNNING
func drain(ctx context.Context, a *app, crawlID string, progress io.Writer) error {
	for {
		report, err := a.orch.RunBatch(ctx, crawlID)
		if err != nil && !errors.Is(err, utils.ErrWorkerCrashed) {
			return err
		}
		fmt.Fprintf(progress, "batch: %s processed=%d errors=%d deferred=%d remaining=%d\n",
			report.Outcome, report.Processed, report.Errors, report.Deferred, report.Remaining)
		switch report.Outcome {
		case models.OutcomeCompleted, models.OutcomeNotRunning, models.OutcomeAlreadyActive:
			return nil
		}
	}
}

func runBatch(args []string) int { return doRun(args, os.Stdout, os.Stderr) }

func doRun(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("run", "<crawl-id>")
	all := fs.Bool("until-done", false, "Keep running batches until the crawl completes")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		if *all {
			return drain(ctx, a, pos[0], stdout)
		}
		report, err := a.orch.RunBatch(ctx, pos[0])
		if err != nil && !errors.Is(err, utils.ErrWorkerCrashed) {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, report)
		}
		fmt.Fprintf(stdout, "%s: processed=%d errors=%d deferred=%d skipped_robots=%d recovered=%d remaining=%d (%s)\n",
			report.Outcome, report.Processed, report.Errors, report.Deferred, report.SkippedRobots,
			report.Recovered, report.Remaining, report.Elapsed.Round(time.Millisecond))
		return err
	})
}

func runSetStatus(cmd string, args []string) int { return doSetStatus(cmd, args, os.Stdout, os.Stderr) }

func doSetStatus(cmd string, args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet(cmd, "<crawl-id>")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		var err error
		switch cmd {
		case "pause":
			err = a.orch.Pause(ctx, pos[0])
		case "resume":
			err = a.orch.Resume(ctx, pos[0])
		default:
			err = a.orch.Stop(ctx, pos[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Crawl %s: %s OK\n", pos[0], cmd)
		return nil
	})
}

func runDelete(args []string) int { return doDelete(args, os.Stdout, os.Stderr) }

func doDelete(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("delete", "<crawl-id>")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		removed, err := a.orch.Delete(ctx, pos[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Crawl %s deleted (%d records)\n", pos[0], removed)
		return nil
	})
}

func runAnalyze(args []string) int { return doAnalyze(args, os.Stdout, os.Stderr) }

func doAnalyze(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("analyze", "<crawl-id>")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		report, err := a.orch.Analyze(ctx, pos[0])
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, report)
		}
		fmt.Fprintf(stdout, "Analyzed %d pages and %d links: %d new issues, %d link fixes\n",
			report.Pages, report.Links, report.IssuesCreated, report.AuditsCreated)
		types := make([]string, 0, len(report.ByType))
		for t := range report.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(stdout, "  %-32s %d\n", t, report.ByType[t])
		}
		if report.SitemapError != "" {
			fmt.Fprintf(stdout, "Sitemap unavailable, orphan check skipped: %s\n", report.SitemapError)
		}
		return nil
	})
}

func runStatus(args []string) int { return doStatus(args, os.Stdout, os.Stderr) }

func doStatus(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("status", "<crawl-id>")
	tail := fs.Int("logs", 10, "Number of recent log entries to show")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		s, err := a.orch.Status(ctx, pos[0], *tail)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, s)
		}
		fmt.Fprintf(stdout, "Crawl %s  %s  %s\n", s.Crawl.ID, s.Crawl.Domain, s.Crawl.Status)
		fmt.Fprintf(stdout, "Pages crawled: %d  Remaining: %d\n", s.Crawl.URLsCrawled, s.Remaining)
		fmt.Fprintf(stdout, "Queue: pending=%d processing=%d crawled=%d error=%d skipped_robots=%d\n",
			s.Queue[models.QueueStatusPending], s.Queue[models.QueueStatusProcessing], s.Queue[models.QueueStatusCrawled],
			s.Queue[models.QueueStatusError], s.Queue[models.QueueStatusSkippedRobots])
		fmt.Fprintf(stdout, "Issues: %d (critical=%d high=%d medium=%d low=%d)\n", s.IssueCount,
			s.BySeverity[models.SeverityCritical], s.BySeverity[models.SeverityHigh],
			s.BySeverity[models.SeverityMedium], s.BySeverity[models.SeverityLow])
		for _, e := range s.RecentLogs {
			fmt.Fprintf(stdout, "  %s %-5s %s\n", e.CreatedAt.Format("15:04:05"), e.Level, e.Message)
		}
		return nil
	})
}

func runList(args []string) int { return doList(args, os.Stdout, os.Stderr) }

func doList(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("list", "")
	return withApp(fs, cf, args, 0, stdout, stderr, func(ctx context.Context, a *app, _ []string) error {
		crawls, err := a.orch.ListCrawls(ctx)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, crawls)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDOMAIN\tSTATUS\tPAGES\tCREATED")
		for _, c := range crawls {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Domain, c.Status, c.URLsCrawled, c.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	})
}

func runPages(args []string) int { return doPages(args, os.Stdout, os.Stderr) }

func doPages(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("pages", "<crawl-id>")
	search := fs.String("search", "", "Case-insensitive substring of URL or title")
	offset := fs.Int("offset", 0, "Records to skip")
	limit := fs.Int("limit", 50, "Maximum records to show")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		pages, total, err := a.orch.ListPages(ctx, pos[0], models.PageQuery{Search: *search, Offset: *offset, Limit: *limit})
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, map[string]any{"pages": pages, "total": total})
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STATUS\tDEPTH\tWORDS\tINDEXABLE\tURL\tTITLE")
		for _, p := range pages {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%t\t%s\t%s\n", p.StatusCode, p.Depth, p.Signals.WordCount, p.Indexable,
				p.URL, utils.Truncate(p.Signals.Title, 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d of %d pages\n", len(pages), total)
		return nil
	})
}

func runIssues(args []string) int { return doIssues(args, os.Stdout, os.Stderr) }

func doIssues(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("issues", "<crawl-id>")
	severity := fs.String("severity", "", "Filter by severity (critical, high, medium, low)")
	issueType := fs.String("type", "", "Filter by issue type, e.g. 'Missing Title'")
	offset := fs.Int("offset", 0, "Records to skip")
	limit := fs.Int("limit", 50, "Maximum records to show")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		filter := models.IssueFilter{Type: *issueType, Offset: *offset, Limit: *limit}
		if *severity != "" {
			sev, ok := models.ParseSeverity(*severity)
			if !ok {
				return fmt.Errorf("unknown severity %q", *severity)
			}
			filter.Severity = sev
		}
		issues, total, err := a.orch.ListIssues(ctx, pos[0], filter)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, map[string]any{"issues": issues, "total": total})
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tTYPE\tURL\tMESSAGE")
		for _, is := range issues {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", is.Severity, is.Type, is.URL, utils.Truncate(is.Message, 80))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d of %d issues\n", len(issues), total)
		return nil
	})
}

func runAudits(args []string) int { return doAudits(args, os.Stdout, os.Stderr) }

func doAudits(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("audits", "<crawl-id>")
	offset := fs.Int("offset", 0, "Records to skip")
	limit := fs.Int("limit", 50, "Maximum records to show")
	return withApp(fs, cf, args, 1, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		audits, total, err := a.orch.ListLinkAudits(ctx, pos[0], *offset, *limit)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, map[string]any{"link_audits": audits, "total": total})
		}
		for _, au := range audits {
			fmt.Fprintf(stdout, "[%s] %s on %s\n  - %s\n  + %s\n", au.Severity, au.MismatchKind, au.SourceURL,
				au.OriginalSnippet, au.FixSnippet)
		}
		fmt.Fprintf(stdout, "%d of %d link fixes\n", len(audits), total)
		return nil
	})
}

func runGrade(args []string) int { return doGrade(args, os.Stdout, os.Stderr) }

func doGrade(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("grade", "<crawl-id> <url>")
	return withApp(fs, cf, args, 2, stdout, stderr, func(ctx context.Context, a *app, pos []string) error {
		g, err := a.orch.Grade(ctx, pos[0], pos[1])
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(stdout, g)
		}
		fmt.Fprintf(stdout, "%s: %d/100 (%s)\n", g.URL, g.Score, g.Letter)
		for _, d := range g.Deductions {
			fmt.Fprintf(stdout, "  -%-3d %s\n", d.Points, d.Reason)
		}
		return nil
	})
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-audit validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	domains := make([]string, 0, len(appCfg.Sites))
	for d := range appCfg.Sites {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		eff := appCfg.ForDomain(d)
		if _, err := utils.CompileRegexPatterns(eff.ExcludePatterns); err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", d, err)
			return 1
		}
		fmt.Fprintf(stdout, "OK: [%s] max_depth=%d respect_robots=%t exclude=%s\n",
			d, eff.MaxDepth, eff.ShouldRespectRobots(), strings.Join(eff.ExcludePatterns, ","))
	}

	fmt.Fprintf(stdout, "Storage: %s  Heartbeat: %s\n", appCfg.Storage.Driver, appCfg.Heartbeat.Schedule)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
