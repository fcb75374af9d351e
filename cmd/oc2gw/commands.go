package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/oc2gw/internal/api"
	"github.com/mattjoyce/oc2gw/internal/auth"
	"github.com/mattjoyce/oc2gw/internal/catalog"
	"github.com/mattjoyce/oc2gw/internal/config"
	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/doctor"
	"github.com/mattjoyce/oc2gw/internal/history"
	"github.com/mattjoyce/oc2gw/internal/inspect"
	"github.com/mattjoyce/oc2gw/internal/lock"
	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/profile"
	"github.com/mattjoyce/oc2gw/internal/scheduler"
	"github.com/mattjoyce/oc2gw/internal/tui/watch"
	"github.com/mattjoyce/oc2gw/internal/webhook"
)

// stdin is swapped by tests.
var stdin io.Reader = os.Stdin

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// openToolGateway loads config and assembles the gateway for one-shot
// commands. Logs go to stderr at warn so stdout stays machine-readable.
func openToolGateway(ctx context.Context, configPath string) (*gateway, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(os.Stderr, "warn", "text")
	return openGateway(ctx, cfg, log.WithComponent("cli"))
}

// integrityFiles lists what config lock hashes and config check verifies.
func integrityFiles(cfg *config.Config, index *profile.Index) []string {
	return append([]string{cfg.SourcePath}, index.ManifestPaths()...)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("oc2gw starting", "version", version, "config", cfg.SourcePath)

	statePath := cfg.ResolvePath(cfg.State.Path)
	if statePath != ":memory:" {
		pidLock, err := lock.Acquire(lock.PathFor(statePath))
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := openGateway(ctx, cfg, log.WithComponent("gateway"))
	if err != nil {
		logger.Error("failed to assemble gateway", "error", err)
		return 1
	}
	defer gw.Close()

	integrity, err := config.VerifyIntegrity(cfg.Dir(), integrityFiles(cfg, gw.index))
	if err != nil {
		logger.Error("integrity check failed", "error", err)
		return 1
	}
	for _, w := range integrity.Warnings {
		logger.Warn("integrity warning", "detail", w)
	}
	if !integrity.Passed {
		for _, e := range integrity.Errors {
			logger.Error("integrity violation", "detail", e)
		}
		return 1
	}

	sched, err := scheduler.New(scheduler.Options{
		Retention: cfg.Service.HistoryRetention,
		Jitter:    scheduler.DefaultJitter,
		Pruner:    gw.history,
		Events:    gw.hub,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		return 1
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	servers := map[string]func(context.Context) error{}

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, gw.resolver, gw.history, gw.hub, log.WithComponent("api"))
		servers["api"] = apiServer.Start
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer := webhook.New(webhookConfig, gw.resolver, log.WithComponent("webhook"))
		servers["webhook"] = webhookServer.Start
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info("oc2gw running (press Ctrl+C to stop)")

	// runServers returns once every server has finished shutting down, so
	// the deferred gw.Close never closes the store under an in-flight command.
	if err := runServers(ctx, sigCh, logger, servers); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("oc2gw stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API base URL")
	apiKey := fs.String("api-key", "", "API key or token (default $OC2GW_API_KEY)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	key := *apiKey
	if key == "" {
		key = os.Getenv("OC2GW_API_KEY")
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "An API key is required: pass --api-key or set OC2GW_API_KEY")
		return 1
	}

	p := tea.NewProgram(watch.New(strings.TrimRight(*apiURL, "/"), key))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

func runCommandRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	file := fs.String("file", "-", "Command JSON file, or - for stdin")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var in io.Reader = stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open command file: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}
	cmd, err := openc2.DecodeCommand(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid command: %v\n", err)
		return 1
	}

	ctx := context.Background()
	gw, err := openToolGateway(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer gw.Close()

	result, err := gw.resolver.Dispatch(ctx, *cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command failed (%s): %v\n", dispatch.StatusFor(err), err)
		return 1
	}
	return printJSON(map[string]any{"result": result})
}

func runCommandInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	// The id may come before or after the flags.
	var id string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && id == "" && (len(remainingArgs) == 0 || remainingArgs[len(remainingArgs)-1] != "--config") {
			id = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintf(os.Stderr, "Usage: oc2gw command inspect <id> [--config PATH] [--json]\n")
		return 1
	}

	ctx := context.Background()
	gw, err := openToolGateway(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer gw.Close()

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, gw.history, gw.state, id)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(ctx, gw.history, gw.state, id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(report)
	return 0
}

func runProfileList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	gw, err := openToolGateway(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer gw.Close()

	caps := gw.resolver.Capabilities()
	if *jsonOut {
		return printJSON(caps)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tPROFILE\tACTION\tSIGNATURES")
	for _, pc := range caps {
		for _, ac := range pc.Actions {
			name := ac.Name
			if ac.Shadowed {
				name += " (shadowed)"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", pc.Priority, pc.Profile, name, renderSignatures(ac))
		}
	}
	_ = tw.Flush()
	return 0
}

func renderSignatures(ac dispatch.ActionCapability) string {
	if ac.Bare {
		return "*"
	}
	parts := make([]string, 0, len(ac.Signatures))
	for _, sig := range ac.Signatures {
		parts = append(parts, sig.Target.String()+"/"+sig.Actuator.String())
	}
	return strings.Join(parts, ", ")
}

func runProfileRules(args []string) int {
	var configPath string
	var jsonOut bool
	fs := flag.NewFlagSet("rules", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	name := "slpf"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	gw, err := openToolGateway(context.Background(), configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer gw.Close()

	rules, err := catalog.ListRules(context.Background(), gw.state, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read rules: %v\n", err)
		return 1
	}
	if jsonOut {
		return printJSON(rules)
	}
	if len(rules) == 0 {
		fmt.Printf("No rules in profile %q.\n", name)
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tACTION\tTARGET\tCREATED")
	for _, r := range rules {
		target, _ := json.Marshal(r.Target)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Number, r.Action, target, r.Created.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	index, err := discoverProfiles(cfg, log.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Profile discovery error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, index).Validate()

	integrity, err := config.VerifyIntegrity(cfg.Dir(), integrityFiles(cfg, index))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check error: %v\n", err)
		return 1
	}
	for _, e := range integrity.Errors {
		result.Errors = append(result.Errors, doctor.Issue{Category: "integrity", Message: e})
	}
	for _, w := range integrity.Warnings {
		result.Warnings = append(result.Warnings, doctor.Issue{Category: "integrity", Message: w})
	}
	result.Valid = len(result.Errors) == 0

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		// A locked config that was edited fails Load; relock from the raw file.
		cfg, err = loadUnverified(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
			return 1
		}
	}

	index, err := discoverProfiles(cfg, log.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Profile discovery error: %v\n", err)
		return 1
	}

	report, err := config.GenerateChecksumsWithReport(cfg.Dir(), integrityFiles(cfg, index), dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", cfg.Dir(), err)
		return 1
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Key, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found\n", file.Key)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ChecksumFileName, report.ChecksumPath)
		} else {
			fmt.Printf("  WROTE %s: %s\n", config.ChecksumFileName, report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %s (no files written)\n", report.ConfigDir)
	} else {
		fmt.Printf("Successfully locked configuration in %s (%d file(s))\n", report.ConfigDir, len(report.Files))
	}
	return 0
}

// loadUnverified resolves configPath like loadConfigForTool but skips the
// checksum check.
func loadUnverified(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.LoadUnverified(configPath)
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", history.DefaultListLimit, "Maximum entries to show")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	gw, err := openToolGateway(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer gw.Close()

	entries, err := gw.history.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list history: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(entries)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tCOMMAND\tPROFILE\tSTATUS")
	for _, e := range entries {
		cmd := e.Action + " " + e.Target.String()
		if e.Actuator != openc2.Absent {
			cmd += "/" + e.Actuator.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Started.Format(time.RFC3339), cmd, e.Profile, e.Status)
	}
	_ = tw.Flush()
	return 0
}
