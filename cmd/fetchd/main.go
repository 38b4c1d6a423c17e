package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/api"
	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/executor"
	"github.com/Sriram-PR/resilient-fetch/pkg/log"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/storage"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "fetch":
		runFetch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("fetchd %s\n", version)
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
	fmt.Fprintln(w, `fetchd - resilient fetch engine

Usage:
  fetchd <command> [options]

Commands:
  serve     Run the HTTP API
  fetch     Fetch one or more URLs and exit
  validate  Validate configuration file
  version   Show version info

Configuration is read from YAML (-config) and FETCHD_* environment variables.
Run 'fetchd <command> -h' for command-specific help.`)
}

// engine bundles what a command needs to run the executor.
type engine struct {
	cfg    *config.AppConfig
	logger *logrus.Logger
	exec   *executor.Executor
}

// startEngine loads configuration, opens the persistence backend and starts an executor.
// logOut receives log output; logLevel overrides the configured level when set.
func startEngine(ctx context.Context, configPath, logLevel string, logOut io.Writer) (*engine, error) {
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := log.New(cfg.LogLevel, cfg.LogFormat, logOut)

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn(w)
	}
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Cache.Persistence, log.Component(logger, "storage"))
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if badgerStore, ok := store.(*storage.BadgerStore); ok {
		go badgerStore.RunGC(ctx, 10*time.Minute)
	}

	exec, err := executor.New(ctx, cfg, executor.Deps{Store: store}, logrus.NewEntry(logger))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return &engine{cfg: cfg, logger: logger, exec: exec}, nil
}

// runServe handles the serve subcommand
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file (optional)")
	logLevel := fs.String("loglevel", "", "Log level override (trace, debug, info, warn, error)")
	addr := fs.String("addr", "", "Listen address override, e.g. :8080")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fetchd serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := startEngine(ctx, *configFile, *logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		eng.cfg.Server.Addr = *addr
	}
	if *pprofAddr != "" {
		go func() {
			eng.logger.Infof("Starting pprof server on http://%s/debug/pprof/", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				eng.logger.Errorf("pprof server failed: %v", err)
			}
		}()
	}

	server := api.NewServer(eng.exec, eng.cfg.Server, logrus.NewEntry(eng.logger))
	serveErr := server.ListenAndServe(ctx)
	if serveErr != nil {
		eng.logger.Errorf("HTTP server error: %v", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := eng.exec.Shutdown(shutdownCtx); err != nil {
		eng.logger.Errorf("Executor shutdown: %v", err)
		os.Exit(1)
	}
	if serveErr != nil {
		os.Exit(1)
	}
}

// fetchOptions are the fetch subcommand's flags.
type fetchOptions struct {
	configPath string
	logLevel   string
	priority   string
	force      bool
	archiveAt  string
	outputDir  string
	asJSON     bool
	urls       []string
}

// runFetch handles the fetch subcommand
func runFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	var opts fetchOptions
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file (optional)")
	fs.StringVar(&opts.logLevel, "loglevel", "warn", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&opts.priority, "priority", "normal", "Priority band: high, normal or low")
	fs.BoolVar(&opts.force, "force", false, "Bypass the cache")
	fs.StringVar(&opts.archiveAt, "archive-at", "", "Preferred archive snapshot date for fallback")
	fs.StringVar(&opts.outputDir, "o", "", "Write each body to this directory")
	fs.BoolVar(&opts.asJSON, "json", false, "Print results as JSON lines")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fetchd fetch [options] <url> [url...]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fetchd fetch https://example.com/\n")
		fmt.Fprintf(os.Stderr, "  fetchd fetch -priority high -o ./pages https://a.example/ https://b.example/\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	opts.urls = fs.Args()
	if len(opts.urls) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one URL is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(doFetch(ctx, opts, os.Stdout, os.Stderr))
}

// doFetch fetches opts.urls and reports one line per URL.
// Returns exit code (0 = every URL served, 1 = otherwise).
func doFetch(ctx context.Context, opts fetchOptions, stdout, stderr io.Writer) int {
	priority, err := models.ParsePriority(opts.priority)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var archiveAt time.Time
	if opts.archiveAt != "" {
		if archiveAt, err = dateparse.ParseAny(opts.archiveAt); err != nil {
			fmt.Fprintf(stderr, "Error: archive-at %q: %v\n", opts.archiveAt, err)
			return 1
		}
	}
	if opts.outputDir != "" {
		if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	eng, err := startEngine(ctx, opts.configPath, opts.logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	tasks := make([]models.Task, len(opts.urls))
	for i, u := range opts.urls {
		tasks[i] = models.Task{URL: u, Priority: priority, Force: opts.force, ArchiveAt: archiveAt}
	}
	results := eng.exec.SubmitBatch(ctx, tasks)

	exitCode := 0
	enc := json.NewEncoder(stdout)
	for i, res := range results {
		if !res.OK() {
			exitCode = 1
		}
		if opts.outputDir != "" && res.Value != nil {
			path := filepath.Join(opts.outputDir, utils.OutputName(opts.urls[i]))
			if err := os.WriteFile(path, res.Value.Body, 0o644); err != nil {
				fmt.Fprintf(stderr, "Error: write %s: %v\n", path, err)
				exitCode = 1
			}
		}
		if opts.asJSON {
			_ = enc.Encode(resultLine(opts.urls[i], res))
			continue
		}
		fmt.Fprintln(stdout, formatResult(opts.urls[i], res))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := eng.exec.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
		exitCode = 1
	}
	return exitCode
}

func formatResult(url string, res models.TaskResult) string {
	attempts := "attempt"
	if res.Attempts != 1 {
		attempts = "attempts"
	}
	switch res.Status {
	case models.ResultSuccess:
		return fmt.Sprintf("OK       %s [%s] %d bytes, %d %s, %v", url, res.Source, len(res.Value.Body), res.Attempts, attempts, res.Duration.Round(time.Millisecond))
	case models.ResultDegraded:
		return fmt.Sprintf("DEGRADED %s [%s] %d bytes, %d %s, %v", url, res.Source, len(res.Value.Body), res.Attempts, attempts, res.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("FAILED   %s [%s] %v", url, utils.KindOf(res.Err), res.Err)
}

func resultLine(url string, res models.TaskResult) map[string]any {
	line := map[string]any{
		"url":         url,
		"task_id":     res.TaskID,
		"status":      res.Status,
		"source":      res.Source,
		"from_cache":  res.FromCache,
		"attempts":    res.Attempts,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Value != nil {
		line["bytes"] = len(res.Value.Body)
		line["status_code"] = res.Value.StatusCode
	}
	if res.Err != nil {
		line["error"] = res.Err.Error()
		line["error_kind"] = utils.KindOf(res.Err).String()
	}
	return line
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fetchd validate [options]\n\nOptions:\n")
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
	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: max_concurrency=%d adaptive=%t robots=%t fallback=%s persistence=%s\n",
		cfg.Semaphore.MaxConcurrency, cfg.Adaptive.Enabled, cfg.Robots.Enabled,
		strings.Join(cfg.Fallback.Order, ","), cfg.Cache.Persistence.Backend)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
