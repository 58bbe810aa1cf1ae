package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/aluiziolira/go-catalog-crawler/crawler"
	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/platforms"
	"github.com/aluiziolira/go-catalog-crawler/sink"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

// nameList collects adapter names from repeated or comma-separated flags.
type nameList []string

func (n *nameList) String() string { return strings.Join(*n, ",") }

func (n *nameList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*n = append(*n, strings.ToLower(part))
		}
	}
	return nil
}

type cliOptions struct {
	names       nameList
	all         bool
	list        bool
	configFile  string
	workers     int
	outputDir   string
	format      string
	maxPages    int
	metricsAddr string
	postgresURL string
	verbose     bool
}

func parseFlags(args []string, stderr io.Writer) (*cliOptions, *flag.FlagSet, error) {
	defaults := config.DefaultConfig()
	opts := &cliOptions{}

	fs := flag.NewFlagSet("crawler", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&opts.names, "crawler", "Crawler to run (repeatable or comma-separated)")
	fs.Var(&opts.names, "c", "Shorthand for -crawler")
	fs.BoolVar(&opts.all, "all", false, "Run every registered crawler")
	fs.BoolVar(&opts.all, "a", false, "Shorthand for -all")
	fs.BoolVar(&opts.list, "list", false, "List available crawlers and exit")
	fs.StringVar(&opts.configFile, "config", "", "Config file (yaml, toml or json)")
	fs.IntVar(&opts.workers, "workers", defaults.Workers, "Number of crawlers run concurrently")
	fs.IntVar(&opts.workers, "w", defaults.Workers, "Shorthand for -workers")
	fs.StringVar(&opts.outputDir, "output-dir", defaults.OutputDir, "Directory for per-crawler output files")
	fs.StringVar(&opts.format, "format", defaults.OutputFormat, "Output format: csv or dual")
	fs.IntVar(&opts.maxPages, "max-pages", defaults.MaxPages, "Maximum pages per crawler (0 = unlimited)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	fs.StringVar(&opts.postgresURL, "postgres-url", defaults.PostgresURL, "Mirror records into Postgres at this URL")
	fs.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, fs, nil
}

// applyFlags overrides file and environment settings with the flags the user
// actually passed.
func applyFlags(cfg *config.Config, opts *cliOptions, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers", "w":
			cfg.Workers = opts.workers
		case "output-dir":
			cfg.OutputDir = opts.outputDir
		case "format":
			cfg.OutputFormat = strings.ToLower(opts.format)
		case "max-pages":
			cfg.MaxPages = opts.maxPages
		case "metrics-addr":
			cfg.MetricsAddr = opts.metricsAddr
		case "postgres-url":
			cfg.PostgresURL = opts.postgresURL
		case "v":
			cfg.Verbose = opts.verbose
		}
	})
}

// selectCrawlers resolves the requested names against the registry.
func selectCrawlers(reg *source.Registry, opts *cliOptions) ([]string, error) {
	if opts.all {
		if len(opts.names) > 0 {
			return nil, errors.New("-crawler and -all are mutually exclusive")
		}
		return reg.Names(), nil
	}
	if len(opts.names) == 0 {
		return nil, errors.New("no crawler selected: use -crawler NAME or -all")
	}
	var unknown []string
	for _, name := range opts.names {
		if !reg.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown crawler(s): %s", strings.Join(unknown, ", "))
	}
	return opts.names, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	reg := platforms.NewRegistry()
	if opts.list {
		printCrawlers(stdout, reg)
		return 0
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintf(stderr, "loading config: %v\n", err)
		return 1
	}
	applyFlags(cfg, opts, fs)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	names, err := selectCrawlers(reg, opts)
	if err != nil {
		slog.Error("invalid crawler selection", slog.Any("error", err))
		printCrawlers(stderr, reg)
		return 1
	}

	metrics := crawler.NewMetrics()
	orchOpts := []crawler.Option{crawler.WithMetrics(metrics)}

	if cfg.PostgresURL != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := sink.NewPostgresStore(connectCtx, cfg.PostgresURL)
		cancel()
		if err != nil {
			slog.Error("connecting to postgres", slog.Any("error", err))
			return 1
		}
		defer store.Close()
		orchOpts = append(orchOpts, crawler.WithPostgres(store))
		slog.Info("postgres mirror enabled")
	}

	orch, err := crawler.New(cfg, reg, orchOpts...)
	if err != nil {
		slog.Error("initialising crawler", slog.Any("error", err))
		return 1
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		if _, ok := <-signals; !ok {
			return
		}
		slog.Info("shutdown signal received, finishing in-flight pages (signal again to abort)")
		orch.Stop()
		if _, ok := <-signals; !ok {
			return
		}
		slog.Warn("second signal received, aborting in-flight requests")
		cancel()
	}()

	slog.Info("starting crawl",
		slog.Any("crawlers", names),
		slog.Int("workers", cfg.Workers),
		slog.String("output_dir", cfg.OutputDir),
	)

	summary, err := orch.Run(ctx, names)

	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancelShutdown()
	}

	if err != nil {
		slog.Error("crawl run failed", slog.Any("error", err))
		if summary != nil {
			printSummary(stdout, summary, cfg.OutputDir)
		}
		return 1
	}

	printSummary(stdout, summary, cfg.OutputDir)
	if summary.HasFailures() {
		slog.Warn("some crawlers failed, see the summary for details")
	}
	return summary.ExitCode()
}

func newRouter(metrics *crawler.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

func printCrawlers(w io.Writer, reg *source.Registry) {
	fmt.Fprintln(w, "Available crawlers:")
	for _, name := range reg.Names() {
		fmt.Fprintf(w, "  - %s\n", name)
	}
}

func printSummary(w io.Writer, summary *crawler.Summary, outputDir string) {
	separator := "------------------------------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintf(w, "Crawl complete (run %s)\n", summary.RunID)
	fmt.Fprintf(w, "  %-14s %-20s %8s %6s %7s %7s %9s  %s\n",
		"CRAWLER", "STATUS", "RECORDS", "PAGES", "RETRIES", "DROPPED", "ELAPSED", "ERROR")
	for _, r := range summary.Results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(w, "  %-14s %-20s %8d %6d %7d %7d %9v  %s\n",
			r.Adapter, r.Status, r.RecordsWritten, r.PagesFetched, r.Retries, r.Dropped,
			r.Elapsed.Round(time.Millisecond), errText)
	}
	counts := summary.Counts()
	fmt.Fprintf(w, "  Completed:     %d\n", counts[models.StatusCompleted])
	fmt.Fprintf(w, "  Partial:       %d\n", counts[models.StatusPartiallyCompleted])
	fmt.Fprintf(w, "  Failed:        %d\n", counts[models.StatusFailed])
	fmt.Fprintf(w, "  Duration:      %v\n", summary.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Output dir:    %s\n", outputDir)
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
