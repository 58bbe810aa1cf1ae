// Package crawler runs source adapters concurrently, isolating each adapter's
// failures and persisting its records page by page.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/sink"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

// ErrStopped marks tasks cut short by Stop or by cancellation of the run context.
var ErrStopped = errors.New("crawler: run stopped")

// errDuplicateResult is an aggregator invariant violation.
var errDuplicateResult = errors.New("crawler: result reported twice")

// SinkFactory opens the sink for one adapter within a run.
type SinkFactory func(adapter, runID string) (sink.Sink, error)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSinkFactory replaces the configured file sinks.
func WithSinkFactory(f SinkFactory) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.sinkFactory = f
		}
	}
}

// WithMetrics records run metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAdapterOptions overrides how per-adapter construction options are derived.
func WithAdapterOptions(f func(name string) source.Options) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.adapterOptions = f
		}
	}
}

// WithPostgres mirrors every adapter's records into store.
func WithPostgres(store *sink.PostgresStore) Option {
	return func(o *Orchestrator) {
		o.postgres = store
	}
}

// Orchestrator schedules one crawl task per adapter over a fixed worker pool.
type Orchestrator struct {
	cfg            *config.Config
	registry       *source.Registry
	metrics        *Metrics
	sinkFactory    SinkFactory
	adapterOptions func(name string) source.Options
	postgres       *sink.PostgresStore

	mu         sync.Mutex
	stopped    bool
	cancelSoft context.CancelFunc
}

// New builds an orchestrator for cfg and registry.
func New(cfg *config.Config, registry *source.Registry, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("crawler: nil config")
	}
	if registry == nil {
		return nil, errors.New("crawler: nil registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &Orchestrator{
		cfg:            cfg,
		registry:       registry,
		adapterOptions: cfg.AdapterOptions,
	}
	o.sinkFactory = o.openSink
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) openSink(adapter, runID string) (sink.Sink, error) {
	return sink.Open(adapter, sink.Options{
		Dir:      o.cfg.OutputDir,
		Format:   o.cfg.OutputFormat,
		RunID:    runID,
		Postgres: o.postgres,
	})
}

// Stop asks a running crawl to wind down. In-flight fetches complete and
// their records are written; no new page is requested and unstarted tasks
// fail with ErrStopped. A Stop before Run applies to the next Run only. Safe
// to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.stopped {
		slog.Info("stop requested, finishing in-flight pages")
	}
	o.stopped = true
	if o.cancelSoft != nil {
		o.cancelSoft()
	}
}

// Summary reports a finished run. Results follow submission order.
type Summary struct {
	RunID    string
	Results  []models.CrawlResult
	Started  time.Time
	Duration time.Duration
}

// Counts returns the number of tasks per terminal status.
func (s *Summary) Counts() map[models.TaskStatus]int {
	counts := make(map[models.TaskStatus]int, 3)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}

// HasFailures reports whether any task failed outright.
func (s *Summary) HasFailures() bool {
	for _, r := range s.Results {
		if r.Status == models.StatusFailed {
			return true
		}
	}
	return false
}

// ExitCode maps the run outcome to a process exit status: 0 when every task
// completed, 2 when some were partial and none failed, 1 on any failure.
func (s *Summary) ExitCode() int {
	counts := s.Counts()
	switch {
	case counts[models.StatusFailed] > 0:
		return 1
	case counts[models.StatusPartiallyCompleted] > 0:
		return 2
	default:
		return 0
	}
}

// aggregator collects one result per task slot.
type aggregator struct {
	mu      sync.Mutex
	results []models.CrawlResult
	filled  []bool
	errs    []error
}

func newAggregator(n int) *aggregator {
	return &aggregator{
		results: make([]models.CrawlResult, n),
		filled:  make([]bool, n),
	}
}

func (a *aggregator) store(index int, result models.CrawlResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.filled[index] {
		a.errs = append(a.errs, fmt.Errorf("%w: task %d (%s)", errDuplicateResult, index, result.Adapter))
		return
	}
	a.results[index] = result
	a.filled[index] = true
}

func (a *aggregator) snapshot() ([]models.CrawlResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	errs = append(errs, a.errs...)
	for i, ok := range a.filled {
		if !ok {
			errs = append(errs, fmt.Errorf("crawler: task %d produced no result", i))
		}
	}
	out := make([]models.CrawlResult, len(a.results))
	copy(out, a.results)
	return out, errors.Join(errs...)
}

// Run crawls the named adapters and blocks until every task is terminal. The
// returned error is reserved for run-level faults; adapter failures are
// reported in the Summary. Cancelling ctx aborts in-flight fetches.
func (o *Orchestrator) Run(ctx context.Context, names []string) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	workers := o.cfg.Workers
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", workers)
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("adapter %q requested more than once", name)
		}
		seen[key] = struct{}{}
	}

	o.registry.Freeze()
	runID := uuid.NewString()
	started := time.Now()

	soft, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelSoft = cancel
	if o.stopped {
		cancel()
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelSoft = nil
		o.stopped = false
		o.mu.Unlock()
		cancel()
	}()

	queue := make(chan *task, len(names))
	for i, name := range names {
		queue <- &task{index: i, name: name, status: models.StatusPending}
	}
	close(queue)

	if workers > len(names) {
		workers = len(names)
	}
	slog.Info("run started",
		slog.String("run_id", runID),
		slog.Int("tasks", len(names)),
		slog.Int("workers", workers),
	)

	agg := newAggregator(len(names))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				agg.store(t.index, o.runTask(ctx, soft, runID, t))
			}
		}()
	}
	wg.Wait()

	results, err := agg.snapshot()
	summary := &Summary{
		RunID:    runID,
		Results:  results,
		Started:  started,
		Duration: time.Since(started),
	}
	if err != nil {
		return summary, err
	}

	counts := summary.Counts()
	slog.Info("run finished",
		slog.String("run_id", runID),
		slog.Int("completed", counts[models.StatusCompleted]),
		slog.Int("partial", counts[models.StatusPartiallyCompleted]),
		slog.Int("failed", counts[models.StatusFailed]),
		slog.Duration("duration", summary.Duration),
	)
	return summary, nil
}
