package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/aluiziolira/go-catalog-crawler/ratelimit"
	"github.com/aluiziolira/go-catalog-crawler/sink"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

var (
	// errHalted is returned by the fetch loop when the run was asked to stop.
	errHalted = errors.New("crawler: halted")

	errTaskFinished = errors.New("crawler: task already finished")
)

// task is one adapter crawl inside a run.
type task struct {
	index  int
	name   string
	status models.TaskStatus
}

// advance moves t to status. A terminal task never moves again.
func (t *task) advance(status models.TaskStatus) error {
	if t.status.Terminal() {
		return fmt.Errorf("%w: %s is %s, cannot become %s", errTaskFinished, t.name, t.status, status)
	}
	t.status = status
	return nil
}

// driver runs the pagination loop for a single task. Everything it holds is
// task-local.
type driver struct {
	o       *Orchestrator
	name    string
	adapter source.Adapter
	limiter *ratelimit.Limiter
	sink    sink.Sink
	dedupe  *deduper
	logger  *slog.Logger

	// hard aborts in-flight fetches, soft only gates new work.
	hard context.Context
	soft context.Context

	result       *models.CrawlResult
	rateLimitFor time.Duration
}

// runTask takes t from Pending to a terminal status and returns its result.
func (o *Orchestrator) runTask(hard, soft context.Context, runID string, t *task) models.CrawlResult {
	logger := slog.With(slog.String("adapter", t.name), slog.String("run_id", runID))
	if t.status.Terminal() {
		logger.Error("task scheduled twice", slog.String("status", string(t.status)))
		return models.CrawlResult{
			Adapter: t.name,
			Status:  t.status,
			Err:     t.advance(models.StatusRunning),
		}
	}
	result := models.CrawlResult{
		Adapter:   t.name,
		StartedAt: time.Now(),
	}
	finish := func(status models.TaskStatus, err error) models.CrawlResult {
		if advErr := t.advance(status); advErr != nil {
			logger.Error("invalid task transition", slog.Any("error", advErr))
			err = errors.Join(err, advErr)
		}
		result.Status = status
		result.Err = err
		result.Elapsed = time.Since(result.StartedAt)
		o.metrics.IncTask(status)
		if err != nil {
			o.metrics.IncError(t.name, source.ErrorTypeLabel(err))
		}
		return result
	}

	if soft.Err() != nil {
		logger.Info("task skipped, run stopping")
		return finish(models.StatusFailed, ErrStopped)
	}
	if err := t.advance(models.StatusRunning); err != nil {
		return finish(models.StatusFailed, err)
	}

	adapter, err := o.registry.Build(t.name, o.adapterOptions(t.name))
	if err != nil {
		logger.Error("adapter construction failed", slog.Any("error", err))
		return finish(models.StatusFailed, err)
	}
	spec := adapter.Spec()

	limiter, err := ratelimit.New(spec.RateLimit.Requests, spec.RateLimit.Per)
	if err != nil {
		logger.Error("invalid rate limit", slog.Any("error", err))
		return finish(models.StatusFailed, source.Misconfigured(err))
	}

	dd, err := newDeduper(o.cfg.DedupeMaxSize)
	if err != nil {
		return finish(models.StatusFailed, source.Misconfigured(err))
	}

	out, err := o.sinkFactory(t.name, runID)
	if err != nil {
		logger.Error("sink open failed", slog.Any("error", err))
		return finish(models.StatusFailed, source.Misconfigured(fmt.Errorf("open sink: %w", err)))
	}

	d := &driver{
		o:       o,
		name:    t.name,
		adapter: adapter,
		limiter: limiter,
		sink:    out,
		dedupe:  dd,
		logger:  logger,
		hard:    hard,
		soft:    soft,
		result:  &result,
	}

	logger.Info("crawl started",
		slog.String("base_url", spec.BaseURL),
		slog.String("pagination", string(spec.Pagination)),
		slog.String("rate_limit", spec.RateLimit.String()),
	)
	status, runErr := d.run()

	if err := out.Close(); err != nil {
		logger.Error("sink close failed", slog.Any("error", err))
		if runErr == nil {
			runErr = fmt.Errorf("close sink: %w", err)
		}
	}

	res := finish(status, runErr)
	logger.Info("crawl finished",
		slog.String("status", string(status)),
		slog.Int("pages", res.PagesFetched),
		slog.Int("records", res.RecordsWritten),
		slog.Int("retries", res.Retries),
		slog.Int("dropped", res.Dropped),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res
}

// run drives pagination until exhaustion, a permanent failure, the page cap
// or a stop signal.
func (d *driver) run() (models.TaskStatus, error) {
	cursor := d.adapter.InitialCursor()
	maxPages := d.o.cfg.MaxPages

	for {
		if d.soft.Err() != nil {
			return d.stopped()
		}
		if maxPages > 0 && d.result.PagesFetched >= maxPages {
			d.logger.Info("page cap reached", slog.Int("max_pages", maxPages))
			return models.StatusCompleted, nil
		}

		page, err := d.fetch(cursor)
		if err != nil {
			if errors.Is(err, errHalted) {
				return d.stopped()
			}
			return d.failed(err)
		}
		d.result.PagesFetched++

		if err := d.write(page.Records); err != nil {
			return d.failed(source.Permanent(fmt.Errorf("sink write failed: %w", err)))
		}

		if !page.HasMore {
			return models.StatusCompleted, nil
		}
		if page.Next == cursor {
			return d.failed(source.Permanent(fmt.Errorf("adapter returned the same cursor %q twice", cursor)))
		}
		cursor = page.Next
	}
}

func (d *driver) stopped() (models.TaskStatus, error) {
	d.logger.Info("crawl stopped", slog.Int("records", d.result.RecordsWritten))
	return models.StatusPartiallyCompleted, ErrStopped
}

func (d *driver) failed(err error) (models.TaskStatus, error) {
	d.logger.Error("crawl aborted",
		slog.String("category", source.ErrorTypeLabel(err)),
		slog.Int("records", d.result.RecordsWritten),
		slog.Any("error", err),
	)
	if d.result.RecordsWritten > 0 {
		return models.StatusPartiallyCompleted, err
	}
	return models.StatusFailed, err
}

// fetch retrieves one page, retrying transient failures and honouring rate
// limit signals. Any returned error other than errHalted is permanent.
func (d *driver) fetch(cursor source.Cursor) (source.Page, error) {
	cfg := d.o.cfg
	attempt := 0

	for {
		if err := d.limiter.Acquire(d.soft); err != nil {
			return source.Page{}, errHalted
		}

		start := time.Now()
		page, err := d.safeFetch(cursor)
		d.o.metrics.ObserveDuration(d.name, time.Since(start))
		if err == nil {
			d.o.metrics.IncPage(d.name, "ok")
			return page, nil
		}

		label := source.ErrorTypeLabel(err)
		d.o.metrics.IncPage(d.name, label)
		if d.hard.Err() != nil {
			return source.Page{}, errHalted
		}

		var (
			permanent   *source.PermanentError
			rateLimited *source.RateLimitSignal
			transient   *source.TransientError
		)
		switch {
		case errors.As(err, &permanent):
			return source.Page{}, err

		case errors.As(err, &rateLimited):
			wait := rateLimited.RetryAfter
			if wait <= 0 {
				wait = cfg.RateLimitCooldown
			}
			if cfg.RateLimitMaxWait > 0 && d.rateLimitFor+wait > cfg.RateLimitMaxWait {
				return source.Page{}, source.Permanent(fmt.Errorf("rate limited beyond %s: %w", cfg.RateLimitMaxWait, err))
			}
			d.rateLimitFor += wait
			d.result.Retries++
			d.o.metrics.IncRetries(d.name, label)
			d.logger.Warn("rate limited, cooling down",
				slog.String("cursor", string(cursor)),
				slog.Duration("wait", wait),
			)
			if err := sleep(d.soft, wait); err != nil {
				return source.Page{}, errHalted
			}

		case errors.As(err, &transient):
			if attempt >= cfg.MaxRetries {
				return source.Page{}, source.Permanent(fmt.Errorf("retry budget exhausted after %d retries: %w", attempt, err))
			}
			attempt++
			delay := backoff(cfg.RetryBackoff, cfg.RetryBackoffMax, attempt)
			d.result.Retries++
			d.o.metrics.IncRetries(d.name, label)
			d.logger.Warn("transient fetch failure, retrying",
				slog.String("cursor", string(cursor)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			if err := sleep(d.soft, delay); err != nil {
				return source.Page{}, errHalted
			}

		default:
			return source.Page{}, source.Permanent(err)
		}
	}
}

// safeFetch calls the adapter and converts a panic into a permanent error.
func (d *driver) safeFetch(cursor source.Cursor) (page source.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("adapter panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			page = source.Page{}
			err = source.Permanent(fmt.Errorf("adapter panic: %v", r))
		}
	}()
	return d.adapter.FetchPage(d.hard, cursor)
}

// write validates and dedupes a page, then writes the survivors in order.
func (d *driver) write(records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	spec := d.adapter.Spec()
	now := time.Now().UTC()
	accepted := make([]models.Record, 0, len(records))
	for i := range records {
		rec := records[i]
		if rec.Source == "" {
			rec.Source = spec.Name
		}
		if rec.ScrapedAt.IsZero() {
			rec.ScrapedAt = now
		}
		if err := parser.ValidateRecord(&rec); err != nil {
			d.result.Dropped++
			d.o.metrics.IncDropped(d.name, "invalid")
			d.logger.Debug("record dropped", slog.String("product_id", rec.ProductID), slog.Any("error", err))
			continue
		}
		if d.dedupe.Seen(rec) {
			d.result.Dropped++
			d.o.metrics.IncDropped(d.name, "duplicate")
			continue
		}
		accepted = append(accepted, rec)
	}
	if len(accepted) == 0 {
		return nil
	}

	if err := d.sink.Write(accepted); err != nil {
		return err
	}
	d.result.RecordsWritten += len(accepted)
	d.o.metrics.AddWritten(d.name, len(accepted))
	return nil
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay >= max {
			break
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
