package crawler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/sink"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

type fetchFunc func(ctx context.Context, page int) (source.Page, error)

// fakeAdapter paginates with the page number as cursor.
type fakeAdapter struct {
	spec  source.Spec
	fetch fetchFunc
	calls atomic.Int32
}

func (f *fakeAdapter) Spec() source.Spec            { return f.spec.Clone() }
func (f *fakeAdapter) InitialCursor() source.Cursor { return "0" }

func (f *fakeAdapter) FetchPage(ctx context.Context, cursor source.Cursor) (source.Page, error) {
	f.calls.Add(1)
	n, err := strconv.Atoi(string(cursor))
	if err != nil {
		return source.Page{}, source.Permanent(err)
	}
	return f.fetch(ctx, n)
}

func pageRecords(name string, page, perPage int) []models.Record {
	out := make([]models.Record, 0, perPage)
	for i := 0; i < perPage; i++ {
		id := fmt.Sprintf("p%d-%d", page, i)
		out = append(out, models.Record{
			Source:    name,
			ProductID: id,
			Title:     "Product " + id,
			Price:     100,
			URL:       "https://fake.test/p/" + id,
		})
	}
	return out
}

// pages serves total pages of perPage records each.
func pages(name string, total, perPage int) fetchFunc {
	return func(_ context.Context, page int) (source.Page, error) {
		return source.Page{
			Records: pageRecords(name, page, perPage),
			Next:    source.Cursor(strconv.Itoa(page + 1)),
			HasMore: page+1 < total,
		}, nil
	}
}

// failAt wraps next and returns err for the given page.
func failAt(next fetchFunc, failPage int, err error) fetchFunc {
	return func(ctx context.Context, page int) (source.Page, error) {
		if page == failPage {
			return source.Page{}, err
		}
		return next(ctx, page)
	}
}

// failTimes fails the given page n times with err before delegating.
func failTimes(next fetchFunc, failPage, n int, err error) fetchFunc {
	var mu sync.Mutex
	remaining := n
	return func(ctx context.Context, page int) (source.Page, error) {
		mu.Lock()
		if page == failPage && remaining > 0 {
			remaining--
			mu.Unlock()
			return source.Page{}, err
		}
		mu.Unlock()
		return next(ctx, page)
	}
}

type memSink struct {
	mu      sync.Mutex
	records []models.Record
	writes  int
	closed  bool
}

func (m *memSink) Write(records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return sink.ErrSinkClosed
	}
	m.records = append(m.records, records...)
	m.writes++
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.ProductID
	}
	return out
}

type harness struct {
	reg      *source.Registry
	mu       sync.Mutex
	sinks    map[string]*memSink
	adapters map[string]*fakeAdapter
}

func newHarness() *harness {
	return &harness{
		reg:      source.NewRegistry(),
		sinks:    make(map[string]*memSink),
		adapters: make(map[string]*fakeAdapter),
	}
}

func (h *harness) add(name string, fetch fetchFunc) *fakeAdapter {
	return h.addWithRate(name, source.RateLimit{}, fetch)
}

func (h *harness) addWithRate(name string, rl source.RateLimit, fetch fetchFunc) *fakeAdapter {
	a := &fakeAdapter{
		spec: source.Spec{
			Name:       name,
			BaseURL:    "https://fake.test/" + name,
			Pagination: source.PaginationOffset,
			RateLimit:  rl,
		},
		fetch: fetch,
	}
	h.adapters[name] = a
	h.reg.MustRegister(name, func(source.Options) (source.Adapter, error) { return a, nil })
	return a
}

func (h *harness) openSink(adapter, _ string) (sink.Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &memSink{}
	h.sinks[adapter] = s
	return s, nil
}

func (h *harness) sink(name string) *memSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[name]
}

func testConfig(workers int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workers = workers
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 4 * time.Millisecond
	cfg.RateLimitCooldown = time.Millisecond
	cfg.RateLimitMaxWait = time.Second
	return cfg
}

func (h *harness) orchestrator(t *testing.T, cfg *config.Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithSinkFactory(h.openSink)}, opts...)
	o, err := New(cfg, h.reg, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func (h *harness) run(t *testing.T, cfg *config.Config, names ...string) *Summary {
	t.Helper()
	summary, err := h.orchestrator(t, cfg).Run(context.Background(), names)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return summary
}

func resultFor(t *testing.T, s *Summary, name string) models.CrawlResult {
	t.Helper()
	for _, r := range s.Results {
		if r.Adapter == name {
			return r
		}
	}
	t.Fatalf("no result for %s", name)
	return models.CrawlResult{}
}

func TestRunAllCompleted(t *testing.T) {
	h := newHarness()
	h.add("alpha", pages("alpha", 3, 2))
	h.add("beta", pages("beta", 1, 4))

	summary := h.run(t, testConfig(2), "alpha", "beta")

	if len(summary.Results) != 2 || summary.Results[0].Adapter != "alpha" || summary.Results[1].Adapter != "beta" {
		t.Fatalf("results not in submission order: %+v", summary.Results)
	}
	alpha := resultFor(t, summary, "alpha")
	if alpha.Status != models.StatusCompleted || alpha.RecordsWritten != 6 || alpha.PagesFetched != 3 {
		t.Fatalf("alpha = %+v", alpha)
	}
	if got := h.sink("alpha").writes; got != 3 {
		t.Fatalf("alpha sink writes = %d, want one per page", got)
	}
	if summary.ExitCode() != 0 || summary.HasFailures() {
		t.Fatalf("exit code = %d", summary.ExitCode())
	}
	if summary.RunID == "" {
		t.Fatalf("missing run id")
	}
	if !h.sink("alpha").closed || !h.sink("beta").closed {
		t.Fatalf("sinks not closed")
	}
}

func TestRunFastAndFlakyAdapters(t *testing.T) {
	h := newHarness()
	h.add("fast", pages("fast", 5, 3))
	h.add("flaky", failAt(pages("flaky", 5, 3), 2, source.Permanent(errors.New("schema changed"))))

	summary := h.run(t, testConfig(2), "fast", "flaky")

	fast := resultFor(t, summary, "fast")
	if fast.Status != models.StatusCompleted || fast.RecordsWritten != 15 {
		t.Fatalf("fast = %+v", fast)
	}

	flaky := resultFor(t, summary, "flaky")
	if flaky.Status != models.StatusPartiallyCompleted {
		t.Fatalf("flaky status = %s", flaky.Status)
	}
	if flaky.RecordsWritten != 6 || flaky.PagesFetched != 2 {
		t.Fatalf("flaky wrote %d records over %d pages, want 6 over 2", flaky.RecordsWritten, flaky.PagesFetched)
	}
	want := append(pageRecords("flaky", 0, 3), pageRecords("flaky", 1, 3)...)
	if got := h.sink("flaky").ids(); !reflect.DeepEqual(got, idsOf(want)) {
		t.Fatalf("flaky ids = %v", got)
	}
	var permanent *source.PermanentError
	if !errors.As(flaky.Err, &permanent) {
		t.Fatalf("flaky err = %v, want permanent", flaky.Err)
	}
	if summary.ExitCode() != 2 {
		t.Fatalf("exit code = %d, want 2", summary.ExitCode())
	}
}

func idsOf(records []models.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ProductID
	}
	return out
}

func TestPermanentOnFirstPageFails(t *testing.T) {
	h := newHarness()
	a := h.add("gone", failAt(pages("gone", 3, 1), 0, source.Permanent(errors.New("404"))))

	summary := h.run(t, testConfig(1), "gone")

	r := resultFor(t, summary, "gone")
	if r.Status != models.StatusFailed || r.RecordsWritten != 0 {
		t.Fatalf("result = %+v", r)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("permanent error retried: %d calls", a.calls.Load())
	}
	if summary.ExitCode() != 1 {
		t.Fatalf("exit code = %d, want 1", summary.ExitCode())
	}
}

func TestTransientRetriesAreTransparent(t *testing.T) {
	clean := newHarness()
	clean.add("shop", pages("shop", 4, 2))
	cleanSummary := clean.run(t, testConfig(1), "shop")

	flaky := newHarness()
	flaky.add("shop", failTimes(pages("shop", 4, 2), 2, 2, source.Transient(errors.New("502"))))
	flakySummary := flaky.run(t, testConfig(1), "shop")

	if got, want := flaky.sink("shop").ids(), clean.sink("shop").ids(); !reflect.DeepEqual(got, want) {
		t.Fatalf("records differ:\n got %v\nwant %v", got, want)
	}
	r := resultFor(t, flakySummary, "shop")
	if r.Status != models.StatusCompleted || r.Retries != 2 {
		t.Fatalf("result = %+v", r)
	}
	if resultFor(t, cleanSummary, "shop").Status != models.StatusCompleted {
		t.Fatalf("clean run not completed")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	h := newHarness()
	a := h.add("down", failAt(pages("down", 2, 1), 1, source.Transient(errors.New("503"))))

	cfg := testConfig(1)
	cfg.MaxRetries = 2
	summary := h.run(t, cfg, "down")

	r := resultFor(t, summary, "down")
	if r.Status != models.StatusPartiallyCompleted || r.RecordsWritten != 1 {
		t.Fatalf("result = %+v", r)
	}
	if !strings.Contains(r.Err.Error(), "retry budget exhausted") {
		t.Fatalf("err = %v", r.Err)
	}
	if source.ErrorTypeLabel(r.Err) != "permanent" {
		t.Fatalf("label = %s, want permanent", source.ErrorTypeLabel(r.Err))
	}
	// page 0 once, page 1 initial + 2 retries
	if got := a.calls.Load(); got != 4 {
		t.Fatalf("calls = %d, want 4", got)
	}
}

func TestRateLimitSignalWaitsWithoutSpendingBudget(t *testing.T) {
	h := newHarness()
	signal := &source.RateLimitSignal{Err: errors.New("429"), RetryAfter: 2 * time.Millisecond}
	h.add("busy", failTimes(pages("busy", 2, 1), 1, 3, signal))

	cfg := testConfig(1)
	cfg.MaxRetries = 0
	summary := h.run(t, cfg, "busy")

	r := resultFor(t, summary, "busy")
	if r.Status != models.StatusCompleted || r.RecordsWritten != 2 || r.Retries != 3 {
		t.Fatalf("result = %+v", r)
	}
}

func TestRateLimitWaitIsBounded(t *testing.T) {
	h := newHarness()
	signal := &source.RateLimitSignal{Err: errors.New("429"), RetryAfter: 4 * time.Millisecond}
	a := h.add("throttled", failAt(pages("throttled", 2, 1), 0, signal))

	cfg := testConfig(1)
	cfg.RateLimitMaxWait = 10 * time.Millisecond
	summary := h.run(t, cfg, "throttled")

	r := resultFor(t, summary, "throttled")
	if r.Status != models.StatusFailed {
		t.Fatalf("status = %s", r.Status)
	}
	var permanent *source.PermanentError
	if !errors.As(r.Err, &permanent) {
		t.Fatalf("err = %v, want permanent", r.Err)
	}
	// two waits of 4ms fit in 10ms, the third does not
	if got := a.calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestUnclassifiedErrorIsPermanent(t *testing.T) {
	h := newHarness()
	a := h.add("odd", failAt(pages("odd", 2, 1), 0, errors.New("boom")))

	summary := h.run(t, testConfig(1), "odd")

	r := resultFor(t, summary, "odd")
	if r.Status != models.StatusFailed || a.calls.Load() != 1 {
		t.Fatalf("result = %+v calls=%d", r, a.calls.Load())
	}
}

func TestAdapterPanicIsContained(t *testing.T) {
	h := newHarness()
	h.add("steady", pages("steady", 2, 2))
	h.add("panicky", func(context.Context, int) (source.Page, error) {
		panic("nil map write")
	})

	summary := h.run(t, testConfig(2), "panicky", "steady")

	p := resultFor(t, summary, "panicky")
	if p.Status != models.StatusFailed || !strings.Contains(p.Err.Error(), "adapter panic") {
		t.Fatalf("panicky = %+v", p)
	}
	if s := resultFor(t, summary, "steady"); s.Status != models.StatusCompleted || s.RecordsWritten != 4 {
		t.Fatalf("steady = %+v", s)
	}
}

func TestConfigurationErrors(t *testing.T) {
	h := newHarness()
	h.add("steady", pages("steady", 1, 1))
	h.reg.MustRegister("broken", func(source.Options) (source.Adapter, error) {
		return nil, errors.New("missing x-api-key")
	})

	summary := h.run(t, testConfig(3), "steady", "broken", "unknown")

	for _, name := range []string{"broken", "unknown"} {
		r := resultFor(t, summary, name)
		var cfgErr *source.ConfigurationError
		if r.Status != models.StatusFailed || !errors.As(r.Err, &cfgErr) {
			t.Fatalf("%s = %+v", name, r)
		}
	}
	if resultFor(t, summary, "steady").Status != models.StatusCompleted {
		t.Fatalf("steady affected by config errors")
	}
}

func TestSinkOpenFailureIsConfigurationError(t *testing.T) {
	h := newHarness()
	h.add("steady", pages("steady", 1, 1))

	o := h.orchestrator(t, testConfig(1), WithSinkFactory(func(string, string) (sink.Sink, error) {
		return nil, errors.New("permission denied")
	}))
	summary, err := o.Run(context.Background(), []string{"steady"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	r := resultFor(t, summary, "steady")
	var cfgErr *source.ConfigurationError
	if r.Status != models.StatusFailed || !errors.As(r.Err, &cfgErr) {
		t.Fatalf("result = %+v", r)
	}
}

func TestIsolationSingleVersusBatch(t *testing.T) {
	single := newHarness()
	single.add("steady", pages("steady", 4, 3))
	single.run(t, testConfig(1), "steady")

	batch := newHarness()
	batch.add("steady", pages("steady", 4, 3))
	batch.add("flaky", failAt(pages("flaky", 4, 3), 1, source.Permanent(errors.New("bad json"))))
	batch.add("panicky", func(context.Context, int) (source.Page, error) { panic("boom") })
	batch.add("slow", func(ctx context.Context, page int) (source.Page, error) {
		time.Sleep(2 * time.Millisecond)
		return pages("slow", 3, 1)(ctx, page)
	})
	batch.run(t, testConfig(4), "flaky", "panicky", "steady", "slow", "missing")

	if got, want := batch.sink("steady").ids(), single.sink("steady").ids(); !reflect.DeepEqual(got, want) {
		t.Fatalf("steady records differ in batch:\n got %v\nwant %v", got, want)
	}
}

func TestWorkerCountDoesNotChangeOutput(t *testing.T) {
	build := func() *harness {
		h := newHarness()
		for i := 0; i < 6; i++ {
			name := fmt.Sprintf("shop%d", i)
			h.add(name, pages(name, i+1, 2))
		}
		return h
	}
	names := []string{"shop0", "shop1", "shop2", "shop3", "shop4", "shop5"}

	one := build()
	oneSummary := one.run(t, testConfig(1), names...)
	five := build()
	fiveSummary := five.run(t, testConfig(5), names...)

	for i, name := range names {
		if !reflect.DeepEqual(one.sink(name).ids(), five.sink(name).ids()) {
			t.Fatalf("%s records differ between W=1 and W=5", name)
		}
		a, b := oneSummary.Results[i], fiveSummary.Results[i]
		if a.Adapter != b.Adapter || a.Status != b.Status || a.RecordsWritten != b.RecordsWritten {
			t.Fatalf("%s results differ: %+v vs %+v", name, a, b)
		}
	}
}

func TestStopFinishesInFlightPage(t *testing.T) {
	h := newHarness()
	var o *Orchestrator
	inner := pages("stopper", 10, 2)
	h.add("stopper", func(ctx context.Context, page int) (source.Page, error) {
		if page == 1 {
			o.Stop()
		}
		return inner(ctx, page)
	})
	h.add("later", pages("later", 1, 1))

	o = h.orchestrator(t, testConfig(1))
	summary, err := o.Run(context.Background(), []string{"stopper", "later"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	stopper := resultFor(t, summary, "stopper")
	if stopper.Status != models.StatusPartiallyCompleted || !errors.Is(stopper.Err, ErrStopped) {
		t.Fatalf("stopper = %+v", stopper)
	}
	if stopper.PagesFetched != 2 || stopper.RecordsWritten != 4 {
		t.Fatalf("in-flight page not flushed: %+v", stopper)
	}

	later := resultFor(t, summary, "later")
	if later.Status != models.StatusFailed || !errors.Is(later.Err, ErrStopped) {
		t.Fatalf("later = %+v", later)
	}
	if h.sink("later") != nil {
		t.Fatalf("unstarted task opened a sink")
	}
}

func TestStopBeforeRunAppliesToNextRunOnly(t *testing.T) {
	h := newHarness()
	h.add("alpha", pages("alpha", 2, 1))
	o := h.orchestrator(t, testConfig(1))

	o.Stop()
	summary, err := o.Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if r := resultFor(t, summary, "alpha"); r.Status != models.StatusFailed || !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("stopped run = %+v", r)
	}

	summary, err = o.Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if r := resultFor(t, summary, "alpha"); r.Status != models.StatusCompleted || r.RecordsWritten != 2 {
		t.Fatalf("second run = %+v", r)
	}
}

func TestFinishedTaskIsNotRerun(t *testing.T) {
	h := newHarness()
	a := h.add("once", pages("once", 1, 1))
	o := h.orchestrator(t, testConfig(1))
	ctx := context.Background()

	tk := &task{name: "once", status: models.StatusPending}
	first := o.runTask(ctx, ctx, "run-1", tk)
	if first.Status != models.StatusCompleted || tk.status != models.StatusCompleted {
		t.Fatalf("first = %+v, task status %s", first, tk.status)
	}

	second := o.runTask(ctx, ctx, "run-1", tk)
	if !errors.Is(second.Err, errTaskFinished) {
		t.Fatalf("second err = %v, want errTaskFinished", second.Err)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("adapter called %d times, want 1", a.calls.Load())
	}
	if err := tk.advance(models.StatusFailed); !errors.Is(err, errTaskFinished) {
		t.Fatalf("advance from terminal = %v", err)
	}
	if tk.status != models.StatusCompleted {
		t.Fatalf("terminal status changed to %s", tk.status)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func csvProductIDs(t *testing.T, rows [][]string) []string {
	t.Helper()
	if len(rows) == 0 || !reflect.DeepEqual(rows[0], models.CSVHeader) {
		t.Fatalf("missing header, got %v", rows)
	}
	ids := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		ids = append(ids, row[1])
	}
	return ids
}

func TestRunWritesCSVArtifacts(t *testing.T) {
	h := newHarness()
	h.add("fast", pages("fast", 3, 2))
	h.add("flaky", failAt(pages("flaky", 5, 2), 2, source.Permanent(errors.New("schema changed"))))
	h.add("broken", failAt(pages("broken", 3, 2), 0, source.Permanent(errors.New("gone"))))

	cfg := testConfig(2)
	cfg.OutputDir = t.TempDir()
	o, err := New(cfg, h.reg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	summary, err := o.Run(context.Background(), []string{"fast", "flaky"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.ExitCode() != 2 {
		t.Fatalf("exit code = %d, want 2", summary.ExitCode())
	}

	fast := csvProductIDs(t, readCSV(t, filepath.Join(cfg.OutputDir, "fast.csv")))
	if want := []string{"p0-0", "p0-1", "p1-0", "p1-1", "p2-0", "p2-1"}; !reflect.DeepEqual(fast, want) {
		t.Fatalf("fast.csv ids = %v, want %v", fast, want)
	}
	flaky := csvProductIDs(t, readCSV(t, filepath.Join(cfg.OutputDir, "flaky.csv")))
	if want := []string{"p0-0", "p0-1", "p1-0", "p1-1"}; !reflect.DeepEqual(flaky, want) {
		t.Fatalf("flaky.csv ids = %v, want pages before the failure %v", flaky, want)
	}

	summary, err = o.Run(context.Background(), []string{"broken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r := resultFor(t, summary, "broken"); r.Status != models.StatusFailed {
		t.Fatalf("broken = %+v", r)
	}
	rows := readCSV(t, filepath.Join(cfg.OutputDir, "broken.csv"))
	if ids := csvProductIDs(t, rows); len(ids) != 0 {
		t.Fatalf("broken.csv should hold only the header, got %v", rows)
	}
}

func TestStopWhileWaitingOnLimiter(t *testing.T) {
	h := newHarness()
	var o *Orchestrator
	h.addWithRate("gated", source.RateLimit{Requests: 1, Per: time.Hour}, pages("gated", 3, 1))

	o = h.orchestrator(t, testConfig(1))
	go func() {
		time.Sleep(20 * time.Millisecond)
		o.Stop()
	}()
	summary, err := o.Run(context.Background(), []string{"gated"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	r := resultFor(t, summary, "gated")
	// the first grant is immediate, the second waits an hour until Stop
	if r.Status != models.StatusPartiallyCompleted || r.RecordsWritten != 1 {
		t.Fatalf("result = %+v", r)
	}
}

func TestHardCancelAbortsInFlightFetch(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := pages("hang", 5, 1)
	h.add("hang", func(fctx context.Context, page int) (source.Page, error) {
		if page == 1 {
			cancel()
			<-fctx.Done()
			return source.Page{}, fctx.Err()
		}
		return inner(fctx, page)
	})

	summary, err := h.orchestrator(t, testConfig(1)).Run(ctx, []string{"hang"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r := resultFor(t, summary, "hang")
	if r.Status != models.StatusPartiallyCompleted || !errors.Is(r.Err, ErrStopped) || r.RecordsWritten != 1 {
		t.Fatalf("result = %+v", r)
	}
}

func TestMaxPagesCap(t *testing.T) {
	h := newHarness()
	a := h.add("endless", pages("endless", 1_000, 1))

	cfg := testConfig(1)
	cfg.MaxPages = 3
	summary := h.run(t, cfg, "endless")

	r := resultFor(t, summary, "endless")
	if r.Status != models.StatusCompleted || r.PagesFetched != 3 || a.calls.Load() != 3 {
		t.Fatalf("result = %+v calls=%d", r, a.calls.Load())
	}
}

func TestDuplicateAndInvalidRecordsDropped(t *testing.T) {
	h := newHarness()
	h.add("dupes", func(_ context.Context, page int) (source.Page, error) {
		recs := pageRecords("dupes", 0, 2) // same ids every page
		recs = append(recs, models.Record{Source: "dupes", ProductID: fmt.Sprintf("untitled-%d", page)})
		return source.Page{Records: recs, Next: source.Cursor(strconv.Itoa(page + 1)), HasMore: page < 2}, nil
	})

	summary := h.run(t, testConfig(1), "dupes")

	r := resultFor(t, summary, "dupes")
	if r.Status != models.StatusCompleted || r.RecordsWritten != 2 {
		t.Fatalf("result = %+v", r)
	}
	// 3 invalid + 4 duplicates
	if r.Dropped != 7 {
		t.Fatalf("dropped = %d, want 7", r.Dropped)
	}
}

func TestRepeatedCursorIsPermanent(t *testing.T) {
	h := newHarness()
	h.add("loop", func(_ context.Context, page int) (source.Page, error) {
		return source.Page{Records: pageRecords("loop", page, 1), Next: "0", HasMore: true}, nil
	})

	summary := h.run(t, testConfig(1), "loop")

	r := resultFor(t, summary, "loop")
	if r.Status != models.StatusPartiallyCompleted || r.PagesFetched != 1 {
		t.Fatalf("result = %+v", r)
	}
}

func TestRateLimitIsApplied(t *testing.T) {
	h := newHarness()
	h.addWithRate("paced", source.RateLimit{Requests: 1, Per: 20 * time.Millisecond}, pages("paced", 4, 1))

	start := time.Now()
	summary := h.run(t, testConfig(1), "paced")
	elapsed := time.Since(start)

	if resultFor(t, summary, "paced").Status != models.StatusCompleted {
		t.Fatalf("not completed")
	}
	if elapsed < 60*time.Millisecond {
		t.Fatalf("4 fetches at 1/20ms took %s, want >= 60ms", elapsed)
	}
}

func TestRunRejectsDuplicateNames(t *testing.T) {
	h := newHarness()
	h.add("alpha", pages("alpha", 1, 1))

	if _, err := h.orchestrator(t, testConfig(1)).Run(context.Background(), []string{"alpha", "ALPHA"}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestRunFreezesRegistry(t *testing.T) {
	h := newHarness()
	h.add("alpha", pages("alpha", 1, 1))
	h.run(t, testConfig(1), "alpha")

	err := h.reg.Register("late", func(source.Options) (source.Adapter, error) { return nil, nil })
	if !errors.Is(err, source.ErrRegistryFrozen) {
		t.Fatalf("register after run = %v, want ErrRegistryFrozen", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	h := newHarness()
	h.add("alpha", failTimes(pages("alpha", 2, 3), 1, 1, source.Transient(errors.New("timeout"))))

	m := NewMetrics()
	summary, err := h.orchestrator(t, testConfig(1), WithMetrics(m)).Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.ExitCode() != 0 {
		t.Fatalf("exit code = %d", summary.ExitCode())
	}

	if got := testutil.ToFloat64(m.RecordsWrittenTotal.WithLabelValues("alpha")); got != 6 {
		t.Fatalf("records written metric = %v", got)
	}
	if got := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("alpha", "transient")); got != 1 {
		t.Fatalf("retries metric = %v", got)
	}
	if got := testutil.ToFloat64(m.TasksTotal.WithLabelValues(string(models.StatusCompleted))); got != 1 {
		t.Fatalf("tasks metric = %v", got)
	}
}

func TestAggregatorRejectsSecondResult(t *testing.T) {
	agg := newAggregator(2)
	agg.store(0, models.CrawlResult{Adapter: "a", Status: models.StatusCompleted})
	agg.store(1, models.CrawlResult{Adapter: "b", Status: models.StatusCompleted})
	agg.store(0, models.CrawlResult{Adapter: "a", Status: models.StatusFailed})

	results, err := agg.snapshot()
	if !errors.Is(err, errDuplicateResult) {
		t.Fatalf("err = %v, want errDuplicateResult", err)
	}
	if results[0].Status != models.StatusCompleted {
		t.Fatalf("first result overwritten: %+v", results[0])
	}
}

func TestSummaryExitCode(t *testing.T) {
	tests := []struct {
		name     string
		statuses []models.TaskStatus
		want     int
	}{
		{"empty", nil, 0},
		{"all completed", []models.TaskStatus{models.StatusCompleted, models.StatusCompleted}, 0},
		{"partial", []models.TaskStatus{models.StatusCompleted, models.StatusPartiallyCompleted}, 2},
		{"failed", []models.TaskStatus{models.StatusPartiallyCompleted, models.StatusFailed}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Summary{}
			for _, st := range tt.statuses {
				s.Results = append(s.Results, models.CrawlResult{Status: st})
			}
			if got := s.ExitCode(); got != tt.want {
				t.Fatalf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{35, time.Second},
		{64, time.Second},
		{1_000, time.Second},
	}
	for _, tt := range tests {
		if got := backoff(100*time.Millisecond, time.Second, tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	// without a cap the delay saturates instead of wrapping negative
	for _, attempt := range []int{35, 64, 200} {
		if got := backoff(time.Second, 0, attempt); got <= 0 {
			t.Fatalf("uncapped backoff(%d) = %s, want positive", attempt, got)
		}
	}
}
