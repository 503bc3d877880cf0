package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/plexsphere/telexport/internal/export"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/logrecord"
	"github.com/plexsphere/telexport/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockExporter records every batch and optionally blocks until released.
type mockExporter struct {
	mu        sync.Mutex
	batches   [][]logrecord.Record
	result    func([]logrecord.Record) export.Result
	block     chan struct{}
	active    int
	maxActive int
	ctxErrs   []error
}

func (m *mockExporter) Export(ctx context.Context, b []logrecord.Record) export.Result {
	m.mu.Lock()
	m.batches = append(m.batches, b)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	block, result := m.block, m.result
	m.mu.Unlock()

	if block != nil {
		<-block
	}

	m.mu.Lock()
	m.active--
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	m.mu.Unlock()

	if result != nil {
		return result(b)
	}
	return export.Result{Status: export.Success, Accepted: len(b)}
}

func (m *mockExporter) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.batches))
	for i, b := range m.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (m *mockExporter) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

type dropEvent struct {
	n      int
	reason string
}

type dropObserver struct {
	telemetry.Nop
	mu    sync.Mutex
	drops []dropEvent
}

func (o *dropObserver) RecordsDropped(n int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops = append(o.drops, dropEvent{n, reason})
}

func (o *dropObserver) events() []dropEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]dropEvent(nil), o.drops...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rec(i int) logrecord.Record {
	return logrecord.Record{
		Name:      "event",
		Severity:  logrecord.SeverityInfo,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Fields:    map[string]logrecord.Value{"seq": logrecord.IntValue(int64(i))},
	}
}

// newTestProcessor creates a processor with long time triggers unless cfg
// overrides them, and shuts it down at test end if the test did not.
func newTestProcessor(t *testing.T, cfg Config, exp Exporter) *Processor {
	t.Helper()
	if cfg.MaxBatchDelay == 0 {
		cfg.MaxBatchDelay = time.Hour
	}
	p, err := NewProcessor(cfg, exp, discardLogger())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func enqueueN(t *testing.T, p *Processor, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		if err := p.Enqueue(rec(i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
}

// waitFor polls condition every 5ms until it returns true or the 2s deadline
// is reached. On timeout it calls t.Fatal with the provided message.
func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if condition() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcessor_FlushExportsBufferedRecords(t *testing.T) {
	exp := &mockExporter{}
	p := newTestProcessor(t, Config{}, exp)

	enqueueN(t, p, 0, 3)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if diff := cmp.Diff([]int{3}, exp.batchSizes()); diff != "" {
		t.Fatalf("batch sizes (-want +got):\n%s", diff)
	}
	for i, r := range exp.batches[0] {
		if got := r.Fields["seq"].Int(); got != int64(i) {
			t.Errorf("record %d has seq %d, order not preserved", i, got)
		}
	}
	s := p.Stats()
	if s.Enqueued != 3 || s.Exported != 3 || s.Buffered != 0 || s.Pending != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcessor_FlushEmptyIsNoop(t *testing.T) {
	exp := &mockExporter{}
	p := newTestProcessor(t, Config{}, exp)

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(exp.batchSizes()); n != 0 {
		t.Errorf("exports = %d, want 0", n)
	}
}

func TestProcessor_SizeTrigger(t *testing.T) {
	exp := &mockExporter{}
	p := newTestProcessor(t, Config{MaxBatchSize: 3}, exp)

	enqueueN(t, p, 0, 7)
	waitFor(t, func() bool { return len(exp.batchSizes()) == 2 }, "two full batches were not exported")
	if diff := cmp.Diff([]int{3, 3}, exp.batchSizes()); diff != "" {
		t.Errorf("batch sizes (-want +got):\n%s", diff)
	}
	if s := p.Stats(); s.Buffered != 1 {
		t.Errorf("Buffered = %d, want 1", s.Buffered)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if diff := cmp.Diff([]int{3, 3, 1}, exp.batchSizes()); diff != "" {
		t.Errorf("batch sizes after shutdown (-want +got):\n%s", diff)
	}
	if s := p.Stats(); s.Exported != 7 {
		t.Errorf("Exported = %d, want 7", s.Exported)
	}
}

func TestProcessor_ByteTrigger(t *testing.T) {
	exp := &mockExporter{}
	size := rec(0).Size()
	p := newTestProcessor(t, Config{MaxBatchBytes: 2 * size}, exp)

	enqueueN(t, p, 0, 2)
	waitFor(t, func() bool { return len(exp.batchSizes()) == 1 }, "byte threshold did not cut a batch")
	if got := exp.batchSizes()[0]; got != 2 {
		t.Errorf("batch size = %d, want 2", got)
	}
}

func TestProcessor_TimeTrigger(t *testing.T) {
	exp := &mockExporter{}
	p := newTestProcessor(t, Config{MaxBatchDelay: 20 * time.Millisecond}, exp)

	enqueueN(t, p, 0, 2)
	waitFor(t, func() bool { return len(exp.batchSizes()) == 1 }, "delay threshold did not cut a batch")
	if got := exp.batchSizes()[0]; got != 2 {
		t.Errorf("batch size = %d, want 2", got)
	}

	// The timer is re-armed by the first record of the next batch.
	enqueueN(t, p, 2, 1)
	waitFor(t, func() bool { return len(exp.batchSizes()) == 2 }, "second timed batch not exported")
}

func TestProcessor_FlushReturnsExportError(t *testing.T) {
	exp := &mockExporter{result: func(b []logrecord.Record) export.Result {
		return export.Result{Status: export.Failure, Err: failure.Transport("upload: send", errors.New("unreachable"))}
	}}
	p := newTestProcessor(t, Config{}, exp)

	enqueueN(t, p, 0, 3)
	err := p.Flush(context.Background())
	if !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("Flush error = %v, want transport class", err)
	}
	if s := p.Stats(); s.Failed != 3 || s.Exported != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcessor_PartialResultCounted(t *testing.T) {
	exp := &mockExporter{result: func(b []logrecord.Record) export.Result {
		return export.Result{
			Status:   export.Partial,
			Accepted: len(b) - 1,
			Rejected: []export.Rejection{{Index: 0, Reason: "bad"}},
		}
	}}
	p := newTestProcessor(t, Config{}, exp)

	enqueueN(t, p, 0, 3)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s := p.Stats(); s.Exported != 2 || s.Rejected != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcessor_ExporterPanicIsFailure(t *testing.T) {
	exp := &mockExporter{result: func([]logrecord.Record) export.Result { panic("boom") }}
	p := newTestProcessor(t, Config{}, exp)

	enqueueN(t, p, 0, 2)
	err := p.Flush(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Flush error = %v, want panic failure", err)
	}
	if s := p.Stats(); s.Failed != 2 {
		t.Errorf("Failed = %d, want 2", s.Failed)
	}
}

func TestProcessor_MaxInFlight(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	p := newTestProcessor(t, Config{MaxBatchSize: 1, MaxInFlight: 2}, exp)

	enqueueN(t, p, 0, 4)
	waitFor(t, func() bool { return exp.activeCount() == 2 }, "two exports did not start")
	time.Sleep(20 * time.Millisecond)
	if n := exp.activeCount(); n != 2 {
		t.Fatalf("active exports = %d, want 2", n)
	}
	if st := p.State(); st != Flushing {
		t.Errorf("State = %s, want flushing", st)
	}
	if s := p.Stats(); s.Pending != 4 || s.InFlight != 2 {
		t.Errorf("Stats = %+v", s)
	}

	close(exp.block)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if exp.maxActive != 2 {
		t.Errorf("max concurrent exports = %d, want 2", exp.maxActive)
	}
	if st := p.State(); st != Idle {
		t.Errorf("State = %s, want idle", st)
	}
}

func TestProcessor_BackpressureDropsAfterTimeout(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	obs := &dropObserver{}
	p := newTestProcessor(t, Config{
		MaxBatchSize:     1,
		MaxInFlight:      1,
		MaxQueuedBatches: 1,
		EnqueueTimeout:   100 * time.Millisecond,
	}, exp)
	p.SetObserver(obs)

	// One batch exporting, one held by the dispatcher, one in the queue.
	enqueueN(t, p, 0, 1)
	waitFor(t, func() bool { return exp.activeCount() == 1 }, "first export did not start")
	enqueueN(t, p, 1, 2)

	start := time.Now()
	err := p.Enqueue(rec(3))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Enqueue error = %v, want ErrBackpressure", err)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Errorf("producer waited %v, want at least the enqueue timeout", waited)
	}

	if s := p.Stats(); s.Dropped != 1 || s.Enqueued != 4 {
		t.Errorf("Stats = %+v", s)
	}
	if diff := cmp.Diff([]dropEvent{{1, telemetry.DropBackpressure}}, obs.events(), cmp.AllowUnexported(dropEvent{})); diff != "" {
		t.Errorf("drop events (-want +got):\n%s", diff)
	}

	close(exp.block)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := p.Stats(); s.Exported != 3 || s.Dropped != 1 {
		t.Errorf("Stats after shutdown = %+v", s)
	}
}

func TestProcessor_ShutdownDrainsAndCloses(t *testing.T) {
	exp := &mockExporter{}
	p := newTestProcessor(t, Config{}, exp)

	enqueueN(t, p, 0, 5)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := p.Stats(); s.Exported != 5 || s.Lost != 0 {
		t.Errorf("Stats = %+v", s)
	}
	if st := p.State(); st != Closed {
		t.Errorf("State = %s, want closed", st)
	}

	if err := p.Enqueue(rec(9)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrClosed", err)
	}
	if err := p.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after shutdown = %v, want ErrClosed", err)
	}
	if err := p.Shutdown(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Shutdown = %v, want ErrClosed", err)
	}
}

func TestProcessor_ShutdownTimeoutReportsLost(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	obs := &dropObserver{}
	p := newTestProcessor(t, Config{MaxBatchSize: 2, MaxInFlight: 1}, exp)
	p.SetObserver(obs)

	enqueueN(t, p, 0, 5)
	waitFor(t, func() bool { return exp.activeCount() == 1 }, "first export did not start")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)

	var se *failure.ShutdownError
	if !errors.As(err, &se) {
		t.Fatalf("Shutdown error = %v, want *failure.ShutdownError", err)
	}
	if se.Lost != 5 {
		t.Errorf("Lost = %d, want 5", se.Lost)
	}
	if !errors.Is(err, failure.ErrShutdown) {
		t.Error("ShutdownError should match failure.ErrShutdown")
	}
	if diff := cmp.Diff([]dropEvent{{5, telemetry.DropShutdown}}, obs.events(), cmp.AllowUnexported(dropEvent{})); diff != "" {
		t.Errorf("drop events (-want +got):\n%s", diff)
	}

	// The in-flight export finishes on its own and is not counted twice.
	close(exp.block)
	waitFor(t, func() bool { return exp.activeCount() == 0 }, "in-flight export did not finish")
	if s := p.Stats(); s.Lost != 5 || s.Exported != 0 {
		t.Errorf("Stats = %+v", s)
	}
	exp.mu.Lock()
	ctxErr := exp.ctxErrs[0]
	exp.mu.Unlock()
	if !errors.Is(ctxErr, context.Canceled) {
		t.Errorf("in-flight export context error = %v, want canceled so retries stop", ctxErr)
	}
	if n := len(exp.batchSizes()); n != 1 {
		t.Errorf("exports started = %d, want 1", n)
	}
}

// fillQueue leaves one 2-record batch exporting, one held by the
// dispatcher waiting for a slot, one in the queue and one record buffered.
// It expects MaxBatchSize 2, MaxInFlight 1 and MaxQueuedBatches 1.
func fillQueue(t *testing.T, p *Processor, exp *mockExporter) {
	t.Helper()
	enqueueN(t, p, 0, 2)
	waitFor(t, func() bool { return exp.activeCount() == 1 }, "first export did not start")
	enqueueN(t, p, 2, 2)
	waitFor(t, func() bool { return len(p.queue) == 0 }, "dispatcher did not take the second batch")
	enqueueN(t, p, 4, 3)
}

func TestProcessor_ShutdownWaitsForQueueSpace(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	obs := &dropObserver{}
	p := newTestProcessor(t, Config{
		MaxBatchSize:     2,
		MaxInFlight:      1,
		MaxQueuedBatches: 1,
		EnqueueTimeout:   20 * time.Millisecond,
		ShutdownTimeout:  5 * time.Second,
	}, exp)
	p.SetObserver(obs)
	fillQueue(t, p, exp)

	release := time.AfterFunc(200*time.Millisecond, func() { close(exp.block) })
	defer release.Stop()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := p.Stats(); s.Exported != 7 || s.Dropped != 0 || s.Lost != 0 {
		t.Errorf("Stats = %+v, want all 7 exported", s)
	}
	if diff := cmp.Diff([]int{2, 2, 2, 1}, exp.batchSizes()); diff != "" {
		t.Errorf("batch sizes (-want +got):\n%s", diff)
	}
	if ev := obs.events(); len(ev) != 0 {
		t.Errorf("drop events = %v, want none", ev)
	}
}

func TestProcessor_ShutdownDeadlineCountsUnqueuedBatchAsLost(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	p := newTestProcessor(t, Config{
		MaxBatchSize:     2,
		MaxInFlight:      1,
		MaxQueuedBatches: 1,
		EnqueueTimeout:   time.Millisecond,
	}, exp)
	fillQueue(t, p, exp)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)

	var se *failure.ShutdownError
	if !errors.As(err, &se) {
		t.Fatalf("Shutdown error = %v, want *failure.ShutdownError", err)
	}
	if se.Lost != 7 {
		t.Errorf("Lost = %d, want 7", se.Lost)
	}

	close(exp.block)
	waitFor(t, func() bool { return exp.activeCount() == 0 }, "in-flight export did not finish")
	if s := p.Stats(); s.Dropped != 0 || s.Lost != 7 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcessor_FlushWaitsForQueueSpace(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	p := newTestProcessor(t, Config{
		MaxBatchSize:     2,
		MaxInFlight:      1,
		MaxQueuedBatches: 1,
		EnqueueTimeout:   20 * time.Millisecond,
	}, exp)
	fillQueue(t, p, exp)

	release := time.AfterFunc(100*time.Millisecond, func() { close(exp.block) })
	defer release.Stop()

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s := p.Stats(); s.Exported != 7 || s.Dropped != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcessor_FlushDeadlineDropsUnqueuedBatch(t *testing.T) {
	exp := &mockExporter{block: make(chan struct{})}
	p := newTestProcessor(t, Config{
		MaxBatchSize:     2,
		MaxInFlight:      1,
		MaxQueuedBatches: 1,
	}, exp)
	fillQueue(t, p, exp)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Flush(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush error = %v, want deadline exceeded", err)
	}
	if s := p.Stats(); s.Dropped != 1 || s.Buffered != 0 {
		t.Errorf("Stats = %+v, want the flushed record dropped", s)
	}

	close(exp.block)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := p.Stats(); s.Exported != 6 || s.Dropped != 1 {
		t.Errorf("Stats after shutdown = %+v", s)
	}
}

func TestProcessor_ConcurrentProducersAccountForEveryRecord(t *testing.T) {
	const (
		producers = 8
		perWorker = 250
	)
	var calls atomic.Int32
	exp := &mockExporter{result: func(b []logrecord.Record) export.Result {
		time.Sleep(time.Millisecond)
		switch n := calls.Add(1); {
		case n%5 == 0:
			return export.Result{Status: export.Failure, Err: failure.Transport("test", errors.New("unavailable"))}
		case n%3 == 0:
			return export.Result{
				Status:   export.Partial,
				Accepted: len(b) - 1,
				Rejected: []export.Rejection{{Index: 0, Reason: "bad row"}},
			}
		default:
			return export.Result{Status: export.Success, Accepted: len(b)}
		}
	}}
	p := newTestProcessor(t, Config{
		MaxBatchSize:     7,
		MaxInFlight:      2,
		MaxQueuedBatches: 1,
		EnqueueTimeout:   time.Millisecond,
		MaxBatchDelay:    2 * time.Millisecond,
	}, exp)

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := p.Enqueue(rec(w*perWorker + i))
				if err != nil && !errors.Is(err, ErrBackpressure) {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(w)
	}
	stopFlush := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for {
			select {
			case <-stopFlush:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			_ = p.Flush(ctx)
			cancel()
		}
	}()

	wg.Wait()
	close(stopFlush)
	<-flushDone
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s := p.Stats()
	if s.Enqueued != producers*perWorker {
		t.Errorf("Enqueued = %d, want %d", s.Enqueued, producers*perWorker)
	}
	if sum := s.Exported + s.Rejected + s.Failed + s.Dropped + s.Lost; sum != s.Enqueued {
		t.Errorf("accounted %d of %d records: %+v", sum, s.Enqueued, s)
	}
	if s.Buffered != 0 || s.Pending != 0 || s.InFlight != 0 {
		t.Errorf("records left behind after shutdown: %+v", s)
	}
}

func TestProcessor_InvalidConfig(t *testing.T) {
	_, err := NewProcessor(Config{MaxInFlight: -1}, &mockExporter{}, discardLogger())
	if !errors.Is(err, failure.ErrConfig) {
		t.Errorf("NewProcessor error = %v, want config error", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative batch size", func(c *Config) { c.MaxBatchSize = -1 }, false},
		{"negative byte limit", func(c *Config) { c.MaxBatchBytes = -1 }, false},
		{"sub-millisecond delay", func(c *Config) { c.MaxBatchDelay = time.Microsecond }, false},
		{"no queue", func(c *Config) { c.MaxQueuedBatches = -1 }, false},
		{"negative enqueue timeout", func(c *Config) { c.EnqueueTimeout = -time.Second }, false},
		{"negative shutdown timeout", func(c *Config) { c.ShutdownTimeout = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.ApplyDefaults()
			tt.modify(&c)
			err := c.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
