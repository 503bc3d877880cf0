package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/plexsphere/telexport/internal/export"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/logrecord"
	"github.com/plexsphere/telexport/internal/telemetry"
)

var (
	// ErrClosed is returned by operations on a processor that has been shut down.
	ErrClosed = errors.New("batch: processor is shut down")

	// ErrBackpressure is returned when a cut batch could not be queued within
	// the enqueue timeout and was dropped.
	ErrBackpressure = errors.New("batch: export queue full, batch dropped")
)

// Exporter exports one batch. *export.Exporter implements it.
type Exporter interface {
	Export(ctx context.Context, batch []logrecord.Record) export.Result
}

// State is the coarse state of a Processor.
type State int

const (
	// Idle means no cut batch is waiting or exporting.
	Idle State = iota
	// Ready means at least one cut batch waits for an export slot.
	Ready
	// Flushing means at least one batch is being exported.
	Flushing
	// Closed means the processor is shut down and has no outstanding batches.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Flushing:
		return "flushing"
	default:
		return "closed"
	}
}

// Stats is a snapshot of processor counters. Every enqueued record ends up
// in exactly one of Exported, Rejected, Failed, Dropped or Lost, or is
// still Buffered or part of a Pending batch.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Exported uint64 `json:"exported"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Lost     uint64 `json:"lost"`

	Buffered int `json:"buffered"`  // records not yet cut into a batch
	Pending  int `json:"pending"`   // batches cut and not yet finished
	InFlight int `json:"in_flight"` // batches being exported
}

// job is one cut batch. done is closed exactly once, by finishLocked.
type job struct {
	records  []logrecord.Record
	done     chan struct{}
	err      error
	started  bool
	finished bool
}

// Processor buffers records and exports them in batches. A batch is cut when
// it reaches MaxBatchSize records or MaxBatchBytes, when its first record is
// MaxBatchDelay old, or on Flush and Shutdown. Cut batches are queued FIFO
// and exported by at most MaxInFlight goroutines.
//
// Enqueue never performs network I/O. A producer that cuts a batch while the
// queue is full waits at most EnqueueTimeout before the batch is dropped.
// Flush and Shutdown wait for queue space until their context ends.
type Processor struct {
	cfg      Config
	exporter Exporter
	sem      *semaphore.Weighted
	observer telemetry.Observer
	logger   *slog.Logger

	queue         chan *job
	stop          chan struct{}
	dispatched    chan struct{}
	exportCtx     context.Context
	cancelExports context.CancelFunc
	wg            sync.WaitGroup

	mu       sync.Mutex
	buf      []logrecord.Record
	bufBytes int
	gen      uint64 // incremented on every cut; invalidates armed timers
	timer    *time.Timer
	pending  []*job
	running  int
	closed   bool
	stats    Stats
}

// NewProcessor creates a Processor and starts its dispatcher. Config
// defaults are applied automatically. Shutdown must be called to release
// its goroutines.
func NewProcessor(cfg Config, exporter Exporter, logger *slog.Logger) (*Processor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:           cfg,
		exporter:      exporter,
		sem:           semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		observer:      telemetry.Nop{},
		logger:        logger.With("component", "batch"),
		queue:         make(chan *job, cfg.MaxQueuedBatches),
		stop:          make(chan struct{}),
		dispatched:    make(chan struct{}),
		exportCtx:     ctx,
		cancelExports: cancel,
	}
	go p.dispatch()
	return p, nil
}

// SetObserver sets the observer notified of dropped and lost records.
// Must be called before the first Enqueue.
func (p *Processor) SetObserver(o telemetry.Observer) { p.observer = telemetry.OrNop(o) }

// Enqueue adds rec to the current batch. It returns ErrClosed after
// Shutdown, and ErrBackpressure when the batch rec completed was dropped
// because the export queue stayed full.
func (p *Processor) Enqueue(rec logrecord.Record) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.buf = append(p.buf, rec)
	p.bufBytes += rec.Size()
	p.stats.Enqueued++
	if len(p.buf) == 1 {
		p.armTimerLocked()
	}
	var j *job
	if len(p.buf) >= p.cfg.MaxBatchSize || p.bufBytes >= p.cfg.MaxBatchBytes {
		j = p.cutLocked()
	}
	p.mu.Unlock()

	if j == nil {
		return nil
	}
	return p.submit(context.Background(), j)
}

// Flush cuts the current buffer and waits until every batch cut before the
// call has finished exporting. It returns the joined export errors, or the
// context error when ctx ends first.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	j := p.cutLocked()
	waits := slices.Clone(p.pending)
	p.mu.Unlock()

	if j != nil {
		if err := p.queueJob(ctx, j, 0); err != nil && !errors.Is(err, ErrClosed) {
			// Reported as ErrBackpressure through the job.
			p.drop(j)
		}
	}
	errs, err := await(ctx, waits)
	if err != nil {
		errs = append(errs, fmt.Errorf("batch: flush: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown stops accepting records, exports the remainder and waits for
// outstanding batches until ctx ends or ShutdownTimeout elapses. On timeout
// in-flight exports are left to finish without further retries and the
// records of every unfinished batch are reported in a *failure.ShutdownError.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	j := p.cutLocked()
	waits := slices.Clone(p.pending)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	if j != nil {
		// A batch still unqueued at the deadline is counted by abandon.
		_ = p.queueJob(ctx, j, 0)
	}
	errs, err := await(ctx, waits)
	if err == nil {
		close(p.stop)
		<-p.dispatched
		p.wg.Wait()
		p.cancelExports()
		p.logger.Info("batch processor drained", "batches", len(waits))
		return errors.Join(errs...)
	}

	lost := p.abandon()
	close(p.stop)
	<-p.dispatched
	p.logger.Warn("shutdown deadline exceeded", "lost", lost)
	return &failure.ShutdownError{Lost: lost, Err: errors.Join(append(errs, err)...)}
}

// State returns the current processor state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.running > 0:
		return Flushing
	case len(p.pending) > 0:
		return Ready
	case p.closed:
		return Closed
	default:
		return Idle
	}
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Buffered = len(p.buf)
	s.Pending = len(p.pending)
	s.InFlight = p.running
	return s
}

// armTimerLocked starts the age trigger for the batch being accumulated.
// Must be called with p.mu held.
func (p *Processor) armTimerLocked() {
	gen := p.gen
	p.timer = time.AfterFunc(p.cfg.MaxBatchDelay, func() { p.expire(gen) })
}

// expire cuts the batch generation gen if it is still being accumulated.
func (p *Processor) expire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	j := p.cutLocked()
	p.mu.Unlock()
	if j == nil {
		return
	}
	if err := p.submit(context.Background(), j); err != nil {
		p.logger.Debug("timed batch not queued", "error", err)
	}
}

// cutLocked turns the buffer into a pending job, or returns nil when the
// buffer is empty. Must be called with p.mu held.
func (p *Processor) cutLocked() *job {
	if len(p.buf) == 0 {
		return nil
	}
	j := &job{records: p.buf, done: make(chan struct{})}
	p.buf = nil
	p.bufBytes = 0
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = append(p.pending, j)
	return j
}

// submit hands j to the dispatcher, waiting at most EnqueueTimeout for
// queue space. A batch that cannot be queued is dropped and counted.
func (p *Processor) submit(ctx context.Context, j *job) error {
	err := p.queueJob(ctx, j, p.cfg.EnqueueTimeout)
	if err == nil || errors.Is(err, ErrClosed) {
		return err
	}
	p.drop(j)
	return ErrBackpressure
}

// queueJob waits for queue space for j. A zero timeout waits until ctx
// ends. It returns ErrClosed once Shutdown has accounted for j, and
// ErrBackpressure or the context error when no space was found.
func (p *Processor) queueJob(ctx context.Context, j *job, timeout time.Duration) error {
	select {
	case p.queue <- j:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case p.queue <- j:
		return nil
	case <-p.stop:
		return ErrClosed
	case <-expired:
		return ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) drop(j *job) {
	n := len(j.records)
	p.mu.Lock()
	if !p.finishLocked(j, ErrBackpressure) {
		p.mu.Unlock()
		return
	}
	p.stats.Dropped += uint64(n)
	p.mu.Unlock()

	p.observer.RecordsDropped(n, telemetry.DropBackpressure)
	p.logger.Warn("export queue full, batch dropped", "records", n)
}

// dispatch starts queued jobs in FIFO order as export slots free up.
func (p *Processor) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case <-p.stop:
			return
		case j := <-p.queue:
			if err := p.sem.Acquire(p.exportCtx, 1); err != nil {
				return
			}
			if !p.start(j) {
				p.sem.Release(1)
				continue
			}
			p.wg.Add(1)
			go p.run(j)
		}
	}
}

func (p *Processor) start(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j.finished {
		return false
	}
	j.started = true
	p.running++
	return true
}

func (p *Processor) run(j *job) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	p.complete(j, p.export(j.records))
}

// export calls the exporter with panic recovery.
func (p *Processor) export(records []logrecord.Record) (res export.Result) {
	defer func() {
		if v := recover(); v != nil {
			res = export.Result{
				Status: export.Failure,
				Err:    fmt.Errorf("batch: exporter panicked: %v\n%s", v, debug.Stack()),
			}
		}
	}()
	return p.exporter.Export(p.exportCtx, records)
}

func (p *Processor) complete(j *job, res export.Result) {
	n := len(j.records)
	var err error
	if res.Status == export.Failure {
		err = res.Err
		if err == nil {
			err = errors.New("batch: export failed")
		}
		p.logger.Warn("batch export failed", "records", n, "class", failure.ClassOf(err).String(), "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finishLocked(j, err) {
		return
	}
	p.stats.Rejected += uint64(len(res.Rejected))
	if res.Status == export.Failure {
		p.stats.Failed += uint64(n - len(res.Rejected))
	} else {
		p.stats.Exported += uint64(res.Accepted)
	}
}

// abandon finishes every pending job as lost and stops further retries of
// in-flight exports. It returns the number of lost records.
func (p *Processor) abandon() int {
	p.cancelExports()

	p.mu.Lock()
	lost := 0
	for _, j := range slices.Clone(p.pending) {
		lost += len(j.records)
		p.finishLocked(j, failure.ErrShutdown)
	}
	p.stats.Lost += uint64(lost)
	p.mu.Unlock()

	if lost > 0 {
		p.observer.RecordsDropped(lost, telemetry.DropShutdown)
	}
	return lost
}

// finishLocked marks j finished with err and wakes its waiters. It reports
// false if j was already finished. Must be called with p.mu held.
func (p *Processor) finishLocked(j *job, err error) bool {
	if j.finished {
		return false
	}
	j.finished = true
	j.err = err
	if j.started {
		p.running--
	}
	if i := slices.Index(p.pending, j); i >= 0 {
		p.pending = slices.Delete(p.pending, i, i+1)
	}
	close(j.done)
	return true
}

// await waits for jobs to finish and collects their errors. The second
// result is ctx.Err() when ctx ends first.
func await(ctx context.Context, jobs []*job) ([]error, error) {
	var errs []error
	for _, j := range jobs {
		select {
		case <-j.done:
			if j.err != nil {
				errs = append(errs, j.err)
			}
		case <-ctx.Done():
			return errs, ctx.Err()
		}
	}
	return errs, nil
}
