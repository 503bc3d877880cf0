// Package export turns a batch of log records into one compressed blob,
// uploads it, and reports per-record outcomes.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/logrecord"
	"github.com/plexsphere/telexport/internal/telemetry"
	"github.com/plexsphere/telexport/internal/upload"
	"github.com/plexsphere/telexport/internal/wire"
)

// eventTable is the event name under which blobs are uploaded. Rows carry
// their own record names.
const eventTable = "Log"

// Status is the outcome of one export.
type Status int

const (
	// Success means every record was accepted.
	Success Status = iota
	// Partial means some records were rejected and the rest accepted.
	Partial
	// Failure means the batch was not delivered.
	Failure
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Partial:
		return "partial"
	default:
		return "failure"
	}
}

// Rejection is a record that was not accepted. Index is its position in
// the exported batch.
type Rejection struct {
	Index  int
	Reason string
}

// Result reports one export. On Success and Partial,
// Accepted + len(Rejected) == batch length. On Failure Accepted is zero,
// Err carries the failure class, and Rejected lists the records that were
// rejected before upload.
type Result struct {
	Status   Status
	Accepted int
	Rejected []Rejection
	Err      error
}

// Sender uploads a payload. *upload.Transport implements it.
type Sender interface {
	Send(ctx context.Context, p upload.Payload) (*api.IngestResponse, error)
}

// Exporter serializes and uploads batches. It holds no per-batch state and
// is safe for concurrent use.
type Exporter struct {
	meta     wire.Metadata
	sender   Sender
	clock    api.Clock
	observer telemetry.Observer
	logger   *slog.Logger
}

// NewExporter creates an Exporter that stamps every blob with the
// client's namespace, tenant and role metadata.
func NewExporter(client config.ClientConfig, sender Sender, logger *slog.Logger) *Exporter {
	return &Exporter{
		meta: wire.Metadata{
			Namespace:    client.Namespace,
			Tenant:       client.Tenant,
			Role:         client.RoleName,
			RoleInstance: client.RoleInstance,
		},
		sender:   sender,
		clock:    api.RealClock{},
		observer: telemetry.Nop{},
		logger:   logger.With("component", "export"),
	}
}

// SetClock sets a custom clock for testing.
func (e *Exporter) SetClock(c api.Clock) { e.clock = c }

// SetObserver sets the observer notified of every export.
func (e *Exporter) SetObserver(o telemetry.Observer) { e.observer = telemetry.OrNop(o) }

// Export encodes batch in order and uploads it. Records that cannot be
// encoded are rejected individually; the rest are sent. An empty batch is
// a Success without network I/O.
func (e *Exporter) Export(ctx context.Context, batch []logrecord.Record) Result {
	if len(batch) == 0 {
		return Result{Status: Success}
	}
	start := e.clock.Now()
	res := e.export(ctx, batch)
	e.observer.BatchExported(len(batch), len(res.Rejected), e.clock.Now().Sub(start), res.Err)
	return res
}

func (e *Exporter) export(ctx context.Context, batch []logrecord.Record) Result {
	now := e.clock.Now()
	blob := wire.NewBlob(e.meta)
	rowIndex := make([]int, 0, len(batch)) // blob row -> batch index
	var rejected []Rejection

	for i, rec := range batch {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		row, err := wire.EncodeRow(rec)
		if err != nil {
			e.logger.Debug("record rejected", "index", i, "name", rec.Name, "error", err)
			rejected = append(rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		blob.Add(row)
		rowIndex = append(rowIndex, i)
	}
	if blob.Len() == 0 {
		return Result{Status: Partial, Rejected: rejected}
	}

	raw := blob.Bytes()
	compressed, err := wire.Compress(raw)
	if err != nil {
		return Result{Status: Failure, Rejected: rejected, Err: failure.Serialization("export: compress", err)}
	}

	first, last := blob.TimeRange()
	resp, err := e.sender.Send(ctx, upload.Payload{
		Body:             compressed,
		UncompressedSize: len(raw),
		Event:            eventTable,
		StartTime:        first,
		EndTime:          last,
		MinLevel:         int(blob.MinLevel()),
		SchemaIDs:        blob.SchemaIDs(),
		Rows:             blob.Len(),
	})
	if err != nil {
		return Result{Status: Failure, Rejected: rejected, Err: err}
	}

	rejected = append(rejected, e.serverRejections(resp, rowIndex)...)
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].Index < rejected[j].Index })

	res := Result{Status: Success, Accepted: len(batch) - len(rejected), Rejected: rejected}
	if len(rejected) > 0 {
		res.Status = Partial
	}
	return res
}

// serverRejections maps per-row rejections reported by the gateway back to
// batch indices. Out-of-range and duplicate indices are ignored.
func (e *Exporter) serverRejections(resp *api.IngestResponse, rowIndex []int) []Rejection {
	if resp == nil || len(resp.Rejected) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(resp.Rejected))
	out := make([]Rejection, 0, len(resp.Rejected))
	for _, r := range resp.Rejected {
		if r.Index < 0 || r.Index >= len(rowIndex) {
			e.logger.Warn("ignoring rejection with out-of-range row index", "index", r.Index, "rows", len(rowIndex))
			continue
		}
		if seen[r.Index] {
			continue
		}
		seen[r.Index] = true
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("rejected by ingestion service (ticket %s)", resp.Ticket)
		}
		out = append(out, Rejection{Index: rowIndex[r.Index], Reason: reason})
	}
	return out
}
