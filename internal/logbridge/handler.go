// Package logbridge feeds log/slog records into the export pipeline.
package logbridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/plexsphere/telexport/internal/logrecord"
	"github.com/plexsphere/telexport/internal/wire"
)

// Attribute keys with special meaning. They are honored at the top level
// only, on the record or on the handler.
const (
	// EventNameKey sets the record name.
	EventNameKey = "event_name"
	// TargetKey sets the record target.
	TargetKey = "target"
	// BodyKey is the field that carries the slog message.
	BodyKey = "body"
	// CollisionPrefix is prepended to attribute keys that would clash with
	// a fixed column or with BodyKey.
	CollisionPrefix = "attr."
)

// DefaultEventName is the record name used when no event_name attribute is set.
const DefaultEventName = "Log"

// Enqueuer accepts records for export. *batch.Processor implements it.
type Enqueuer interface {
	Enqueue(rec logrecord.Record) error
}

// Options configures a Handler.
type Options struct {
	// Level is the minimum level forwarded. Default: slog.LevelInfo.
	Level slog.Leveler
}

// Handler is a slog.Handler that converts every record into a
// logrecord.Record and enqueues it. Enqueue failures are counted and never
// returned to the logging caller.
type Handler struct {
	sink   Enqueuer
	level  slog.Leveler
	name   string
	target string
	prefix string // dotted group path for attributes
	attrs  []slog.Attr
	failed *atomic.Uint64
}

// NewHandler creates a Handler that enqueues into sink.
func NewHandler(sink Enqueuer, opts *Options) *Handler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &Handler{
		sink:   sink,
		level:  level,
		name:   DefaultEventName,
		failed: new(atomic.Uint64),
	}
}

// Failed returns the number of records that could not be enqueued, across
// this handler and every handler derived from it.
func (h *Handler) Failed() uint64 { return h.failed.Load() }

// Enabled reports whether level is forwarded.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle converts r and enqueues it. It always returns nil.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	rec := logrecord.Record{
		Name:      h.name,
		Target:    h.target,
		Severity:  Severity(r.Level),
		Timestamp: r.Time,
		Fields:    make(map[string]logrecord.Value, len(h.attrs)+r.NumAttrs()+1),
	}
	if r.Message != "" {
		rec.Fields[BodyKey] = logrecord.StringValue(r.Message)
	}
	for _, a := range h.attrs {
		addField(rec.Fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && special(&rec.Name, &rec.Target, a) {
			return true
		}
		addField(rec.Fields, h.prefix, a)
		return true
	})

	if err := h.sink.Enqueue(rec); err != nil {
		h.failed.Add(1)
	}
	return nil
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := h.clone()
	for _, a := range attrs {
		if h.prefix == "" && special(&h2.name, &h2.target, a) {
			continue
		}
		a.Key = h.prefix + a.Key
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}

// WithGroup returns a handler that qualifies later attributes with name.
// The first group also becomes the record target unless one is set.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.prefix = h.prefix + name + "."
	if h2.target == "" {
		h2.target = name
	}
	return h2
}

func (h *Handler) clone() *Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	return &h2
}

// special applies the event_name and target attributes and reports whether
// a was consumed.
func special(name, target *string, a slog.Attr) bool {
	switch a.Key {
	case EventNameKey:
		if s := a.Value.Resolve().String(); s != "" {
			*name = s
		}
		return true
	case TargetKey:
		*target = a.Value.Resolve().String()
		return true
	}
	return false
}

// Severity maps a slog level onto the severity number scale: Debug, Info,
// Warn and Error land on the first number of their ranges.
func Severity(l slog.Level) logrecord.Severity {
	n := int(l) + int(logrecord.SeverityInfo)
	switch {
	case n < int(logrecord.SeverityTrace):
		return logrecord.SeverityTrace
	case n > 24:
		return 24
	default:
		return logrecord.Severity(n)
	}
}

// addField flattens a into fields under prefix.
func addField(fields map[string]logrecord.Value, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	if v.Kind() == slog.KindGroup {
		group := v.Group()
		if len(group) == 0 {
			return
		}
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range group {
			addField(fields, p, ga)
		}
		return
	}
	key := prefix + a.Key
	if key == BodyKey || wire.ReservedColumn(key) {
		key = CollisionPrefix + key
	}
	fields[key] = convert(v)
}

// convert maps a resolved slog value onto the typed value set.
func convert(v slog.Value) logrecord.Value {
	switch v.Kind() {
	case slog.KindString:
		return logrecord.StringValue(v.String())
	case slog.KindInt64:
		return logrecord.IntValue(v.Int64())
	case slog.KindUint64:
		u := v.Uint64()
		if u > math.MaxInt64 {
			return logrecord.StringValue(fmt.Sprint(u))
		}
		return logrecord.IntValue(int64(u))
	case slog.KindFloat64:
		return logrecord.FloatValue(v.Float64())
	case slog.KindBool:
		return logrecord.BoolValue(v.Bool())
	case slog.KindDuration:
		return logrecord.StringValue(v.Duration().String())
	case slog.KindTime:
		return logrecord.StringValue(v.Time().UTC().Format(time.RFC3339Nano))
	default:
		switch x := v.Any().(type) {
		case error:
			return logrecord.StringValue(x.Error())
		case fmt.Stringer:
			return logrecord.StringValue(x.String())
		case []byte:
			return logrecord.StringValue(strings.ToValidUTF8(string(x), "\uFFFD"))
		default:
			return logrecord.StringValue(fmt.Sprint(x))
		}
	}
}
