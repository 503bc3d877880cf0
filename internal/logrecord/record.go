package logrecord

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxStringLength is the largest string value, name, or target accepted for
// encoding.
const MaxStringLength = 64 * 1024

// MaxFields is the largest number of fields a record may carry.
const MaxFields = 256

// Severity is an OpenTelemetry severity number (1..24).
type Severity uint8

// Base severities. Each range spans four numbers (e.g. Info..Info4).
const (
	SeverityUnspecified Severity = 0
	SeverityTrace       Severity = 1
	SeverityDebug       Severity = 5
	SeverityInfo        Severity = 9
	SeverityWarn        Severity = 13
	SeverityError       Severity = 17
	SeverityFatal       Severity = 21
)

// String returns the short severity text.
func (s Severity) String() string {
	switch {
	case s == SeverityUnspecified:
		return "UNSPECIFIED"
	case s < SeverityDebug:
		return "TRACE"
	case s < SeverityInfo:
		return "DEBUG"
	case s < SeverityWarn:
		return "INFO"
	case s < SeverityError:
		return "WARN"
	case s < SeverityFatal:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// ParseSeverity parses a severity text such as "info" or "WARN".
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return SeverityTrace, nil
	case "debug":
		return SeverityDebug, nil
	case "info", "information", "":
		return SeverityInfo, nil
	case "warn", "warning":
		return SeverityWarn, nil
	case "error":
		return SeverityError, nil
	case "fatal", "critical":
		return SeverityFatal, nil
	default:
		return SeverityUnspecified, fmt.Errorf("logrecord: unknown severity %q", s)
	}
}

// Record is an immutable structured log event. Producers must not modify a
// Record, or the Fields map it references, after handing it to the pipeline.
type Record struct {
	Name      string
	Target    string
	Severity  Severity
	Timestamp time.Time
	Fields    map[string]Value
}

// SortedKeys returns the field names in ascending order.
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size approximates the encoded size of r in bytes.
func (r Record) Size() int {
	n := 32 + len(r.Name) + len(r.Target)
	for k, v := range r.Fields {
		n += len(k) + v.size()
	}
	return n
}

// Validate reports why r cannot be encoded, or nil.
func (r Record) Validate() error {
	if r.Name == "" {
		return errors.New("logrecord: empty event name")
	}
	if err := checkString("event name", r.Name); err != nil {
		return err
	}
	if err := checkString("target", r.Target); err != nil {
		return err
	}
	if len(r.Fields) > MaxFields {
		return fmt.Errorf("logrecord: %d fields exceeds limit of %d", len(r.Fields), MaxFields)
	}
	for k, v := range r.Fields {
		if k == "" {
			return errors.New("logrecord: empty field name")
		}
		if err := checkString("field name", k); err != nil {
			return err
		}
		switch v.Kind() {
		case KindString:
			if err := checkString("field "+k, v.Str()); err != nil {
				return err
			}
		case KindInt, KindFloat, KindBool:
		default:
			return fmt.Errorf("logrecord: field %q has no value", k)
		}
	}
	return nil
}

func checkString(what, s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("logrecord: %s exceeds %d bytes", what, MaxStringLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("logrecord: %s is not valid UTF-8", what)
	}
	return nil
}
