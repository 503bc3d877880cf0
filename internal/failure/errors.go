// Package failure defines the error taxonomy shared by the export pipeline.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Class is the failure classification of an error.
type Class int

const (
	// ClassUnknown is returned by ClassOf for errors outside the taxonomy.
	ClassUnknown Class = iota
	// ClassConfig is invalid or missing configuration. Never retried.
	ClassConfig
	// ClassAuth is an identity acquisition or authorization failure.
	ClassAuth
	// ClassNegotiation is a control-plane rejection or a stale upload session.
	ClassNegotiation
	// ClassTransport is a network failure, timeout, throttle, or 5xx.
	ClassTransport
	// ClassSerialization is a record that cannot be encoded.
	ClassSerialization
	// ClassShutdown is a drain that did not finish in time.
	ClassShutdown
	// ClassPermanent is a request the service rejected for good.
	ClassPermanent
)

// String returns the class name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassAuth:
		return "auth"
	case ClassNegotiation:
		return "negotiation"
	case ClassTransport:
		return "transport"
	case ClassSerialization:
		return "serialization"
	case ClassShutdown:
		return "shutdown"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error.
// It supports errors.Is matching against the class sentinels below.
type Error struct {
	Class      Class
	Op         string
	StatusCode int           // HTTP status, when the failure came from a response
	RetryAfter time.Duration // server-provided delay, if any
	Err        error
}

// Error returns the formatted error string.
func (e *Error) Error() string {
	msg := e.Class.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Class == e.Class
}

// Sentinels for errors.Is matching by class.
var (
	ErrConfig        = &Error{Class: ClassConfig}
	ErrAuth          = &Error{Class: ClassAuth}
	ErrNegotiation   = &Error{Class: ClassNegotiation}
	ErrTransport     = &Error{Class: ClassTransport}
	ErrSerialization = &Error{Class: ClassSerialization}
	ErrShutdown      = &Error{Class: ClassShutdown}
	ErrPermanent     = &Error{Class: ClassPermanent}
)

// New returns a classified error wrapping err.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Configf returns a ClassConfig error with a formatted message.
func Configf(format string, args ...any) error {
	return &Error{Class: ClassConfig, Err: fmt.Errorf(format, args...)}
}

// Auth wraps err as a ClassAuth error.
func Auth(op string, err error) error { return New(ClassAuth, op, err) }

// Negotiation wraps err as a ClassNegotiation error.
func Negotiation(op string, err error) error { return New(ClassNegotiation, op, err) }

// Transport wraps err as a ClassTransport error.
func Transport(op string, err error) error { return New(ClassTransport, op, err) }

// Serialization wraps err as a ClassSerialization error.
func Serialization(op string, err error) error { return New(ClassSerialization, op, err) }

// Permanent wraps err as a ClassPermanent error.
func Permanent(op string, err error) error { return New(ClassPermanent, op, err) }

// ClassOf returns the class of the outermost *Error in err's chain.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	var se *ShutdownError
	if errors.As(err, &se) {
		return ClassShutdown
	}
	return ClassUnknown
}

// RetryAfterOf returns the server-provided retry delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ShutdownError reports a drain that did not complete before its deadline.
// Lost counts records that were accepted by Enqueue but neither delivered
// nor otherwise reported when shutdown returned.
type ShutdownError struct {
	Lost int
	Err  error
}

// Error returns the formatted error string.
func (e *ShutdownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shutdown: drain incomplete, %d records lost: %v", e.Lost, e.Err)
	}
	return fmt.Sprintf("shutdown: drain incomplete, %d records lost", e.Lost)
}

// Unwrap returns the underlying cause.
func (e *ShutdownError) Unwrap() error { return e.Err }

// Is matches ErrShutdown.
func (e *ShutdownError) Is(target error) bool { return target == ErrShutdown }
