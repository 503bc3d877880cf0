// Package upload delivers encoded blobs to the ingestion gateway, retrying
// by failure class.
package upload

import (
	"errors"
	"time"

	"github.com/plexsphere/telexport/internal/failure"
)

// Policy defaults.
const (
	DefaultMaxRetries        = 3
	DefaultMaxAuthRetries    = 1
	DefaultMaxRenegotiations = 1
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultMultiplier        = 2.0
)

// Policy bounds the retries of one upload.
type Policy struct {
	// MaxRetries is the transport retry ceiling. A send that fails with a
	// transport error every time is attempted MaxRetries+1 times.
	// Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// MaxAuthRetries is how many times a rejected credential is refreshed
	// and the send retried. Default: 1.
	MaxAuthRetries int `yaml:"max_auth_retries"`

	// MaxRenegotiations is how many times a stale or unknown session is
	// renegotiated and the send retried. Default: 1.
	MaxRenegotiations int `yaml:"max_renegotiations"`

	// BaseDelay is the delay before the first transport retry. Default: 500ms.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps every retry delay, including server-requested ones.
	// Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay between consecutive transport retries.
	// Default: 2.
	Multiplier float64 `yaml:"multiplier"`
}

// ApplyDefaults sets default values for zero-valued fields. A negative
// retry count disables retries of that class.
func (p *Policy) ApplyDefaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.MaxAuthRetries == 0 {
		p.MaxAuthRetries = DefaultMaxAuthRetries
	}
	if p.MaxRenegotiations == 0 {
		p.MaxRenegotiations = DefaultMaxRenegotiations
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = DefaultMultiplier
	}
}

// Validate checks that policy values are within acceptable ranges.
func (p *Policy) Validate() error {
	if p.MaxRetries > 100 {
		return errors.New("upload: policy: MaxRetries must be <= 100")
	}
	if p.BaseDelay <= 0 {
		return errors.New("upload: policy: BaseDelay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("upload: policy: MaxDelay must be >= BaseDelay")
	}
	if p.Multiplier < 1 {
		return errors.New("upload: policy: Multiplier must be >= 1")
	}
	return nil
}

// Action is what the transport does after a failed attempt.
type Action int

const (
	// Fail surfaces the error.
	Fail Action = iota
	// Retry resends after Decision.Delay.
	Retry
	// RefreshAuth drops the session and the credential, then resends.
	RefreshAuth
	// Renegotiate drops the session, then resends.
	Renegotiate
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case RefreshAuth:
		return "refresh_auth"
	case Renegotiate:
		return "renegotiate"
	default:
		return "fail"
	}
}

// Attempts counts the retries already spent on one upload, per class.
type Attempts struct {
	Transport      int
	Auth           int
	Renegotiations int
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decide maps a failed attempt to the next step. It is a pure function of
// its inputs.
func Decide(class failure.Class, n Attempts, p Policy, retryAfter time.Duration) Decision {
	switch class {
	case failure.ClassTransport:
		if n.Transport >= p.MaxRetries {
			return Decision{Action: Fail}
		}
		return Decision{Action: Retry, Delay: p.Delay(n.Transport, retryAfter)}
	case failure.ClassAuth:
		if n.Auth >= p.MaxAuthRetries {
			return Decision{Action: Fail}
		}
		return Decision{Action: RefreshAuth}
	case failure.ClassNegotiation:
		if n.Renegotiations >= p.MaxRenegotiations {
			return Decision{Action: Fail}
		}
		return Decision{Action: Renegotiate}
	default:
		return Decision{Action: Fail}
	}
}

// Delay returns the wait before transport retry number retry (zero based):
// BaseDelay * Multiplier^retry, raised to retryAfter when the server asked
// for longer, and capped at MaxDelay.
func (p Policy) Delay(retry int, retryAfter time.Duration) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < retry && d < float64(p.MaxDelay); i++ {
		d *= p.Multiplier
	}
	delay := time.Duration(d)
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
