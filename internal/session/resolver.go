package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/identity"
	"github.com/plexsphere/telexport/internal/telemetry"
)

// TokenProvider supplies identity credentials. *identity.Provider
// implements it.
type TokenProvider interface {
	Token(ctx context.Context, audience string) (identity.Credential, error)
	Invalidate(audience string, stale identity.Credential)
}

// ControlPlane is the config service call used to negotiate sessions.
// *api.Client implements it.
type ControlPlane interface {
	GetIngestionInfo(ctx context.Context, bearer string, req api.IngestionInfoRequest) (*api.IngestionInfoResponse, error)
}

// Resolver negotiates upload sessions and caches the current one.
// Concurrent callers that find no usable session share one negotiation.
type Resolver struct {
	client   config.ClientConfig
	audience string
	key      string
	tokens   TokenProvider
	plane    ControlPlane
	margin   time.Duration
	clock    api.Clock
	observer telemetry.Observer
	logger   *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	current *Session
}

// NewResolver creates a Resolver for client. The client config is
// defaulted and validated here, so configuration errors surface before any
// network call.
func NewResolver(client config.ClientConfig, cfg Config, tokens TokenProvider, plane ControlPlane, logger *slog.Logger) (*Resolver, error) {
	client.ApplyDefaults()
	if err := client.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, failure.Configf("%v", err)
	}
	return &Resolver{
		client:   client,
		audience: client.Audience(),
		key:      client.Account + "/" + client.Namespace,
		tokens:   tokens,
		plane:    plane,
		margin:   cfg.RefreshMargin,
		clock:    api.RealClock{},
		observer: telemetry.Nop{},
		logger:   logger.With("component", "session", "account", client.Account, "namespace", client.Namespace),
	}, nil
}

// SetClock sets a custom clock for testing.
func (r *Resolver) SetClock(c api.Clock) { r.clock = c }

// SetObserver sets the observer notified of negotiations and auth failures.
func (r *Resolver) SetObserver(o telemetry.Observer) { r.observer = telemetry.OrNop(o) }

// Resolve returns a session that stays valid for at least the refresh
// margin, negotiating a new one when the cached session is missing or
// stale.
func (r *Resolver) Resolve(ctx context.Context) (*Session, error) {
	if s := r.cached(); s != nil {
		return s, nil
	}

	ch := r.group.DoChan(r.key, func() (any, error) {
		if s := r.cached(); s != nil {
			return s, nil
		}
		s, err := r.negotiate(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.current = s
		r.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// Invalidate drops the cached session if it is still stale, so that a
// rejection observed by several uploads triggers one renegotiation. With
// refreshCredential set the identity credential used for stale is dropped
// as well.
func (r *Resolver) Invalidate(stale *Session, refreshCredential bool) {
	if stale == nil {
		return
	}
	r.mu.Lock()
	if r.current == stale {
		r.current = nil
	}
	r.mu.Unlock()

	if refreshCredential {
		r.tokens.Invalidate(r.audience, stale.credential)
	}
	r.logger.Debug("session invalidated", "refresh_credential", refreshCredential)
}

func (r *Resolver) cached() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.Stale(r.clock.Now(), r.margin) {
		return nil
	}
	return r.current
}

// negotiate runs one negotiation. A control-plane 401 or 403 forces a
// credential refresh and is retried once.
func (r *Resolver) negotiate(ctx context.Context) (*Session, error) {
	start := r.clock.Now()

	s, cred, err := r.negotiateOnce(ctx)
	if isRejectedCredential(err) {
		r.observer.AuthFailure(err)
		r.logger.Warn("config service rejected credential, refreshing", "error", err)
		r.tokens.Invalidate(r.audience, cred)
		s, _, err = r.negotiateOnce(ctx)
		if isRejectedCredential(err) {
			r.observer.AuthFailure(err)
		}
	}

	latency := r.clock.Now().Sub(start)
	r.observer.SessionNegotiated(latency, err)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session negotiated",
		"gateway", s.IngestionEndpoint,
		"moniker", s.Moniker,
		"expires_at", s.ExpiresAt,
		"latency", latency,
	)
	return s, nil
}

func (r *Resolver) negotiateOnce(ctx context.Context) (*Session, identity.Credential, error) {
	const op = "session: negotiate"

	cred, err := r.tokens.Token(ctx, r.audience)
	if err != nil {
		return nil, identity.Credential{}, err
	}

	resp, err := r.plane.GetIngestionInfo(ctx, cred.Token, api.IngestionInfoRequest{
		Endpoint:           r.client.Endpoint,
		Environment:        r.client.Environment,
		Account:            r.client.Account,
		Namespace:          r.client.Namespace,
		Region:             r.client.Region,
		ConfigMajorVersion: r.client.ConfigMajorVersion,
		Identity:           r.client.Identity(),
	})
	if err != nil {
		err = api.Wrap(op, err)
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Class == failure.ClassPermanent {
			// The config service refused the account coordinates.
			fe.Class = failure.ClassNegotiation
		}
		return nil, cred, err
	}

	s, err := sessionFromResponse(resp, cred, r.clock.Now(), r.margin)
	if err != nil {
		return nil, cred, failure.Negotiation(op, err)
	}
	return s, cred, nil
}

// isRejectedCredential reports whether err is an HTTP 401/403 from the
// config service, as opposed to a failure to obtain a credential.
func isRejectedCredential(err error) bool {
	var fe *failure.Error
	return errors.As(err, &fe) && fe.Class == failure.ClassAuth && fe.StatusCode != 0
}
