package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/failure"
)

// Provider caches credentials per audience. Concurrent callers that miss
// the cache share a single in-flight fetch.
type Provider struct {
	source Source
	margin time.Duration
	clock  api.Clock
	logger *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]Credential
}

// NewProvider creates a Provider on top of source.
func NewProvider(source Source, cfg Config, logger *slog.Logger) *Provider {
	cfg.ApplyDefaults()
	return &Provider{
		source: source,
		margin: cfg.RefreshMargin,
		clock:  api.RealClock{},
		logger: logger.With("component", "identity"),
		cache:  make(map[string]Credential),
	}
}

// SetClock sets a custom clock for testing.
func (p *Provider) SetClock(c api.Clock) { p.clock = c }

// Token returns a credential for audience that stays valid for at least the
// refresh margin. A cached credential is returned without I/O.
func (p *Provider) Token(ctx context.Context, audience string) (Credential, error) {
	if cred, ok := p.cached(audience); ok {
		return cred, nil
	}

	ch := p.group.DoChan(audience, func() (any, error) {
		if cred, ok := p.cached(audience); ok {
			return cred, nil
		}
		// The fetch is shared by every waiter, so it must not inherit the
		// cancellation of whichever caller happened to start it.
		cred, err := p.source.FetchToken(context.WithoutCancel(ctx), audience)
		if err != nil {
			p.logger.Warn("token fetch failed", "audience", audience, "error", err)
			if failure.ClassOf(err) == failure.ClassUnknown {
				err = failure.Auth("identity: fetch token", err)
			}
			return nil, err
		}
		if !cred.ValidAt(p.clock.Now(), p.margin) {
			return nil, failure.Auth("identity: fetch token",
				fmt.Errorf("token for %s expires at %s, inside the refresh margin", audience, cred.ExpiresOn))
		}
		cred.Audience = audience

		p.mu.Lock()
		p.cache[audience] = cred
		p.mu.Unlock()

		p.logger.Debug("token refreshed", "audience", audience, "expires_on", cred.ExpiresOn)
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate drops the cached credential for audience if it is still stale.
// Callers pass the credential that was rejected so that concurrent
// invalidations after one refresh do not discard the fresh token.
func (p *Provider) Invalidate(audience string, stale Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cache[audience]; ok && cur.Token == stale.Token {
		delete(p.cache, audience)
	}
}

func (p *Provider) cached(audience string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred, ok := p.cache[audience]
	if !ok {
		return Credential{}, false
	}
	if !cred.ValidAt(p.clock.Now(), p.margin) {
		delete(p.cache, audience)
		return Credential{}, false
	}
	return cred, true
}
