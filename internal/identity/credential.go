package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/plexsphere/telexport/internal/config"
)

// Credential is an access token scoped to one audience.
type Credential struct {
	Token     string
	ExpiresOn time.Time
	Audience  string
}

// ValidAt reports whether c may still be handed out at now, leaving at
// least margin before expiry.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresOn.Add(-margin))
}

// Source fetches a new token from an identity endpoint. Implementations
// perform network I/O on every call; Provider adds caching.
type Source interface {
	FetchToken(ctx context.Context, audience string) (Credential, error)
}

// NewSource returns the Source selected by the client's auth method.
// cfg must already be validated.
func NewSource(cfg config.ClientConfig, icfg Config, httpClient *http.Client) (Source, error) {
	icfg.ApplyDefaults()
	switch cfg.AuthMethod {
	case config.AuthManagedIdentity:
		return NewIMDSSource(icfg, Selector{}, httpClient), nil
	case config.AuthManagedIdentityClientID:
		return NewIMDSSource(icfg, Selector{ClientID: cfg.MSIClientID}, httpClient), nil
	case config.AuthManagedIdentityResourceID:
		return NewIMDSSource(icfg, Selector{ResourceID: cfg.MSIResourceID}, httpClient), nil
	case config.AuthWorkloadIdentity:
		return NewWorkloadSource(icfg, cfg.WorkloadTenantID, cfg.WorkloadClientID, cfg.WorkloadTokenFile, httpClient), nil
	default:
		return nil, fmt.Errorf("identity: unsupported auth method %q", cfg.AuthMethod)
	}
}
