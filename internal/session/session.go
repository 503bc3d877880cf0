// Package session negotiates and caches upload sessions with the Geneva
// config service. A session names the ingestion gateway, the moniker to
// upload to, and a short-lived token authorizing the upload.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/identity"
)

// DefaultRefreshMargin is how long before expiry a session is renegotiated.
const DefaultRefreshMargin = 5 * time.Minute

// Config holds the session resolver settings.
type Config struct {
	// RefreshMargin is how long before ExpiresAt a session stops being
	// handed out. Default: 5m.
	RefreshMargin time.Duration `yaml:"refresh_margin"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.RefreshMargin == 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.RefreshMargin < 0 {
		return errors.New("session: config: RefreshMargin must not be negative")
	}
	return nil
}

// Session is a negotiated upload session. Sessions are immutable once
// returned by the Resolver.
type Session struct {
	IngestionEndpoint string
	AuthToken         string
	ExpiresAt         time.Time
	Moniker           string
	AccountGroup      string
	TagID             string
	NegotiatedAt      time.Time

	// credential is the identity token used to negotiate this session.
	credential identity.Credential
}

// Stale reports whether s must be renegotiated at now.
func (s *Session) Stale(now time.Time, margin time.Duration) bool {
	return s == nil || s.AuthToken == "" || !now.Before(s.ExpiresAt.Add(-margin))
}

// sessionFromResponse validates a config service response and builds a
// Session from it. The session must outlive margin.
func sessionFromResponse(resp *api.IngestionInfoResponse, cred identity.Credential, now time.Time, margin time.Duration) (*Session, error) {
	gw := resp.IngestionGatewayInfo
	if gw.Endpoint == "" {
		return nil, errors.New("response has no ingestion gateway endpoint")
	}
	u, err := url.Parse(gw.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ingestion gateway endpoint %q", gw.Endpoint)
	}
	if gw.AuthToken == "" {
		return nil, errors.New("response has no ingestion auth token")
	}
	moniker, ok := resp.PrimaryMoniker()
	if !ok || moniker.AccountMonikerName == "" {
		return nil, errors.New("response lists no storage moniker")
	}

	expires, err := tokenExpiry(gw.AuthTokenExpiryTime, gw.AuthToken)
	if err != nil {
		return nil, err
	}
	if !expires.After(now) {
		return nil, fmt.Errorf("ingestion auth token already expired at %s", expires.Format(time.RFC3339))
	}
	if !expires.After(now.Add(margin)) {
		return nil, fmt.Errorf("ingestion auth token expires at %s, inside the refresh margin %s",
			expires.Format(time.RFC3339), margin)
	}

	return &Session{
		IngestionEndpoint: strings.TrimRight(gw.Endpoint, "/"),
		AuthToken:         gw.AuthToken,
		ExpiresAt:         expires,
		Moniker:           moniker.AccountMonikerName,
		AccountGroup:      moniker.AccountGroupName,
		TagID:             resp.TagID,
		NegotiatedAt:      now,
		credential:        cred,
	}, nil
}

// expiryLayouts are the timestamp formats seen in AuthTokenExpiryTime.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05Z07:00",
}

// tokenExpiry returns the session token expiry from the explicit expiry
// field, or from the token's JWT exp claim when the field is absent.
func tokenExpiry(explicit, token string) (time.Time, error) {
	if explicit != "" {
		for _, layout := range expiryLayouts {
			if t, err := time.Parse(layout, explicit); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable AuthTokenExpiryTime %q", explicit)
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("no AuthTokenExpiryTime and token is not a JWT: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("no AuthTokenExpiryTime and token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
