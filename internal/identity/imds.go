package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plexsphere/telexport/internal/failure"
)

const (
	// imdsTokenPath is the managed identity token path on the metadata service.
	imdsTokenPath = "/metadata/identity/oauth2/token"

	// imdsAPIVersion is the metadata service API version.
	imdsAPIVersion = "2018-02-01"

	// appServiceAPIVersion is the API version of the App Service identity endpoint.
	appServiceAPIVersion = "2019-08-01"

	// maxTokenResponse bounds the token response body.
	maxTokenResponse = 64 * 1024
)

// Environment variables exposing an App Service style identity endpoint.
const (
	envIdentityEndpoint = "IDENTITY_ENDPOINT"
	envIdentityHeader   = "IDENTITY_HEADER"
)

// Selector picks a user-assigned managed identity. The zero Selector
// selects the system-assigned identity.
type Selector struct {
	ClientID   string
	ResourceID string
}

// IMDSSource reads managed identity tokens from the instance metadata
// service, or from the App Service identity endpoint when IDENTITY_ENDPOINT
// and IDENTITY_HEADER are set.
type IMDSSource struct {
	baseURL       string
	selector      Selector
	client        *http.Client
	maxRetries    int
	retryInterval time.Duration

	appServiceEndpoint string
	appServiceHeader   string
}

// NewIMDSSource creates an IMDSSource.
func NewIMDSSource(cfg Config, sel Selector, client *http.Client) *IMDSSource {
	cfg.ApplyDefaults()
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &IMDSSource{
		baseURL:            strings.TrimRight(cfg.IMDSEndpoint, "/"),
		selector:           sel,
		client:             client,
		maxRetries:         cfg.MaxRetries,
		retryInterval:      cfg.RetryInterval,
		appServiceEndpoint: os.Getenv(envIdentityEndpoint),
		appServiceHeader:   os.Getenv(envIdentityHeader),
	}
}

// tokenResponse is the managed identity token response. expires_on is a
// unix timestamp encoded as a string; expires_in is a fallback.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresOn   json.Number `json:"expires_on"`
	ExpiresIn   json.Number `json:"expires_in"`
	Resource    string      `json:"resource"`
	TokenType   string      `json:"token_type"`
}

// errRetryable marks identity endpoint responses worth retrying.
var errRetryable = errors.New("identity endpoint temporarily unavailable")

// FetchToken requests a token for audience, retrying transient failures
// with exponential backoff.
func (s *IMDSSource) FetchToken(ctx context.Context, audience string) (Credential, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxRetries)), ctx)

	cred, err := backoff.RetryWithData(func() (Credential, error) {
		cred, err := s.fetchOnce(ctx, audience)
		if err != nil && !errors.Is(err, errRetryable) {
			return Credential{}, backoff.Permanent(err)
		}
		return cred, err
	}, b)
	if err != nil {
		return Credential{}, failure.Auth("identity: managed identity", err)
	}
	return cred, nil
}

func (s *IMDSSource) fetchOnce(ctx context.Context, audience string) (Credential, error) {
	req, err := s.newRequest(ctx, audience)
	if err != nil {
		return Credential{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Credential{}, ctx.Err()
		}
		return Credential{}, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read body: %v", errRetryable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Credential{}, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	default:
		return Credential{}, fmt.Errorf("identity: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return parseTokenResponse(body, audience, time.Now())
}

func (s *IMDSSource) newRequest(ctx context.Context, audience string) (*http.Request, error) {
	q := url.Values{}
	q.Set("resource", audience)

	var u string
	if s.appServiceEndpoint != "" && s.appServiceHeader != "" {
		q.Set("api-version", appServiceAPIVersion)
		if s.selector.ClientID != "" {
			q.Set("client_id", s.selector.ClientID)
		}
		if s.selector.ResourceID != "" {
			q.Set("mi_res_id", s.selector.ResourceID)
		}
		u = s.appServiceEndpoint + "?" + q.Encode()
	} else {
		q.Set("api-version", imdsAPIVersion)
		if s.selector.ClientID != "" {
			q.Set("client_id", s.selector.ClientID)
		}
		if s.selector.ResourceID != "" {
			q.Set("msi_res_id", s.selector.ResourceID)
		}
		u = s.baseURL + imdsTokenPath + "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: create request: %w", err)
	}
	if s.appServiceEndpoint != "" && s.appServiceHeader != "" {
		req.Header.Set("X-IDENTITY-HEADER", s.appServiceHeader)
	} else {
		req.Header.Set("Metadata", "true")
	}
	return req, nil
}

// parseTokenResponse decodes and validates a token response.
func parseTokenResponse(body []byte, audience string, now time.Time) (Credential, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("identity: malformed token response: %w", err)
	}
	token := strings.TrimSpace(tr.AccessToken)
	if token == "" {
		return Credential{}, errors.New("identity: token response has no access_token")
	}

	var expires time.Time
	if tr.ExpiresOn != "" {
		secs, err := strconv.ParseInt(tr.ExpiresOn.String(), 10, 64)
		if err != nil {
			return Credential{}, fmt.Errorf("identity: malformed expires_on %q", tr.ExpiresOn)
		}
		expires = time.Unix(secs, 0)
	} else if tr.ExpiresIn != "" {
		secs, err := strconv.ParseInt(tr.ExpiresIn.String(), 10, 64)
		if err != nil {
			return Credential{}, fmt.Errorf("identity: malformed expires_in %q", tr.ExpiresIn)
		}
		expires = now.Add(time.Duration(secs) * time.Second)
	} else {
		return Credential{}, errors.New("identity: token response has no expiry")
	}

	return Credential{Token: token, ExpiresOn: expires, Audience: audience}, nil
}
