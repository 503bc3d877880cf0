package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/plexsphere/telexport/internal/failure"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// WorkloadSource exchanges a projected federated service account token for
// an Entra access token using the client-credentials grant with a client
// assertion.
type WorkloadSource struct {
	tokenURL  string
	clientID  string
	tokenFile string
	client    *http.Client
}

// NewWorkloadSource creates a WorkloadSource.
func NewWorkloadSource(cfg Config, tenantID, clientID, tokenFile string, client *http.Client) *WorkloadSource {
	cfg.ApplyDefaults()
	return &WorkloadSource{
		tokenURL:  fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cfg.AuthorityHost, "/"), url.PathEscape(tenantID)),
		clientID:  clientID,
		tokenFile: tokenFile,
		client:    client,
	}
}

// FetchToken reads the federated token file and exchanges it. The file is
// re-read on every call because the kubelet rotates it.
func (s *WorkloadSource) FetchToken(ctx context.Context, audience string) (Credential, error) {
	assertion, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return Credential{}, failure.Auth("identity: workload identity", fmt.Errorf("read federated token: %w", err))
	}

	cc := clientcredentials.Config{
		ClientID: s.clientID,
		TokenURL: s.tokenURL,
		Scopes:   []string{strings.TrimRight(audience, "/") + "/.default"},
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {strings.TrimSpace(string(assertion))},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if s.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return Credential{}, failure.Auth("identity: workload identity", err)
	}
	if tok.AccessToken == "" || tok.Expiry.IsZero() {
		return Credential{}, failure.Auth("identity: workload identity", fmt.Errorf("token response missing access token or expiry"))
	}
	return Credential{Token: tok.AccessToken, ExpiresOn: tok.Expiry, Audience: audience}, nil
}
