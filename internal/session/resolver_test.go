package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/goleak"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// mockTokens hands out numbered credentials and records invalidations.
type mockTokens struct {
	mu          sync.Mutex
	issued      int
	err         error
	invalidated []string
	current     string
}

func (m *mockTokens) Token(_ context.Context, audience string) (identity.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return identity.Credential{}, m.err
	}
	if m.current == "" {
		m.issued++
		m.current = fmt.Sprintf("cred-%d", m.issued)
	}
	return identity.Credential{Token: m.current, ExpiresOn: time.Now().Add(time.Hour), Audience: audience}, nil
}

func (m *mockTokens) Invalidate(_ string, stale identity.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, stale.Token)
	if m.current == stale.Token {
		m.current = ""
	}
}

func (m *mockTokens) invalidations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.invalidated...)
}

// configService is a fake Geneva config service.
type configService struct {
	calls   atomic.Int32
	handler func(w http.ResponseWriter, r *http.Request)
}

func (c *configService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls.Add(1)
	c.handler(w, r)
}

func ingestionInfo(gateway, token, expiry string) api.IngestionInfoResponse {
	return api.IngestionInfoResponse{
		IngestionGatewayInfo: api.IngestionGatewayInfo{
			Endpoint:            gateway,
			AuthToken:           token,
			AuthTokenExpiryTime: expiry,
		},
		StorageAccountKeys: []api.StorageAccountKey{
			{AccountMonikerName: "secondarymoniker", AccountGroupName: "group"},
			{AccountMonikerName: "diagmoniker", AccountGroupName: "group", IsPrimaryMoniker: true},
		},
		TagID: "tag-1",
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClientConfig(endpoint string) config.ClientConfig {
	return config.ClientConfig{
		Endpoint:           endpoint,
		Environment:        "Test",
		Account:            "PipelineAccount",
		Namespace:          "PipelineNamespace",
		Region:             "eastus",
		ConfigMajorVersion: 2,
		Tenant:             "tenant",
		RoleName:           "role",
		RoleInstance:       "instance",
	}
}

func newTestResolver(t *testing.T, svc *configService, tokens TokenProvider) *Resolver {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	client, err := api.NewClient(api.Config{}, "test", discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	r, err := NewResolver(testClientConfig(srv.URL), Config{}, tokens, client, discardLogger())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestResolver_Negotiates(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	var gotPath, gotAuth, gotIdentity, gotVersion, gotRequestID string

	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdentity = r.URL.Query().Get("Identity")
		gotVersion = r.URL.Query().Get("ConfigMajorVersion")
		gotRequestID = r.Header.Get("x-ms-client-request-id")
		writeJSON(w, ingestionInfo("https://gateway.example/", "session-token", expiry.Format(time.RFC3339)))
	}}
	tokens := &mockTokens{}
	r := newTestResolver(t, svc, tokens)

	s, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if gotPath != "/api/agent/v3/Test/PipelineAccount/MonitoringStorageKeys/" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer cred-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if want := base64.StdEncoding.EncodeToString([]byte("tenant#role#instance")); gotIdentity != want {
		t.Errorf("Identity = %q, want %q", gotIdentity, want)
	}
	if gotVersion != "Ver2v0" {
		t.Errorf("ConfigMajorVersion = %q", gotVersion)
	}
	if gotRequestID == "" {
		t.Error("missing x-ms-client-request-id")
	}

	if s.IngestionEndpoint != "https://gateway.example" || s.AuthToken != "session-token" {
		t.Errorf("unexpected session %+v", s)
	}
	if s.Moniker != "diagmoniker" || s.AccountGroup != "group" || s.TagID != "tag-1" {
		t.Errorf("unexpected moniker fields %+v", s)
	}
	if !s.ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, expiry)
	}
}

func TestResolver_CachesUntilStale(t *testing.T) {
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ingestionInfo("https://gw", "tok", time.Now().Add(time.Hour).Format(time.RFC3339)))
	}}
	r := newTestResolver(t, svc, &mockTokens{})

	first, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first != second || svc.calls.Load() != 1 {
		t.Errorf("expected cached session, negotiations = %d", svc.calls.Load())
	}
}

func TestResolver_ConcurrentResolveSharesNegotiation(t *testing.T) {
	release := make(chan struct{})
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, ingestionInfo("https://gw", "tok", time.Now().Add(time.Hour).Format(time.RFC3339)))
	}}
	r := newTestResolver(t, svc, &mockTokens{})

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]*Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Resolve(context.Background())
			if err != nil {
				t.Errorf("Resolve: %v", err)
			}
			sessions[i] = s
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if svc.calls.Load() != 1 {
		t.Errorf("negotiations = %d, want 1", svc.calls.Load())
	}
	for i := 0; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Errorf("caller %d got a different session", i)
		}
	}
}

func TestResolver_UnauthorizedRefreshesCredentialOnce(t *testing.T) {
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer cred-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, ingestionInfo("https://gw", "tok", time.Now().Add(time.Hour).Format(time.RFC3339)))
	}}
	tokens := &mockTokens{}
	r := newTestResolver(t, svc, tokens)

	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.calls.Load() != 2 {
		t.Errorf("negotiations = %d, want 2", svc.calls.Load())
	}
	if got := tokens.invalidations(); len(got) != 1 || got[0] != "cred-1" {
		t.Errorf("invalidations = %v, want [cred-1]", got)
	}
}

func TestResolver_PersistentUnauthorizedIsAuthError(t *testing.T) {
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}}
	r := newTestResolver(t, svc, &mockTokens{})

	_, err := r.Resolve(context.Background())
	if !errors.Is(err, failure.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if svc.calls.Load() != 2 {
		t.Errorf("negotiations = %d, want 2 (one retry)", svc.calls.Load())
	}
}

func TestResolver_ErrorClasses(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
		want    error
	}{
		{"unknown account", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, failure.ErrNegotiation},
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}, failure.ErrNegotiation},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, failure.ErrTransport},
		{"missing gateway", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, ingestionInfo("", "tok", time.Now().Add(time.Hour).Format(time.RFC3339)))
		}, failure.ErrNegotiation},
		{"missing token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, ingestionInfo("https://gw", "", time.Now().Add(time.Hour).Format(time.RFC3339)))
		}, failure.ErrNegotiation},
		{"no moniker", func(w http.ResponseWriter, r *http.Request) {
			resp := ingestionInfo("https://gw", "tok", time.Now().Add(time.Hour).Format(time.RFC3339))
			resp.StorageAccountKeys = nil
			writeJSON(w, resp)
		}, failure.ErrNegotiation},
		{"opaque token without expiry", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, ingestionInfo("https://gw", "opaque", ""))
		}, failure.ErrNegotiation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, &configService{handler: tt.handler}, &mockTokens{})
			_, err := r.Resolve(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestResolver_CredentialFailureIsAuthError(t *testing.T) {
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		t.Error("config service must not be called without a credential")
	}}
	r := newTestResolver(t, svc, &mockTokens{err: failure.Auth("identity", errors.New("no identity"))})

	_, err := r.Resolve(context.Background())
	if !errors.Is(err, failure.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestResolver_ExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}

	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ingestionInfo("https://gw", token, ""))
	}}
	r := newTestResolver(t, svc, &mockTokens{})

	s, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, exp)
	}
}

func TestResolver_ExpiryInsideRefreshMarginIsNegotiationError(t *testing.T) {
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ingestionInfo("https://gw", "tok", time.Now().Add(2*time.Minute).UTC().Format(time.RFC3339)))
	}}
	r := newTestResolver(t, svc, &mockTokens{})

	for i := 0; i < 3; i++ {
		s, err := r.Resolve(context.Background())
		if !errors.Is(err, failure.ErrNegotiation) {
			t.Fatalf("Resolve #%d error = %v, want negotiation error", i, err)
		}
		if s != nil {
			t.Fatalf("Resolve #%d returned session %+v", i, s)
		}
	}
	if r.cached() != nil {
		t.Error("session inside the refresh margin must not be cached")
	}
}

func TestResolver_InvalidateOnlyDropsStaleSession(t *testing.T) {
	svc := &configService{handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ingestionInfo("https://gw", "tok", time.Now().Add(time.Hour).Format(time.RFC3339)))
	}}
	tokens := &mockTokens{}
	r := newTestResolver(t, svc, tokens)
	ctx := context.Background()

	old, _ := r.Resolve(ctx)
	r.Invalidate(old, false)
	fresh, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fresh == old || svc.calls.Load() != 2 {
		t.Fatalf("expected renegotiation, calls = %d", svc.calls.Load())
	}
	if len(tokens.invalidations()) != 0 {
		t.Error("credential must not be invalidated without refreshCredential")
	}

	// A late invalidation of the old session keeps the fresh one.
	r.Invalidate(old, true)
	again, _ := r.Resolve(ctx)
	if again != fresh || svc.calls.Load() != 2 {
		t.Errorf("stale invalidation discarded fresh session")
	}
	if got := tokens.invalidations(); len(got) != 1 {
		t.Errorf("invalidations = %v, want one", got)
	}
}

func TestNewResolver_InvalidConfig(t *testing.T) {
	cfg := testClientConfig("https://config.example")
	cfg.Account = ""
	_, err := NewResolver(cfg, Config{}, &mockTokens{}, nil, discardLogger())
	if !errors.Is(err, failure.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestSession_Stale(t *testing.T) {
	now := time.Now()
	s := &Session{AuthToken: "tok", ExpiresAt: now.Add(10 * time.Minute)}
	if s.Stale(now, 5*time.Minute) {
		t.Error("session 10m from expiry should not be stale with 5m margin")
	}
	if !s.Stale(now.Add(5*time.Minute), 5*time.Minute) {
		t.Error("session at expiry-margin should be stale")
	}
	var none *Session
	if !none.Stale(now, 0) {
		t.Error("nil session should be stale")
	}
}

func TestTokenExpiry_Layouts(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	for _, in := range []string{"2026-03-01T12:30:00Z", "2026-03-01T12:30:00.0000000", "2026-03-01 12:30:00Z"} {
		got, err := tokenExpiry(in, "")
		if err != nil {
			t.Errorf("tokenExpiry(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("tokenExpiry(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := tokenExpiry("next tuesday", ""); err == nil {
		t.Error("expected error for unparsable expiry")
	}
}
