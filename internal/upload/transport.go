package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/session"
	"github.com/plexsphere/telexport/internal/telemetry"
)

// blobFormat is the format query parameter of every upload.
const blobFormat = "centralbond/lz4"

// Payload is one compressed blob ready for upload. The same Payload is
// sent unchanged on every attempt.
type Payload struct {
	Body             []byte
	UncompressedSize int
	Event            string
	StartTime        time.Time
	EndTime          time.Time
	MinLevel         int
	SchemaIDs        []string
	Rows             int
}

// SessionResolver supplies upload sessions. *session.Resolver implements it.
type SessionResolver interface {
	Resolve(ctx context.Context) (*session.Session, error)
	Invalidate(stale *session.Session, refreshCredential bool)
}

// DataPlane is the ingestion gateway call. *api.Client implements it.
type DataPlane interface {
	Ingest(ctx context.Context, req api.IngestRequest) (*api.IngestResponse, error)
}

// Transport uploads payloads with bounded, class-aware retries.
type Transport struct {
	client   config.ClientConfig
	policy   Policy
	resolver SessionResolver
	plane    DataPlane
	clock    api.Clock
	observer telemetry.Observer
	logger   *slog.Logger
}

// NewTransport creates a Transport. client must already be validated.
func NewTransport(client config.ClientConfig, policy Policy, resolver SessionResolver, plane DataPlane, logger *slog.Logger) (*Transport, error) {
	policy.ApplyDefaults()
	if err := policy.Validate(); err != nil {
		return nil, failure.Configf("%v", err)
	}
	return &Transport{
		client:   client,
		policy:   policy,
		resolver: resolver,
		plane:    plane,
		clock:    api.RealClock{},
		observer: telemetry.Nop{},
		logger:   logger.With("component", "upload"),
	}, nil
}

// SetClock sets a custom clock for testing.
func (t *Transport) SetClock(c api.Clock) { t.clock = c }

// SetObserver sets the observer notified of retries and auth failures.
func (t *Transport) SetObserver(o telemetry.Observer) { t.observer = telemetry.OrNop(o) }

// Send uploads p. Every attempt carries the same body and the same
// sourceUniqueId so the service can deduplicate retried deliveries.
//
// A request that has started is never aborted by ctx; cancellation is
// observed between attempts and ends the retry loop with the last error.
func (t *Transport) Send(ctx context.Context, p Payload) (*api.IngestResponse, error) {
	const op = "upload: send"
	sourceUniqueID := uuid.NewString()
	logger := t.logger.With("event", p.Event, "rows", p.Rows, "source_unique_id", sourceUniqueID)

	var (
		n       Attempts
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		s, err := t.resolver.Resolve(ctx)
		if err == nil {
			var resp *api.IngestResponse
			resp, err = t.plane.Ingest(context.WithoutCancel(ctx), t.request(s, p, sourceUniqueID))
			if err == nil {
				if attempt > 1 {
					logger.Info("upload succeeded after retry", "attempt", attempt)
				}
				return resp, nil
			}
			err = api.Wrap(op, err)
		}
		lastErr = err

		class := failure.ClassOf(err)
		d := Decide(class, n, t.policy, failure.RetryAfterOf(err))
		switch d.Action {
		case Fail:
			logger.Warn("upload failed", "attempt", attempt, "class", class.String(), "error", err)
			return nil, err
		case Retry:
			n.Transport++
		case RefreshAuth:
			n.Auth++
			t.observer.AuthFailure(err)
			if s != nil {
				t.resolver.Invalidate(s, true)
			}
		case Renegotiate:
			n.Renegotiations++
			if s != nil {
				t.resolver.Invalidate(s, false)
			}
		}

		t.observer.Retry(class, attempt, d.Delay)
		logger.Debug("retrying upload",
			"attempt", attempt,
			"class", class.String(),
			"action", d.Action.String(),
			"delay", d.Delay,
			"error", err,
		)
		if d.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-t.clock.After(d.Delay):
			}
		}
	}
}

func (t *Transport) request(s *session.Session, p Payload, sourceUniqueID string) api.IngestRequest {
	return api.IngestRequest{
		GatewayURL:     s.IngestionEndpoint,
		Token:          s.AuthToken,
		ConfigEndpoint: t.client.Endpoint,
		Moniker:        s.Moniker,
		Namespace:      t.client.Namespace,
		Event:          p.Event,
		Version:        fmt.Sprintf("Ver%dv0", t.client.ConfigMajorVersion),
		SourceUniqueID: sourceUniqueID,
		SourceIdentity: t.client.Identity(),
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		Format:         blobFormat,
		MinLevel:       p.MinLevel,
		SchemaIDs:      p.SchemaIDs,
		DataSize:       p.UncompressedSize,
		Body:           p.Body,
	}
}
