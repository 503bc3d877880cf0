// Package api implements the HTTP client used to talk to the Geneva
// config service (control plane) and the ingestion gateway (data plane).
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// gzipThreshold is the minimum JSON body size for gzip compression.
	gzipThreshold = 1024 // 1 KiB

	// maxResponseSize is the maximum decompressed response body size (10 MiB).
	// Protects against gzip bombs in compressed responses.
	maxResponseSize = 10 * 1024 * 1024

	// userAgentPrefix is the User-Agent header prefix.
	userAgentPrefix = "telexport/"
)

// Client performs authenticated HTTP calls. Bearer tokens are supplied per
// request because identity and session tokens rotate independently.
type Client struct {
	httpClient *http.Client
	version    string
	logger     *slog.Logger
}

// request describes one HTTP call. At most one of JSON and Raw is set.
type request struct {
	method      string
	url         string
	bearer      string
	header      http.Header
	json        any
	raw         []byte
	contentType string
}

// NewClient creates a new Client with the given configuration.
func NewClient(cfg Config, version string, logger *slog.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		},
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		DisableCompression:  true,
	}

	if cfg.TLSInsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled", "component", "api")
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		version: version,
		logger:  logger,
	}, nil
}

// HTTPClient returns the underlying *http.Client for collaborators that
// need to issue their own requests through the same transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// CloseIdleConnections closes keep-alive connections that are not in use.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// do executes req and decodes a JSON response into result when non-nil.
func (c *Client) do(ctx context.Context, req request, result any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}

	var reader io.Reader = io.LimitReader(resp.Body, maxResponseSize)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("api: gzip decompress response: %w", err)
		}
		defer gr.Close()
		reader = io.LimitReader(gr, maxResponseSize)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// send builds and executes an HTTP request with standard headers, optional
// JSON body marshaling, and gzip compression for large JSON payloads.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	var bodyReader io.Reader
	var compressed bool
	contentType := r.contentType

	switch {
	case r.json != nil:
		data, err := json.Marshal(r.json)
		if err != nil {
			return nil, fmt.Errorf("api: marshal request body: %w", err)
		}
		if len(data) > gzipThreshold {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(data); err != nil {
				return nil, fmt.Errorf("api: gzip compress request: %w", err)
			}
			if err := gw.Close(); err != nil {
				return nil, fmt.Errorf("api: gzip close: %w", err)
			}
			bodyReader = &buf
			compressed = true
		} else {
			bodyReader = bytes.NewReader(data)
		}
		contentType = "application/json"
	case r.raw != nil:
		bodyReader = bytes.NewReader(r.raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}

	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	req.Header.Set("User-Agent", userAgentPrefix+c.version)

	return c.httpClient.Do(req)
}
