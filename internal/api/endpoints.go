package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ingestPath is the ingestion gateway upload path.
const ingestPath = "/api/v1/ingestion/ingest"

// GetIngestionInfo asks the config service for the ingestion gateway and
// upload token of an account.
// GET {endpoint}/api/agent/v3/{environment}/{account}/MonitoringStorageKeys/
func (c *Client) GetIngestionInfo(ctx context.Context, bearer string, in IngestionInfoRequest) (*IngestionInfoResponse, error) {
	osType := in.OSType
	if osType == "" {
		osType = "Linux"
	}
	q := url.Values{}
	q.Set("Namespace", in.Namespace)
	q.Set("Region", in.Region)
	q.Set("Identity", base64.StdEncoding.EncodeToString([]byte(in.Identity)))
	q.Set("OSType", osType)
	q.Set("ConfigMajorVersion", fmt.Sprintf("Ver%dv0", in.ConfigMajorVersion))

	u := fmt.Sprintf("%s/api/agent/v3/%s/%s/MonitoringStorageKeys/?%s",
		strings.TrimRight(in.Endpoint, "/"),
		url.PathEscape(in.Environment),
		url.PathEscape(in.Account),
		q.Encode())

	h := http.Header{}
	h.Set("x-ms-client-request-id", uuid.NewString())

	var resp IngestionInfoResponse
	if err := c.do(ctx, request{method: http.MethodGet, url: u, bearer: bearer, header: h}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ingest uploads one compressed blob to the ingestion gateway.
// POST {gateway}/api/v1/ingestion/ingest
func (c *Client) Ingest(ctx context.Context, in IngestRequest) (*IngestResponse, error) {
	q := url.Values{}
	q.Set("endpoint", in.ConfigEndpoint)
	q.Set("moniker", in.Moniker)
	q.Set("namespace", in.Namespace)
	q.Set("event", in.Event)
	q.Set("version", in.Version)
	q.Set("sourceUniqueId", in.SourceUniqueID)
	q.Set("sourceIdentity", in.SourceIdentity)
	q.Set("startTime", in.StartTime.UTC().Format(time.RFC3339Nano))
	q.Set("endTime", in.EndTime.UTC().Format(time.RFC3339Nano))
	q.Set("format", in.Format)
	q.Set("dataSize", strconv.Itoa(in.DataSize))
	q.Set("minLevel", strconv.Itoa(in.MinLevel))
	q.Set("schemaIds", strings.Join(in.SchemaIDs, ";"))

	u := strings.TrimRight(in.GatewayURL, "/") + ingestPath + "?" + q.Encode()

	h := http.Header{}
	h.Set("x-ms-client-request-id", in.SourceUniqueID)

	var resp IngestResponse
	req := request{
		method:      http.MethodPost,
		url:         u,
		bearer:      in.Token,
		header:      h,
		raw:         in.Body,
		contentType: "application/octet-stream",
	}
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
