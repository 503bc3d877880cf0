package api

import "time"

// IngestionInfoRequest carries the account coordinates sent to the config
// service when negotiating an upload session.
type IngestionInfoRequest struct {
	Endpoint           string // config service base URL
	Environment        string
	Account            string
	Namespace          string
	Region             string
	ConfigMajorVersion uint32
	Identity           string // tenant#role#instance, sent base64-encoded
	OSType             string
}

// IngestionGatewayInfo is the upload destination and its short-lived token.
type IngestionGatewayInfo struct {
	Endpoint            string `json:"Endpoint"`
	AuthToken           string `json:"AuthToken"`
	AuthTokenExpiryTime string `json:"AuthTokenExpiryTime"`
}

// StorageAccountKey names a moniker the account may upload to.
type StorageAccountKey struct {
	AccountMonikerName string `json:"AccountMonikerName"`
	AccountGroupName   string `json:"AccountGroupName"`
	IsPrimaryMoniker   bool   `json:"IsPrimaryMoniker"`
}

// IngestionInfoResponse is the config service response.
type IngestionInfoResponse struct {
	IngestionGatewayInfo IngestionGatewayInfo `json:"IngestionGatewayInfo"`
	StorageAccountKeys   []StorageAccountKey  `json:"StorageAccountKeys"`
	TagID                string               `json:"TagId"`
}

// PrimaryMoniker returns the primary storage moniker, falling back to the
// first listed one.
func (r *IngestionInfoResponse) PrimaryMoniker() (StorageAccountKey, bool) {
	for _, k := range r.StorageAccountKeys {
		if k.IsPrimaryMoniker {
			return k, true
		}
	}
	if len(r.StorageAccountKeys) > 0 {
		return r.StorageAccountKeys[0], true
	}
	return StorageAccountKey{}, false
}

// IngestRequest describes one blob upload to the ingestion gateway.
type IngestRequest struct {
	GatewayURL     string // ingestion gateway base URL from the session
	Token          string // session auth token
	ConfigEndpoint string // config service URL, echoed for routing
	Moniker        string
	Namespace      string
	Event          string
	Version        string
	SourceUniqueID string // idempotency token, identical across retries
	SourceIdentity string
	StartTime      time.Time
	EndTime        time.Time
	Format         string
	MinLevel       int
	SchemaIDs      []string
	DataSize       int // uncompressed blob size
	Body           []byte
}

// RowRejection is a per-row rejection reported by the ingestion gateway.
// Index refers to the row position within the uploaded blob.
type RowRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// IngestResponse is the ingestion gateway response.
type IngestResponse struct {
	Ticket   string         `json:"ticket"`
	Rejected []RowRejection `json:"rejected,omitempty"`
}
