// Package config holds the client configuration for the Geneva export
// pipeline and the loaders that populate it from files and the environment.
package config

import (
	"net"
	"net/url"
	"strings"

	"github.com/plexsphere/telexport/internal/failure"
)

// AuthMethod selects how the pipeline obtains identity tokens.
type AuthMethod string

const (
	// AuthManagedIdentity uses the system-assigned managed identity.
	AuthManagedIdentity AuthMethod = "managed_identity"
	// AuthManagedIdentityClientID selects a user-assigned identity by client id.
	AuthManagedIdentityClientID AuthMethod = "managed_identity_client_id"
	// AuthManagedIdentityResourceID selects a user-assigned identity by ARM resource id.
	AuthManagedIdentityResourceID AuthMethod = "managed_identity_resource_id"
	// AuthWorkloadIdentity exchanges a projected federated token for an access token.
	AuthWorkloadIdentity AuthMethod = "workload_identity"
)

// Identity defaults used when tenant or role metadata is not configured.
const (
	DefaultTenant       = "default-tenant"
	DefaultRoleName     = "default-role"
	DefaultRoleInstance = "default-instance"
)

// scopeSuffix is the OAuth2 v2 scope suffix stripped to obtain an audience.
const scopeSuffix = "/.default"

// ClientConfig identifies the ingestion account and the workload emitting
// records. It is validated once when the client is constructed and treated
// as immutable afterwards.
type ClientConfig struct {
	// Endpoint is the Geneva config service URL (required).
	Endpoint string `yaml:"endpoint"`

	// Environment is the Geneva environment name, e.g. "Test" (required).
	Environment string `yaml:"environment"`

	// Account is the Geneva monitoring account (required).
	Account string `yaml:"account"`

	// Namespace is the Geneva event namespace (required).
	Namespace string `yaml:"namespace"`

	// Region is the Azure region of the workload (required).
	Region string `yaml:"region"`

	// ConfigMajorVersion is the major version of the account configuration.
	ConfigMajorVersion uint32 `yaml:"config_major_version"`

	// AuthMethod selects the identity mechanism.
	// Default: managed_identity (upgraded to the client-id or resource-id
	// variant when the matching selector is set).
	AuthMethod AuthMethod `yaml:"auth_method"`

	// MSIClientID selects a user-assigned managed identity by client id.
	MSIClientID string `yaml:"msi_client_id"`

	// MSIResourceID selects a user-assigned managed identity by resource id.
	MSIResourceID string `yaml:"msi_resource_id"`

	// WorkloadTenantID is the Entra tenant for workload identity.
	WorkloadTenantID string `yaml:"workload_tenant_id"`

	// WorkloadClientID is the application client id for workload identity.
	WorkloadClientID string `yaml:"workload_client_id"`

	// WorkloadTokenFile is the projected service account token path.
	WorkloadTokenFile string `yaml:"workload_token_file"`

	// Tenant, RoleName and RoleInstance are attached to every uploaded blob.
	// Defaults: default-tenant, default-role, default-instance.
	Tenant       string `yaml:"tenant"`
	RoleName     string `yaml:"role_name"`
	RoleInstance string `yaml:"role_instance"`

	// AudienceOverride replaces the audience derived from Endpoint.
	// Either a resource ("https://monitor.azure.com") or a scope
	// ("https://monitor.azure.com/.default").
	AudienceOverride string `yaml:"audience"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.Tenant == "" {
		c.Tenant = DefaultTenant
	}
	if c.RoleName == "" {
		c.RoleName = DefaultRoleName
	}
	if c.RoleInstance == "" {
		c.RoleInstance = DefaultRoleInstance
	}
	if c.AuthMethod == "" || c.AuthMethod == AuthManagedIdentity {
		switch {
		case c.MSIClientID != "":
			c.AuthMethod = AuthManagedIdentityClientID
		case c.MSIResourceID != "":
			c.AuthMethod = AuthManagedIdentityResourceID
		default:
			c.AuthMethod = AuthManagedIdentity
		}
	}
}

// Validate checks that required fields are set and values are acceptable.
// All failures are failure.ErrConfig errors.
func (c *ClientConfig) Validate() error {
	required := []struct {
		name, value string
	}{
		{"Endpoint", c.Endpoint},
		{"Environment", c.Environment},
		{"Account", c.Account},
		{"Namespace", c.Namespace},
		{"Region", c.Region},
		{"Tenant", c.Tenant},
		{"RoleName", c.RoleName},
		{"RoleInstance", c.RoleInstance},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return failure.Configf("config: %s is required", f.name)
		}
	}
	if _, err := parseEndpoint(c.Endpoint); err != nil {
		return err
	}

	switch c.AuthMethod {
	case AuthManagedIdentity:
	case AuthManagedIdentityClientID:
		if c.MSIClientID == "" {
			return failure.Configf("config: MSIClientID is required for auth method %q", c.AuthMethod)
		}
	case AuthManagedIdentityResourceID:
		if c.MSIResourceID == "" {
			return failure.Configf("config: MSIResourceID is required for auth method %q", c.AuthMethod)
		}
	case AuthWorkloadIdentity:
		if c.WorkloadTenantID == "" || c.WorkloadClientID == "" || c.WorkloadTokenFile == "" {
			return failure.Configf("config: workload identity requires WorkloadTenantID, WorkloadClientID and WorkloadTokenFile")
		}
	default:
		return failure.Configf("config: unknown auth method %q", c.AuthMethod)
	}

	if c.AudienceOverride != "" {
		if _, err := parseEndpoint(strings.TrimSuffix(c.AudienceOverride, scopeSuffix)); err != nil {
			return failure.Configf("config: invalid audience override %q", c.AudienceOverride)
		}
	}
	return nil
}

// Audience returns the token audience for the config service: the override
// with any "/.default" scope suffix removed, or the origin of Endpoint.
func (c *ClientConfig) Audience() string {
	if c.AudienceOverride != "" {
		return strings.TrimRight(strings.TrimSuffix(c.AudienceOverride, scopeSuffix), "/")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Identity returns the tenant#role#instance string identifying this source.
func (c *ClientConfig) Identity() string {
	return c.Tenant + "#" + c.RoleName + "#" + c.RoleInstance
}

// parseEndpoint accepts absolute https URLs, and http URLs for loopback
// hosts only.
func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, failure.Configf("config: invalid endpoint %q: %v", raw, err)
	}
	if u.Host == "" {
		return nil, failure.Configf("config: endpoint %q has no host", raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return nil, failure.Configf("config: endpoint %q must use https", raw)
		}
	default:
		return nil, failure.Configf("config: endpoint %q must use https", raw)
	}
	return u, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
