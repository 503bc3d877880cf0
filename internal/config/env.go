package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/plexsphere/telexport/internal/failure"
)

// Environment variables read by ApplyEnv.
const (
	EnvEndpoint           = "GENEVA_ENDPOINT"
	EnvEnvironment        = "GENEVA_ENVIRONMENT"
	EnvAccount            = "GENEVA_ACCOUNT"
	EnvNamespace          = "GENEVA_NAMESPACE"
	EnvRegion             = "GENEVA_REGION"
	EnvConfigMajorVersion = "GENEVA_CONFIG_MAJOR_VERSION"
	EnvTenant             = "GENEVA_TENANT"
	EnvRoleName           = "GENEVA_ROLE_NAME"
	EnvRoleInstance       = "GENEVA_ROLE_INSTANCE"
	EnvMSIClientID        = "GENEVA_MSI_CLIENT_ID"
	EnvMSIResourceID      = "GENEVA_MSI_RESOURCE_ID"
	EnvAADScope           = "GENEVA_AAD_SCOPE"
	EnvAADResource        = "GENEVA_AAD_RESOURCE"
	EnvAuthMethod         = "GENEVA_AUTH_METHOD"
	EnvAzureTenantID      = "AZURE_TENANT_ID"
	EnvAzureClientID      = "AZURE_CLIENT_ID"
	EnvFederatedTokenFile = "AZURE_FEDERATED_TOKEN_FILE"
)

// LookupFunc reads an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// OSLookup reads the process environment.
var OSLookup LookupFunc = os.LookupEnv

// ApplyEnv overrides fields of c with the non-empty environment variables
// returned by lookup. GENEVA_AAD_SCOPE takes precedence over
// GENEVA_AAD_RESOURCE.
func (c *ClientConfig) ApplyEnv(lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	set := func(dst *string, key string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	set(&c.Endpoint, EnvEndpoint)
	set(&c.Environment, EnvEnvironment)
	set(&c.Account, EnvAccount)
	set(&c.Namespace, EnvNamespace)
	set(&c.Region, EnvRegion)
	set(&c.Tenant, EnvTenant)
	set(&c.RoleName, EnvRoleName)
	set(&c.RoleInstance, EnvRoleInstance)
	set(&c.MSIClientID, EnvMSIClientID)
	set(&c.MSIResourceID, EnvMSIResourceID)
	set(&c.AudienceOverride, EnvAADResource)
	set(&c.AudienceOverride, EnvAADScope)

	if v, ok := get(EnvAuthMethod); ok {
		c.AuthMethod = AuthMethod(v)
	}
	if c.AuthMethod == AuthWorkloadIdentity {
		set(&c.WorkloadTenantID, EnvAzureTenantID)
		set(&c.WorkloadClientID, EnvAzureClientID)
		set(&c.WorkloadTokenFile, EnvFederatedTokenFile)
	}

	if v, ok := get(EnvConfigMajorVersion); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return failure.Configf("config: %s must be a non-negative integer, got %q", EnvConfigMajorVersion, v)
		}
		c.ConfigMajorVersion = uint32(n)
	}
	return nil
}
