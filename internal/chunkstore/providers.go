package chunkstore

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderConfig holds provider-specific configuration for an
// S3-compatible backing store.
type ProviderConfig struct {
	Name              string
	DefaultEndpoint   string
	RequiresRegion    bool
	RequiresPathStyle bool
	SupportedRegions  []string
	DefaultRegion     string
	EndpointTemplate  string
}

// KnownProviders mirrors the provider catalogue the gateway this
// package is adapted from carries, trimmed to the providers plausible
// as a chunk store's backing object store.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name:            "AWS S3",
		DefaultEndpoint: "https://s3.amazonaws.com",
		RequiresRegion:  true,
		DefaultRegion:   "us-east-1",
		SupportedRegions: []string{
			"us-east-1", "us-east-2", "us-west-1", "us-west-2",
			"eu-west-1", "eu-central-1", "ap-southeast-1",
		},
	},
	"minio": {
		Name:              "MinIO",
		DefaultEndpoint:   "http://localhost:9000",
		RequiresPathStyle: true,
		DefaultRegion:     "us-east-1",
	},
	"wasabi": {
		Name:            "Wasabi",
		DefaultEndpoint: "https://s3.wasabisys.com",
		RequiresRegion:  true,
		DefaultRegion:   "us-east-1",
		SupportedRegions: []string{
			"us-east-1", "us-east-2", "us-west-1", "eu-central-1",
		},
	},
	"hetzner": {
		Name:              "Hetzner Storage Box",
		DefaultEndpoint:   "https://your-storagebox.your-server.de",
		RequiresPathStyle: true,
		DefaultRegion:     "nbg1",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		RequiresRegion:   true,
		DefaultRegion:    "nyc3",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
		SupportedRegions: []string{"nyc3", "ams3", "sgp1", "sfo3", "fra1"},
	},
	"backblaze": {
		Name:              "Backblaze B2",
		DefaultEndpoint:   "https://s3.us-west-000.backblazeb2.com",
		RequiresRegion:    true,
		RequiresPathStyle: true,
		DefaultRegion:     "us-west-000",
		EndpointTemplate:  "https://s3.%s.backblazeb2.com",
		SupportedRegions:  []string{"us-west-000", "us-west-001", "eu-central-003"},
	},
}

// GetProviderConfig returns the configuration for a named provider.
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("chunkstore: provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("chunkstore: unknown provider %q (supported: %s)", provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

// ResolveEndpoint fills in endpoint/region defaults for provider,
// preferring explicit values when given.
func ResolveEndpoint(endpoint, provider, region string) (string, string, error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "", "", err
	}
	if endpoint == "" {
		if cfg.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		} else {
			endpoint = cfg.DefaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)
	if region == "" {
		region = cfg.DefaultRegion
	}
	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint checks that endpoint parses as a well-formed http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("chunkstore: invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("chunkstore: endpoint must use http:// or https://")
	}
	if u.Host == "" {
		return fmt.Errorf("chunkstore: endpoint must include a hostname")
	}
	return nil
}

// RequiresPathStyleAddressing reports whether provider needs path-style
// bucket addressing.
func RequiresPathStyleAddressing(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.RequiresPathStyle
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	return names
}
