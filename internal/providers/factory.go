package providers

import (
	"fmt"
	"strings"
)

// ProviderFactory creates BlobProvider instances based on configuration
type ProviderFactory struct{}

// NewProviderFactory creates a new provider factory
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{}
}

// CreateProvider creates a BlobProvider based on the configuration
func (f *ProviderFactory) CreateProvider(config *StorageConfig) (BlobProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("storage config cannot be nil")
	}

	// Normalize provider name
	providerType := ProviderType(strings.ToLower(string(config.Provider)))

	switch providerType {
	case ProviderLocal:
		return NewLocalProvider(config)
	case ProviderAWS:
		return NewAWSProvider(config)
	case ProviderMinIO:
		return NewMinIOProvider(config)
	case ProviderBackblaze:
		// Backblaze B2 is S3-compatible, use AWS provider with custom endpoint
		return NewBackblazeProvider(config)
	case ProviderDigitalOcean:
		// DigitalOcean Spaces is S3-compatible, use AWS provider with custom endpoint
		return NewDigitalOceanProvider(config)
	case ProviderCloudflare:
		// Cloudflare R2 is S3-compatible, use AWS provider with custom endpoint
		return NewCloudflareProvider(config)
	case ProviderWasabi:
		// Wasabi is S3-compatible, use AWS provider with custom endpoint
		return NewWasabiProvider(config)
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotSupported, config.Provider)
	}
}

// GetSupportedProviders returns a list of supported provider types
func (f *ProviderFactory) GetSupportedProviders() []ProviderType {
	return []ProviderType{
		ProviderLocal,
		ProviderAWS,
		ProviderMinIO,
		ProviderBackblaze,
		ProviderDigitalOcean,
		ProviderCloudflare,
		ProviderWasabi,
	}
}

// IsProviderSupported checks if a provider type is supported
func (f *ProviderFactory) IsProviderSupported(providerType ProviderType) bool {
	supported := f.GetSupportedProviders()
	for _, p := range supported {
		if p == providerType {
			return true
		}
	}
	return false
}

// NewBackblazeProvider creates a new Backblaze B2 provider
// Backblaze B2 is S3-compatible, so we use the AWS provider
func NewBackblazeProvider(cfg *StorageConfig) (*AWSS3Provider, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if !strings.Contains(cfg.Endpoint, "backblazeb2.com") {
		return nil, fmt.Errorf("invalid Backblaze B2 endpoint: %s", cfg.Endpoint)
	}
	if cfg.Region == "" {
		cfg.Region = "us-west-000" // Default Backblaze region
	}

	// Backblaze B2 uses path-style URLs
	cfg.PathStyle = true

	return NewAWSProvider(cfg)
}

// NewDigitalOceanProvider creates a new DigitalOcean Spaces provider
// DigitalOcean Spaces is S3-compatible, so we use the AWS provider
func NewDigitalOceanProvider(cfg *StorageConfig) (*AWSS3Provider, error) {
	// Set defaults for DigitalOcean Spaces
	if cfg.Region == "" {
		cfg.Region = "nyc3" // Default region
	}

	// DigitalOcean Spaces uses virtual-hosted style URLs
	cfg.PathStyle = false

	return NewAWSProvider(cfg)
}

// NewCloudflareProvider creates a new Cloudflare R2 provider
// Cloudflare R2 is S3-compatible, so we use the AWS provider
func NewCloudflareProvider(cfg *StorageConfig) (*AWSS3Provider, error) {
	// Cloudflare R2 uses auto region
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	// Cloudflare R2 uses virtual-hosted style URLs
	cfg.PathStyle = false

	return NewAWSProvider(cfg)
}

// NewWasabiProvider creates a new Wasabi provider
// Wasabi is S3-compatible, so we use the AWS provider
func NewWasabiProvider(cfg *StorageConfig) (*AWSS3Provider, error) {
	// Set defaults for Wasabi
	if cfg.Region == "" {
		cfg.Region = "us-east-1" // Default region
	}

	// Wasabi uses virtual-hosted style URLs
	cfg.PathStyle = false

	return NewAWSProvider(cfg)
}
