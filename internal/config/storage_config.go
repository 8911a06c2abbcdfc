package config

import (
	"log"
	"time"

	"video-ingest-api/internal/providers"
)

// StorageConfiguration holds all blob-storage settings
type StorageConfiguration struct {
	// Provider configuration
	Provider providers.ProviderType `json:"provider"`
	DataDir  string                 `json:"data_dir"`
	Endpoint string                 `json:"endpoint"`
	Region   string                 `json:"region"`
	Bucket   string                 `json:"bucket"`

	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`

	// Connection settings
	UseSSL    bool `json:"use_ssl"`
	PathStyle bool `json:"path_style"`

	// Performance settings
	UploadTimeout time.Duration `json:"upload_timeout"`
	RetryCount    int           `json:"retry_count"`
}

// LoadStorageConfig loads storage configuration from environment variables
func LoadStorageConfig() *StorageConfiguration {
	config := &StorageConfiguration{
		Provider:      providers.ProviderType(getEnv("STORAGE_PROVIDER", "local")),
		DataDir:       getEnv("STORAGE_DATA_DIR", "./data"),
		Endpoint:      getEnv("STORAGE_ENDPOINT", ""),
		Region:        getEnv("STORAGE_REGION", "us-east-1"),
		Bucket:        getEnv("STORAGE_BUCKET", ""),
		AccessKey:     getEnv("STORAGE_ACCESS_KEY", ""),
		SecretKey:     getEnv("STORAGE_SECRET_KEY", ""),
		UseSSL:        getBool("STORAGE_USE_SSL", true),
		PathStyle:     getBool("STORAGE_PATH_STYLE", false),
		UploadTimeout: getDuration("STORAGE_UPLOAD_TIMEOUT", time.Hour),
		RetryCount:    getInt("STORAGE_RETRY_COUNT", 3),
	}

	// Set provider-specific defaults
	config.applyProviderDefaults()

	return config
}

// applyProviderDefaults sets provider-specific default values
func (c *StorageConfiguration) applyProviderDefaults() {
	switch c.Provider {
	case providers.ProviderAWS:
		if c.Endpoint == "" {
			c.Endpoint = "https://s3.amazonaws.com"
		}
		c.PathStyle = false // AWS S3 prefers virtual-hosted style

	case providers.ProviderMinIO:
		c.PathStyle = true // MinIO typically uses path-style

	case providers.ProviderBackblaze:
		c.PathStyle = true // Backblaze B2 uses path-style
		if c.Region == "" {
			c.Region = "us-west-000" // Default Backblaze region
		}

	case providers.ProviderDigitalOcean:
		c.PathStyle = false // DigitalOcean Spaces uses virtual-hosted style
		if c.Region == "" {
			c.Region = "nyc3" // Default DO region
		}

	case providers.ProviderCloudflare:
		c.PathStyle = false // Cloudflare R2 uses virtual-hosted style
		if c.Region == "" {
			c.Region = "auto" // Cloudflare R2 region
		}

	case providers.ProviderWasabi:
		c.PathStyle = false // Wasabi uses virtual-hosted style
		if c.Region == "" {
			c.Region = "us-east-1" // Default Wasabi region
		}
	}
}

// ToProviderConfig converts StorageConfiguration to providers.StorageConfig
func (c *StorageConfiguration) ToProviderConfig() *providers.StorageConfig {
	return &providers.StorageConfig{
		Provider:      c.Provider,
		DataDir:       c.DataDir,
		Endpoint:      c.Endpoint,
		Region:        c.Region,
		Bucket:        c.Bucket,
		AccessKey:     c.AccessKey,
		SecretKey:     c.SecretKey,
		UseSSL:        c.UseSSL,
		PathStyle:     c.PathStyle,
		UploadTimeout: c.UploadTimeout,
		RetryCount:    c.RetryCount,
	}
}

// PrintStorageConfig logs the storage configuration (without credentials)
func (c *StorageConfiguration) PrintStorageConfig() {
	log.Println("-------------------------------------------")
	log.Printf("💾 Storage Provider: %s", c.Provider)
	if c.Provider == providers.ProviderLocal {
		log.Printf("📁 Data Dir:         %s", c.DataDir)
	} else {
		log.Printf("🌐 Endpoint:         %s", c.Endpoint)
		log.Printf("🪣 Bucket:           %s", c.Bucket)
		log.Printf("📍 Region:           %s", c.Region)
		log.Printf("🔒 SSL:              %t", c.UseSSL)
	}
	log.Printf("🔁 Retry Count:      %d", c.RetryCount)
	log.Println("-------------------------------------------")
}
