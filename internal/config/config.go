// Package config provides pipeline configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (RAGLINE_* override, plus GEMINI_API_KEY)
//  2. Config file (ragline.yaml in the working directory or ~/.ragline/)
//  3. Default values
//
// The configuration is loaded and validated exactly once at process start
// and passed by pointer into each stage constructor; no ambient lookups
// inside stage logic.
//
// Error handling uses sentinel errors checked with errors.Is(); validation
// failures are configuration errors, fatal before any work starts.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	// ErrMissingSiteURL indicates no documentation site URL was configured.
	ErrMissingSiteURL = errors.New("missing site URL")

	// ErrInvalidSiteURL indicates the site URL could not be parsed.
	ErrInvalidSiteURL = errors.New("invalid site URL")

	// ErrMissingAPIKey indicates the embedding provider API key is absent.
	ErrMissingAPIKey = errors.New("missing embedding API key")

	// ErrInvalidChunking indicates chunk size/overlap are out of range.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidBatchSize indicates a batch size outside the allowed range.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrInvalidConcurrency indicates a non-positive concurrency cap.
	ErrInvalidConcurrency = errors.New("invalid concurrency")

	// ErrInvalidThreshold indicates a failure threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("invalid failure threshold")

	// ErrInvalidRetry indicates a negative retry count or timing value.
	ErrInvalidRetry = errors.New("invalid retry parameters")

	// ErrInvalidDimension indicates a non-positive embedding dimensionality.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidCollection indicates an unusable collection name.
	ErrInvalidCollection = errors.New("invalid collection name")
)

// Defaults for the embedding provider.
//
// gemini-embedding-001 outputs 3072 dimensions by default but supports
// truncation via OutputDimensionality; 768 keeps vectors compact while
// retaining retrieval quality.
const (
	DefaultEmbedModel     = "gemini-embedding-001"
	DefaultEmbedDimension = 768
	DefaultEmbedBatchSize = 96
)

// Config stores the full pipeline configuration.
// Sensitive fields (API key, DB password) must never be logged.
type Config struct {
	// Source site
	SiteURL    string `mapstructure:"site_url"`
	SitemapURL string `mapstructure:"sitemap_url"` // computed from SiteURL when empty
	PathFilter string `mapstructure:"path_filter"` // keep only URLs containing this path segment
	MaxDepth   int    `mapstructure:"max_depth"`   // recursive-crawl fallback depth bound
	MaxPages   int    `mapstructure:"max_pages"`   // 0 = unlimited

	// Embedding provider
	GeminiAPIKey   string `mapstructure:"gemini_api_key"` // SENSITIVE
	EmbedModel     string `mapstructure:"embed_model"`
	EmbedDimension int    `mapstructure:"embed_dimension"`
	EmbedBatchSize int    `mapstructure:"embed_batch_size"`

	// Rate limiting and retry
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	RequestSpacing time.Duration `mapstructure:"request_spacing"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`

	// Chunking
	ChunkSize    int `mapstructure:"chunk_size"`    // target tokens per chunk
	ChunkOverlap int `mapstructure:"chunk_overlap"` // overlap tokens between chunks

	// Stage gating
	FailureThreshold float64 `mapstructure:"failure_threshold"`

	// Vector store (PostgreSQL + pgvector)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`
	Collection       string `mapstructure:"collection"`
	UploadBatchSize  int    `mapstructure:"upload_batch_size"`

	// Storage layout
	DataDir string `mapstructure:"data_dir"`
}

// Load reads configuration from defaults, an optional config file and
// environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads the named config file when path
// is non-empty.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAGLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ragline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ragline"))
		}
		// A missing config file is fine; defaults + env remain.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	// The Gemini SDK's conventional variable wins over nothing, loses to
	// the explicit RAGLINE_ override.
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every mapstructure key needs a registered default, even an empty
	// one: Unmarshal only decodes keys viper knows about, and
	// AutomaticEnv alone does not register the key for env-only values.
	v.SetDefault("site_url", "")
	v.SetDefault("sitemap_url", "")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("postgres_password", "")

	v.SetDefault("path_filter", "/docs/")
	v.SetDefault("max_depth", 3)
	v.SetDefault("max_pages", 0)

	v.SetDefault("embed_model", DefaultEmbedModel)
	v.SetDefault("embed_dimension", DefaultEmbedDimension)
	v.SetDefault("embed_batch_size", DefaultEmbedBatchSize)

	v.SetDefault("max_concurrent", 5)
	v.SetDefault("request_spacing", "600ms") // 5 workers under 100 calls/min
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("max_retries", 5)

	v.SetDefault("chunk_size", 512)
	v.SetDefault("chunk_overlap", 50)

	v.SetDefault("failure_threshold", 0.2)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "ragline")
	v.SetDefault("postgres_db_name", "ragline")
	v.SetDefault("postgres_ssl_mode", "prefer")
	v.SetDefault("collection", "docs_embeddings")
	v.SetDefault("upload_batch_size", 100)

	v.SetDefault("data_dir", "./data")
}

// applyDerived fills values computed from other settings.
func (c *Config) applyDerived() {
	if c.SitemapURL == "" && c.SiteURL != "" {
		c.SitemapURL = strings.TrimRight(c.SiteURL, "/") + "/sitemap.xml"
	}
}

// Validate checks ranges and required fields. Callers treat any returned
// error as a fatal configuration error.
func (c *Config) Validate() error {
	if c.SiteURL == "" {
		return fmt.Errorf("%w: set site_url or RAGLINE_SITE_URL", ErrMissingSiteURL)
	}
	if u, err := url.Parse(c.SiteURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidSiteURL, c.SiteURL)
	}
	if c.ChunkSize < 1 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: size %d, overlap %d (need size >= 1, 0 <= overlap < size)",
			ErrInvalidChunking, c.ChunkSize, c.ChunkOverlap)
	}
	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > 2048 {
		return fmt.Errorf("%w: embed batch size %d", ErrInvalidBatchSize, c.EmbedBatchSize)
	}
	if c.UploadBatchSize < 1 || c.UploadBatchSize > 10000 {
		return fmt.Errorf("%w: upload batch size %d", ErrInvalidBatchSize, c.UploadBatchSize)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.MaxConcurrent)
	}
	// A negative retry count would wrap when converted for the backoff
	// policy and retry without bound.
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d", ErrInvalidRetry, c.MaxRetries)
	}
	if c.RequestSpacing < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("%w: spacing %v, timeout %v",
			ErrInvalidRetry, c.RequestSpacing, c.RequestTimeout)
	}
	if c.FailureThreshold < 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, c.FailureThreshold)
	}
	if c.EmbedDimension < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidDimension, c.EmbedDimension)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.Collection == "" || !validIdentifier(c.Collection) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, c.Collection)
	}
	return nil
}

// RequireAPIKey checks the embedding credential is present. Split from
// Validate so crawl-only invocations work without a key.
func (c *Config) RequireAPIKey() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY or RAGLINE_GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}

// CacheDir returns the directory holding extracted page content.
func (c *Config) CacheDir() string { return filepath.Join(c.DataDir, "cache", "extracted") }

// StateDir returns the directory holding stage checkpoint files.
func (c *Config) StateDir() string { return filepath.Join(c.DataDir, "state") }

// EmbeddingsPath returns the append-only embeddings sink file.
func (c *Config) EmbeddingsPath() string { return filepath.Join(c.DataDir, "embeddings.jsonl") }

// ConnString builds the PostgreSQL connection string for pgx.
func (c *Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword,
		c.PostgresDBName, c.PostgresSSLMode)
}

// validIdentifier reports whether name is safe to interpolate as a SQL
// identifier: letters, digits and underscores, not starting with a digit.
func validIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(name) > 0
}
