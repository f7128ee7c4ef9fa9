package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RAGLINE_SITE_URL", "https://docs.example.com")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("RAGLINE_GEMINI_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://docs.example.com", cfg.SiteURL)
	assert.Equal(t, "https://docs.example.com/sitemap.xml", cfg.SitemapURL)
	assert.Equal(t, "/docs/", cfg.PathFilter)
	assert.Equal(t, DefaultEmbedModel, cfg.EmbedModel)
	assert.Equal(t, 768, cfg.EmbedDimension)
	assert.Equal(t, 96, cfg.EmbedBatchSize)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 600*time.Millisecond, cfg.RequestSpacing)
	assert.Equal(t, 512, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.InDelta(t, 0.2, cfg.FailureThreshold, 1e-9)
	assert.Equal(t, 100, cfg.UploadBatchSize)
	assert.Equal(t, "docs_embeddings", cfg.Collection)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RAGLINE_SITE_URL", "https://docs.example.com/")
	t.Setenv("RAGLINE_CHUNK_SIZE", "256")
	t.Setenv("RAGLINE_MAX_CONCURRENT", "2")
	t.Setenv("GEMINI_API_KEY", "sdk-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.ChunkSize)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "sdk-key", cfg.GeminiAPIKey)
	// Trailing slash is normalized away when deriving the sitemap URL.
	assert.Equal(t, "https://docs.example.com/sitemap.xml", cfg.SitemapURL)
}

func TestLoad_EnvOnlyKeysSurviveDecoding(t *testing.T) {
	// Keys with no non-empty default must still decode from environment
	// variables alone.
	t.Setenv("RAGLINE_SITE_URL", "https://docs.example.com")
	t.Setenv("RAGLINE_SITEMAP_URL", "https://docs.example.com/custom-sitemap.xml")
	t.Setenv("RAGLINE_GEMINI_API_KEY", "env-key")
	t.Setenv("RAGLINE_POSTGRES_PASSWORD", "env-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://docs.example.com", cfg.SiteURL)
	assert.Equal(t, "https://docs.example.com/custom-sitemap.xml", cfg.SitemapURL)
	assert.Equal(t, "env-key", cfg.GeminiAPIKey)
	assert.Equal(t, "env-secret", cfg.PostgresPassword)
}

func TestLoad_ExplicitAPIKeyWins(t *testing.T) {
	t.Setenv("RAGLINE_SITE_URL", "https://docs.example.com")
	t.Setenv("GEMINI_API_KEY", "sdk-key")
	t.Setenv("RAGLINE_GEMINI_API_KEY", "explicit-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "explicit-key", cfg.GeminiAPIKey)
}

func TestLoadFrom_ConfigFile(t *testing.T) {
	t.Setenv("RAGLINE_SITE_URL", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "ragline.yaml")
	content := []byte(`site_url: https://docs.example.com
chunk_size: 1024
chunk_overlap: 100
collection: my_docs
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, 100, cfg.ChunkOverlap)
	assert.Equal(t, "my_docs", cfg.Collection)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			SiteURL:          "https://docs.example.com",
			EmbedDimension:   768,
			EmbedBatchSize:   96,
			UploadBatchSize:  100,
			MaxConcurrent:    5,
			ChunkSize:        512,
			ChunkOverlap:     50,
			FailureThreshold: 0.2,
			PostgresPort:     5432,
			Collection:       "docs_embeddings",
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"missing site URL", func(c *Config) { c.SiteURL = "" }, ErrMissingSiteURL},
		{"unparseable site URL", func(c *Config) { c.SiteURL = "not a url" }, ErrInvalidSiteURL},
		{"overlap >= size", func(c *Config) { c.ChunkOverlap = 512 }, ErrInvalidChunking},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }, ErrInvalidChunking},
		{"zero embed batch", func(c *Config) { c.EmbedBatchSize = 0 }, ErrInvalidBatchSize},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }, ErrInvalidConcurrency},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, ErrInvalidRetry},
		{"negative spacing", func(c *Config) { c.RequestSpacing = -time.Second }, ErrInvalidRetry},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, ErrInvalidRetry},
		{"threshold above one", func(c *Config) { c.FailureThreshold = 1.5 }, ErrInvalidThreshold},
		{"zero dimension", func(c *Config) { c.EmbedDimension = 0 }, ErrInvalidDimension},
		{"bad port", func(c *Config) { c.PostgresPort = 70000 }, ErrInvalidPostgresPort},
		{"sql-unsafe collection", func(c *Config) { c.Collection = "docs; DROP TABLE x" }, ErrInvalidCollection},
		{"collection starts with digit", func(c *Config) { c.Collection = "1docs" }, ErrInvalidCollection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/ragline"}
	assert.Equal(t, filepath.Join("/var/lib/ragline", "cache", "extracted"), cfg.CacheDir())
	assert.Equal(t, filepath.Join("/var/lib/ragline", "state"), cfg.StateDir())
	assert.Equal(t, filepath.Join("/var/lib/ragline", "embeddings.jsonl"), cfg.EmbeddingsPath())
}

func TestConfig_ConnString(t *testing.T) {
	cfg := &Config{
		PostgresHost:     "db.internal",
		PostgresPort:     5433,
		PostgresUser:     "rag",
		PostgresPassword: "secret",
		PostgresDBName:   "vectors",
		PostgresSSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=rag password=secret dbname=vectors sslmode=require",
		cfg.ConnString())
}
