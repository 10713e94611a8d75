package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Defaults(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	cfg := manager.GetConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/variants.db", cfg.Database.Path)

	assert.Equal(t, "https://rest.variantvalidator.org", cfg.ExternalAPI.VariantValidator.BaseURL)
	assert.Equal(t, "GRCh38", cfg.ExternalAPI.VariantValidator.GenomeBuild)
	assert.Equal(t, "mane_select", cfg.ExternalAPI.VariantValidator.SelectTranscripts)
	assert.Equal(t, "https://eutils.ncbi.nlm.nih.gov/entrez/eutils", cfg.ExternalAPI.ClinVar.BaseURL)

	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.RetryBaseDelay)

	assert.Equal(t, 4096, cfg.Cache.Size)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)

	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestManager_Validate(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, manager.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"sqlite without path", func(c *Config) { c.Database.Driver = "sqlite"; c.Database.Path = "" }},
		{"postgres without host", func(c *Config) { c.Database.Driver = "postgres"; c.Database.Host = "" }},
		{"missing validator url", func(c *Config) { c.ExternalAPI.VariantValidator.BaseURL = "" }},
		{"missing clinvar url", func(c *Config) { c.ExternalAPI.ClinVar.BaseURL = "" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager()
			require.NoError(t, err)
			tt.mutate(m.GetConfig())
			assert.Error(t, m.Validate())
		})
	}
}
