package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variant-annotator-server/internal/domain"
)

func fastValidatorConfig(baseURL string) VariantValidatorConfig {
	return VariantValidatorConfig{
		BaseURL:   baseURL,
		RateLimit: 1000,
		Retry:     testPolicy(3),
	}
}

// GBA variant response keyed by transcript notation, with the flag and
// metadata keys the service always includes.
const validatorResponseBody = `{
	"flag": "gene_variant",
	"NM_000157.4:c.1093G>T": {
		"gene_symbol": "GBA1",
		"gene_ids": {"hgnc_id": "HGNC:4177"}
	},
	"metadata": {"variantvalidator_version": "2.2.0"}
}`

func TestVariantValidatorClient_Normalize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/VariantValidator/variantvalidator/GRCh38/17:45983420:G:T/mane_select", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(validatorResponseBody))
	}))
	defer server.Close()

	client := NewVariantValidatorClient(fastValidatorConfig(server.URL))

	canonical, err := client.Normalize(context.Background(), domain.RawVariant{
		PatientID: "P1", Chrom: "17", Pos: 45983420, Ref: "G", Alt: "T",
	})

	require.NoError(t, err)
	assert.Equal(t, "17:45983420:G:T", canonical.GenomicNotation)
	assert.Equal(t, "NM_000157.4:c.1093G>T", canonical.TranscriptNotation)
	assert.Equal(t, "GBA1", canonical.GeneSymbol)
}

func TestVariantValidatorClient_FirstTranscriptWins(t *testing.T) {
	// Two transcript keys: selection must follow document order, not
	// lexical or map order.
	body := `{
		"flag": "gene_variant",
		"NM_020988.3:c.100A>G": {"gene_symbol": "GNAO1"},
		"NM_000157.4:c.1093G>T": {"gene_symbol": "GBA1"}
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewVariantValidatorClient(fastValidatorConfig(server.URL))

	canonical, err := client.Normalize(context.Background(), domain.RawVariant{
		Chrom: "17", Pos: 45983420, Ref: "G", Alt: "T",
	})

	require.NoError(t, err)
	assert.Equal(t, "NM_020988.3:c.100A>G", canonical.TranscriptNotation)
	assert.Equal(t, "GNAO1", canonical.GeneSymbol)
}

func TestVariantValidatorClient_IntergenicVariant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"flag": "intergenic", "metadata": {}}`))
	}))
	defer server.Close()

	client := NewVariantValidatorClient(fastValidatorConfig(server.URL))

	canonical, err := client.Normalize(context.Background(), domain.RawVariant{
		Chrom: "1", Pos: 100, Ref: "A", Alt: "G",
	})

	require.NoError(t, err)
	assert.Equal(t, "1:100:A:G", canonical.GenomicNotation)
	assert.Empty(t, canonical.TranscriptNotation)
	assert.Empty(t, canonical.GeneSymbol)
}

func TestVariantValidatorClient_RejectsLocallyWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := NewVariantValidatorClient(fastValidatorConfig(server.URL))

	tests := []struct {
		name string
		raw  domain.RawVariant
	}{
		{"bad chromosome", domain.RawVariant{Chrom: "25", Pos: 100, Ref: "A", Alt: "G"}},
		{"zero position", domain.RawVariant{Chrom: "1", Pos: 0, Ref: "A", Alt: "G"}},
		{"bad bases", domain.RawVariant{Chrom: "1", Pos: 100, Ref: "A", Alt: "Z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Normalize(context.Background(), tt.raw)
			require.Error(t, err)
			assert.True(t, domain.IsRejected(err))
		})
	}

	assert.Zero(t, calls.Load(), "invalid descriptions must be rejected before any request")
}

func TestVariantValidatorClient_ClientErrorIsRejection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewVariantValidatorClient(fastValidatorConfig(server.URL))

	_, err := client.Normalize(context.Background(), domain.RawVariant{
		Chrom: "17", Pos: 45983420, Ref: "G", Alt: "T",
	})

	require.Error(t, err)
	assert.True(t, domain.IsRejected(err))
	assert.False(t, domain.IsServiceUnavailable(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestVariantValidatorClient_ServerErrorRetriedThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewVariantValidatorClient(fastValidatorConfig(server.URL))

	_, err := client.Normalize(context.Background(), domain.RawVariant{
		Chrom: "17", Pos: 45983420, Ref: "G", Alt: "T",
	})

	require.Error(t, err)
	assert.True(t, domain.IsServiceUnavailable(err))
	assert.Equal(t, int32(3), calls.Load())

	var unavailable *domain.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "variantvalidator", unavailable.Service)
}

func TestVariantValidatorClient_Unreachable(t *testing.T) {
	client := NewVariantValidatorClient(VariantValidatorConfig{
		BaseURL:   "http://127.0.0.1:1",
		Timeout:   time.Second,
		RateLimit: 1000,
		Retry:     testPolicy(2),
	})

	_, err := client.Normalize(context.Background(), domain.RawVariant{
		Chrom: "17", Pos: 45983420, Ref: "G", Alt: "T",
	})

	require.Error(t, err)
	assert.True(t, domain.IsServiceUnavailable(err))
}
