package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"github.com/variant-annotator-server/internal/domain"
	"github.com/variant-annotator-server/pkg/notation"
)

// VariantValidatorConfig represents configuration for the
// VariantValidator REST API client.
type VariantValidatorConfig struct {
	BaseURL           string        `json:"base_url"`
	GenomeBuild       string        `json:"genome_build"`
	SelectTranscripts string        `json:"select_transcripts"`
	Timeout           time.Duration `json:"timeout"`
	RateLimit         int           `json:"rate_limit"` // requests per second
	Retry             RetryPolicy   `json:"retry"`
}

// VariantValidatorClient resolves VCF-style genomic descriptions to
// canonical HGVS notation via the VariantValidator REST API.
type VariantValidatorClient struct {
	baseURL           string
	genomeBuild       string
	selectTranscripts string
	httpClient        *http.Client
	rateLimit         *rate.Limiter
	retry             RetryPolicy
}

// NewVariantValidatorClient creates a new VariantValidator API client.
func NewVariantValidatorClient(config VariantValidatorConfig) *VariantValidatorClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://rest.variantvalidator.org"
	}
	if config.GenomeBuild == "" {
		config.GenomeBuild = "GRCh38"
	}
	if config.SelectTranscripts == "" {
		config.SelectTranscripts = "mane_select"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryPolicy()
	}

	return &VariantValidatorClient{
		baseURL:           config.BaseURL,
		genomeBuild:       config.GenomeBuild,
		selectTranscripts: config.SelectTranscripts,
		httpClient:        &http.Client{Timeout: config.Timeout},
		rateLimit:         rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		retry:             config.Retry,
	}
}

var (
	chromPattern = regexp.MustCompile(`^([1-9]|1[0-9]|2[0-2]|X|Y|MT)$`)
	basesPattern = regexp.MustCompile(`^[ACGT]+$`)
)

// validatorRecord is the per-variant payload in a VariantValidator
// response; the key carrying it is the transcript HGVS notation.
type validatorRecord struct {
	GeneSymbol string `json:"gene_symbol"`
	GeneIDs    struct {
		HGNCID string `json:"hgnc_id"`
	} `json:"gene_ids"`
}

// Normalize resolves raw to canonical genomic plus transcript notation.
// The transcript is the first syntactically valid transcript-level
// result in the order the service returned it; no secondary ranking is
// applied. Intergenic variants come back with an empty transcript and
// still proceed.
func (c *VariantValidatorClient) Normalize(ctx context.Context, raw domain.RawVariant) (*domain.CanonicalVariant, error) {
	description := raw.GenomicNotation()

	// Reject descriptions the service would refuse without spending a
	// network round trip.
	if err := validateDescription(raw); err != nil {
		return nil, err
	}

	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	requestURL := fmt.Sprintf("%s/VariantValidator/variantvalidator/%s/%s/%s",
		c.baseURL, c.genomeBuild, description, c.selectTranscripts)

	var body []byte
	err := c.retry.Do(ctx, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return resp.StatusCode, &domain.ValidationRejectedError{
				Notation:   description,
				StatusCode: resp.StatusCode,
				Reason:     "query rejected by VariantValidator",
			}
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("VariantValidator returned status %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("failed to read response: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		if domain.IsRejected(err) {
			return nil, err
		}
		return nil, &domain.ServiceUnavailableError{Service: "variantvalidator", Err: err}
	}

	return c.parseResponse(description, body)
}

// parseResponse walks the top-level response object preserving key
// order: the service keys each candidate record by its transcript HGVS
// notation, and selection is "first valid as received".
func (c *VariantValidatorClient) parseResponse(description string, body []byte) (*domain.CanonicalVariant, error) {
	keys, records, err := decodeOrderedObject(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse VariantValidator response: %w", err)
	}

	canonical := &domain.CanonicalVariant{GenomicNotation: description}

	for i, key := range keys {
		if key == "flag" || key == "metadata" {
			continue
		}

		var record validatorRecord
		if err := json.Unmarshal(records[i], &record); err != nil {
			continue
		}
		if canonical.GeneSymbol == "" && record.GeneSymbol != "" {
			canonical.GeneSymbol = record.GeneSymbol
		}
		if canonical.TranscriptNotation == "" && notation.IsTranscript(key) {
			canonical.TranscriptNotation = key
		}
	}

	return canonical, nil
}

// decodeOrderedObject decodes a one-level JSON object into parallel
// key/value slices in document order. encoding/json maps lose ordering,
// which would make transcript selection non-deterministic.
func decodeOrderedObject(body []byte) ([]string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var keys []string
	var values []json.RawMessage
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		values = append(values, value)
	}

	return keys, values, nil
}

func validateDescription(raw domain.RawVariant) error {
	desc := raw.GenomicNotation()
	if !chromPattern.MatchString(raw.Chrom) {
		return &domain.ValidationRejectedError{
			Notation: desc,
			Reason:   fmt.Sprintf("invalid chromosome %q", raw.Chrom),
		}
	}
	if raw.Pos <= 0 {
		return &domain.ValidationRejectedError{
			Notation: desc,
			Reason:   fmt.Sprintf("invalid position %d", raw.Pos),
		}
	}
	if !basesPattern.MatchString(raw.Ref) || !basesPattern.MatchString(raw.Alt) {
		return &domain.ValidationRejectedError{
			Notation: desc,
			Reason:   "reference and alternate alleles must be A, C, G or T bases",
		}
	}
	return nil
}
