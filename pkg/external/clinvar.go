package external

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/variant-annotator-server/internal/domain"
)

// ClinVarConfig represents configuration for the ClinVar E-utilities
// client. NCBI allows 3 requests/s without an API key and 10 with one.
type ClinVarConfig struct {
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"api_key"`
	Email     string        `json:"email"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit int           `json:"rate_limit"` // requests per second
	Retry     RetryPolicy   `json:"retry"`
}

// ClinVarClient handles interactions with the ClinVar database via
// NCBI E-utilities.
type ClinVarClient struct {
	baseURL    string
	apiKey     string
	email      string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	retry      RetryPolicy
}

// NewClinVarClient creates a new ClinVar API client.
func NewClinVarClient(config ClinVarConfig) *ClinVarClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		if config.APIKey != "" {
			config.RateLimit = 10
		} else {
			config.RateLimit = 3
		}
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryPolicy()
	}

	return &ClinVarClient{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		email:      config.Email,
		httpClient: &http.Client{Timeout: config.Timeout},
		rateLimit:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		retry:      config.Retry,
	}
}

// ClinVarSearchResponse represents the XML response from ClinVar esearch.
type ClinVarSearchResponse struct {
	XMLName xml.Name `xml:"eSearchResult"`
	Count   int      `xml:"Count"`
	IDList  struct {
		IDs []string `xml:"Id"`
	} `xml:"IdList"`
}

// ClinVarSummaryResponse represents the XML response from ClinVar esummary.
type ClinVarSummaryResponse struct {
	XMLName         xml.Name          `xml:"eSummaryResult"`
	DocumentSummary []DocumentSummary `xml:"DocumentSummarySet>DocumentSummary"`
}

// DocumentSummary represents a single variant summary from ClinVar.
type DocumentSummary struct {
	UID                    string `xml:"uid,attr"`
	Accession              string `xml:"accession"`
	Title                  string `xml:"title"`
	GermlineClassification struct {
		Description  string `xml:"description"`
		ReviewStatus string `xml:"review_status"`
		TraitSet     []struct {
			TraitName string `xml:"trait_name"`
		} `xml:"trait_set>trait"`
	} `xml:"germline_classification"`
	VariationSet []struct {
		Name       string `xml:"variation_name"`
		CDNAChange string `xml:"cdna_change"`
	} `xml:"variation_set>variation"`
	SupportingSubmissions struct {
		SCVs []string `xml:"scv>string"`
	} `xml:"supporting_submissions"`
	Genes []struct {
		Symbol string `xml:"symbol"`
	} `xml:"genes>gene"`
}

// Annotate queries ClinVar by genomic notation first, falling back to
// transcript notation when the first lookup has no hit. A variant
// absent from ClinVar yields a NOT_FOUND_IN_CLINVAR annotation, which
// is a success, not an error.
func (c *ClinVarClient) Annotate(ctx context.Context, variant *domain.CanonicalVariant) (*domain.AnnotationRecord, error) {
	terms := make([]string, 0, 2)
	if variant.GenomicNotation != "" {
		terms = append(terms, variant.GenomicNotation)
	}
	if variant.TranscriptNotation != "" {
		terms = append(terms, variant.TranscriptNotation)
	}

	for _, term := range terms {
		ids, err := c.searchVariant(ctx, term)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		doc, err := c.getSummary(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		return c.toAnnotationRecord(ids[0], doc), nil
	}

	return domain.NotFoundAnnotation(), nil
}

// searchVariant searches ClinVar for variant IDs using esearch.
func (c *ClinVarClient) searchVariant(ctx context.Context, term string) ([]string, error) {
	params := url.Values{
		"db":      {"clinvar"},
		"term":    {term},
		"retmode": {"xml"},
		"retmax":  {"20"},
	}

	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var searchResponse ClinVarSearchResponse
	if err := xml.Unmarshal(body, &searchResponse); err != nil {
		return nil, &domain.ServiceUnavailableError{
			Service: "clinvar",
			Err:     fmt.Errorf("failed to parse esearch response: %w", err),
		}
	}

	return searchResponse.IDList.IDs, nil
}

// getSummary retrieves the document summary for a ClinVar variation ID.
func (c *ClinVarClient) getSummary(ctx context.Context, variationID string) (*DocumentSummary, error) {
	params := url.Values{
		"db":      {"clinvar"},
		"id":      {variationID},
		"retmode": {"xml"},
	}

	body, err := c.get(ctx, "esummary.fcgi", params)
	if err != nil {
		return nil, err
	}

	var summaryResponse ClinVarSummaryResponse
	if err := xml.Unmarshal(body, &summaryResponse); err != nil {
		return nil, &domain.ServiceUnavailableError{
			Service: "clinvar",
			Err:     fmt.Errorf("failed to parse esummary response: %w", err),
		}
	}

	if len(summaryResponse.DocumentSummary) == 0 {
		return nil, nil
	}
	return &summaryResponse.DocumentSummary[0], nil
}

// get performs a rate-limited E-utilities request under the retry policy.
func (c *ClinVarClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	if c.email != "" {
		params.Set("email", c.email)
	}

	fullURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, params.Encode())

	var body []byte
	err := c.retry.Do(ctx, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("ClinVar %s returned status %d", endpoint, resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("failed to read response: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, &domain.ServiceUnavailableError{Service: "clinvar", Err: err}
	}

	return body, nil
}

// toAnnotationRecord converts a ClinVar document summary to the domain
// annotation. The classification is the service's own consensus field;
// the submission count is the number of supporting SCV records.
func (c *ClinVarClient) toAnnotationRecord(variationID string, doc *DocumentSummary) *domain.AnnotationRecord {
	record := &domain.AnnotationRecord{
		Accession:       doc.Accession,
		Classification:  domain.ClassificationFromClinVar(doc.GermlineClassification.Description),
		ReviewStatus:    doc.GermlineClassification.ReviewStatus,
		VariantID:       variationID,
		SubmissionCount: len(doc.SupportingSubmissions.SCVs),
		RecordURL:       fmt.Sprintf("https://www.ncbi.nlm.nih.gov/clinvar/variation/%s", variationID),
	}

	if len(doc.GermlineClassification.TraitSet) > 0 {
		record.Condition = doc.GermlineClassification.TraitSet[0].TraitName
	}
	if len(doc.VariationSet) > 0 {
		record.CDNAChange = doc.VariationSet[0].CDNAChange
	}

	return record
}
