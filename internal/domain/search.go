package domain

import (
	"fmt"
	"strings"
)

// SearchMode selects which key space a search query runs against.
type SearchMode string

const (
	// SearchByVariant matches genomic or transcript notation exactly,
	// case-insensitively.
	SearchByVariant SearchMode = "variant"
	// SearchByGene matches the gene symbol exactly, case-insensitively.
	SearchByGene SearchMode = "gene_symbol"
	// SearchByPatient matches patient identifiers by case-insensitive
	// substring. The bare token "patient" lists every entry.
	SearchByPatient SearchMode = "patient_name"
	// SearchByClassification matches one of the classification values.
	SearchByClassification SearchMode = "classification"
)

// ParseSearchMode parses a search mode from user input.
func ParseSearchMode(value string) (SearchMode, error) {
	switch SearchMode(strings.ToLower(strings.TrimSpace(value))) {
	case SearchByVariant:
		return SearchByVariant, nil
	case SearchByGene:
		return SearchByGene, nil
	case SearchByPatient:
		return SearchByPatient, nil
	case SearchByClassification:
		return SearchByClassification, nil
	}
	return "", NewRequestError("mode", fmt.Sprintf("unknown search mode %q", value))
}

// SearchQuery is a single search request from the web layer.
type SearchQuery struct {
	Mode  SearchMode `json:"mode"`
	Value string     `json:"value"`
}

// SearchResult is the matched entry set for a query. An empty Entries
// slice is a valid zero-row outcome, distinct from a request error.
type SearchResult struct {
	Mode    SearchMode             `json:"mode"`
	Value   string                 `json:"value"`
	Entries []*PatientVariantEntry `json:"entries"`
}
