package domain

import (
	"fmt"
	"strings"
	"time"
)

// Core Enums and Types

// Classification represents the ClinVar consensus pathogenicity categories.
// NOT_FOUND_IN_CLINVAR is a terminal annotation state, not a fetch failure.
type Classification string

const (
	PATHOGENIC             Classification = "PATHOGENIC"
	LIKELY_PATHOGENIC      Classification = "LIKELY_PATHOGENIC"
	BENIGN                 Classification = "BENIGN"
	LIKELY_BENIGN          Classification = "LIKELY_BENIGN"
	UNCERTAIN_SIGNIFICANCE Classification = "UNCERTAIN_SIGNIFICANCE"
	CONFLICTING            Classification = "CONFLICTING"
	NOT_PROVIDED           Classification = "NOT_PROVIDED"
	NOT_FOUND_IN_CLINVAR   Classification = "NOT_FOUND_IN_CLINVAR"
)

// Classifications lists every valid classification value.
func Classifications() []Classification {
	return []Classification{
		PATHOGENIC, LIKELY_PATHOGENIC, BENIGN, LIKELY_BENIGN,
		UNCERTAIN_SIGNIFICANCE, CONFLICTING, NOT_PROVIDED, NOT_FOUND_IN_CLINVAR,
	}
}

// ParseClassification parses a classification value from user input.
// It accepts enum spelling ("LIKELY_PATHOGENIC") and ClinVar display
// spelling ("Likely pathogenic") case-insensitively. An unrecognized
// value is a request error, never an empty result.
func ParseClassification(value string) (Classification, error) {
	if c, ok := classificationAliases[normalizeClassificationKey(value)]; ok {
		return c, nil
	}
	return "", NewRequestError("classification", fmt.Sprintf("unknown classification %q", value))
}

// ClassificationFromClinVar maps the consensus description reported by
// ClinVar onto a Classification. The consensus field is taken verbatim;
// no local re-derivation from individual submissions is performed.
// Descriptions outside the known vocabulary map to NOT_PROVIDED.
func ClassificationFromClinVar(description string) Classification {
	if description == "" {
		return NOT_PROVIDED
	}
	if c, ok := classificationAliases[normalizeClassificationKey(description)]; ok {
		return c
	}
	return NOT_PROVIDED
}

var classificationAliases = map[string]Classification{
	"pathogenic":                                   PATHOGENIC,
	"likely pathogenic":                            LIKELY_PATHOGENIC,
	"likely_pathogenic":                            LIKELY_PATHOGENIC,
	"pathogenic/likely pathogenic":                 LIKELY_PATHOGENIC,
	"benign":                                       BENIGN,
	"likely benign":                                LIKELY_BENIGN,
	"likely_benign":                                LIKELY_BENIGN,
	"benign/likely benign":                         LIKELY_BENIGN,
	"uncertain significance":                       UNCERTAIN_SIGNIFICANCE,
	"uncertain_significance":                       UNCERTAIN_SIGNIFICANCE,
	"vus":                                          UNCERTAIN_SIGNIFICANCE,
	"conflicting":                                  CONFLICTING,
	"conflicting classifications of pathogenicity": CONFLICTING,
	"conflicting interpretations of pathogenicity": CONFLICTING,
	"not provided":                                 NOT_PROVIDED,
	"not_provided":                                 NOT_PROVIDED,
	"not found in clinvar":                         NOT_FOUND_IN_CLINVAR,
	"not_found_in_clinvar":                         NOT_FOUND_IN_CLINVAR,
	"notfoundinclinvar":                            NOT_FOUND_IN_CLINVAR,
}

func normalizeClassificationKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Core Data Models

// RawVariant is a single pre-called variant row read from an uploaded
// patient file. It exists only between the parser and the normalizer.
type RawVariant struct {
	PatientID string `json:"patient_id"`
	Chrom     string `json:"chrom"`
	Pos       int64  `json:"pos"`
	Ref       string `json:"ref"`
	Alt       string `json:"alt"`
}

// GenomicNotation renders the deterministic chrom:pos:ref:alt form.
// The same (chrom, pos, ref, alt) always yields the same string.
func (v RawVariant) GenomicNotation() string {
	return fmt.Sprintf("%s:%d:%s:%s", v.Chrom, v.Pos, v.Ref, v.Alt)
}

// CanonicalVariant is a variant resolved to its canonical notations by
// the validation service. TranscriptNotation is empty for intergenic
// variants or when the service returns no transcript mapping; the
// record still proceeds through annotation and persistence.
type CanonicalVariant struct {
	GenomicNotation    string `json:"genomic_notation"`
	TranscriptNotation string `json:"transcript_notation,omitempty"`
	GeneSymbol         string `json:"gene_symbol,omitempty"`
}

// AnnotationRecord holds the ClinVar annotation for a canonical variant.
// When the knowledge base has no entry, Classification is
// NOT_FOUND_IN_CLINVAR and every other field is empty.
type AnnotationRecord struct {
	Accession       string         `json:"accession,omitempty"`
	Classification  Classification `json:"classification"`
	Condition       string         `json:"condition,omitempty"`
	RecordURL       string         `json:"record_url,omitempty"`
	VariantID       string         `json:"variant_id,omitempty"`
	SubmissionCount int            `json:"submission_count,omitempty"`
	ReviewStatus    string         `json:"review_status,omitempty"`
	CDNAChange      string         `json:"cdna_change,omitempty"`
}

// NotFoundAnnotation returns the terminal annotation for a variant the
// knowledge base has no entry for.
func NotFoundAnnotation() *AnnotationRecord {
	return &AnnotationRecord{Classification: NOT_FOUND_IN_CLINVAR}
}

// PatientVariantEntry is the persisted unit. The pair
// (PatientID, Variant.GenomicNotation) is unique across the store and
// the entry is never mutated after creation.
type PatientVariantEntry struct {
	PatientID  string           `json:"patient_id"`
	Variant    CanonicalVariant `json:"variant"`
	Annotation AnnotationRecord `json:"annotation"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Batch Models

// BatchState tracks the lifecycle of an asynchronous upload batch.
type BatchState string

const (
	BatchQueued  BatchState = "QUEUED"
	BatchRunning BatchState = "RUNNING"
	BatchDone    BatchState = "DONE"
	BatchError   BatchState = "ERROR"
)

// BatchSummary is the per-file result of an ingestion run. Per-row and
// per-variant failures are contained here; they never abort the file.
type BatchSummary struct {
	BatchID        string     `json:"batch_id"`
	PatientID      string     `json:"patient_id"`
	Filename       string     `json:"filename,omitempty"`
	State          BatchState `json:"state"`
	Inserted       int        `json:"inserted"`
	AlreadyExisted int        `json:"already_existed"`
	Unresolved     int        `json:"unresolved"`
	ServiceFailed  int        `json:"service_failed"`
	Malformed      int        `json:"malformed"`
	Warnings       []string   `json:"warnings,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    time.Time  `json:"completed_at,omitempty"`
}

// RepairSummary is the result of an explicit re-annotation pass over
// variants that failed annotation on a previous run.
type RepairSummary struct {
	Attempted      int `json:"attempted"`
	Inserted       int `json:"inserted"`
	AlreadyExisted int `json:"already_existed"`
	ServiceFailed  int `json:"service_failed"`
}
