package domain

import "context"

// VariantStore is the persisted relation of PatientVariantEntry records
// keyed uniquely by (patient_id, genomic_notation). Implementations
// must arbitrate concurrent inserts for the same key atomically.
type VariantStore interface {
	// Exists reports whether the (patientID, genomicNotation) pair is
	// already persisted. Callers use it to suppress redundant external
	// calls before invoking the normalizer and annotator.
	Exists(ctx context.Context, patientID, genomicNotation string) (bool, error)

	// InsertIfAbsent atomically persists the entry unless the dedup key
	// is already present, in which case it returns ErrAlreadyExists.
	// A losing concurrent writer also observes ErrAlreadyExists.
	InsertIfAbsent(ctx context.Context, entry *PatientVariantEntry) error

	// FindByNotation matches genomic or transcript notation exactly,
	// case-insensitively.
	FindByNotation(ctx context.Context, notation string) ([]*PatientVariantEntry, error)

	// FindByGene matches the gene symbol exactly, case-insensitively.
	FindByGene(ctx context.Context, geneSymbol string) ([]*PatientVariantEntry, error)

	// FindByPatient matches patient identifiers by case-insensitive
	// substring.
	FindByPatient(ctx context.Context, pattern string) ([]*PatientVariantEntry, error)

	// FindByClassification matches the stored classification exactly.
	FindByClassification(ctx context.Context, c Classification) ([]*PatientVariantEntry, error)

	// ListAll returns every persisted entry.
	ListAll(ctx context.Context) ([]*PatientVariantEntry, error)

	Close() error
}

// VariantNormalizer resolves a raw variant to canonical notation via
// the external validation service.
type VariantNormalizer interface {
	Normalize(ctx context.Context, raw RawVariant) (*CanonicalVariant, error)
}

// VariantAnnotator enriches a canonical variant with knowledge-base
// annotation. A missing knowledge-base entry is returned as a
// NOT_FOUND_IN_CLINVAR annotation, never as an error.
type VariantAnnotator interface {
	Annotate(ctx context.Context, variant *CanonicalVariant) (*AnnotationRecord, error)
}
