package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/variant-annotator-server/internal/domain"
)

// SQLiteStore implements domain.VariantStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteStore creates a new SQLite variant store. It creates the
// database file and schema if they don't exist. Pass ":memory:" for an
// in-memory store.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The modernc driver serializes writes per connection; a single
	// connection keeps the in-memory database shared across goroutines
	// and lets ON CONFLICT arbitrate concurrent inserts.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("SQLite variant store opened")

	return &SQLiteStore{db: db, dbPath: dbPath, log: logger}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patient_variants (
		patient_id TEXT NOT NULL,
		genomic_notation TEXT NOT NULL,
		transcript_notation TEXT,
		gene_symbol TEXT,
		accession TEXT,
		classification TEXT NOT NULL,
		associated_condition TEXT,
		record_url TEXT,
		clinvar_variant_id TEXT,
		submission_count INTEGER,
		review_status TEXT,
		cdna_change TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (patient_id, genomic_notation)
	);

	CREATE INDEX IF NOT EXISTS idx_pv_genomic ON patient_variants(genomic_notation);
	CREATE INDEX IF NOT EXISTS idx_pv_transcript ON patient_variants(transcript_notation);
	CREATE INDEX IF NOT EXISTS idx_pv_gene ON patient_variants(gene_symbol);
	CREATE INDEX IF NOT EXISTS idx_pv_classification ON patient_variants(classification);
	CREATE INDEX IF NOT EXISTS idx_pv_patient ON patient_variants(patient_id);
	`

	_, err := db.Exec(schema)
	return err
}

const entryColumns = `patient_id, genomic_notation, transcript_notation, gene_symbol,
		accession, classification, associated_condition, record_url,
		clinvar_variant_id, submission_count, review_status, cdna_change, created_at`

// Exists reports whether the (patientID, genomicNotation) pair is persisted.
func (s *SQLiteStore) Exists(ctx context.Context, patientID, genomicNotation string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM patient_variants WHERE patient_id = ? AND genomic_notation = ?",
		patientID, genomicNotation,
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	return true, nil
}

// InsertIfAbsent atomically persists the entry unless the dedup key is
// already present. ON CONFLICT DO NOTHING arbitrates concurrent inserts
// for the same key: the losing writer observes zero affected rows and
// gets domain.ErrAlreadyExists, an idempotent outcome.
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, entry *domain.PatientVariantEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO patient_variants (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_id, genomic_notation) DO NOTHING
	`,
		entry.PatientID,
		entry.Variant.GenomicNotation,
		nullString(entry.Variant.TranscriptNotation),
		nullString(entry.Variant.GeneSymbol),
		nullString(entry.Annotation.Accession),
		string(entry.Annotation.Classification),
		nullString(entry.Annotation.Condition),
		nullString(entry.Annotation.RecordURL),
		nullString(entry.Annotation.VariantID),
		entry.Annotation.SubmissionCount,
		nullString(entry.Annotation.ReviewStatus),
		nullString(entry.Annotation.CDNAChange),
		entry.CreatedAt,
	)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"patient_id": entry.PatientID,
			"genomic":    entry.Variant.GenomicNotation,
			"error":      err,
		}).Error("Failed to insert patient variant")
		return fmt.Errorf("inserting patient variant: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting patient variant: %w", err)
	}
	if affected == 0 {
		return domain.ErrAlreadyExists
	}

	s.log.WithFields(logrus.Fields{
		"patient_id":     entry.PatientID,
		"genomic":        entry.Variant.GenomicNotation,
		"transcript":     entry.Variant.TranscriptNotation,
		"classification": entry.Annotation.Classification,
	}).Info("Patient variant persisted")

	return nil
}

// FindByNotation matches genomic or transcript notation exactly,
// case-insensitively.
func (s *SQLiteStore) FindByNotation(ctx context.Context, notation string) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM patient_variants
		WHERE LOWER(genomic_notation) = LOWER(?) OR LOWER(transcript_notation) = LOWER(?)
		ORDER BY patient_id`, notation, notation)
}

// FindByGene matches the gene symbol exactly, case-insensitively.
func (s *SQLiteStore) FindByGene(ctx context.Context, geneSymbol string) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM patient_variants
		WHERE LOWER(gene_symbol) = LOWER(?)
		ORDER BY patient_id, genomic_notation`, geneSymbol)
}

// FindByPatient matches patient identifiers by case-insensitive substring.
func (s *SQLiteStore) FindByPatient(ctx context.Context, pattern string) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM patient_variants
		WHERE LOWER(patient_id) LIKE '%' || LOWER(?) || '%'
		ORDER BY patient_id, genomic_notation`, pattern)
}

// FindByClassification matches the stored classification exactly.
func (s *SQLiteStore) FindByClassification(ctx context.Context, c domain.Classification) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM patient_variants
		WHERE classification = ?
		ORDER BY patient_id, genomic_notation`, string(c))
}

// ListAll returns every persisted entry.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM patient_variants
		ORDER BY patient_id, genomic_notation`)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]*domain.PatientVariantEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying patient variants: %w", err)
	}
	defer rows.Close()

	var entries []*domain.PatientVariantEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning patient variant row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry scans a row into a PatientVariantEntry.
func scanEntry(sc scanner) (*domain.PatientVariantEntry, error) {
	var (
		entry          domain.PatientVariantEntry
		transcript     sql.NullString
		gene           sql.NullString
		accession      sql.NullString
		classification string
		condition      sql.NullString
		recordURL      sql.NullString
		variantID      sql.NullString
		submissions    sql.NullInt64
		reviewStatus   sql.NullString
		cdnaChange     sql.NullString
	)

	err := sc.Scan(
		&entry.PatientID,
		&entry.Variant.GenomicNotation,
		&transcript,
		&gene,
		&accession,
		&classification,
		&condition,
		&recordURL,
		&variantID,
		&submissions,
		&reviewStatus,
		&cdnaChange,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Variant.TranscriptNotation = transcript.String
	entry.Variant.GeneSymbol = gene.String
	entry.Annotation = domain.AnnotationRecord{
		Accession:       accession.String,
		Classification:  domain.Classification(classification),
		Condition:       condition.String,
		RecordURL:       recordURL.String,
		VariantID:       variantID.String,
		SubmissionCount: int(submissions.Int64),
		ReviewStatus:    reviewStatus.String,
		CDNAChange:      cdnaChange.String,
	}

	return &entry, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
