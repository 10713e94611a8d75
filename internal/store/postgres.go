package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/variant-annotator-server/internal/domain"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
}

// URL returns the connection URL form used by the migration runner.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// PostgresStore implements domain.VariantStore using a pgx connection
// pool. Schema management lives in the migrations directory.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgresStore creates a new PostgreSQL variant store.
func NewPostgresStore(ctx context.Context, config PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database, config.Username, config.Password, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLife
	poolConfig.MaxConnIdleTime = config.MaxConnIdle

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":     config.Host,
		"port":     config.Port,
		"database": config.Database,
	}).Info("PostgreSQL variant store connected")

	return &PostgresStore{pool: pool, log: logger}, nil
}

const pgEntryColumns = `patient_id, genomic_notation, transcript_notation, gene_symbol,
		accession, classification, associated_condition, record_url,
		clinvar_variant_id, submission_count, review_status, cdna_change, created_at`

// Exists reports whether the (patientID, genomicNotation) pair is persisted.
func (s *PostgresStore) Exists(ctx context.Context, patientID, genomicNotation string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM patient_variants WHERE patient_id = $1 AND genomic_notation = $2",
		patientID, genomicNotation,
	).Scan(&one)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	return true, nil
}

// InsertIfAbsent atomically persists the entry unless the dedup key is
// already present. The losing writer of a concurrent insert observes
// zero affected rows and gets domain.ErrAlreadyExists.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, entry *domain.PatientVariantEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO patient_variants (`+pgEntryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (patient_id, genomic_notation) DO NOTHING`,
		entry.PatientID,
		entry.Variant.GenomicNotation,
		textOrNil(entry.Variant.TranscriptNotation),
		textOrNil(entry.Variant.GeneSymbol),
		textOrNil(entry.Annotation.Accession),
		string(entry.Annotation.Classification),
		textOrNil(entry.Annotation.Condition),
		textOrNil(entry.Annotation.RecordURL),
		textOrNil(entry.Annotation.VariantID),
		entry.Annotation.SubmissionCount,
		textOrNil(entry.Annotation.ReviewStatus),
		textOrNil(entry.Annotation.CDNAChange),
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

	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}

	s.log.WithFields(logrus.Fields{
		"patient_id":     entry.PatientID,
		"genomic":        entry.Variant.GenomicNotation,
		"classification": entry.Annotation.Classification,
	}).Info("Patient variant persisted")

	return nil
}

// FindByNotation matches genomic or transcript notation exactly,
// case-insensitively.
func (s *PostgresStore) FindByNotation(ctx context.Context, notation string) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+pgEntryColumns+` FROM patient_variants
		WHERE LOWER(genomic_notation) = LOWER($1) OR LOWER(transcript_notation) = LOWER($1)
		ORDER BY patient_id`, notation)
}

// FindByGene matches the gene symbol exactly, case-insensitively.
func (s *PostgresStore) FindByGene(ctx context.Context, geneSymbol string) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+pgEntryColumns+` FROM patient_variants
		WHERE LOWER(gene_symbol) = LOWER($1)
		ORDER BY patient_id, genomic_notation`, geneSymbol)
}

// FindByPatient matches patient identifiers by case-insensitive substring.
func (s *PostgresStore) FindByPatient(ctx context.Context, pattern string) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+pgEntryColumns+` FROM patient_variants
		WHERE patient_id ILIKE '%' || $1 || '%'
		ORDER BY patient_id, genomic_notation`, pattern)
}

// FindByClassification matches the stored classification exactly.
func (s *PostgresStore) FindByClassification(ctx context.Context, c domain.Classification) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+pgEntryColumns+` FROM patient_variants
		WHERE classification = $1
		ORDER BY patient_id, genomic_notation`, string(c))
}

// ListAll returns every persisted entry.
func (s *PostgresStore) ListAll(ctx context.Context) ([]*domain.PatientVariantEntry, error) {
	return s.query(ctx, `
		SELECT `+pgEntryColumns+` FROM patient_variants
		ORDER BY patient_id, genomic_notation`)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*domain.PatientVariantEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func textOrNil(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
