package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variant-annotator-server/internal/domain"
	"github.com/variant-annotator-server/internal/store"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// stubNormalizer resolves every variant to a canonical form derived
// from its genomic notation, with per-notation error overrides.
type stubNormalizer struct {
	mu       sync.Mutex
	errs     map[string]error
	failures map[string]int // notation -> remaining failures before success
}

func (s *stubNormalizer) Normalize(ctx context.Context, raw domain.RawVariant) (*domain.CanonicalVariant, error) {
	key := raw.GenomicNotation()

	s.mu.Lock()
	if s.failures != nil && s.failures[key] > 0 {
		s.failures[key]--
		s.mu.Unlock()
		return nil, &domain.ServiceUnavailableError{Service: "variantvalidator", Err: errors.New("down")}
	}
	err := s.errs[key]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &domain.CanonicalVariant{
		GenomicNotation:    key,
		TranscriptNotation: "NM_000157.4:c.1093G>T",
		GeneSymbol:         "GBA1",
	}, nil
}

type stubAnnotator struct {
	mu   sync.Mutex
	errs map[string]error
}

func (s *stubAnnotator) Annotate(ctx context.Context, variant *domain.CanonicalVariant) (*domain.AnnotationRecord, error) {
	s.mu.Lock()
	err := s.errs[variant.GenomicNotation]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &domain.AnnotationRecord{
		Accession:      "VCV000004288",
		Classification: domain.PATHOGENIC,
		Condition:      "Gaucher disease",
		VariantID:      "4288",
	}, nil
}

func newTestPipeline(t *testing.T, normalizer domain.VariantNormalizer, annotator domain.VariantAnnotator) (*Pipeline, domain.VariantStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, normalizer, annotator, Config{Workers: 4}, testLogger()), st
}

const variantFile = "#CHROM\tPOS\tID\tREF\tALT\n" +
	"17\t45983420\t.\tG\tT\n" +
	"4\t89828149\t.\tC\tA\n"

func TestPipeline_Process(t *testing.T) {
	pl, st := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})

	summary, err := pl.Process(context.Background(), strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)

	assert.Equal(t, domain.BatchDone, summary.State)
	assert.Equal(t, 2, summary.Inserted)
	assert.Zero(t, summary.AlreadyExisted)
	assert.Zero(t, summary.Unresolved)
	assert.Zero(t, summary.ServiceFailed)
	assert.Zero(t, summary.Malformed)
	assert.False(t, summary.CompletedAt.IsZero())

	entries, err := st.FindByPatient(context.Background(), "Patient1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	found, err := st.FindByNotation(context.Background(), "17:45983420:G:T")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "GBA1", found[0].Variant.GeneSymbol)
	assert.Equal(t, domain.PATHOGENIC, found[0].Annotation.Classification)
}

func TestPipeline_ReuploadIsIdempotent(t *testing.T) {
	pl, _ := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})
	ctx := context.Background()

	first, err := pl.Process(ctx, strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := pl.Process(ctx, strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 2, second.AlreadyExisted)

	// same file under a new patient is new data
	third, err := pl.Process(ctx, strings.NewReader(variantFile), "Patient2", "Patient2.vcf")
	require.NoError(t, err)
	assert.Equal(t, 2, third.Inserted)
}

func TestPipeline_DuplicateRowsWithinFile(t *testing.T) {
	file := "#CHROM\tPOS\tID\tREF\tALT\n" +
		"17\t45983420\t.\tG\tT\n" +
		"17\t45983420\t.\tG\tT\n"

	pl, st := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})

	summary, err := pl.Process(context.Background(), strings.NewReader(file), "Patient1", "Patient1.vcf")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.AlreadyExisted)

	entries, err := st.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPipeline_RejectedVariantIsUnresolved(t *testing.T) {
	normalizer := &stubNormalizer{errs: map[string]error{
		"4:89828149:C:A": &domain.ValidationRejectedError{Notation: "4:89828149:C:A", StatusCode: 400, Reason: "rejected"},
	}}
	pl, st := newTestPipeline(t, normalizer, &stubAnnotator{})

	summary, err := pl.Process(context.Background(), strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Unresolved)
	assert.NotEmpty(t, summary.Warnings)

	// rejected variants are never persisted
	entries, err := st.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPipeline_MalformedRowsCounted(t *testing.T) {
	file := "#CHROM\tPOS\tID\tREF\tALT\n" +
		"17\tnope\t.\tG\tT\n" +
		"17\t45983420\t.\tG\tT\n"

	pl, _ := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})

	summary, err := pl.Process(context.Background(), strings.NewReader(file), "Patient1", "Patient1.vcf")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Malformed)
	assert.NotEmpty(t, summary.Warnings)
}

func TestPipeline_HeaderErrorFailsFile(t *testing.T) {
	pl, _ := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})

	_, err := pl.Process(context.Background(), strings.NewReader("chrom,position\n1,2\n"), "Patient1", "p.csv")
	require.Error(t, err)

	var malformedErr *domain.MalformedRecordError
	assert.ErrorAs(t, err, &malformedErr)
}

func TestPipeline_ServiceFailureAndRepair(t *testing.T) {
	normalizer := &stubNormalizer{failures: map[string]int{
		"4:89828149:C:A": 1, // fail once, succeed on repair
	}}
	pl, st := newTestPipeline(t, normalizer, &stubAnnotator{})
	ctx := context.Background()

	summary, err := pl.Process(ctx, strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.ServiceFailed)

	// the failed variant was not persisted
	entries, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	repair, err := pl.Repair(ctx, summary.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, repair.Attempted)
	assert.Equal(t, 1, repair.Inserted)
	assert.Zero(t, repair.AlreadyExisted)
	assert.Zero(t, repair.ServiceFailed)

	entries, err = st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	batch, ok := pl.Tracker().Get(summary.BatchID)
	require.True(t, ok)
	after := batch.Summary()
	assert.Equal(t, 2, after.Inserted)
	assert.Zero(t, after.ServiceFailed)

	// nothing left to repair
	repair, err = pl.Repair(ctx, summary.BatchID)
	require.NoError(t, err)
	assert.Zero(t, repair.Attempted)
}

func TestPipeline_RepairOfVariantPersistedMeanwhile(t *testing.T) {
	normalizer := &stubNormalizer{failures: map[string]int{
		"4:89828149:C:A": 1,
	}}
	pl, _ := newTestPipeline(t, normalizer, &stubAnnotator{})
	ctx := context.Background()

	summary, err := pl.Process(ctx, strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)
	require.Equal(t, 1, summary.ServiceFailed)

	// a later upload of the same file persists the variant first
	second, err := pl.Process(ctx, strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inserted)
	assert.Equal(t, 1, second.AlreadyExisted)

	// the original batch's repair finds the row already present and
	// must not claim to have inserted it
	repair, err := pl.Repair(ctx, summary.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, repair.Attempted)
	assert.Zero(t, repair.Inserted)
	assert.Equal(t, 1, repair.AlreadyExisted)
	assert.Zero(t, repair.ServiceFailed)
}

func TestPipeline_RepairUnknownBatch(t *testing.T) {
	pl, _ := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})

	_, err := pl.Repair(context.Background(), "no-such-batch")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPipeline_AnnotatorOutageCounted(t *testing.T) {
	annotator := &stubAnnotator{errs: map[string]error{
		"17:45983420:G:T": &domain.ServiceUnavailableError{Service: "clinvar", Err: errors.New("down")},
	}}
	pl, _ := newTestPipeline(t, &stubNormalizer{}, annotator)

	summary, err := pl.Process(context.Background(), strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.ServiceFailed)
}

func TestPipeline_Enqueue(t *testing.T) {
	pl, _ := newTestPipeline(t, &stubNormalizer{}, &stubAnnotator{})

	batchID, err := pl.Enqueue(strings.NewReader(variantFile), "Patient1", "Patient1.vcf")
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		batch, ok := pl.Tracker().Get(batchID)
		require.True(t, ok)
		summary := batch.Summary()
		if summary.State == domain.BatchDone {
			assert.Equal(t, 2, summary.Inserted)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch did not finish, state %s", summary.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
