// Package pipeline runs the variant normalization and annotation
// pipeline: parse, normalize against the validation service, enrich
// from the knowledge base, and persist behind the deduplication gate.
//
// A file is processed as independent per-variant runs on a bounded
// worker pool; no ordering is guaranteed across variants or files.
// Per-row and per-variant failures are contained in the batch summary
// and never abort the rest of the file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/variant-annotator-server/internal/domain"
	"github.com/variant-annotator-server/internal/parser"
)

// Config bounds the pipeline's concurrency. The external services'
// rate limits are the binding constraint, not local CPU.
type Config struct {
	Workers int `json:"workers"`
}

// Pipeline wires the parser, normalizer, annotator and persistence
// gate into per-variant runs.
type Pipeline struct {
	store      domain.VariantStore
	normalizer domain.VariantNormalizer
	annotator  domain.VariantAnnotator
	tracker    *Tracker
	workers    int
	log        *logrus.Logger
}

// New creates a new pipeline.
func New(store domain.VariantStore, normalizer domain.VariantNormalizer, annotator domain.VariantAnnotator, config Config, logger *logrus.Logger) *Pipeline {
	workers := config.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		store:      store,
		normalizer: normalizer,
		annotator:  annotator,
		tracker:    NewTracker(),
		workers:    workers,
		log:        logger,
	}
}

// Tracker exposes the batch tracker for status lookups.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// variantOutcome is the terminal state of one per-variant run.
type variantOutcome int

const (
	outcomeInserted variantOutcome = iota
	outcomeAlreadyExists
	outcomeUnresolved
	outcomeServiceFailed
)

// Enqueue parses the file synchronously, registers a batch, and
// processes the parsed variants in the background. The returned batch
// ID can be polled for the summary; the caller is acknowledged once
// the batch is queued, not once it is annotated.
func (p *Pipeline) Enqueue(r io.Reader, patientID, filename string) (string, error) {
	raws, malformed, warnings, err := p.parseAll(r, patientID)
	if err != nil {
		return "", err
	}

	batch := p.tracker.NewBatch(patientID, filename)
	batch.recordParse(malformed, warnings)

	go func() {
		// The upload request that triggered this batch is long gone by
		// the time annotation finishes; the batch owns its own context.
		p.runBatch(context.Background(), batch, raws)
	}()

	return batch.ID(), nil
}

// Process runs a file synchronously and returns its summary. It is the
// same per-variant pipeline Enqueue uses, without the batch handoff.
func (p *Pipeline) Process(ctx context.Context, r io.Reader, patientID, filename string) (*domain.BatchSummary, error) {
	raws, malformed, warnings, err := p.parseAll(r, patientID)
	if err != nil {
		return nil, err
	}

	batch := p.tracker.NewBatch(patientID, filename)
	batch.recordParse(malformed, warnings)

	p.runBatch(ctx, batch, raws)
	summary := batch.Summary()
	return &summary, nil
}

// parseAll drains the single-pass reader. Malformed rows are counted
// and recorded as warnings; they do not fail the file.
func (p *Pipeline) parseAll(r io.Reader, patientID string) ([]domain.RawVariant, int, []string, error) {
	rd, err := parser.NewReader(r, patientID)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("reading variant file: %w", err)
	}

	var (
		raws      []domain.RawVariant
		malformed int
		warnings  []string
	)
	for {
		raw, err := rd.Next()
		if err == io.EOF {
			break
		}
		var malformedErr *domain.MalformedRecordError
		if errors.As(err, &malformedErr) {
			malformed++
			warnings = append(warnings, malformedErr.Error())
			p.log.WithFields(logrus.Fields{
				"patient_id": patientID,
				"line":       malformedErr.Line,
				"reason":     malformedErr.Reason,
			}).Warn("Skipping malformed record")
			continue
		}
		if err != nil {
			return nil, 0, nil, err
		}
		raws = append(raws, raw)
	}

	return raws, malformed, warnings, nil
}

// runBatch processes parsed variants on the worker pool and finalizes
// the batch summary.
func (p *Pipeline) runBatch(ctx context.Context, batch *Batch, raws []domain.RawVariant) {
	batch.setState(domain.BatchRunning)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, raw := range raws {
		raw := raw
		g.Go(func() error {
			outcome, err := p.processVariant(gctx, raw)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeInserted:
				batch.addInserted()
			case outcomeAlreadyExists:
				batch.addAlreadyExisted()
			case outcomeUnresolved:
				batch.addUnresolved(err.Error())
			case outcomeServiceFailed:
				batch.addServiceFailed(raw, err.Error())
			}
			// Failures are contained per variant; stopping the pool is
			// reserved for context cancellation.
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		batch.finish(domain.BatchError)
		p.log.WithFields(logrus.Fields{
			"batch_id": batch.ID(),
			"error":    err,
		}).Error("Batch processing interrupted")
		return
	}

	batch.finish(domain.BatchDone)

	summary := batch.Summary()
	p.log.WithFields(logrus.Fields{
		"batch_id":        summary.BatchID,
		"patient_id":      summary.PatientID,
		"inserted":        summary.Inserted,
		"already_existed": summary.AlreadyExisted,
		"unresolved":      summary.Unresolved,
		"service_failed":  summary.ServiceFailed,
		"malformed":       summary.Malformed,
	}).Info("Batch processing complete")
}

// processVariant is one pipeline run: exists-check, normalize, enrich,
// insert. The store re-checks the dedup key at write time, closing the
// race between two workers resolving the same raw variant.
func (p *Pipeline) processVariant(ctx context.Context, raw domain.RawVariant) (variantOutcome, error) {
	genomic := raw.GenomicNotation()

	// Pre-flight existence check suppresses redundant external calls on
	// re-upload; the insert below still arbitrates the race.
	exists, err := p.store.Exists(ctx, raw.PatientID, genomic)
	if err != nil {
		return outcomeServiceFailed, fmt.Errorf("existence check for %s: %w", genomic, err)
	}
	if exists {
		return outcomeAlreadyExists, domain.ErrAlreadyExists
	}

	canonical, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		if domain.IsRejected(err) {
			p.log.WithFields(logrus.Fields{
				"patient_id": raw.PatientID,
				"genomic":    genomic,
				"error":      err,
			}).Warn("Variant rejected by validation service, marked unresolved")
			return outcomeUnresolved, err
		}
		return outcomeServiceFailed, err
	}

	annotation, err := p.annotator.Annotate(ctx, canonical)
	if err != nil {
		return outcomeServiceFailed, err
	}

	entry := &domain.PatientVariantEntry{
		PatientID:  raw.PatientID,
		Variant:    *canonical,
		Annotation: *annotation,
		CreatedAt:  time.Now().UTC(),
	}

	err = p.store.InsertIfAbsent(ctx, entry)
	if errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrDuplicateKey) {
		return outcomeAlreadyExists, domain.ErrAlreadyExists
	}
	if err != nil {
		return outcomeServiceFailed, err
	}
	return outcomeInserted, nil
}

// Repair re-runs the pipeline for the variants of a batch that failed
// on external-service outages. Re-annotation is always this explicit
// operation; it never happens automatically on a later upload.
func (p *Pipeline) Repair(ctx context.Context, batchID string) (*domain.RepairSummary, error) {
	batch, ok := p.tracker.Get(batchID)
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	}

	failed := batch.takeFailed()
	summary := &domain.RepairSummary{Attempted: len(failed)}
	if len(failed) == 0 {
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, raw := range failed {
		raw := raw
		g.Go(func() error {
			outcome, err := p.processVariant(gctx, raw)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeInserted:
				summary.Inserted++
				batch.repairResolved()
			case outcomeAlreadyExists:
				summary.AlreadyExisted++
				batch.addAlreadyExisted()
			case outcomeServiceFailed:
				summary.ServiceFailed++
				batch.addServiceFailed(raw, err.Error())
			case outcomeUnresolved:
				batch.addUnresolved(err.Error())
			}
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	p.log.WithFields(logrus.Fields{
		"batch_id":       batchID,
		"attempted":      summary.Attempted,
		"inserted":       summary.Inserted,
		"service_failed": summary.ServiceFailed,
	}).Info("Repair pass complete")

	return summary, nil
}
