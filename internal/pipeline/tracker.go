package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/variant-annotator-server/internal/domain"
)

// Tracker keeps in-flight and completed batches keyed by batch ID so
// asynchronous uploads can be polled for their summaries.
type Tracker struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewTracker creates an empty batch tracker.
func NewTracker() *Tracker {
	return &Tracker{batches: make(map[string]*Batch)}
}

// NewBatch registers a queued batch and returns its handle.
func (t *Tracker) NewBatch(patientID, filename string) *Batch {
	batch := &Batch{
		summary: domain.BatchSummary{
			BatchID:   uuid.New().String(),
			PatientID: patientID,
			Filename:  filename,
			State:     domain.BatchQueued,
			StartedAt: time.Now().UTC(),
		},
	}

	t.mu.Lock()
	t.batches[batch.summary.BatchID] = batch
	t.mu.Unlock()

	return batch
}

// Get returns the batch for the given ID.
func (t *Tracker) Get(batchID string) (*Batch, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	batch, ok := t.batches[batchID]
	return batch, ok
}

// Summaries returns a snapshot of all tracked batches.
func (t *Tracker) Summaries() []domain.BatchSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summaries := make([]domain.BatchSummary, 0, len(t.batches))
	for _, batch := range t.batches {
		summaries = append(summaries, batch.Summary())
	}
	return summaries
}

// Batch is the mutable state of one upload: its running counters plus
// the raw variants held back for a later repair pass.
type Batch struct {
	mu      sync.Mutex
	summary domain.BatchSummary
	failed  []domain.RawVariant
}

// ID returns the batch ID.
func (b *Batch) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary.BatchID
}

// Summary returns a copy of the current batch summary.
func (b *Batch) Summary() domain.BatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := b.summary
	summary.Warnings = append([]string(nil), b.summary.Warnings...)
	return summary
}

func (b *Batch) recordParse(malformed int, warnings []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Malformed = malformed
	b.summary.Warnings = append(b.summary.Warnings, warnings...)
}

func (b *Batch) setState(state domain.BatchState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.State = state
}

func (b *Batch) finish(state domain.BatchState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.State = state
	b.summary.CompletedAt = time.Now().UTC()
}

func (b *Batch) addInserted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Inserted++
}

func (b *Batch) addAlreadyExisted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.AlreadyExisted++
}

func (b *Batch) addUnresolved(warning string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Unresolved++
	b.summary.Warnings = append(b.summary.Warnings, warning)
}

// addServiceFailed counts the failure and holds the raw variant back
// so a repair pass can retry it once the service recovers.
func (b *Batch) addServiceFailed(raw domain.RawVariant, warning string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.ServiceFailed++
	b.summary.Warnings = append(b.summary.Warnings, warning)
	b.failed = append(b.failed, raw)
}

// takeFailed drains the held-back variants and resets the failure
// counter; the repair pass re-counts whatever still fails.
func (b *Batch) takeFailed() []domain.RawVariant {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := b.failed
	b.failed = nil
	b.summary.ServiceFailed = 0
	return failed
}

// repairResolved moves one formerly failed variant into the inserted
// count.
func (b *Batch) repairResolved() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Inserted++
}
