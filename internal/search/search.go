// Package search dispatches typed queries against the variant store.
package search

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/variant-annotator-server/internal/domain"
	"github.com/variant-annotator-server/pkg/notation"
)

// Service answers search queries over persisted patient variants.
type Service struct {
	store domain.VariantStore
	log   *logrus.Logger
}

// NewService creates a search service.
func NewService(store domain.VariantStore, logger *logrus.Logger) *Service {
	return &Service{store: store, log: logger}
}

// Search runs one query. Unknown modes and unknown classification
// values are request errors; a query that matches nothing returns an
// empty result set.
func (s *Service) Search(ctx context.Context, query domain.SearchQuery) (*domain.SearchResult, error) {
	value := strings.TrimSpace(query.Value)
	if value == "" {
		return nil, domain.NewRequestError("value", "search value must not be empty")
	}

	entries, err := s.dispatch(ctx, query.Mode, value)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*domain.PatientVariantEntry{}
	}

	s.log.WithFields(logrus.Fields{
		"mode":    query.Mode,
		"value":   value,
		"matches": len(entries),
	}).Debug("Search completed")

	return &domain.SearchResult{Mode: query.Mode, Value: value, Entries: entries}, nil
}

func (s *Service) dispatch(ctx context.Context, mode domain.SearchMode, value string) ([]*domain.PatientVariantEntry, error) {
	switch mode {
	case domain.SearchByVariant:
		// Queries may arrive with a chr prefix or lower-case bases;
		// entries are stored in canonical form.
		return s.store.FindByNotation(ctx, notation.Canonicalize(value))
	case domain.SearchByGene:
		return s.store.FindByGene(ctx, value)
	case domain.SearchByPatient:
		// The bare token "patient" is the list-everything escape hatch.
		if strings.EqualFold(value, "patient") {
			return s.store.ListAll(ctx)
		}
		return s.store.FindByPatient(ctx, value)
	case domain.SearchByClassification:
		classification, err := domain.ParseClassification(value)
		if err != nil {
			return nil, err
		}
		return s.store.FindByClassification(ctx, classification)
	}
	return nil, domain.NewRequestError("mode", "unknown search mode "+string(mode))
}
