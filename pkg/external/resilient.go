package external

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/variant-annotator-server/internal/domain"
)

// breakerSettings builds circuit breaker settings shared by both
// upstream services. A rejected query is the caller's fault and does
// not count against the breaker.
func breakerSettings(name string, log *logrus.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsRejected(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}
}

// ResilientNormalizer wraps a normalizer with a circuit breaker so a
// hard VariantValidator outage fails fast instead of burning the retry
// budget on every variant in a batch.
type ResilientNormalizer struct {
	inner   domain.VariantNormalizer
	breaker *gobreaker.CircuitBreaker
}

// NewResilientNormalizer creates a circuit-broken normalizer.
func NewResilientNormalizer(inner domain.VariantNormalizer, log *logrus.Logger) *ResilientNormalizer {
	return &ResilientNormalizer{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings("VariantValidator", log)),
	}
}

// Normalize implements domain.VariantNormalizer.
func (n *ResilientNormalizer) Normalize(ctx context.Context, raw domain.RawVariant) (*domain.CanonicalVariant, error) {
	result, err := n.breaker.Execute(func() (interface{}, error) {
		return n.inner.Normalize(ctx, raw)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ServiceUnavailableError{Service: "variantvalidator", Err: err}
		}
		return nil, err
	}
	return result.(*domain.CanonicalVariant), nil
}

// ResilientAnnotator wraps an annotator with a circuit breaker for the
// ClinVar service.
type ResilientAnnotator struct {
	inner   domain.VariantAnnotator
	breaker *gobreaker.CircuitBreaker
}

// NewResilientAnnotator creates a circuit-broken annotator.
func NewResilientAnnotator(inner domain.VariantAnnotator, log *logrus.Logger) *ResilientAnnotator {
	return &ResilientAnnotator{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings("ClinVar", log)),
	}
}

// Annotate implements domain.VariantAnnotator.
func (a *ResilientAnnotator) Annotate(ctx context.Context, variant *domain.CanonicalVariant) (*domain.AnnotationRecord, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.inner.Annotate(ctx, variant)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ServiceUnavailableError{Service: "clinvar", Err: err}
		}
		return nil, err
	}
	return result.(*domain.AnnotationRecord), nil
}
