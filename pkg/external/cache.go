package external

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/variant-annotator-server/internal/domain"
)

// CacheConfig represents in-process response cache configuration.
type CacheConfig struct {
	Size int           `json:"size"`
	TTL  time.Duration `json:"ttl"`
}

// CachedNormalizer memoizes validation-service results keyed by genomic
// notation, so identical variants across patients or files resolve with
// a single upstream call per TTL window. Rejections and outages are not
// cached.
type CachedNormalizer struct {
	inner domain.VariantNormalizer
	cache *expirable.LRU[string, *domain.CanonicalVariant]
}

// NewCachedNormalizer wraps inner with an expirable LRU cache.
func NewCachedNormalizer(inner domain.VariantNormalizer, config CacheConfig) *CachedNormalizer {
	if config.Size == 0 {
		config.Size = 4096
	}
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	return &CachedNormalizer{
		inner: inner,
		cache: expirable.NewLRU[string, *domain.CanonicalVariant](config.Size, nil, config.TTL),
	}
}

// Normalize implements domain.VariantNormalizer.
func (n *CachedNormalizer) Normalize(ctx context.Context, raw domain.RawVariant) (*domain.CanonicalVariant, error) {
	key := raw.GenomicNotation()
	if cached, ok := n.cache.Get(key); ok {
		copied := *cached
		return &copied, nil
	}

	canonical, err := n.inner.Normalize(ctx, raw)
	if err != nil {
		return nil, err
	}

	stored := *canonical
	n.cache.Add(key, &stored)
	return canonical, nil
}

// CachedAnnotator memoizes knowledge-base annotations keyed by genomic
// notation. NOT_FOUND_IN_CLINVAR results are cached too: "not found" is
// a terminal answer, not a failure to be retried.
type CachedAnnotator struct {
	inner domain.VariantAnnotator
	cache *expirable.LRU[string, *domain.AnnotationRecord]
}

// NewCachedAnnotator wraps inner with an expirable LRU cache.
func NewCachedAnnotator(inner domain.VariantAnnotator, config CacheConfig) *CachedAnnotator {
	if config.Size == 0 {
		config.Size = 4096
	}
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	return &CachedAnnotator{
		inner: inner,
		cache: expirable.NewLRU[string, *domain.AnnotationRecord](config.Size, nil, config.TTL),
	}
}

// Annotate implements domain.VariantAnnotator.
func (a *CachedAnnotator) Annotate(ctx context.Context, variant *domain.CanonicalVariant) (*domain.AnnotationRecord, error) {
	key := variant.GenomicNotation
	if cached, ok := a.cache.Get(key); ok {
		copied := *cached
		return &copied, nil
	}

	record, err := a.inner.Annotate(ctx, variant)
	if err != nil {
		return nil, err
	}

	stored := *record
	a.cache.Add(key, &stored)
	return record, nil
}
