// Package notation classifies and canonicalizes the variant notations
// this service stores and searches on: colon-separated genomic keys
// ("17:45983420:G:T") and HGVS transcript descriptions
// ("NM_000277.2:c.1222A>G").
package notation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	genomicKeyPattern = regexp.MustCompile(`^(chr)?([1-9]|1[0-9]|2[0-2]|[XY]|MT?):(\d+):([ACGT]+):([ACGT]+)$`)
	transcriptPattern = regexp.MustCompile(`^(NM_|NR_|XM_|XR_)\d+(\.\d+)?:[cn]\..+$`)
)

// Kind is the recognized notation family.
type Kind int

const (
	KindUnknown Kind = iota
	KindGenomicKey
	KindTranscript
)

// GenomicKey is a parsed colon-separated genomic description.
type GenomicKey struct {
	Chrom string
	Pos   int64
	Ref   string
	Alt   string
}

// String renders the key in canonical form: no "chr" prefix, upper-case
// bases, "MT" for the mitochondrial chromosome.
func (k GenomicKey) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", k.Chrom, k.Pos, k.Ref, k.Alt)
}

// Classify reports which notation family a query string belongs to.
func Classify(value string) Kind {
	value = strings.TrimSpace(value)
	switch {
	case genomicKeyPattern.MatchString(normalizeGenomic(value)):
		return KindGenomicKey
	case transcriptPattern.MatchString(value):
		return KindTranscript
	}
	return KindUnknown
}

// IsTranscript reports whether value is an HGVS coding or non-coding
// transcript description.
func IsTranscript(value string) bool {
	return transcriptPattern.MatchString(strings.TrimSpace(value))
}

// ParseGenomicKey parses a colon-separated genomic description,
// tolerating a "chr" prefix, lower-case bases and the bare "M"
// mitochondrial name.
func ParseGenomicKey(value string) (GenomicKey, error) {
	normalized := normalizeGenomic(strings.TrimSpace(value))
	m := genomicKeyPattern.FindStringSubmatch(normalized)
	if m == nil {
		return GenomicKey{}, fmt.Errorf("not a genomic key: %q", value)
	}

	pos, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil || pos <= 0 {
		return GenomicKey{}, fmt.Errorf("invalid position in %q", value)
	}

	chrom := m[2]
	if chrom == "M" {
		chrom = "MT"
	}

	return GenomicKey{Chrom: chrom, Pos: pos, Ref: m[4], Alt: m[5]}, nil
}

// Canonicalize returns the canonical form of a query notation. Genomic
// keys are normalized; transcript descriptions pass through trimmed;
// anything else is returned as-is for the store's case-insensitive
// match to handle.
func Canonicalize(value string) string {
	value = strings.TrimSpace(value)
	if key, err := ParseGenomicKey(value); err == nil {
		return key.String()
	}
	return value
}

func normalizeGenomic(value string) string {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return value
	}
	chrom := strings.TrimPrefix(strings.ToUpper(parts[0]), "CHR")
	return chrom + ":" + strings.ToUpper(parts[1])
}
