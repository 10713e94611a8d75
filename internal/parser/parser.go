// Package parser reads patient variant files into raw variant tuples.
//
// Two input shapes are accepted, distinguished by structure rather than
// file extension: a tab-separated VCF-style table whose header row is
// "#CHROM POS ID REF ALT ...", and an equivalent comma-separated form
// with a chromosome/position/ref/alt header. Rows that cannot be parsed
// are skipped with a recorded warning; they never abort the file.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/variant-annotator-server/internal/domain"
)

// required header columns, matched case-insensitively.
var columnAliases = map[string]string{
	"#chrom":     "chrom",
	"chrom":      "chrom",
	"chromosome": "chrom",
	"pos":        "pos",
	"position":   "pos",
	"ref":        "ref",
	"alt":        "alt",
}

// Reader is a single-pass, non-restartable reader of raw variants.
type Reader struct {
	patientID string
	scanner   *bufio.Scanner
	sep       string
	columns   map[string]int // logical column name -> index
	line      int
}

// NewReader consumes the file header from r and prepares row iteration.
// It fails with a MalformedRecordError when the required columns
// (chrom, pos, ref, alt) cannot be located in the header.
func NewReader(r io.Reader, patientID string) (*Reader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	rd := &Reader{patientID: patientID, scanner: sc}

	// Skip VCF meta lines ("##...") and locate the header row.
	for sc.Scan() {
		rd.line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "##") {
			continue
		}
		if err := rd.parseHeader(text); err != nil {
			return nil, err
		}
		return rd, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	return nil, domain.NewMalformedRecordError(rd.line, "file has no header row")
}

func (rd *Reader) parseHeader(text string) error {
	// Tabular VCF shape vs delimited CSV shape, by structure.
	sep := ","
	if strings.Contains(text, "\t") {
		sep = "\t"
	}

	columns := make(map[string]int)
	for i, field := range strings.Split(text, sep) {
		name := strings.ToLower(strings.TrimSpace(field))
		if logical, ok := columnAliases[name]; ok {
			if _, dup := columns[logical]; !dup {
				columns[logical] = i
			}
		}
	}

	for _, logical := range []string{"chrom", "pos", "ref", "alt"} {
		if _, ok := columns[logical]; !ok {
			return domain.NewMalformedRecordError(rd.line,
				fmt.Sprintf("required column %q absent from header", logical))
		}
	}

	rd.sep = sep
	rd.columns = columns
	return nil
}

// Next returns the next raw variant. It returns io.EOF when the file is
// exhausted and a *domain.MalformedRecordError for a row that must be
// skipped; iteration may continue after a malformed row.
func (rd *Reader) Next() (domain.RawVariant, error) {
	for rd.scanner.Scan() {
		rd.line++
		text := strings.TrimRight(rd.scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}

		fields := strings.Split(text, rd.sep)
		raw, err := rd.parseRow(fields)
		if err != nil {
			return domain.RawVariant{}, err
		}
		return raw, nil
	}

	if err := rd.scanner.Err(); err != nil {
		return domain.RawVariant{}, fmt.Errorf("reading record: %w", err)
	}
	return domain.RawVariant{}, io.EOF
}

func (rd *Reader) parseRow(fields []string) (domain.RawVariant, error) {
	max := 0
	for _, idx := range rd.columns {
		if idx > max {
			max = idx
		}
	}
	if len(fields) <= max {
		return domain.RawVariant{}, domain.NewMalformedRecordError(rd.line,
			fmt.Sprintf("row has %d fields, expected at least %d", len(fields), max+1))
	}

	chrom := normalizeChrom(fields[rd.columns["chrom"]])
	posText := strings.TrimSpace(fields[rd.columns["pos"]])
	ref := strings.ToUpper(strings.TrimSpace(fields[rd.columns["ref"]]))
	alt := strings.ToUpper(strings.TrimSpace(fields[rd.columns["alt"]]))

	pos, err := strconv.ParseInt(posText, 10, 64)
	if err != nil {
		return domain.RawVariant{}, domain.NewMalformedRecordError(rd.line,
			fmt.Sprintf("non-numeric position %q", posText))
	}
	if chrom == "" || ref == "" || alt == "" {
		return domain.RawVariant{}, domain.NewMalformedRecordError(rd.line, "empty chrom, ref or alt field")
	}

	return domain.RawVariant{
		PatientID: rd.patientID,
		Chrom:     chrom,
		Pos:       pos,
		Ref:       ref,
		Alt:       alt,
	}, nil
}

// Line reports the line number of the most recently returned row.
func (rd *Reader) Line() int { return rd.line }

func normalizeChrom(value string) string {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "chr")
	v = strings.TrimPrefix(v, "Chr")
	return strings.ToUpper(v)
}

// PatientIDFromFilename derives a patient identifier from an uploaded
// file name, e.g. "uploads/Patient1.vcf" -> "Patient1".
func PatientIDFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
