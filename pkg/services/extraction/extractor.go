// Package extraction turns uploaded catalog files into source field descriptors.
package extraction

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/naming"
)

// Extractor parses uploaded files into source fields, samples and counts.
type Extractor interface {
	// Extract parses data. fileName is only used for format detection.
	Extract(ctx context.Context, data []byte, fileName string) (*models.ExtractionResult, error)
}

type extractor struct {
	sampleRows int
	logger     *zap.Logger
}

// New creates an Extractor that keeps at most sampleRows sample rows.
func New(sampleRows int, logger *zap.Logger) Extractor {
	if sampleRows <= 0 {
		sampleRows = 5
	}
	return &extractor{
		sampleRows: sampleRows,
		logger:     logger.Named("extraction"),
	}
}

var _ Extractor = (*extractor)(nil)

// table is the parsed grid before profiling.
type table struct {
	header    []string // nil when the file has no header row
	rows      [][]string
	corrupted int
	warnings  []string
}

func (e *extractor) Extract(ctx context.Context, data []byte, fileName string) (*models.ExtractionResult, error) {
	format := DetectFormat(fileName, data)

	var (
		tbl *table
		err error
	)
	switch format {
	case models.FileFormatXLSX:
		tbl, err = parseWorkbook(data)
	case models.FileFormatJSON:
		tbl, err = parseStructured(data)
	default:
		tbl, err = parseDelimited(data)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if format != models.FileFormatJSON {
		tbl = splitHeader(tbl)
	}
	if len(tbl.rows) == 0 {
		return nil, &apperrors.EmptyInputError{Format: string(format)}
	}

	headerless := tbl.header == nil
	names := sanitizeHeaders(tbl.header, width(tbl))
	for i := range tbl.rows {
		tbl.rows[i] = padRow(tbl.rows[i], len(names))
	}

	fields := make([]models.SourceField, len(names))
	for col, name := range names {
		fields[col] = profileColumn(name, col, tbl.rows, e.sampleRows)
	}

	samples := tbl.rows
	if len(samples) > e.sampleRows {
		samples = samples[:e.sampleRows]
	}

	total := len(tbl.rows)
	result := &models.ExtractionResult{
		Format:        format,
		Fields:        fields,
		SampleRows:    samples,
		TotalRecords:  total,
		Headerless:    headerless,
		CorruptedRows: tbl.corrupted,
		Confidence:    parseConfidence(tbl.corrupted, total),
		Warnings:      tbl.warnings,
		Rows:          tbl.rows,
	}

	e.logger.Info("Extracted source fields",
		zap.String("format", string(format)),
		zap.Int("fields", len(fields)),
		zap.Int("records", total),
		zap.Int("corrupted_rows", tbl.corrupted),
		zap.Bool("headerless", headerless))

	return result, nil
}

func parseConfidence(corrupted, total int) float64 {
	if total == 0 || corrupted <= 0 {
		return 1
	}
	if corrupted >= total {
		return 0
	}
	return 1 - float64(corrupted)/float64(total)
}

// DetectFormat picks the parser from the file extension, falling back to content sniffing.
func DetectFormat(fileName string, data []byte) models.FileFormat {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return models.FileFormatXLSX
	case ".json", ".ndjson", ".jsonl":
		return models.FileFormatJSON
	case ".csv", ".tsv", ".txt":
		return models.FileFormatCSV
	}

	// xlsx files are zip archives
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return models.FileFormatXLSX
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, byteOrderMark), " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return models.FileFormatJSON
	}
	return models.FileFormatCSV
}

func width(t *table) int {
	w := len(t.header)
	for _, r := range t.rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

// sanitizeHeaders fills blank names with column_N placeholders and dedupes.
func sanitizeHeaders(raw []string, n int) []string {
	out := make([]string, n)
	used := make(map[string]int)
	for i := 0; i < n; i++ {
		name := ""
		if i < len(raw) {
			name = strings.TrimSpace(raw[i])
		}
		if name == "" {
			name = placeholderName(i)
		}
		if count, ok := used[name]; ok {
			used[name] = count + 1
			name = name + "_" + strconv.Itoa(count+1)
		}
		used[name] = 1
		out[i] = name
	}
	return out
}

func placeholderName(i int) string {
	return "column_" + strconv.Itoa(i+1)
}

func padRow(row []string, length int) []string {
	if len(row) == length {
		return row
	}
	if len(row) > length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// splitHeader decides whether the first row names the columns.
func splitHeader(t *table) *table {
	if len(t.rows) == 0 {
		return t
	}
	first := t.rows[0]
	if looksLikeHeader(first, t.rows[1:]) {
		t.header = first
		t.rows = t.rows[1:]
	}
	return t
}

// looksLikeHeader returns false when the first row reads like data: a cell
// holds a value (number, email, date...) whose column is typed the same way
// in the rows below, or every cell is empty.
func looksLikeHeader(first []string, rest [][]string) bool {
	nonEmpty := 0
	for col, cell := range first {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		nonEmpty++
		kind := valueKind(cell)
		if kind == "" {
			continue
		}
		if len(rest) == 0 {
			return false
		}
		if columnKind(rest, col) == kind {
			return false
		}
	}
	if nonEmpty == 0 {
		return false
	}
	// Names are words; reject rows where tokenizing yields nothing usable.
	for _, cell := range first {
		if len(naming.Tokenize(cell)) > 0 {
			return true
		}
	}
	return false
}
