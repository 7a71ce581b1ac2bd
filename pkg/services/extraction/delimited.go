package extraction

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// parseDelimited reads CSV-like text. Malformed rows are recovered where
// possible and counted as corrupted instead of aborting the parse.
func parseDelimited(data []byte) (*table, error) {
	data = bytes.TrimPrefix(data, byteOrderMark)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &apperrors.EmptyInputError{Format: string(models.FileFormatCSV)}
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, &apperrors.ParseError{Format: string(models.FileFormatCSV), Err: errors.New("binary content")}
	}

	var warnings []string
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "�"))
		warnings = append(warnings, "invalid UTF-8 sequences were replaced")
	}

	delim := sniffDelimiter(data)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		var parseErr *csv.ParseError
		if !errors.As(err, &parseErr) {
			return nil, &apperrors.ParseError{Format: string(models.FileFormatCSV), Err: err}
		}
		t, lineErr := parseLines(data, delim)
		if lineErr != nil {
			return nil, lineErr
		}
		t.warnings = append(warnings, t.warnings...)
		t.warnings = append(t.warnings, fmt.Sprintf("recovered from malformed quoting near line %d", parseErr.StartLine))
		return t, nil
	}

	t := &table{rows: filterEmptyRows(records), warnings: warnings}
	t.corrupted = countRagged(t.rows)
	if t.corrupted > 0 {
		t.warnings = append(t.warnings, fmt.Sprintf("%d rows had an unexpected number of columns", t.corrupted))
	}
	return t, nil
}

// parseLines re-reads the input one physical line at a time. Lines that still
// fail strict parsing are split naively on the delimiter and counted as corrupted.
func parseLines(data []byte, delim rune) (*table, error) {
	t := &table{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		r := csv.NewReader(strings.NewReader(line))
		r.Comma = delim
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		record, err := r.Read()
		if err != nil {
			t.corrupted++
			record = lenientSplit(line, delim)
		}
		t.rows = append(t.rows, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, &apperrors.ParseError{Format: string(models.FileFormatCSV), Err: err}
	}

	t.corrupted += countRagged(t.rows)
	return t, nil
}

func lenientSplit(line string, delim rune) []string {
	parts := strings.Split(line, string(delim))
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}
	return parts
}

// sniffDelimiter picks the candidate that appears most consistently across the first lines.
func sniffDelimiter(data []byte) rune {
	lines := firstLines(data, 10)
	best, bestScore := ',', -1
	for _, cand := range delimiterCandidates {
		counts := make([]int, 0, len(lines))
		for _, l := range lines {
			counts = append(counts, countOutsideQuotes(l, cand))
		}
		if len(counts) == 0 || counts[0] == 0 {
			continue
		}
		consistent := 0
		for _, c := range counts {
			if c == counts[0] {
				consistent++
			}
		}
		score := consistent*100 + counts[0]
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func firstLines(data []byte, n int) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() && len(lines) < n {
		if l := strings.TrimSpace(scanner.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func countOutsideQuotes(line string, r rune) int {
	inQuotes := false
	count := 0
	for _, c := range line {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == r && !inQuotes:
			count++
		}
	}
	return count
}

// countRagged counts rows whose width differs from the first row.
func countRagged(rows [][]string) int {
	if len(rows) == 0 {
		return 0
	}
	want := len(rows[0])
	n := 0
	for _, r := range rows[1:] {
		if len(r) != want {
			n++
		}
	}
	return n
}

func filterEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, r := range rows {
		empty := true
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				empty = false
				break
			}
		}
		if !empty {
			out = append(out, r)
		}
	}
	return out
}
