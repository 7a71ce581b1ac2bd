package extraction

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// parseWorkbook reads the first sheet of an xlsx workbook.
func parseWorkbook(data []byte) (*table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &apperrors.ParseError{Format: string(models.FileFormatXLSX), Err: err}
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &apperrors.ParseError{Format: string(models.FileFormatXLSX), Err: errors.New("workbook has no sheets")}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &apperrors.ParseError{Format: string(models.FileFormatXLSX), Err: fmt.Errorf("read sheet %q: %w", sheets[0], err)}
	}

	t := &table{rows: filterEmptyRows(rows)}
	if len(t.rows) == 0 {
		return nil, &apperrors.EmptyInputError{Format: string(models.FileFormatXLSX)}
	}
	if len(sheets) > 1 {
		t.warnings = append(t.warnings, fmt.Sprintf("only the first of %d sheets (%q) was read", len(sheets), sheets[0]))
	}
	return t, nil
}
