// Package ingest reads transaction tables into batches.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Options name the columns ingest interprets. Every other column is kept
// verbatim as an original field.
type Options struct {
	TimeColumn   string
	AmountColumn string
	LabelColumn  string // empty when the table carries no labels
}

// OptionsFrom maps ingest configuration to reader options.
func OptionsFrom(cfg domain.IngestConfig) Options {
	return Options{
		TimeColumn:   cfg.TimeColumn,
		AmountColumn: cfg.AmountColumn,
		LabelColumn:  cfg.LabelColumn,
	}
}

// ReadFile reads a CSV file. "-" reads standard input.
func ReadFile(path string, opts Options) (*domain.Batch, error) {
	if path == "-" {
		return ReadCSV(os.Stdin, opts)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, opts)
}

// ReadCSV reads a header row followed by transaction rows.
func ReadCSV(r io.Reader, opts Options) (*domain.Batch, error) {
	if opts.TimeColumn == "" {
		opts.TimeColumn = "Time"
	}
	if opts.AmountColumn == "" {
		opts.AmountColumn = "Amount"
	}

	cr := csv.NewReader(r)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.SchemaError{Component: "ingest", Column: opts.TimeColumn, Row: -1}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	timeIdx := indexOf(header, opts.TimeColumn)
	if timeIdx < 0 {
		return nil, &domain.SchemaError{Component: "ingest", Column: opts.TimeColumn, Row: -1}
	}
	amountIdx := indexOf(header, opts.AmountColumn)
	if amountIdx < 0 {
		return nil, &domain.SchemaError{Component: "ingest", Column: opts.AmountColumn, Row: -1}
	}
	labelIdx := -1
	if opts.LabelColumn != "" {
		labelIdx = indexOf(header, opts.LabelColumn)
	}

	batch := &domain.Batch{
		Columns:      header,
		TimeColumn:   opts.TimeColumn,
		AmountColumn: opts.AmountColumn,
	}
	if labelIdx >= 0 {
		batch.LabelColumn = opts.LabelColumn
	}

	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInvalidInput, row, err)
		}

		tx := domain.Transaction{Index: row, Fields: rec}

		if tx.Time, err = parseNumber(rec[timeIdx]); err != nil {
			return nil, fmt.Errorf("%w: row %d: column %q: %v", domain.ErrInvalidInput, row, opts.TimeColumn, err)
		}
		if tx.Amount, err = parseNumber(rec[amountIdx]); err != nil {
			return nil, fmt.Errorf("%w: row %d: column %q: %v", domain.ErrInvalidInput, row, opts.AmountColumn, err)
		}
		if tx.Amount < 0 {
			return nil, fmt.Errorf("%w: row %d: amount %v is negative", domain.ErrInvalidInput, row, tx.Amount)
		}

		if labelIdx >= 0 {
			if cell := strings.TrimSpace(rec[labelIdx]); cell != "" {
				label, err := parseLabel(cell)
				if err != nil {
					return nil, fmt.Errorf("%w: row %d: column %q: %v", domain.ErrInvalidInput, row, opts.LabelColumn, err)
				}
				tx.HasLabel = true
				tx.Label = label
			}
		}

		batch.Transactions = append(batch.Transactions, tx)
	}

	return batch, nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %q is not finite", s)
	}
	return v, nil
}

// parseLabel accepts 0 and 1 in integer or decimal form.
func parseLabel(s string) (int, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	switch v {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	default:
		return 0, fmt.Errorf("label %q must be 0 or 1", s)
	}
}
