// Package export writes stored records as CSV or XLSX spreadsheets.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/360EntSecGroup-Skylar/excelize/v2"

	"github.com/dharsanguruparan/FormDrop/internal/model"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const (
	sheetName = "Sheet1"
	utf8BOM   = "\ufeff"
)

// Source lists records matching a filter.
type Source interface {
	List(ctx context.Context, f model.Filter) ([]*model.Record, error)
}

// Options controls which records are exported and how.
type Options struct {
	Filter model.Filter
	Format string
	// Semicolon switches the CSV delimiter from comma to semicolon.
	Semicolon bool
	// BOM prefixes CSV output with a UTF-8 byte order mark.
	BOM bool
	// Metadata adds id, group, ip and created_at columns.
	Metadata bool
	// Files adds a column listing attachment references.
	Files bool
	// FileBaseURL is prepended to attachment keys in the files column.
	FileBaseURL string
}

// Write exports every record from src matching opts.Filter to w and returns
// the number of records written.
func Write(ctx context.Context, src Source, w io.Writer, opts Options) (int, error) {
	recs, err := src.List(ctx, opts.Filter)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}
	header, rows := table(recs, opts)
	switch opts.Format {
	case "", FormatCSV:
		err = writeCSV(w, header, rows, opts)
	case FormatXLSX:
		err = writeXLSX(w, header, rows)
	default:
		return 0, fmt.Errorf("unsupported export format %q", opts.Format)
	}
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func table(recs []*model.Record, opts Options) ([]string, [][]string) {
	seen := map[string]bool{}
	var keys []string
	for _, rec := range recs {
		for k := range rec.Data {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	var header []string
	if opts.Metadata {
		header = append(header, "id", "group", "ip", "created_at")
	}
	header = append(header, keys...)
	if opts.Files {
		header = append(header, "files")
	}

	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		row := make([]string, 0, len(header))
		if opts.Metadata {
			row = append(row, rec.ID, rec.Group, rec.IP, rec.CreatedAt.UTC().Format(time.RFC3339))
		}
		for _, k := range keys {
			row = append(row, cell(rec.Data[k]))
		}
		if opts.Files {
			refs := make([]string, 0, len(rec.Files))
			for _, f := range rec.Files {
				refs = append(refs, opts.FileBaseURL+f.Path)
			}
			row = append(row, strings.Join(refs, ", "))
		}
		rows = append(rows, row)
	}
	return header, rows
}

// cell flattens a field value. Lists and maps are JSON-encoded.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any, map[string]any, []string:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	default:
		return fmt.Sprint(t)
	}
}

func writeCSV(w io.Writer, header []string, rows [][]string, opts Options) error {
	if opts.BOM {
		if _, err := io.WriteString(w, utf8BOM); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(w)
	if opts.Semicolon {
		cw.Comma = ';'
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, header []string, rows [][]string) error {
	f := excelize.NewFile()
	for i, row := range append([][]string{header}, rows...) {
		axis, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheetName, axis, &values); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+1, err)
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
