// Package importer loads items in bulk from tabular files. CSV and XLSX
// share one pipeline: the header row is mapped to item fields through a
// set of accepted aliases, then each data row goes through the normal item
// lifecycle, so dedupe and merging behave exactly like manual entry.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"kotoba/internal/models"
	"kotoba/internal/services"
)

// Column aliases accepted in the header row, lowercased. The first header
// matching an alias wins.
var headerAliases = map[string][]string{
	"type":    {"item_type", "type"},
	"term":    {"term", "front", "expression", "word"},
	"reading": {"reading", "pronunciation", "kana", "furigana"},
	"meaning": {"meaning", "back", "definition", "gloss"},
	"example": {"example", "sentence", "context", "note"},
	"tags":    {"tags", "deck"},
}

// Options configures one import run. Level, when set, is added to each
// row's tags unless the row already carries it.
type Options struct {
	Path  string
	Sheet string
	Level string
}

// Result summarizes an import run. Row errors are collected, not fatal;
// the run keeps going past bad rows.
type Result struct {
	TotalRows int      `json:"total_rows"`
	Imported  int      `json:"imported"`
	Merged    int      `json:"merged"`
	Skipped   int      `json:"skipped"`
	NewIDs    []int64  `json:"new_ids"`
	Errors    []string `json:"errors"`
}

type Importer struct {
	items *services.ItemService
}

func New(items *services.ItemService) *Importer {
	return &Importer{items: items}
}

// ImportFile reads the file at opts.Path, picking the format from its
// extension, and feeds every data row through the item lifecycle.
func (im *Importer) ImportFile(ctx context.Context, opts Options) (*Result, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(opts.Path)) {
	case ".csv":
		rows, err = readCSV(opts.Path)
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(opts.Path, opts.Sheet)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(opts.Path))
	}
	if err != nil {
		return nil, err
	}
	return im.importRows(ctx, rows, opts.Level)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func readXLSX(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func (im *Importer) importRows(ctx context.Context, rows [][]string, level string) (*Result, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("file has no rows")
	}

	columns, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.TotalRows++

		item, err := mapRow(row, columns, level)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i+2, err))
			continue
		}
		id, created, err := im.items.CreateItemWithCard(ctx, item)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i+2, err))
			continue
		}
		if created {
			result.Imported++
			result.NewIDs = append(result.NewIDs, id)
		} else {
			result.Merged++
		}
	}
	return result, nil
}

// mapHeader resolves the header row into field -> column index. Term and
// meaning columns are required; the rest are optional.
func mapHeader(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, cell := range header {
		index[strings.ToLower(strings.TrimSpace(cell))] = i
	}

	columns := make(map[string]int)
	for field, aliases := range headerAliases {
		for _, alias := range aliases {
			if i, ok := index[alias]; ok {
				columns[field] = i
				break
			}
		}
	}
	if _, ok := columns["term"]; !ok {
		return nil, fmt.Errorf("no term column (accepted: %s)", strings.Join(headerAliases["term"], ", "))
	}
	if _, ok := columns["meaning"]; !ok {
		return nil, fmt.Errorf("no meaning column (accepted: %s)", strings.Join(headerAliases["meaning"], ", "))
	}
	return columns, nil
}

func mapRow(row []string, columns map[string]int, level string) (services.NewItem, error) {
	cell := func(field string) string {
		i, ok := columns[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	itemType := models.ItemType(strings.ToLower(cell("type")))
	if !models.ValidItemType(itemType) {
		itemType = models.ItemVocab
	}

	item := services.NewItem{
		Type:    itemType,
		Term:    cell("term"),
		Reading: cell("reading"),
		Meaning: cell("meaning"),
		Example: cell("example"),
		Tags:    cell("tags"),
	}
	if item.Term == "" || item.Meaning == "" {
		return services.NewItem{}, fmt.Errorf("term and meaning are required")
	}

	if level = strings.TrimSpace(level); level != "" && !models.HasTagToken(item.Tags, level) {
		if item.Tags == "" {
			item.Tags = level
		} else {
			item.Tags = level + ", " + item.Tags
		}
	}
	return item, nil
}
