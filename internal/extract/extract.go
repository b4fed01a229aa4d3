// Package extract locates the trade table inside a bulletin spreadsheet and
// returns its body rows.
//
// The table starts at a unit-of-measure marker row. Two header rows follow
// the marker; the body runs from three rows below it up to the first row whose
// code cell is the "Итого:" total marker or blank.
package extract

import (
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/metrics"
)

// Default table markers used by the exchange's oil products bulletins.
const (
	DefaultStartMarker = "Единица измерения: Метрическая тонна"
	DefaultEndMarker   = "Итого:"

	// bodyOffset is the distance from the start marker to the first body row.
	bodyOffset = 3
)

// Config overrides the table markers.
type Config struct {
	StartMarker string
	EndMarker   string
}

// Extractor implements bulletin.Extractor for .xls and .xlsx bulletins.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.StartMarker == "" {
		cfg.StartMarker = DefaultStartMarker
	}
	if cfg.EndMarker == "" {
		cfg.EndMarker = DefaultEndMarker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Table is a located bulletin table before the clean pass.
type Table struct {
	// Start and End are zero-based grid rows of the start and end markers.
	Start int
	End   int
	Body  []bulletin.RawRow
}

// Extract returns the cleaned body rows of doc. Unrecognized documents,
// missing markers and empty bodies all yield no rows.
func (e *Extractor) Extract(doc []byte) []bulletin.RawRow {
	table, ok := e.Locate(doc)
	if !ok {
		return nil
	}
	rows := Clean(table.Body)
	if dropped := len(table.Body) - len(rows); dropped > 0 {
		metrics.ObserveRowsDropped("extract", dropped)
		e.logger.Debug("dropped rows without positive trade count", zap.Int("dropped", dropped))
	}
	return rows
}

// Locate decodes doc and slices the table body between the markers.
func (e *Extractor) Locate(doc []byte) (Table, bool) {
	if len(doc) == 0 {
		e.logger.Info("empty bulletin document")
		return Table{}, false
	}
	grid, err := readGrid(doc)
	if err != nil {
		e.logger.Info("bulletin document not readable",
			zap.String("format", detectFormat(doc)),
			zap.Error(err),
		)
		return Table{}, false
	}
	start, end, ok := e.boundaries(grid)
	if !ok {
		return Table{}, false
	}

	table := Table{Start: start, End: end}
	for _, cells := range grid[start+bodyOffset : end] {
		table.Body = append(table.Body, bulletin.NewRawRow(cells...))
	}
	return table, true
}

// boundaries finds the start marker row and the end row searched from
// start+bodyOffset.
func (e *Extractor) boundaries(grid [][]string) (start, end int, ok bool) {
	start = -1
	for i, row := range grid {
		if firstCell(row) == e.cfg.StartMarker {
			start = i
			break
		}
	}
	if start < 0 {
		e.logger.Info("table start marker not found", zap.String("marker", e.cfg.StartMarker))
		return 0, 0, false
	}
	for i := start + bodyOffset; i < len(grid); i++ {
		cell := firstCell(grid[i])
		if cell == e.cfg.EndMarker || cell == "" {
			return start, i, true
		}
	}
	e.logger.Info("table end marker not found",
		zap.String("marker", e.cfg.EndMarker),
		zap.Int("start_row", start),
	)
	return 0, 0, false
}

func firstCell(row []string) string {
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

// Clean coerces the numeric cells of each row and drops rows whose trade
// count is missing, non-numeric, or not positive. Unparsable volume and total
// values are left nil.
func Clean(body []bulletin.RawRow) []bulletin.RawRow {
	out := make([]bulletin.RawRow, 0, len(body))
	for _, row := range body {
		countCell, _ := row.Cell(bulletin.ColCount)
		count, ok := ParseCount(countCell)
		if !ok || !count.IsPositive() {
			continue
		}
		row.Count = &count
		row.Volume = parseOptional(row, bulletin.ColVolume)
		row.Total = parseOptional(row, bulletin.ColTotal)
		out = append(out, row)
	}
	return out
}

func parseOptional(row bulletin.RawRow, col int) *decimal.Decimal {
	cell, _ := row.Cell(col)
	v, ok := ParseNumber(cell)
	if !ok {
		return nil
	}
	return &v
}

var numberCleaner = strings.NewReplacer(
	" ", "",
	"\u00a0", "",
	"\u202f", "",
	"\t", "",
)

// ParseNumber parses spreadsheet numeric text, accepting space or no-break
// space digit grouping and a comma decimal separator.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = numberCleaner.Replace(strings.TrimSpace(s))
	if s == "" || s == "-" {
		return decimal.Decimal{}, false
	}
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1:
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseCount parses a whole-contract count. Counts carry no fraction, so a
// lone comma followed by exactly three digits is read as digit grouping
// ("1,234" is 1234); otherwise it behaves like ParseNumber.
func ParseCount(s string) (decimal.Decimal, bool) {
	cleaned := numberCleaner.Replace(strings.TrimSpace(s))
	if i := strings.IndexByte(cleaned, ','); i > 0 &&
		strings.Count(cleaned, ",") == 1 &&
		!strings.Contains(cleaned, ".") &&
		len(cleaned)-i-1 == 3 {
		s = cleaned[:i] + cleaned[i+1:]
	}
	return ParseNumber(s)
}
