package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// Workbook formats recognized by magic bytes.
const (
	formatXLS     = "xls"
	formatXLSX    = "xlsx"
	formatUnknown = "unknown"
)

var (
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	zipMagic = []byte{'P', 'K', 0x03, 0x04}

	errUnknownFormat = errors.New("unrecognized workbook format")
	errNoSheets      = errors.New("workbook has no sheets")
)

// DocumentType reports the file extension and MIME type for an archived
// document, falling back to a generic binary type.
func DocumentType(doc []byte) (ext, contentType string) {
	switch detectFormat(doc) {
	case formatXLS:
		return "xls", "application/vnd.ms-excel"
	case formatXLSX:
		return "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "bin", "application/octet-stream"
	}
}

// selectedColumns are the zero-based spreadsheet columns B..F and O.
var selectedColumns = [6]int{1, 2, 3, 4, 5, 14}

func detectFormat(doc []byte) string {
	switch {
	case bytes.HasPrefix(doc, oleMagic):
		return formatXLS
	case bytes.HasPrefix(doc, zipMagic):
		return formatXLSX
	default:
		return formatUnknown
	}
}

// readGrid decodes the first sheet of doc into rows of the selected columns,
// every cell as trimmed raw text. Decoder panics are converted to errors.
func readGrid(doc []byte) (grid [][]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			grid = nil
			err = fmt.Errorf("workbook decoder panic: %v", r)
		}
	}()

	switch detectFormat(doc) {
	case formatXLS:
		return readXLS(doc)
	case formatXLSX:
		return readXLSX(doc)
	default:
		return nil, errUnknownFormat
	}
}

func readXLSX(doc []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errNoSheets
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	grid := make([][]string, len(rows))
	for i, row := range rows {
		grid[i] = selectCells(func(col int) string {
			if col < len(row) {
				return row[col]
			}
			return ""
		})
	}
	return grid, nil
}

func readXLS(doc []byte) ([][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(doc), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	if wb == nil {
		return nil, errors.New("open xls: no workbook stream")
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, errNoSheets
	}
	grid := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := xlsRow(sheet, i)
		grid = append(grid, selectCells(func(col int) string {
			if row == nil {
				return ""
			}
			return row.Col(col)
		}))
	}
	return grid, nil
}

// xlsRow returns nil for rows the sheet never stored.
func xlsRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}

func selectCells(cell func(col int) string) []string {
	out := make([]string, len(selectedColumns))
	for i, col := range selectedColumns {
		out[i] = strings.TrimSpace(cell(col))
	}
	return out
}
