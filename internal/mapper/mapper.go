// Package mapper converts extracted table rows into trade records.
package mapper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/extract"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/metrics"
)

// Product code layout: four runes of oil id, three of delivery basis id, and
// a trailing delivery type rune.
const (
	oilIDEnd     = 4
	basisIDEnd   = 7
	minCodeRunes = basisIDEnd + 1
	// MaxCodeRunes matches the exchange_product_id column width.
	MaxCodeRunes = 20

	moneyScale = 2
)

var (
	errLongProductCode = errors.New("product code longer than column width")
	errNoTradeDate     = errors.New("missing trade date")
	errNonPositive     = errors.New("trade count must be positive")
	errNegativeAmount  = errors.New("negative volume or total")
)

// Mapper implements bulletin.Mapper.
type Mapper struct {
	logger *zap.Logger
}

// New builds a Mapper.
func New(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{logger: logger}
}

// Map converts row into a record dated tradeDate. It reports false, and logs
// the reason, for rows that cannot form a valid record. It never panics.
func (m *Mapper) Map(row bulletin.RawRow, tradeDate time.Time) (rec bulletin.TradeRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("row mapping panicked", zap.Any("panic", r), zap.Strings("cells", row.Cells()))
			metrics.ObserveRowsDropped("map", 1)
			rec, ok = bulletin.TradeRecord{}, false
		}
	}()

	rec, err := Build(row, tradeDate)
	if err != nil {
		m.logger.Debug("dropping row", zap.Error(err), zap.Strings("cells", row.Cells()))
		metrics.ObserveRowsDropped("map", 1)
		return bulletin.TradeRecord{}, false
	}
	return rec, true
}

// Build derives a TradeRecord from row. Unparsable volume, total, and count
// default to zero; the count must still be positive afterwards.
func Build(row bulletin.RawRow, tradeDate time.Time) (bulletin.TradeRecord, error) {
	if tradeDate.IsZero() {
		return bulletin.TradeRecord{}, errNoTradeDate
	}
	code := strings.TrimSpace(row.Code())
	runes := []rune(code)
	switch {
	case len(runes) < minCodeRunes:
		return bulletin.TradeRecord{}, fmt.Errorf("%w: %q", bulletin.ErrShortProductCode, code)
	case len(runes) > MaxCodeRunes:
		return bulletin.TradeRecord{}, fmt.Errorf("%w: %q", errLongProductCode, code)
	}

	volume := numberOrZero(row.Volume, row, bulletin.ColVolume, extract.ParseNumber).Round(moneyScale)
	total := numberOrZero(row.Total, row, bulletin.ColTotal, extract.ParseNumber).Round(moneyScale)
	if volume.IsNegative() || total.IsNegative() {
		return bulletin.TradeRecord{}, fmt.Errorf("%w: %s / %s", errNegativeAmount, volume, total)
	}
	count := numberOrZero(row.Count, row, bulletin.ColCount, extract.ParseCount).IntPart()
	if count <= 0 {
		return bulletin.TradeRecord{}, fmt.Errorf("%w: %d", errNonPositive, count)
	}

	return bulletin.TradeRecord{
		ExchangeProductID:   code,
		ExchangeProductName: strings.TrimSpace(row.Name()),
		OilID:               string(runes[:oilIDEnd]),
		DeliveryBasisID:     string(runes[oilIDEnd:basisIDEnd]),
		DeliveryBasisName:   strings.TrimSpace(row.Basis()),
		DeliveryTypeID:      string(runes[len(runes)-1]),
		Volume:              volume,
		Total:               total,
		Count:               count,
		TradeDate:           bulletin.Day(tradeDate),
	}, nil
}

// numberOrZero prefers the value coerced by the extractor and falls back to
// parsing the raw cell for rows that skipped the clean pass.
func numberOrZero(
	v *decimal.Decimal,
	row bulletin.RawRow,
	col int,
	parse func(string) (decimal.Decimal, bool),
) decimal.Decimal {
	if v != nil {
		return *v
	}
	cell, _ := row.Cell(col)
	if d, ok := parse(cell); ok {
		return d
	}
	return decimal.Zero
}
