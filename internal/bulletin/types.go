package bulletin

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical calendar-day layout used in logs, object paths,
// and the SQLite store.
const DateLayout = "2006-01-02"

// Reference points at one dated bulletin document discovered on the listing.
type Reference struct {
	TradeDate   time.Time
	DocumentURL string
}

// NewReference builds a Reference whose date is truncated to a UTC calendar day.
func NewReference(tradeDate time.Time, documentURL string) Reference {
	return Reference{
		TradeDate:   Day(tradeDate),
		DocumentURL: documentURL,
	}
}

// Day truncates t to midnight UTC of the same calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RowWidth is the number of significant spreadsheet columns per body row.
const RowWidth = 6

// Column positions within a RawRow.
const (
	ColCode = iota
	ColName
	ColBasis
	ColVolume
	ColTotal
	ColCount
)

// RawRow is one body row of a bulletin table: six raw text cells plus the
// numeric values coerced by the extractor's clean pass. A nil numeric value
// means the cell could not be parsed.
type RawRow struct {
	cells [RowWidth]string

	Volume *decimal.Decimal
	Total  *decimal.Decimal
	Count  *decimal.Decimal
}

// NewRawRow copies up to RowWidth cells into a RawRow. Missing cells are blank.
func NewRawRow(cells ...string) RawRow {
	var row RawRow
	copy(row.cells[:], cells)
	return row
}

// Cell returns the raw text at position i, reporting false when i is out of range.
func (r RawRow) Cell(i int) (string, bool) {
	if i < 0 || i >= RowWidth {
		return "", false
	}
	return r.cells[i], true
}

// Cells returns a copy of the raw text cells.
func (r RawRow) Cells() []string {
	out := make([]string, RowWidth)
	copy(out, r.cells[:])
	return out
}

// Code returns the exchange product code cell.
func (r RawRow) Code() string { return r.cells[ColCode] }

// Name returns the exchange product name cell.
func (r RawRow) Name() string { return r.cells[ColName] }

// Basis returns the delivery basis name cell.
func (r RawRow) Basis() string { return r.cells[ColBasis] }

// NaturalKey identifies one persisted trade row.
type NaturalKey struct {
	ExchangeProductID string
	TradeDate         time.Time
}

// TradeRecord is a validated trade row ready for persistence.
type TradeRecord struct {
	ExchangeProductID   string
	ExchangeProductName string
	OilID               string
	DeliveryBasisID     string
	DeliveryBasisName   string
	DeliveryTypeID      string
	Volume              decimal.Decimal
	Total               decimal.Decimal
	Count               int64
	TradeDate           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Key returns the record's natural key.
func (t TradeRecord) Key() NaturalKey {
	return NaturalKey{ExchangeProductID: t.ExchangeProductID, TradeDate: Day(t.TradeDate)}
}

// UpsertOutcome reports whether an upsert inserted or updated a row.
type UpsertOutcome string

// Upsert outcomes.
const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertUpdated  UpsertOutcome = "updated"
)

// Outcome is the final state of one bulletin within a run.
type Outcome string

// Bulletin outcomes recorded in run summaries and metrics.
const (
	OutcomeProcessed Outcome = "processed"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// RunSummary is the user-visible result of one ingestion run.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	Discovered   int       `json:"discovered"`
	Processed    int       `json:"processed"`
	Empty        int       `json:"empty"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	NotStarted   int       `json:"not_started"`
	RowsUpserted int       `json:"rows_upserted"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
}

// Duration returns the wall time covered by the run.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// IngestedEvent is published after a bulletin's transaction commits.
type IngestedEvent struct {
	RunID       string    `json:"run_id"`
	TradeDate   string    `json:"trade_date"`
	DocumentURL string    `json:"document_url"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Rows        int       `json:"rows"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Attributes returns message attributes for routing and filtering.
func (e IngestedEvent) Attributes() map[string]string {
	return map[string]string{
		"run_id":     e.RunID,
		"trade_date": e.TradeDate,
	}
}
