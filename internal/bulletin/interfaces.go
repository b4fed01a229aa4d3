package bulletin

import (
	"context"
	"io"
	"time"
)

// PageFetcher retrieves listing pages as text.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (string, error)
}

// DocumentFetcher retrieves bulletin spreadsheets as raw bytes.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, url string) ([]byte, error)
}

// Discoverer walks the paginated listing and returns bulletin references
// ordered by trade date descending.
type Discoverer interface {
	Discover(ctx context.Context) ([]Reference, error)
}

// Extractor turns spreadsheet bytes into table body rows. It never fails;
// unrecognized documents yield no rows.
type Extractor interface {
	Extract(doc []byte) []RawRow
}

// Mapper converts a raw row into a trade record, reporting false when the row
// must be dropped.
type Mapper interface {
	Map(row RawRow, tradeDate time.Time) (TradeRecord, bool)
}

// Upserter writes one record inside an open bulletin transaction.
type Upserter interface {
	Upsert(ctx context.Context, record TradeRecord) (UpsertOutcome, error)
}

// TradeStore scopes writes for one bulletin to a single transaction. The
// transaction commits only when fn returns nil.
type TradeStore interface {
	WithinBulletin(ctx context.Context, tradeDate time.Time, fn func(context.Context, Upserter) error) error
	Ping(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
