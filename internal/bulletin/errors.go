package bulletin

import (
	"errors"
	"fmt"
	"time"
)

// ErrSystemic marks failures of shared resources (such as the storage pool)
// that must abort the whole run rather than a single bulletin.
var ErrSystemic = errors.New("systemic resource failure")

// ErrShortProductCode is returned when a product code is too short to derive
// its oil, basis, and delivery type components.
var ErrShortProductCode = errors.New("product code shorter than fixed width")

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTransient  FetchErrorKind = "transient"
	FetchUnexpected FetchErrorKind = "unexpected"
)

// FetchError describes a failed listing or document retrieval.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch %s: status %d: %v", e.Kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetchKind returns the kind of the FetchError wrapped in err, or "" if none.
func FetchKind(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// DiscoveryError reports a listing page that could not be fetched or parsed.
type DiscoveryError struct {
	Page int
	URL  string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover page %d (%s): %v", e.Page, e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// PersistenceError reports a bulletin whose transaction was rolled back.
type PersistenceError struct {
	TradeDate time.Time
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist bulletin %s: %v", e.TradeDate.Format(DateLayout), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
