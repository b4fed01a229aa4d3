// Package discovery walks the paginated bulletin listing and collects dated
// document references down to a cutoff year.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

// Listing defaults for the exchange's oil products results.
const (
	DefaultBaseURL     = "https://spimex.com"
	DefaultListingPath = "/markets/oil_products/trades/results/"
	DefaultCutoffYear  = 2023

	listingDateLayout = "02.01.2006"
)

var (
	containerSelectors = []string{
		"div.accordeon-inner__wrap",
		"div.accordeon-inner",
		"div.accordeon",
	}
	itemSelector         = `div[class*="accordeon-inner__item"]`
	fallbackItemSelector = `div[class*="item"][class*="xls"]`
	nextSelector         = "li.bx-pag-next"

	datePattern = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)
)

// Config controls the listing crawl.
type Config struct {
	BaseURL     string
	ListingPath string
	// CutoffYear is the oldest year kept; the crawl stops at the first older item.
	CutoffYear int
	// MaxPages bounds the crawl; zero means unbounded.
	MaxPages int
}

// Discoverer implements bulletin.Discoverer over HTML listing pages.
type Discoverer struct {
	cfg     Config
	base    *url.URL
	listing *url.URL
	fetcher bulletin.PageFetcher
	logger  *zap.Logger
}

// New validates cfg and builds a Discoverer.
func New(cfg Config, fetcher bulletin.PageFetcher, logger *zap.Logger) (*Discoverer, error) {
	if fetcher == nil {
		return nil, errors.New("discovery: page fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ListingPath == "" {
		cfg.ListingPath = DefaultListingPath
	}
	if cfg.CutoffYear == 0 {
		cfg.CutoffYear = DefaultCutoffYear
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("discovery: max pages must be >= 0, got %d", cfg.MaxPages)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("discovery: base url %q must be absolute", cfg.BaseURL)
	}
	listing, err := base.Parse(cfg.ListingPath)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse listing path: %w", err)
	}
	return &Discoverer{
		cfg:     cfg,
		base:    base,
		listing: listing,
		fetcher: fetcher,
		logger:  logger,
	}, nil
}

type stopReason string

const (
	stopCutoff    stopReason = "cutoff_year"
	stopEmptyPage stopReason = "empty_page"
	stopLastPage  stopReason = "last_page"
	stopPageError stopReason = "page_error"
	stopMaxPages  stopReason = "max_pages"
)

type refKey struct {
	date string
	url  string
}

// crawlState is the per-call crawl progress; Discover never shares it.
type crawlState struct {
	page    int
	refs    []bulletin.Reference
	seen    map[refKey]struct{}
	stopped bool
	reason  stopReason
}

func newCrawlState() *crawlState {
	return &crawlState{page: 1, seen: make(map[refKey]struct{})}
}

func (s *crawlState) add(refs []bulletin.Reference) int {
	added := 0
	for _, ref := range refs {
		key := refKey{date: ref.TradeDate.Format(bulletin.DateLayout), url: ref.DocumentURL}
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.refs = append(s.refs, ref)
		added++
	}
	return added
}

func (s *crawlState) stop(reason stopReason) {
	s.stopped = true
	s.reason = reason
}

// pageResult is what one listing page contributed.
type pageResult struct {
	refs          []bulletin.Reference
	hasNext       bool
	reachedCutoff bool
}

// Discover crawls listing pages sequentially and returns references sorted by
// trade date descending. A failure on the first page is returned as a
// *bulletin.DiscoveryError; later page failures end the crawl with what was
// gathered so far.
func (d *Discoverer) Discover(ctx context.Context) ([]bulletin.Reference, error) {
	state := newCrawlState()
	for !state.stopped {
		if err := d.nextPage(ctx, state); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(state.refs, func(i, j int) bool {
		return state.refs[i].TradeDate.After(state.refs[j].TradeDate)
	})
	d.logger.Info("discovery finished",
		zap.Int("bulletins", len(state.refs)),
		zap.Int("pages", state.page),
		zap.String("stop_reason", string(state.reason)),
	)
	return state.refs, nil
}

// nextPage crawls state.page and advances or stops the crawl.
func (d *Discoverer) nextPage(ctx context.Context, state *crawlState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("discovery canceled: %w", err)
	}
	if d.cfg.MaxPages > 0 && state.page > d.cfg.MaxPages {
		state.page--
		state.stop(stopMaxPages)
		return nil
	}

	pageURL := d.PageURL(state.page)
	d.logger.Debug("fetching listing page", zap.Int("page", state.page), zap.String("url", pageURL))
	res, err := d.crawlPage(ctx, pageURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("discovery canceled: %w", ctxErr)
		}
		derr := &bulletin.DiscoveryError{Page: state.page, URL: pageURL, Err: err}
		d.logger.Error("listing page failed", zap.Error(derr))
		state.stop(stopPageError)
		if state.page == 1 {
			return derr
		}
		return nil
	}

	added := state.add(res.refs)
	d.logger.Debug("listing page parsed",
		zap.Int("page", state.page),
		zap.Int("items", len(res.refs)),
		zap.Int("new", added),
	)
	switch {
	case res.reachedCutoff:
		d.logger.Info("reached bulletins older than cutoff year", zap.Int("cutoff_year", d.cfg.CutoffYear))
		state.stop(stopCutoff)
	case len(res.refs) == 0:
		state.stop(stopEmptyPage)
	case !res.hasNext:
		state.stop(stopLastPage)
	default:
		state.page++
	}
	return nil
}

// PageURL returns the listing URL for a 1-based page number.
func (d *Discoverer) PageURL(page int) string {
	u := *d.listing
	if page > 1 {
		u.RawQuery = "page=page-" + strconv.Itoa(page)
	}
	return u.String()
}

func (d *Discoverer) crawlPage(ctx context.Context, pageURL string) (pageResult, error) {
	html, err := d.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		return pageResult{}, err
	}
	return d.parsePage(html)
}

func (d *Discoverer) parsePage(html string) (pageResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return pageResult{}, fmt.Errorf("parse listing html: %w", err)
	}

	var res pageResult
	container := findContainer(doc)
	if container == nil {
		d.logger.Warn("bulletin container not found")
		return res, nil
	}

	items := container.Find(itemSelector)
	if items.Length() == 0 {
		items = doc.Find(fallbackItemSelector)
	}
	items.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		ref, ok := d.parseItem(item)
		if !ok {
			return true
		}
		if ref.TradeDate.Year() < d.cfg.CutoffYear {
			res.reachedCutoff = true
			return false
		}
		res.refs = append(res.refs, ref)
		return true
	})

	next := doc.Find(nextSelector).First()
	res.hasNext = next.Length() > 0 && !next.HasClass("disabled")
	return res, nil
}

func findContainer(doc *goquery.Document) *goquery.Selection {
	for _, sel := range containerSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// parseItem reads the date label and document link of one listing item.
func (d *Discoverer) parseItem(item *goquery.Selection) (bulletin.Reference, bool) {
	span := item.Find("span").First()
	if span.Length() == 0 {
		return bulletin.Reference{}, false
	}
	date, err := parseListingDate(span.Text())
	if err != nil {
		d.logger.Debug("skipping item with unparsable date", zap.String("text", span.Text()), zap.Error(err))
		return bulletin.Reference{}, false
	}

	href, ok := item.Find("a[href]").First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return bulletin.Reference{}, false
	}
	link, err := d.base.Parse(href)
	if err != nil {
		d.logger.Debug("skipping item with bad link", zap.String("href", href), zap.Error(err))
		return bulletin.Reference{}, false
	}
	return bulletin.NewReference(date, link.String()), true
}

func parseListingDate(text string) (time.Time, error) {
	match := datePattern.FindString(strings.TrimSpace(text))
	if match == "" {
		return time.Time{}, fmt.Errorf("no DD.MM.YYYY date in %q", text)
	}
	date, err := time.Parse(listingDateLayout, match)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse listing date: %w", err)
	}
	return date, nil
}
