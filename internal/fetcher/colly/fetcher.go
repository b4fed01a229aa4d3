// Package collyfetcher retrieves listing pages and bulletin documents using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/metrics"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/policy/ratelimit"
)

// Default per-call timeouts.
const (
	DefaultPageTimeout     = 20 * time.Second
	DefaultDocumentTimeout = 30 * time.Second

	// DefaultUserAgent mimics a desktop browser; the exchange rejects bare clients.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	maxBodySize = 64 << 20
)

// Metric targets.
const (
	targetPage     = "page"
	targetDocument = "document"
)

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	PageTimeout     time.Duration
	DocumentTimeout time.Duration
	// Limiter spaces requests per host. Nil disables politeness delays.
	Limiter *ratelimit.Limiter
}

// Fetcher implements bulletin.PageFetcher and bulletin.DocumentFetcher.
// It never retries; every failure is returned as a *bulletin.FetchError.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchResult captures what the collector callbacks observed.
type fetchResult struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.DocumentTimeout <= 0 {
		cfg.DocumentTimeout = DefaultDocumentTimeout
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.MaxBodySize = maxBodySize
	c.UserAgent = cfg.UserAgent
	c.WithTransport(newHTTPTransport())
	// The client timeout is only a backstop; per-call deadlines come from the context.
	c.SetRequestTimeout(max(cfg.PageTimeout, cfg.DocumentTimeout) + 5*time.Second)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// FetchPage retrieves a listing page as text.
func (f *Fetcher) FetchPage(ctx context.Context, rawURL string) (string, error) {
	body, err := f.fetch(ctx, rawURL, f.cfg.PageTimeout, targetPage)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchDocument retrieves a bulletin document as raw bytes.
func (f *Fetcher) FetchDocument(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := f.fetch(ctx, rawURL, f.cfg.DocumentTimeout, targetDocument)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, f.fail(targetDocument, &bulletin.FetchError{
			Kind: bulletin.FetchUnexpected,
			URL:  rawURL,
			Err:  errors.New("empty document body"),
		})
	}
	return body, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, timeout time.Duration, tgt string) ([]byte, error) {
	if _, err := parseTarget(rawURL); err != nil {
		return nil, f.fail(tgt, &bulletin.FetchError{Kind: bulletin.FetchUnexpected, URL: rawURL, Err: err})
	}
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, rawURL); err != nil {
			return nil, fmt.Errorf("colly fetch canceled: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result fetchResult
	collector := f.buildCollector(callCtx, &result)
	visitErr := f.runCollector(callCtx, collector, rawURL)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("colly fetch canceled: %w", err)
	}
	if visitErr == nil && result.err == nil && result.status >= http.StatusOK && result.status < http.StatusMultipleChoices {
		metrics.ObserveFetch(tgt, rawURL, len(result.body))
		return result.body, nil
	}
	cause := result.err
	if cause == nil {
		cause = visitErr
	}
	if cause == nil {
		cause = fmt.Errorf("unexpected status %d", result.status)
	}
	return nil, f.fail(tgt, &bulletin.FetchError{
		Kind:       classify(result.status, cause),
		URL:        rawURL,
		StatusCode: result.status,
		Err:        cause,
	})
}

func (f *Fetcher) fail(tgt string, err *bulletin.FetchError) error {
	metrics.ObserveFetchError(tgt, string(err.Kind))
	return err
}

func (f *Fetcher) buildCollector(ctx context.Context, result *fetchResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, result)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		result.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		// The request is bound to ctx, so Visit unwinds promptly.
		<-done
		return fmt.Errorf("colly fetch interrupted: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// classify maps a status code and transport error to a fetch error kind.
func classify(status int, err error) bulletin.FetchErrorKind {
	switch {
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return bulletin.FetchTransient
	case status >= http.StatusBadRequest:
		return bulletin.FetchUnexpected
	}
	if err == nil {
		return bulletin.FetchUnexpected
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return bulletin.FetchTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return bulletin.FetchTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return bulletin.FetchTransient
	}
	return bulletin.FetchUnexpected
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
