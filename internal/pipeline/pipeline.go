// Package pipeline runs ingestion: discover bulletins once, then process each
// one as an isolated task under a global concurrency bound.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/extract"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/logging"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/metrics"
)

// DefaultConcurrency bounds in-flight bulletins across a whole run.
const DefaultConcurrency = 10

const tracerName = "github.com/JakeFAU/commodity-bulletin-crawler/internal/pipeline"

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("ingestion run already in progress")

// Config controls Orchestrator behavior.
type Config struct {
	Concurrency   int
	ArchivePrefix string
	Topic         string
}

// Deps are the collaborators of one Orchestrator. Archive and Publisher are
// optional.
type Deps struct {
	Discoverer bulletin.Discoverer
	Fetcher    bulletin.DocumentFetcher
	Extractor  bulletin.Extractor
	Mapper     bulletin.Mapper
	Store      bulletin.TradeStore
	Archive    bulletin.BlobStore
	Publisher  bulletin.Publisher
	Hasher     bulletin.Hasher
	Clock      bulletin.Clock
	IDs        bulletin.IDGenerator
}

func (d Deps) validate() error {
	var missing []string
	if d.Discoverer == nil {
		missing = append(missing, "discoverer")
	}
	if d.Fetcher == nil {
		missing = append(missing, "fetcher")
	}
	if d.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if d.Mapper == nil {
		missing = append(missing, "mapper")
	}
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Clock == nil {
		missing = append(missing, "clock")
	}
	if d.IDs == nil {
		missing = append(missing, "id generator")
	}
	if d.Archive != nil && d.Hasher == nil {
		missing = append(missing, "hasher (required with archive)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline dependencies missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Orchestrator drives ingestion runs.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	running atomic.Bool

	mu   sync.RWMutex
	last *bulletin.RunSummary
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

// LastSummary returns the summary of the most recently finished run.
func (o *Orchestrator) LastSummary() (bulletin.RunSummary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return bulletin.RunSummary{}, false
	}
	return *o.last, true
}

// Run performs one ingestion run. Per-bulletin failures are counted in the
// summary; the returned error is non-nil only when discovery fails, a
// systemic storage failure aborts the run, or ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) (bulletin.RunSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return bulletin.RunSummary{}, ErrRunInProgress
	}
	defer o.running.Store(false)

	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return bulletin.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := o.logger.With(zap.String("run_id", runID))
	t := &tally{summary: bulletin.RunSummary{RunID: runID, StartedAt: o.deps.Clock.Now()}}
	logger.Info("ingestion run started", zap.Int("concurrency", o.cfg.Concurrency))

	refs, err := o.deps.Discoverer.Discover(ctx)
	if err != nil {
		runErr := fmt.Errorf("discover bulletins: %w", err)
		return o.finish(logger, t, runErr), runErr
	}
	t.summary.Discovered = len(refs)

	groups, dupes := groupByDate(refs)
	for _, ref := range dupes {
		logger.Warn("skipping repeated bulletin reference",
			zap.String("trade_date", ref.TradeDate.Format(bulletin.DateLayout)),
			zap.String("url", ref.DocumentURL),
		)
		t.record(bulletin.OutcomeSkipped, 0)
	}

	runErr := o.fanOut(ctx, runID, groups, t)
	return o.finish(logger, t, runErr), runErr
}

// fanOut runs one task per trade date with at most cfg.Concurrency in
// flight. A systemic failure aborts the run; references not yet started are
// never started.
func (o *Orchestrator) fanOut(ctx context.Context, runID string, groups [][]bulletin.Reference, t *tally) error {
	sem := semaphore.NewWeighted(int64(o.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	runCtx, abort := context.WithCancelCause(gctx)
	defer abort(nil)

	for i, group := range groups {
		if err := sem.Acquire(runCtx, 1); err != nil {
			t.notStarted(countRefs(groups[i:]))
			break
		}
		if runCtx.Err() != nil {
			sem.Release(1)
			t.notStarted(countRefs(groups[i:]))
			break
		}
		g.Go(func() error {
			err := o.processDate(runCtx, runID, group, t)
			// Abort before releasing the slot so the scheduler sees it.
			if err != nil {
				abort(err)
			}
			sem.Release(1)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run canceled: %w", err)
	}
	return nil
}

// processDate ingests every reference of one trade date in turn, so
// republished bulletins for a day are applied without two tasks sharing
// natural keys. It returns only systemic errors.
func (o *Orchestrator) processDate(ctx context.Context, runID string, group []bulletin.Reference, t *tally) error {
	for i, ref := range group {
		if ctx.Err() != nil {
			t.notStarted(len(group) - i)
			return nil
		}
		outcome, rows, err := o.processBulletin(ctx, runID, ref)
		t.record(outcome, rows)
		if errors.Is(err, bulletin.ErrSystemic) {
			t.notStarted(len(group) - i - 1)
			return err
		}
	}
	return nil
}

// processBulletin runs fetch, archive, extract, map, persist, and publish for
// one reference. Every failure is contained here and reported as an outcome.
func (o *Orchestrator) processBulletin(
	ctx context.Context,
	runID string,
	ref bulletin.Reference,
) (outcome bulletin.Outcome, upserted int, err error) {
	date := ref.TradeDate.Format(bulletin.DateLayout)
	logger := logging.ForBulletin(o.logger, date, ref.DocumentURL).With(zap.String("run_id", runID))
	metrics.IncActiveBulletins()
	defer metrics.DecActiveBulletins()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "bulletin.process")
	span.SetAttributes(
		attribute.String("bulletin.run_id", runID),
		attribute.String("bulletin.trade_date", date),
		attribute.String("bulletin.url", ref.DocumentURL),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("bulletin.outcome", string(outcome)),
			attribute.Int("bulletin.rows", upserted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	doc, err := o.deps.Fetcher.FetchDocument(ctx, ref.DocumentURL)
	if err != nil {
		logger.Error("document fetch failed",
			zap.String("kind", string(bulletin.FetchKind(err))),
			zap.Error(err),
		)
		return bulletin.OutcomeFailed, 0, err
	}

	archiveURI, hash := o.archive(ctx, logger, ref, doc)

	rows := o.deps.Extractor.Extract(doc)
	records := make([]bulletin.TradeRecord, 0, len(rows))
	for _, row := range rows {
		if rec, ok := o.deps.Mapper.Map(row, ref.TradeDate); ok {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		logger.Info("bulletin has no tradable rows", zap.Int("extracted", len(rows)))
		return bulletin.OutcomeEmpty, 0, nil
	}

	var inserted, updated int
	err = o.deps.Store.WithinBulletin(ctx, ref.TradeDate, func(ctx context.Context, u bulletin.Upserter) error {
		inserted, updated = 0, 0
		for _, rec := range records {
			res, err := u.Upsert(ctx, rec)
			if err != nil {
				return err
			}
			if res == bulletin.UpsertInserted {
				inserted++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("bulletin rolled back", zap.Int("records", len(records)), zap.Error(err))
		return bulletin.OutcomeFailed, 0, err
	}
	metrics.ObserveRowsUpserted(inserted, updated)
	logger.Info("bulletin persisted",
		zap.Int("extracted", len(rows)),
		zap.Int("inserted", inserted),
		zap.Int("updated", updated),
	)

	o.publish(ctx, logger, bulletin.IngestedEvent{
		RunID:       runID,
		TradeDate:   date,
		DocumentURL: ref.DocumentURL,
		ArchiveURI:  archiveURI,
		ContentHash: hash,
		Rows:        len(records),
		Inserted:    inserted,
		Updated:     updated,
		IngestedAt:  o.deps.Clock.Now(),
	})
	return bulletin.OutcomeProcessed, len(records), nil
}

// archive stores the raw document. Failures are logged and do not affect
// the bulletin.
func (o *Orchestrator) archive(ctx context.Context, logger *zap.Logger, ref bulletin.Reference, doc []byte) (uri, hash string) {
	if o.deps.Archive == nil {
		return "", ""
	}
	hash, err := o.deps.Hasher.Hash(doc)
	if err != nil {
		logger.Warn("hash document failed", zap.Error(err))
		return "", ""
	}
	ext, contentType := extract.DocumentType(doc)
	path := o.archivePath(ref, hash, ext)
	uri, err = o.deps.Archive.PutObject(ctx, path, contentType, bytes.NewReader(doc))
	if err != nil {
		logger.Warn("archive document failed", zap.String("path", path), zap.Error(err))
		return "", hash
	}
	logger.Debug("document archived", zap.String("uri", uri))
	return uri, hash
}

func (o *Orchestrator) archivePath(ref bulletin.Reference, hash, ext string) string {
	name := fmt.Sprintf("%s/%s.%s", ref.TradeDate.Format("2006/01/02"), hash, ext)
	prefix := strings.Trim(o.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// publish announces a committed bulletin. Failures are logged only; the
// rows are already durable.
func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, event bulletin.IngestedEvent) {
	if o.deps.Publisher == nil {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish ingestion event failed", zap.Error(err))
		return
	}
	logger.Debug("ingestion event published", zap.String("message_id", id))
}

func (o *Orchestrator) finish(logger *zap.Logger, t *tally, runErr error) bulletin.RunSummary {
	summary := t.snapshot()
	summary.FinishedAt = o.deps.Clock.Now()
	status := "succeeded"
	if runErr != nil {
		summary.Error = runErr.Error()
		status = "failed"
	}
	metrics.ObserveRun(status, summary.Duration())

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("discovered", summary.Discovered),
		zap.Int("processed", summary.Processed),
		zap.Int("empty", summary.Empty),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("not_started", summary.NotStarted),
		zap.Int("rows_upserted", summary.RowsUpserted),
		zap.Duration("duration", summary.Duration()),
	}
	if runErr != nil {
		logger.Error("ingestion run finished", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("ingestion run finished", fields...)
	}

	o.mu.Lock()
	o.last = &summary
	o.mu.Unlock()
	return summary
}

// groupByDate buckets references per trade date, preserving the order in
// which dates first appear. Within a date, references are reversed so the
// first listed (latest published) bulletin is applied last. A reference
// repeating an earlier one's URL is returned in dupes.
func groupByDate(refs []bulletin.Reference) (groups [][]bulletin.Reference, dupes []bulletin.Reference) {
	index := make(map[string]int, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		key := ref.TradeDate.Format(bulletin.DateLayout)
		if _, ok := seen[key+" "+ref.DocumentURL]; ok {
			dupes = append(dupes, ref)
			continue
		}
		seen[key+" "+ref.DocumentURL] = struct{}{}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ref)
	}
	for _, group := range groups {
		slices.Reverse(group)
	}
	return groups, dupes
}

func countRefs(groups [][]bulletin.Reference) int {
	n := 0
	for _, group := range groups {
		n += len(group)
	}
	return n
}

// tally accumulates per-bulletin outcomes from concurrent tasks.
type tally struct {
	mu      sync.Mutex
	summary bulletin.RunSummary
}

func (t *tally) record(outcome bulletin.Outcome, rows int) {
	metrics.ObserveBulletin(string(outcome))
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case bulletin.OutcomeProcessed:
		t.summary.Processed++
		t.summary.RowsUpserted += rows
	case bulletin.OutcomeEmpty:
		t.summary.Empty++
	case bulletin.OutcomeSkipped:
		t.summary.Skipped++
	default:
		t.summary.Failed++
	}
}

func (t *tally) notStarted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.NotStarted += n
}

func (t *tally) snapshot() bulletin.RunSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}
