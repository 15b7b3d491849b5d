// Package orchestrator downloads, normalizes and caches the canonical image of
// every record with a long-lived bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/fetcher"
	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/metrics"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

// ErrClosed is returned by FetchAll after Close.
var ErrClosed = errors.New("orchestrator is closed")

// Source retrieves the raw bytes behind a record's source reference.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

type job struct {
	ctx    context.Context
	slot   int
	record models.Record
	path   string
	reply  chan<- Result
}

// Result is the outcome of one record, cached or fetched.
type Result struct {
	Slot      int
	Index     int
	Category  string
	SourceRef string
	Path      string
	Cached    bool
	Err       error
	ErrorType string
	Duration  time.Duration
}

// Batch is the outcome of one FetchAll call.
type Batch struct {
	Records  []models.Record // survivors, input order, LocalPath set
	Results  []Result        // one per input record, input order
	Failures []manifest.FailedRecord
	Cached   int
	Fetched  int
	Failed   int
}

type Orchestrator struct {
	cfg     models.Config
	source  Source
	scheme  pathscheme.Scheme
	storage *storage.Storage
	logger  *slog.Logger
	metrics *metrics.Pipeline

	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithMetrics(m *metrics.Pipeline) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithStorage(s *storage.Storage) Option  { return func(o *Orchestrator) { o.storage = s } }

// New starts cfg.Workers goroutines that live until Close.
func New(cfg models.Config, source Source, scheme pathscheme.Scheme, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		source:  source,
		scheme:  scheme,
		storage: &storage.Storage{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.Workers <= 0 {
		o.cfg.Workers = 1
	}
	if o.cfg.FetchTimeout <= 0 {
		o.cfg.FetchTimeout = models.DefaultConfig().FetchTimeout
	}

	o.jobs = make(chan job)
	for w := 1; w <= o.cfg.Workers; w++ {
		o.wg.Add(1)
		go o.worker(w)
	}
	return o
}

// Close stops the pool and waits for in-flight units. It is safe to call
// more than once.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.jobs)
	o.mu.Unlock()
	o.wg.Wait()
}

// FetchAll resolves every record to its canonical image. Records whose image
// is already on disk are not submitted. All submitted units are awaited before
// returning; results are matched to records by submission slot, never by
// completion order. Failed records are dropped from Batch.Records.
func (o *Orchestrator) FetchAll(ctx context.Context, records []models.Record) (Batch, error) {
	results := make([]Result, len(records))
	reply := make(chan Result, len(records))

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return Batch{}, ErrClosed
	}

	pending := 0
	var submitErr error
	for slot, r := range records {
		res := Result{Slot: slot, Index: r.Index, Category: r.Category, SourceRef: r.SourceRef}

		path, err := o.scheme.Path(r.Category, r.Index, "")
		if err != nil {
			res.Err = fmt.Errorf("%w: %w", fetcher.ErrInvalidReference, err)
			res.ErrorType = fetcher.ErrorType(res.Err)
			results[slot] = res
			continue
		}
		if o.storage.HasFile(path) {
			res.Path = path
			res.Cached = true
			results[slot] = res
			o.metrics.CachedFetch()
			o.logger.Debug("Canonical image found in cache", "index", r.Index, "path", path)
			continue
		}
		if submitErr != nil {
			res.Err = fmt.Errorf("%w: not submitted: %w", fetcher.ErrUnknown, submitErr)
			res.ErrorType = fetcher.ErrorType(res.Err)
			results[slot] = res
			continue
		}

		select {
		case o.jobs <- job{ctx: ctx, slot: slot, record: r, path: path, reply: reply}:
			pending++
		case <-ctx.Done():
			submitErr = ctx.Err()
			res.Err = fmt.Errorf("%w: not submitted: %w", fetcher.ErrUnknown, submitErr)
			res.ErrorType = fetcher.ErrorType(res.Err)
			results[slot] = res
		}
	}
	o.mu.RUnlock()

	for i := 0; i < pending; i++ {
		res := <-reply
		results[res.Slot] = res
	}

	batch := Batch{Results: results, Records: make([]models.Record, 0, len(records))}
	for slot, res := range results {
		if res.Err != nil {
			batch.Failed++
			batch.Failures = append(batch.Failures, manifest.FailedRecord{
				Index:        res.Index,
				Category:     res.Category,
				SourceRef:    res.SourceRef,
				ErrorType:    res.ErrorType,
				ErrorMessage: res.Err.Error(),
			})
			continue
		}
		if res.Cached {
			batch.Cached++
		} else {
			batch.Fetched++
		}
		r := records[slot]
		r.LocalPath = res.Path
		batch.Records = append(batch.Records, r)
	}

	o.logger.Info("Fetch batch finished", "records", len(records), "cached", batch.Cached,
		"fetched", batch.Fetched, "failed", batch.Failed)
	return batch, submitErr
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for j := range o.jobs {
		j.reply <- o.process(id, j)
	}
}

// process runs one unit. It never panics and always reports.
func (o *Orchestrator) process(id int, j job) (res Result) {
	start := time.Now()
	res = Result{Slot: j.slot, Index: j.record.Index, Category: j.record.Category, SourceRef: j.record.SourceRef}
	o.metrics.StartFetch()

	defer func() {
		if rec := recover(); rec != nil {
			res.Err = fmt.Errorf("%w: panic: %v", fetcher.ErrUnknown, rec)
			res.Path = ""
		}
		res.Duration = time.Since(start)
		outcome := "fetched"
		if res.Err != nil {
			res.ErrorType = fetcher.ErrorType(res.Err)
			outcome = res.ErrorType
			o.logger.Error("Fetch unit failed", "worker_id", id, "index", res.Index, "category", res.Category,
				"source", res.SourceRef, "error_type", res.ErrorType, "error", res.Err)
		} else {
			o.logger.Debug("Fetch unit finished", "worker_id", id, "index", res.Index, "path", res.Path,
				"duration_ms", res.Duration.Milliseconds())
		}
		o.metrics.FinishFetch(outcome, res.Duration)
	}()

	ctx, cancel := context.WithTimeout(j.ctx, o.cfg.FetchTimeout)
	defer cancel()

	data, err := o.retrieve(ctx, j.record.SourceRef)
	if err != nil {
		res.Err = fetcher.Classify(err)
		return res
	}

	img, _, err := imageproc.DecodeBytesLimited(data, o.cfg.MaxPixels)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", fetcher.ErrInvalidReference, err)
		return res
	}
	canonical, err := imageproc.Normalize(img, o.cfg.MinSize, o.cfg.Fill(),
		o.cfg.Resize.Width, o.cfg.Resize.Height, o.cfg.Resize.Method)
	if err != nil {
		res.Err = fmt.Errorf("%w: normalize: %w", fetcher.ErrUnknown, err)
		return res
	}
	if err := imageproc.Save(o.storage, j.path, canonical, o.cfg.JPEGQuality); err != nil {
		res.Err = fmt.Errorf("%w: %w", fetcher.ErrPersist, err)
		return res
	}

	res.Path = j.path
	return res
}

// retrieve bounds the source call by ctx even when the source ignores it.
func (o *Orchestrator) retrieve(ctx context.Context, ref string) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: panic in source: %v", fetcher.ErrUnknown, rec)}
			}
		}()
		data, err := o.source.Fetch(ctx, ref)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", fetcher.ErrTimeout, out.err)
		}
		return out.data, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: after %s", fetcher.ErrTimeout, o.cfg.FetchTimeout)
		}
		return nil, fmt.Errorf("%w: %w", fetcher.ErrUnknown, ctx.Err())
	}
}
