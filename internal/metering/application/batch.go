package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	metering "metergrid/internal/metering/domain"
)

const (
	defaultWidth          = 4
	defaultPageSize       = 500
	defaultAttemptTimeout = 10 * time.Second
	defaultMaxRetries     = 3
	defaultBackoff        = 250 * time.Millisecond
)

// ProgressFunc reports batch progress after each completed meter.
type ProgressFunc func(stage string, current, total int)

// StageFetch is the stage label reported while fetching meter readings.
const StageFetch = "fetch"

// BatchRunner fetches and corrects a set of meters with a small fixed
// concurrency width, bounding store load. Exhausted retries mark a meter
// failed without failing the batch; only cancellation aborts the whole run.
type BatchRunner struct {
	store          ReadingStore
	corrector      *Corrector
	width          int
	pageSize       int
	attemptTimeout time.Duration
	maxRetries     int
	backoff        time.Duration
	logger         *log.Logger
}

// BatchOption configures the runner.
type BatchOption func(*BatchRunner)

// WithWidth sets the concurrency width.
func WithWidth(width int) BatchOption {
	return func(r *BatchRunner) {
		if width > 0 {
			r.width = width
		}
	}
}

// WithPageSize sets the store page size.
func WithPageSize(size int) BatchOption {
	return func(r *BatchRunner) {
		if size > 0 {
			r.pageSize = size
		}
	}
}

// WithAttemptTimeout sets the per-attempt store timeout.
func WithAttemptTimeout(timeout time.Duration) BatchOption {
	return func(r *BatchRunner) {
		if timeout > 0 {
			r.attemptTimeout = timeout
		}
	}
}

// WithMaxRetries sets the retry ceiling per meter.
func WithMaxRetries(retries int) BatchOption {
	return func(r *BatchRunner) {
		if retries >= 0 {
			r.maxRetries = retries
		}
	}
}

// WithBackoff sets the initial retry backoff; it doubles per attempt.
func WithBackoff(backoff time.Duration) BatchOption {
	return func(r *BatchRunner) {
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// NewBatchRunner constructs a BatchRunner.
func NewBatchRunner(store ReadingStore, corrector *Corrector, logger *log.Logger, opts ...BatchOption) (*BatchRunner, error) {
	if store == nil {
		return nil, errors.New("batch runner: nil reading store")
	}
	if corrector == nil {
		return nil, errors.New("batch runner: nil corrector")
	}
	r := &BatchRunner{
		store:          store,
		corrector:      corrector,
		width:          defaultWidth,
		pageSize:       defaultPageSize,
		attemptTimeout: defaultAttemptTimeout,
		maxRetries:     defaultMaxRetries,
		backoff:        defaultBackoff,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FetchAll fetches, deduplicates and corrects the series of every requested
// meter. Per-meter failures land in the error map; the batch itself only
// fails on cancellation.
func (r *BatchRunner) FetchAll(ctx context.Context, meterIDs []string, from, to time.Time, progress ProgressFunc) (map[string]MeterSeries, map[string]error, error) {
	if !to.After(from) {
		return nil, nil, metering.ErrInvalidRange
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		series    = make(map[string]MeterSeries, len(meterIDs))
		failures  = make(map[string]error)
		completed int
	)
	sem := make(chan struct{}, r.width)
	total := len(meterIDs)

	for _, meterID := range meterIDs {
		if err := ctx.Err(); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(meterID string) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := r.fetchMeter(ctx, meterID, from, to)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					failures[meterID] = err
					if r.logger != nil {
						r.logger.Printf("event=meter_fetch_failed meter_id=%s error=%v", meterID, err)
					}
				}
			} else {
				series[meterID] = result
			}
			completed++
			if progress != nil {
				progress(StageFetch, completed, total)
			}
		}(meterID)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return series, failures, nil
}

// fetchMeter paginates the store to exhaustion under a per-attempt timeout,
// retrying transient failures with exponential backoff up to the ceiling.
func (r *BatchRunner) fetchMeter(ctx context.Context, meterID string, from, to time.Time) (MeterSeries, error) {
	var lastErr error
	backoff := r.backoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return MeterSeries{}, err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return MeterSeries{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		raw, err := r.fetchAttempt(ctx, meterID, from, to)
		if err == nil {
			deduped := metering.DedupReadings(raw)
			corrected, corrections := r.corrector.Correct(meterID, deduped)
			return MeterSeries{MeterID: meterID, Readings: corrected, Corrections: corrections}, nil
		}
		if errors.Is(err, context.Canceled) {
			return MeterSeries{}, err
		}
		lastErr = err
		if !retryable(err) {
			return MeterSeries{}, err
		}
	}
	return MeterSeries{}, lastErr
}

func (r *BatchRunner) fetchAttempt(ctx context.Context, meterID string, from, to time.Time) ([]metering.Reading, error) {
	var readings []metering.Reading
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		page, next, err := r.store.ListPage(pageCtx, meterID, from, to, cursor, r.pageSize)
		cancel()
		if err != nil {
			return nil, err
		}
		readings = append(readings, page...)
		if next == "" {
			return readings, nil
		}
		cursor = next
	}
}

func retryable(err error) bool {
	if metering.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
