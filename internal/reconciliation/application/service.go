package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	meterapp "metergrid/internal/metering/application"
	metering "metergrid/internal/metering/domain"
	"metergrid/internal/observability/metrics"
	recon "metergrid/internal/reconciliation/domain"
)

// Progress stage labels beyond the batch fetch stage.
const (
	StageAggregate = "aggregate"
	StageCost      = "cost"
	StagePersist   = "persist"
	StagePeriod    = "period"
)

// MeterDirectory lists the site's meters and explicit parent/child edges.
// The edge list may be empty, in which case the forest is derived from
// indent levels.
type MeterDirectory interface {
	ListMeters(ctx context.Context, siteID string) ([]metering.Meter, error)
	ListConnections(ctx context.Context, siteID string) ([]metering.Connection, error)
}

// RunStore persists completed reconciliation runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *recon.Run) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// RunRequest describes one reconciliation run. Options that used to live in
// ambient settings are threaded through here explicitly.
type RunRequest struct {
	SiteID string
	From   time.Time
	To     time.Time
	// Assignments override the type-derived category per meter id.
	Assignments map[string]metering.Category
	// TariffAuthority fills name-only tariff references.
	TariffAuthority string
}

// Service drives a full reconciliation run: resolve hierarchy, fetch and
// correct, aggregate bottom-up, categorize and cost, persist the snapshot.
type Service struct {
	directory  MeterDirectory
	batch      *meterapp.BatchRunner
	aggregator *meterapp.Aggregator
	calculator *Calculator
	runs       RunStore
	metrics    *metrics.Metrics
	clock      Clock
	logger     *log.Logger
	progress   meterapp.ProgressFunc

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	nextRun uint64
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithProgress installs a progress handler.
func WithProgress(progress meterapp.ProgressFunc) ServiceOption {
	return func(s *Service) { s.progress = progress }
}

// WithMetrics installs the metrics bundle.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs a Service.
func NewService(directory MeterDirectory, batch *meterapp.BatchRunner, aggregator *meterapp.Aggregator, calculator *Calculator, runs RunStore, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if directory == nil {
		return nil, errors.New("reconciliation service: nil meter directory")
	}
	if batch == nil {
		return nil, errors.New("reconciliation service: nil batch runner")
	}
	if aggregator == nil {
		return nil, errors.New("reconciliation service: nil aggregator")
	}
	if calculator == nil {
		return nil, errors.New("reconciliation service: nil calculator")
	}
	if runs == nil {
		return nil, errors.New("reconciliation service: nil run store")
	}
	s := &Service{
		directory:  directory,
		batch:      batch,
		aggregator: aggregator,
		calculator: calculator,
		runs:       runs,
		clock:      SystemClock{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cancel raises the cooperative cancellation signal for every in-flight run.
// Each run holds its own handle, so a scheduled run and an API run cannot
// clobber each other's slot.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}

// Run executes one reconciliation over [From, To). Per-meter failures leave
// partial results; only configuration errors and cancellation abort.
func (s *Service) Run(ctx context.Context, req RunRequest) (*recon.Run, error) {
	if req.SiteID == "" {
		return nil, recon.ErrEmptySiteID
	}
	if req.From.IsZero() || req.To.IsZero() || !req.To.After(req.From) {
		return nil, recon.ErrInvalidRange
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[uint64]context.CancelFunc)
	}
	handle := s.nextRun
	s.nextRun++
	s.cancels[handle] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, handle)
		s.mu.Unlock()
	}()

	started := s.clock.Now()
	s.logf("run_start", req.SiteID, "", "")

	hierarchy, err := s.resolveHierarchy(ctx, req)
	if err != nil {
		s.observeFailure(started, req.SiteID, err)
		return nil, err
	}

	order := hierarchy.Order()
	direct, failures, err := s.batch.FetchAll(ctx, order, req.From, req.To, s.progress)
	if err != nil {
		s.observeFailure(started, req.SiteID, err)
		return nil, err
	}

	s.report(StageAggregate, 0, 1)
	derived, err := s.aggregator.Aggregate(ctx, hierarchy, direct, req.From, req.To)
	if err != nil {
		s.observeFailure(started, req.SiteID, err)
		return nil, err
	}
	s.report(StageAggregate, 1, 1)

	failed := make(map[string]struct{}, len(failures))
	failedMessages := make(map[string]string, len(failures))
	for meterID, failure := range failures {
		failed[meterID] = struct{}{}
		failedMessages[meterID] = failure.Error()
	}

	s.report(StageCost, 0, 1)
	calculation, err := s.calculator.Calculate(ctx, CalculationInput{
		Hierarchy:        hierarchy,
		Direct:           direct,
		Derived:          derived,
		Failed:           failed,
		Assignments:      req.Assignments,
		DefaultAuthority: req.TariffAuthority,
		From:             req.From,
		To:               req.To,
	})
	if err != nil {
		s.observeFailure(started, req.SiteID, err)
		return nil, err
	}
	s.report(StageCost, 1, 1)

	status := recon.StatusSucceeded
	if len(failures) > 0 {
		status = recon.StatusWithWarnings
	}

	run := &recon.Run{
		ID:                fmt.Sprintf("rr-%s-%s-%s", req.SiteID, req.From.UTC().Format("20060102"), started.Format("20060102T150405")),
		SiteID:            req.SiteID,
		From:              req.From.UTC(),
		To:                req.To.UTC(),
		Status:            status,
		Totals:            calculation.Totals,
		SupplyTotal:       calculation.SupplyTotal,
		DistributionTotal: calculation.DistributionTotal,
		RecoveryRate:      calculation.RecoveryRate,
		Discrepancy:       calculation.Discrepancy,
		Revenue:           calculation.Revenue,
		MeterOrder:        order,
		Results:           calculation.Results,
		FailedMeters:      failedMessages,
		CreatedAt:         started,
	}

	s.report(StagePersist, 0, 1)
	if err := s.runs.SaveRun(ctx, run); err != nil {
		s.observeFailure(started, req.SiteID, err)
		return nil, err
	}
	s.report(StagePersist, 1, 1)

	s.observeSuccess(started, run, direct)
	s.logf("run_success", req.SiteID, run.ID, "")
	return run, nil
}

// resolveHierarchy refreshes meters and edges and validates the run is
// configured well enough to start; a configuration failure aborts before any
// meter work.
func (s *Service) resolveHierarchy(ctx context.Context, req RunRequest) (*metering.Hierarchy, error) {
	meters, err := s.directory.ListMeters(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	if len(meters) == 0 {
		return nil, &recon.ConfigurationError{Reason: "site has no meters"}
	}

	for _, m := range meters {
		if m.Tariff.ID == "" && m.Tariff.Name != "" && m.Tariff.Authority == "" && req.TariffAuthority == "" {
			return nil, &recon.ConfigurationError{Reason: "no tariff authority bound to site"}
		}
	}

	connections, err := s.directory.ListConnections(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	return metering.BuildHierarchy(meters, connections)
}

func (s *Service) report(stage string, current, total int) {
	if s.progress != nil {
		s.progress(stage, current, total)
	}
}

func (s *Service) observeSuccess(started time.Time, run *recon.Run, direct map[string]meterapp.MeterSeries) {
	if s.metrics == nil {
		return
	}
	s.metrics.RunsTotal.WithLabelValues(run.Status).Inc()
	s.metrics.RunDuration.Observe(s.clock.Now().Sub(started).Seconds())
	s.metrics.RecoveryRate.Set(run.RecoveryRate)
	s.metrics.Discrepancy.Set(run.Discrepancy)
	s.metrics.MeterFailures.Add(float64(len(run.FailedMeters)))
	var corrections int
	for _, series := range direct {
		corrections += len(series.Corrections)
	}
	s.metrics.CorrectionsTotal.Add(float64(corrections))
}

func (s *Service) observeFailure(started time.Time, siteID string, err error) {
	s.logf("run_failed", siteID, "", err.Error())
	if s.metrics == nil {
		return
	}
	s.metrics.RunsTotal.WithLabelValues(recon.StatusFailed).Inc()
	s.metrics.RunDuration.Observe(s.clock.Now().Sub(started).Seconds())
}

func (s *Service) logf(event, siteID, runID, errMsg string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("event=%s site_id=%s run_id=%s error=%s", event, siteID, runID, errMsg)
}
