package application

import (
	"context"
	"errors"
	"testing"
	"time"

	recon "metergrid/internal/reconciliation/domain"
	reconmem "metergrid/internal/reconciliation/infrastructure/memory"
)

func monthPeriods(start time.Time, count int) []Period {
	periods := make([]Period, 0, count)
	for i := 0; i < count; i++ {
		from := start.AddDate(0, i, 0)
		periods = append(periods, Period{From: from, To: from.AddDate(0, 1, 0)})
	}
	return periods
}

func TestBulkRunsEveryPeriod(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fx := newServiceFixture(t, siteDirectory())
	for i := 0; i < 3; i++ {
		seedSite(fx.store, start.AddDate(0, i, 0))
	}
	bulk, err := NewBulk(fx.service, testLogger())
	if err != nil {
		t.Fatalf("new bulk: %v", err)
	}

	summary, err := bulk.Run(context.Background(), RunRequest{SiteID: "site-1"}, monthPeriods(start, 3))
	if err != nil {
		t.Fatalf("bulk run: %v", err)
	}
	if summary.Succeeded != 3 || summary.Failed != 0 {
		t.Fatalf("expected 3 succeeded, got %+v", summary)
	}
	if fx.runs.Count() != 3 {
		t.Fatalf("expected 3 persisted runs, got %d", fx.runs.Count())
	}
}

func TestBulkIsolatesPeriodFailures(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fx := newServiceFixture(t, siteDirectory())
	seedSite(fx.store, start)
	seedSite(fx.store, start.AddDate(0, 2, 0))

	// The middle period is degenerate and fails validation; its neighbors
	// must still run.
	periods := []Period{
		{From: start, To: start.AddDate(0, 1, 0)},
		{From: start.AddDate(0, 1, 0), To: start.AddDate(0, 1, 0)},
		{From: start.AddDate(0, 2, 0), To: start.AddDate(0, 3, 0)},
	}
	bulk, err := NewBulk(fx.service, testLogger())
	if err != nil {
		t.Fatalf("new bulk: %v", err)
	}

	summary, err := bulk.Run(context.Background(), RunRequest{SiteID: "site-1"}, periods)
	if err != nil {
		t.Fatalf("bulk run: %v", err)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("expected 2 succeeded and 1 failed, got %+v", summary)
	}
	if fx.runs.Count() != 2 {
		t.Fatalf("expected 2 persisted runs, got %d", fx.runs.Count())
	}
}

// recordingRunStore remembers the order runs were persisted in.
type recordingRunStore struct {
	inner *reconmem.RunRepository
	froms []time.Time
}

func (s *recordingRunStore) SaveRun(ctx context.Context, run *recon.Run) error {
	s.froms = append(s.froms, run.From)
	return s.inner.SaveRun(ctx, run)
}

func TestBulkProcessesChronologically(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fx := newServiceFixture(t, siteDirectory())
	for i := 0; i < 3; i++ {
		seedSite(fx.store, start.AddDate(0, i, 0))
	}
	recorder := &recordingRunStore{inner: fx.runs}
	fx.service.runs = recorder
	bulk, err := NewBulk(fx.service, testLogger())
	if err != nil {
		t.Fatalf("new bulk: %v", err)
	}

	periods := monthPeriods(start, 3)
	shuffled := []Period{periods[2], periods[0], periods[1]}

	if _, err := bulk.Run(context.Background(), RunRequest{SiteID: "site-1"}, shuffled); err != nil {
		t.Fatalf("bulk run: %v", err)
	}
	if len(recorder.froms) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(recorder.froms))
	}
	for i := 1; i < len(recorder.froms); i++ {
		if !recorder.froms[i-1].Before(recorder.froms[i]) {
			t.Fatalf("expected chronological execution, got %v", recorder.froms)
		}
	}
}

func TestBulkCancellationHaltsRemainingPeriods(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fx := newServiceFixture(t, siteDirectory())
	seedSite(fx.store, start)
	bulk, err := NewBulk(fx.service, testLogger())
	if err != nil {
		t.Fatalf("new bulk: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := bulk.Run(ctx, RunRequest{SiteID: "site-1"}, monthPeriods(start, 3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Succeeded != 0 || summary.Failed != 0 {
		t.Fatalf("expected nothing processed, got %+v", summary)
	}
	if fx.runs.Count() != 0 {
		t.Fatalf("expected completed periods only, got %d", fx.runs.Count())
	}
}

func TestBulkRejectsEmptyPeriods(t *testing.T) {
	fx := newServiceFixture(t, siteDirectory())
	bulk, err := NewBulk(fx.service, testLogger())
	if err != nil {
		t.Fatalf("new bulk: %v", err)
	}
	if _, err := bulk.Run(context.Background(), RunRequest{SiteID: "site-1"}, nil); !errors.Is(err, recon.ErrNoPeriods) {
		t.Fatalf("expected ErrNoPeriods, got %v", err)
	}
}
