package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	recon "metergrid/internal/reconciliation/domain"
)

// Period is one requested reconciliation window.
type Period struct {
	From time.Time
	To   time.Time
}

// BulkSummary is the final outcome of a bulk run.
type BulkSummary struct {
	Succeeded int
	Failed    int
}

// Bulk sequences full reconciliation runs across multiple periods in
// chronological order. A period's failure is isolated; cancellation halts
// immediately, leaving completed periods intact.
type Bulk struct {
	service *Service
	logger  *log.Logger
}

// NewBulk constructs a Bulk orchestrator.
func NewBulk(service *Service, logger *log.Logger) (*Bulk, error) {
	if service == nil {
		return nil, errors.New("bulk: nil reconciliation service")
	}
	return &Bulk{service: service, logger: logger}, nil
}

// Run reconciles every period. The base request supplies site, assignments
// and tariff authority; From/To come from each period.
func (b *Bulk) Run(ctx context.Context, base RunRequest, periods []Period) (BulkSummary, error) {
	if len(periods) == 0 {
		return BulkSummary{}, recon.ErrNoPeriods
	}

	ordered := append([]Period(nil), periods...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].From.Before(ordered[j].From) })

	var summary BulkSummary
	total := len(ordered)
	for i, period := range ordered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		req := base
		req.From = period.From
		req.To = period.To

		run, err := b.service.Run(ctx, req)
		switch {
		case err == nil:
			summary.Succeeded++
			b.countPeriod("succeeded")
			if b.logger != nil {
				b.logger.Printf("event=bulk_period_done site_id=%s run_id=%s period=%s", base.SiteID, run.ID, period.From.UTC().Format("2006-01-02"))
			}
		case errors.Is(err, context.Canceled):
			return summary, err
		default:
			summary.Failed++
			b.countPeriod("failed")
			if b.logger != nil {
				b.logger.Printf("event=bulk_period_failed site_id=%s period=%s error=%v", base.SiteID, period.From.UTC().Format("2006-01-02"), err)
			}
		}

		b.service.report(StagePeriod, i+1, total)
	}
	return summary, nil
}

func (b *Bulk) countPeriod(outcome string) {
	if b.service.metrics != nil {
		b.service.metrics.BulkPeriodsTotal.WithLabelValues(outcome).Inc()
	}
}
