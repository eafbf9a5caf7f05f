package reconciliation

import (
	"time"

	metering "metergrid/internal/metering/domain"
	tariff "metergrid/internal/tariff/domain"
)

// Run statuses.
const (
	StatusSucceeded    = "succeeded"
	StatusWithWarnings = "succeeded_with_warnings"
	StatusFailed       = "failed"
)

// CategoryTotals holds consumption per reconciliation category.
type CategoryTotals struct {
	GridSupply float64
	Solar      float64
	Tenant     float64
	Check      float64
	Unassigned float64
}

// MeterResult is the per-meter outcome of a run.
type MeterResult struct {
	MeterID  string
	Category metering.Category
	// DirectTotal sums the meter's own measured readings.
	DirectTotal float64
	// HierarchicalTotal sums the aggregated descendant readings; equals
	// DirectTotal for leaves.
	HierarchicalTotal float64
	ChannelMaxima     map[string]float64
	DirectCost        *tariff.Breakdown
	HierarchicalCost  *tariff.Breakdown
	CostingError      string
}

// Run is an immutable snapshot of one reconciliation: everything needed to
// reproduce the outcome without re-querying mutable external state.
type Run struct {
	ID          string
	SiteID      string
	From        time.Time
	To          time.Time
	Status      string
	Totals      CategoryTotals
	SupplyTotal float64
	// DistributionTotal is the billed tenant consumption.
	DistributionTotal float64
	RecoveryRate      float64
	Discrepancy       float64
	Revenue           float64
	// MeterOrder is the bottom-up ordering the run used.
	MeterOrder []string
	Results    map[string]MeterResult
	// FailedMeters maps meter ids to the error that excluded them.
	FailedMeters map[string]string
	CreatedAt    time.Time
}
