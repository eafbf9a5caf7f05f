package application

import (
	"context"
	"errors"
	"log"
	"time"

	meterapp "metergrid/internal/metering/application"
	metering "metergrid/internal/metering/domain"
	recon "metergrid/internal/reconciliation/domain"
	tariff "metergrid/internal/tariff/domain"
	tariffengine "metergrid/internal/tariff/engine"
)

// Calculator assigns categories, totals consumption, computes the recovery
// rate and discrepancy, and drives the tariff engine for revenue.
type Calculator struct {
	engine        *tariffengine.Engine
	energyChannel string
	demandChannel string
	logger        *log.Logger
}

// NewCalculator constructs a Calculator.
func NewCalculator(engine *tariffengine.Engine, energyChannel, demandChannel string, logger *log.Logger) (*Calculator, error) {
	if engine == nil {
		return nil, errors.New("calculator: nil tariff engine")
	}
	if energyChannel == "" {
		return nil, errors.New("calculator: empty energy channel")
	}
	return &Calculator{
		engine:        engine,
		energyChannel: energyChannel,
		demandChannel: demandChannel,
		logger:        logger,
	}, nil
}

// CalculationInput carries everything the calculator consumes.
type CalculationInput struct {
	Hierarchy *metering.Hierarchy
	// Direct holds the corrected measured series per meter.
	Direct map[string]meterapp.MeterSeries
	// Derived holds the synthetic series per parent meter.
	Derived map[string]meterapp.MeterSeries
	// Failed meters are excluded from totals and pricing.
	Failed map[string]struct{}
	// Assignments override the type-derived category per meter.
	Assignments map[string]metering.Category
	// DefaultAuthority fills name-only tariff references.
	DefaultAuthority string
	From             time.Time
	To               time.Time
}

// Calculation is the calculator's outcome.
type Calculation struct {
	Totals            recon.CategoryTotals
	SupplyTotal       float64
	DistributionTotal float64
	RecoveryRate      float64
	Discrepancy       float64
	Revenue           float64
	Results           map[string]recon.MeterResult
}

// Calculate runs categorization, totals, recovery and costing in one pass
// over the hierarchy order.
func (c *Calculator) Calculate(ctx context.Context, in CalculationInput) (Calculation, error) {
	if in.Hierarchy == nil {
		return Calculation{}, metering.ErrNoMeters
	}
	if !in.To.After(in.From) {
		return Calculation{}, recon.ErrInvalidRange
	}

	results := make(map[string]recon.MeterResult)
	var gridPositive, gridNegative, solarTotal float64
	var totals recon.CategoryTotals

	for _, meter := range in.Hierarchy.Meters() {
		if _, failed := in.Failed[meter.ID]; failed {
			continue
		}
		result := c.meterResult(ctx, in, meter)
		results[meter.ID] = result

		switch result.Category {
		case metering.CategoryGridSupply:
			totals.GridSupply += result.DirectTotal
			if result.DirectTotal >= 0 {
				gridPositive += result.DirectTotal
			} else {
				gridNegative += result.DirectTotal
			}
		case metering.CategorySolar:
			totals.Solar += result.DirectTotal
			solarTotal += result.DirectTotal
		case metering.CategoryTenant:
			totals.Tenant += result.DirectTotal
		case metering.CategoryCheck:
			totals.Check += result.DirectTotal
		default:
			totals.Unassigned += result.DirectTotal
		}
	}

	renewableShare := solarTotal + gridNegative
	if renewableShare < 0 {
		renewableShare = 0
	}
	supplyTotal := gridPositive + renewableShare
	distributionTotal := totals.Tenant

	recoveryRate := 0.0
	if supplyTotal != 0 {
		recoveryRate = distributionTotal / supplyTotal * 100
	}

	return Calculation{
		Totals:            totals,
		SupplyTotal:       supplyTotal,
		DistributionTotal: distributionTotal,
		RecoveryRate:      recoveryRate,
		Discrepancy:       supplyTotal - distributionTotal,
		Revenue:           c.rollupRevenue(in.Hierarchy, results),
		Results:           results,
	}, nil
}

func (c *Calculator) meterResult(ctx context.Context, in CalculationInput, meter metering.Meter) recon.MeterResult {
	category := meter.DefaultCategory()
	if assigned, ok := in.Assignments[meter.ID]; ok {
		category = assigned
	}

	direct := in.Direct[meter.ID]
	result := recon.MeterResult{
		MeterID:     meter.ID,
		Category:    category,
		DirectTotal: metering.SumChannel(direct.Readings, c.energyChannel),
	}

	hierarchical := direct
	if !in.Hierarchy.IsLeaf(meter.ID) {
		hierarchical = in.Derived[meter.ID]
		result.HierarchicalTotal = metering.SumChannel(hierarchical.Readings, c.energyChannel)
	} else {
		result.HierarchicalTotal = result.DirectTotal
	}
	result.ChannelMaxima = metering.ChannelMaxima(hierarchical.Readings)

	if meter.Tariff.IsZero() {
		return result
	}

	ref := tariff.Ref{ID: meter.Tariff.ID, Name: meter.Tariff.Name, Authority: meter.Tariff.Authority}
	if ref.Authority == "" {
		ref.Authority = in.DefaultAuthority
	}

	if result.DirectTotal > 0 {
		breakdown, err := c.price(ctx, in, meter.ID, ref, direct, result.DirectTotal)
		if err != nil {
			result.CostingError = err.Error()
			if c.logger != nil {
				c.logger.Printf("event=costing_failed meter_id=%s error=%v", meter.ID, err)
			}
		} else {
			result.DirectCost = &breakdown
		}
	}
	if !in.Hierarchy.IsLeaf(meter.ID) && result.HierarchicalTotal > 0 {
		breakdown, err := c.price(ctx, in, meter.ID, ref, hierarchical, result.HierarchicalTotal)
		if err != nil {
			result.CostingError = err.Error()
		} else {
			result.HierarchicalCost = &breakdown
		}
	}
	return result
}

func (c *Calculator) price(ctx context.Context, in CalculationInput, meterID string, ref tariff.Ref, series meterapp.MeterSeries, consumption float64) (tariff.Breakdown, error) {
	samples := make([]tariff.Sample, 0, len(series.Readings))
	for _, r := range series.Readings {
		if v, ok := r.Values[c.energyChannel]; ok {
			samples = append(samples, tariff.Sample{At: r.At, Value: v})
		}
	}

	var maxDemand float64
	if c.demandChannel != "" {
		maxDemand = metering.ChannelMaxima(series.Readings)[c.demandChannel]
	}
	if maxDemand < 0 {
		maxDemand = 0
	}

	return c.engine.Price(ctx, tariffengine.Request{
		MeterID:     meterID,
		Ref:         ref,
		From:        in.From,
		To:          in.To,
		Consumption: consumption,
		MaxDemand:   maxDemand,
		Samples:     samples,
	})
}

// rollupRevenue walks each tree from the root and takes the first
// tariff-bound meter on every path: hierarchical cost for parents, direct
// cost for leaves. Nothing below a counted meter is counted again, so shared
// consumption is never double-billed.
func (c *Calculator) rollupRevenue(h *metering.Hierarchy, results map[string]recon.MeterResult) float64 {
	var revenue float64
	visited := make(map[string]struct{})
	for _, root := range h.Roots() {
		revenue += c.rollupFrom(h, results, root, visited)
	}
	return revenue
}

func (c *Calculator) rollupFrom(h *metering.Hierarchy, results map[string]recon.MeterResult, id string, visited map[string]struct{}) float64 {
	if _, ok := visited[id]; ok {
		return 0
	}
	visited[id] = struct{}{}

	if result, ok := results[id]; ok {
		if !h.IsLeaf(id) && result.HierarchicalCost != nil {
			return result.HierarchicalCost.TotalCost
		}
		if h.IsLeaf(id) && result.DirectCost != nil {
			return result.DirectCost.TotalCost
		}
	}

	var revenue float64
	for _, child := range h.Children(id) {
		revenue += c.rollupFrom(h, results, child, visited)
	}
	return revenue
}
