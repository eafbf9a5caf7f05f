package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	tariff "metergrid/internal/tariff/domain"
)

// Lookup resolves tariff versions overlapping a range, sorted by ValidFrom.
type Lookup interface {
	FindForRange(ctx context.Context, ref tariff.Ref, from, to time.Time) ([]tariff.Structure, error)
}

// Request prices a consumption/demand quantity for one meter over [From, To).
type Request struct {
	MeterID     string
	Ref         tariff.Ref
	From        time.Time
	To          time.Time
	Consumption float64
	MaxDemand   float64
	// Samples are the raw timestamped quantities; required for TOU
	// classification and used to attribute consumption to validity
	// sub-intervals when present.
	Samples []tariff.Sample
}

// Engine prices quantities against flat, tiered-block and time-of-use
// tariffs, splitting the range at tariff-validity boundaries.
type Engine struct {
	lookup Lookup
}

// New constructs an Engine.
func New(lookup Lookup) (*Engine, error) {
	if lookup == nil {
		return nil, errors.New("tariff engine: nil lookup")
	}
	return &Engine{lookup: lookup}, nil
}

// Price computes the cost breakdown for the request. Bad quantities are
// rejected as validation errors; missing or non-effective tariffs surface as
// a per-meter CostingError so the surrounding run can continue.
func (e *Engine) Price(ctx context.Context, req Request) (tariff.Breakdown, error) {
	if err := validate(req); err != nil {
		return tariff.Breakdown{}, err
	}
	if req.Ref.IsZero() {
		return tariff.Breakdown{}, &tariff.CostingError{MeterID: req.MeterID, Err: tariff.ErrEmptyReference}
	}

	versions, err := e.lookup.FindForRange(ctx, req.Ref, req.From, req.To)
	if err != nil {
		return tariff.Breakdown{}, &tariff.CostingError{MeterID: req.MeterID, Err: err}
	}
	if len(versions) == 0 {
		return tariff.Breakdown{}, &tariff.CostingError{MeterID: req.MeterID, Err: tariff.ErrNotFound}
	}

	intervals := splitAtValidity(req.From, req.To, versions)

	energy := tariff.Amount{}
	fixed := tariff.Amount{}
	charged := make(map[string]struct{})

	for _, iv := range intervals {
		version, ok := effectiveAt(versions, iv.from)
		if !ok {
			return tariff.Breakdown{}, &tariff.CostingError{MeterID: req.MeterID, Err: tariff.ErrNotEffective}
		}

		samples := samplesIn(req.Samples, iv.from, iv.to)
		quantity := intervalQuantity(req, iv, samples)
		energy = energy.Add(priceInterval(version, quantity, samples))

		if _, done := charged[version.ID]; !done {
			charged[version.ID] = struct{}{}
			fixed = fixed.Add(tariff.AmountFromFloat(version.FixedCharge))
		}
	}

	// Demand is priced once against the version effective at range start,
	// independent of the validity split.
	demand := tariff.Amount{}
	if req.MaxDemand > 0 {
		if version, ok := effectiveAt(versions, req.From); ok {
			demand = tariff.AmountFromFloat(req.MaxDemand).Mul(tariff.AmountFromFloat(version.DemandRatePerKW))
		}
	}

	total := energy.Add(demand).Add(fixed)
	avg := tariff.Amount{}
	if req.Consumption > 0 {
		avg = total.Div(tariff.AmountFromFloat(req.Consumption))
	}

	return tariff.Breakdown{
		EnergyCost:     energy.Float64(),
		DemandCost:     demand.Float64(),
		FixedCharges:   fixed.Float64(),
		TotalCost:      total.Float64(),
		AvgCostPerUnit: avg.Float64(),
	}, nil
}

func validate(req Request) error {
	if !req.To.After(req.From) {
		return tariff.ErrInvalidQuantity
	}
	if req.Consumption < 0 || math.IsNaN(req.Consumption) || math.IsInf(req.Consumption, 0) {
		return tariff.ErrInvalidQuantity
	}
	if req.MaxDemand < 0 || math.IsNaN(req.MaxDemand) || math.IsInf(req.MaxDemand, 0) {
		return tariff.ErrInvalidQuantity
	}
	return nil
}

type interval struct {
	from time.Time
	to   time.Time
}

// splitAtValidity cuts [from, to) at every tariff-validity boundary that
// falls strictly inside the range.
func splitAtValidity(from, to time.Time, versions []tariff.Structure) []interval {
	boundarySet := map[time.Time]struct{}{}
	for _, v := range versions {
		for _, edge := range []time.Time{v.ValidFrom, v.ValidTo} {
			if edge.IsZero() {
				continue
			}
			if edge.After(from) && edge.Before(to) {
				boundarySet[edge.UTC()] = struct{}{}
			}
		}
	}

	cuts := make([]time.Time, 0, len(boundarySet)+2)
	cuts = append(cuts, from)
	for edge := range boundarySet {
		cuts = append(cuts, edge)
	}
	cuts = append(cuts, to)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].Before(cuts[j]) })

	intervals := make([]interval, 0, len(cuts)-1)
	for i := 0; i+1 < len(cuts); i++ {
		intervals = append(intervals, interval{from: cuts[i], to: cuts[i+1]})
	}
	return intervals
}

func effectiveAt(versions []tariff.Structure, at time.Time) (tariff.Structure, bool) {
	for _, v := range versions {
		if v.CoversAt(at) {
			return v, true
		}
	}
	return tariff.Structure{}, false
}

func samplesIn(samples []tariff.Sample, from, to time.Time) []tariff.Sample {
	var result []tariff.Sample
	for _, s := range samples {
		if s.At.Before(from) || !s.At.Before(to) {
			continue
		}
		result = append(result, s)
	}
	return result
}

// intervalQuantity attributes consumption to a sub-interval: the sample sum
// when samples are supplied, otherwise a duration pro-rate of the total. No
// further re-derivation happens inside the sub-interval.
func intervalQuantity(req Request, iv interval, samples []tariff.Sample) float64 {
	if len(req.Samples) > 0 {
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum
	}
	span := req.To.Sub(req.From)
	if span <= 0 {
		return 0
	}
	return req.Consumption * float64(iv.to.Sub(iv.from)) / float64(span)
}

func priceInterval(version tariff.Structure, quantity float64, samples []tariff.Sample) tariff.Amount {
	if len(version.TOURules) > 0 && len(samples) > 0 {
		return priceTOU(version, samples)
	}
	if len(version.Blocks) > 0 {
		return priceBlocks(version.Blocks, quantity)
	}
	return tariff.AmountFromFloat(quantity).Mul(tariff.AmountFromFloat(version.FlatRatePerUnit))
}

// priceTOU classifies each sample by (season, day-type, hour) and charges it
// at the most specific applicable rule's rate. Samples no rule covers fall
// back to the flat rate.
func priceTOU(version tariff.Structure, samples []tariff.Sample) tariff.Amount {
	total := tariff.Amount{}
	for _, s := range samples {
		rate := version.FlatRatePerUnit
		best := -1
		for _, rule := range version.TOURules {
			if !rule.AppliesTo(s.At) {
				continue
			}
			if score := rule.Specificity(); score > best {
				best = score
				rate = rule.RatePerUnit
			}
		}
		total = total.Add(tariff.AmountFromFloat(s.Value).Mul(tariff.AmountFromFloat(rate)))
	}
	return total
}

// priceBlocks consumes a running remaining-quantity pool block by block in
// ascending lower-bound order; the unbounded top block absorbs the remainder.
func priceBlocks(blocks []tariff.Block, quantity float64) tariff.Amount {
	sorted := append([]tariff.Block(nil), blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LowerBound < sorted[j].LowerBound })

	total := tariff.Amount{}
	remaining := quantity
	for _, block := range sorted {
		if remaining <= 0 {
			break
		}
		portion := remaining
		if !block.Unbounded() {
			capacity := block.UpperBound - block.LowerBound
			if capacity <= 0 {
				continue
			}
			if portion > capacity {
				portion = capacity
			}
		}
		total = total.Add(tariff.AmountFromFloat(portion).Mul(tariff.AmountFromFloat(block.RatePerUnit)))
		remaining -= portion
	}
	return total
}
