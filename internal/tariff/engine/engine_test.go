package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tariff "metergrid/internal/tariff/domain"
	tariffmem "metergrid/internal/tariff/infrastructure/memory"
)

var (
	rangeFrom = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeTo   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T, versions ...tariff.Structure) *Engine {
	t.Helper()
	repo := tariffmem.NewTariffRepository()
	repo.Add(versions...)
	engine, err := New(repo)
	require.NoError(t, err)
	return engine
}

func blockTariff() tariff.Structure {
	return tariff.Structure{
		ID:        "blk-1",
		Name:      "residential-block",
		Authority: "city-power",
		ValidFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Blocks: []tariff.Block{
			{LowerBound: 0, UpperBound: 100, RatePerUnit: 1.00},
			{LowerBound: 100, UpperBound: 0, RatePerUnit: 1.50},
		},
	}
}

func TestPriceBlocksSpanningBoundary(t *testing.T) {
	engine := newEngine(t, blockTariff())

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "blk-1"},
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: 150,
	})
	require.NoError(t, err)
	assert.InDelta(t, 175.00, breakdown.EnergyCost, 1e-9)
	assert.InDelta(t, 175.00, breakdown.TotalCost, 1e-9)
}

func TestPriceBlocksExactlyAtBoundary(t *testing.T) {
	engine := newEngine(t, blockTariff())

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "blk-1"},
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.00, breakdown.EnergyCost, 1e-9)
}

func TestPriceZeroConsumptionStillChargesFixed(t *testing.T) {
	version := blockTariff()
	version.FixedCharge = 30
	engine := newEngine(t, version)

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID: "m1",
		Ref:     tariff.Ref{ID: "blk-1"},
		From:    rangeFrom,
		To:      rangeTo,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, breakdown.EnergyCost, 1e-9)
	assert.InDelta(t, 30.0, breakdown.FixedCharges, 1e-9)
	assert.InDelta(t, 30.0, breakdown.TotalCost, 1e-9)
	assert.InDelta(t, 0.0, breakdown.AvgCostPerUnit, 1e-9)
}

func TestPriceTOUMostSpecificRuleWins(t *testing.T) {
	version := tariff.Structure{
		ID:              "tou-1",
		ValidFrom:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FlatRatePerUnit: 0.50,
		TOURules: []tariff.TOURule{
			{DayType: tariff.DayTypeAll, StartHour: 0, EndHour: 24, RatePerUnit: 1.00},
			{
				Season:      tariff.Season{Name: "summer", StartMonth: time.June, EndMonth: time.August},
				DayType:     tariff.DayTypeWeekday,
				StartHour:   12,
				EndHour:     18,
				RatePerUnit: 2.00,
			},
		},
	}
	engine := newEngine(t, version)

	// 2025-07-02 is a Wednesday, 2025-07-05 a Saturday.
	weekdayPeak := time.Date(2025, 7, 2, 13, 0, 0, 0, time.UTC)
	weekendPeak := time.Date(2025, 7, 5, 13, 0, 0, 0, time.UTC)

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "tou-1"},
		From:        time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		Consumption: 20,
		Samples: []tariff.Sample{
			{At: weekdayPeak, Value: 10},
			{At: weekendPeak, Value: 10},
		},
	})
	require.NoError(t, err)
	// 10 at the specific summer-weekday rate, 10 at the generic rule.
	assert.InDelta(t, 30.00, breakdown.EnergyCost, 1e-9)
}

func TestPriceTOUFallsBackToFlatRate(t *testing.T) {
	version := tariff.Structure{
		ID:              "tou-2",
		ValidFrom:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FlatRatePerUnit: 0.50,
		TOURules: []tariff.TOURule{
			{DayType: tariff.DayTypeAll, StartHour: 8, EndHour: 20, RatePerUnit: 2.00},
		},
	}
	engine := newEngine(t, version)

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "tou-2"},
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: 5,
		Samples: []tariff.Sample{
			{At: rangeFrom.Add(2 * time.Hour), Value: 5}, // 02:00, outside every rule
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.50, breakdown.EnergyCost, 1e-9)
}

func TestPriceSplitsAtValidityBoundary(t *testing.T) {
	boundary := rangeFrom.AddDate(0, 0, 15)
	v1 := tariff.Structure{
		ID:              "flat-1",
		Name:            "flat",
		Authority:       "city-power",
		ValidFrom:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:         boundary,
		FlatRatePerUnit: 1.00,
		FixedCharge:     10,
	}
	v2 := tariff.Structure{
		ID:              "flat-2",
		Name:            "flat",
		Authority:       "city-power",
		ValidFrom:       boundary,
		FlatRatePerUnit: 2.00,
		FixedCharge:     20,
	}
	engine := newEngine(t, v1, v2)

	// No samples: consumption pro-rates by duration across the two halves.
	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{Name: "flat", Authority: "city-power"},
		From:        rangeFrom,
		To:          rangeFrom.AddDate(0, 0, 30),
		Consumption: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 50*1.00+50*2.00, breakdown.EnergyCost, 1e-9)
	assert.InDelta(t, 30.0, breakdown.FixedCharges, 1e-9)
}

func TestPriceSplitAttributesSampleSums(t *testing.T) {
	boundary := rangeFrom.AddDate(0, 0, 15)
	v1 := tariff.Structure{ID: "s-1", Name: "flat", Authority: "a", ValidFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), ValidTo: boundary, FlatRatePerUnit: 1.00}
	v2 := tariff.Structure{ID: "s-2", Name: "flat", Authority: "a", ValidFrom: boundary, FlatRatePerUnit: 2.00}
	engine := newEngine(t, v1, v2)

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{Name: "flat", Authority: "a"},
		From:        rangeFrom,
		To:          rangeFrom.AddDate(0, 0, 30),
		Consumption: 100,
		Samples: []tariff.Sample{
			{At: rangeFrom.AddDate(0, 0, 1), Value: 80},
			{At: boundary.AddDate(0, 0, 1), Value: 20},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 80*1.00+20*2.00, breakdown.EnergyCost, 1e-9)
}

func TestPriceDemandChargedAtRangeStartVersion(t *testing.T) {
	boundary := rangeFrom.AddDate(0, 0, 15)
	v1 := tariff.Structure{ID: "d-1", Name: "demand", Authority: "a", ValidFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), ValidTo: boundary, DemandRatePerKW: 10}
	v2 := tariff.Structure{ID: "d-2", Name: "demand", Authority: "a", ValidFrom: boundary, DemandRatePerKW: 99}
	engine := newEngine(t, v1, v2)

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:   "m1",
		Ref:       tariff.Ref{Name: "demand", Authority: "a"},
		From:      rangeFrom,
		To:        rangeFrom.AddDate(0, 0, 30),
		MaxDemand: 5,
	})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, breakdown.DemandCost, 1e-9)
}

func TestPriceAverageCostPerUnit(t *testing.T) {
	engine := newEngine(t, blockTariff())

	breakdown, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "blk-1"},
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: 150,
	})
	require.NoError(t, err)
	assert.InDelta(t, 175.00/150, breakdown.AvgCostPerUnit, 1e-9)
}

func TestPriceValidation(t *testing.T) {
	engine := newEngine(t, blockTariff())

	_, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "blk-1"},
		From:        rangeTo,
		To:          rangeFrom,
		Consumption: 1,
	})
	assert.ErrorIs(t, err, tariff.ErrInvalidQuantity)

	_, err = engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "blk-1"},
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: -1,
	})
	assert.ErrorIs(t, err, tariff.ErrInvalidQuantity)
}

func TestPriceEmptyReferenceIsCostingError(t *testing.T) {
	engine := newEngine(t, blockTariff())

	_, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: 1,
	})
	var costingErr *tariff.CostingError
	require.ErrorAs(t, err, &costingErr)
	assert.Equal(t, "m1", costingErr.MeterID)
	assert.ErrorIs(t, err, tariff.ErrEmptyReference)
}

func TestPriceUnknownTariffIsCostingError(t *testing.T) {
	engine := newEngine(t, blockTariff())

	_, err := engine.Price(context.Background(), Request{
		MeterID:     "m1",
		Ref:         tariff.Ref{ID: "missing"},
		From:        rangeFrom,
		To:          rangeTo,
		Consumption: 1,
	})
	var costingErr *tariff.CostingError
	require.ErrorAs(t, err, &costingErr)
	assert.ErrorIs(t, err, tariff.ErrNotFound)
}
