package application

import (
	"context"
	"log"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	meterapp "metergrid/internal/metering/application"
	metering "metergrid/internal/metering/domain"
	tariff "metergrid/internal/tariff/domain"
	tariffengine "metergrid/internal/tariff/engine"
	tariffmem "metergrid/internal/tariff/infrastructure/memory"
)

var (
	calcFrom = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	calcTo   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "", 0)
}

func flatTariff(id string, rate float64) tariff.Structure {
	return tariff.Structure{
		ID:              id,
		Name:            id,
		Authority:       "city-power",
		ValidFrom:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FlatRatePerUnit: rate,
	}
}

func newTestCalculator(t *testing.T, versions ...tariff.Structure) *Calculator {
	t.Helper()
	repo := tariffmem.NewTariffRepository()
	repo.Add(versions...)
	engine, err := tariffengine.New(repo)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	calculator, err := NewCalculator(engine, "kwh", "kw", testLogger())
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	return calculator
}

func directSeries(meterID string, total float64) meterapp.MeterSeries {
	return meterapp.MeterSeries{
		MeterID: meterID,
		Readings: []metering.Reading{
			{MeterID: meterID, At: calcFrom, Values: map[string]float64{"kwh": total / 2, "kw": total / 10}},
			{MeterID: meterID, At: calcFrom.Add(time.Hour), Values: map[string]float64{"kwh": total / 2}},
		},
	}
}

func derivedSeries(meterID string, total float64) meterapp.MeterSeries {
	return meterapp.MeterSeries{
		MeterID: meterID,
		Readings: []metering.Reading{
			{MeterID: meterID, At: calcFrom, Values: map[string]float64{"kwh": total}, Derived: true},
		},
	}
}

func siteHierarchy(t *testing.T, meters []metering.Meter) *metering.Hierarchy {
	t.Helper()
	h, err := metering.BuildHierarchy(meters, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}
	return h
}

func TestCalculateRecoveryRateAndDiscrepancy(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1},
		{ID: "t2", Type: metering.MeterTypeTenant, Indent: 1},
	})
	calculator := newTestCalculator(t)

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"grid": directSeries("grid", 100),
			"t1":   directSeries("t1", 60),
			"t2":   directSeries("t2", 30),
		},
		Derived: map[string]meterapp.MeterSeries{
			"grid": derivedSeries("grid", 90),
		},
		From: calcFrom,
		To:   calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	if math.Abs(calc.SupplyTotal-100) > 1e-9 {
		t.Fatalf("expected supply 100, got %v", calc.SupplyTotal)
	}
	if math.Abs(calc.DistributionTotal-90) > 1e-9 {
		t.Fatalf("expected distribution 90, got %v", calc.DistributionTotal)
	}
	if math.Abs(calc.RecoveryRate-90) > 1e-9 {
		t.Fatalf("expected recovery rate 90%%, got %v", calc.RecoveryRate)
	}
	if math.Abs(calc.Discrepancy-10) > 1e-9 {
		t.Fatalf("expected discrepancy 10, got %v", calc.Discrepancy)
	}
}

func TestCalculateRecoveryRateIsZeroWhenSupplyIsZero(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1},
	})
	calculator := newTestCalculator(t)

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"t1": directSeries("t1", 40),
		},
		From: calcFrom,
		To:   calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if calc.RecoveryRate != 0 {
		t.Fatalf("expected recovery rate exactly 0, got %v", calc.RecoveryRate)
	}
	if math.IsNaN(calc.RecoveryRate) || math.IsInf(calc.RecoveryRate, 0) {
		t.Fatalf("expected finite recovery rate, got %v", calc.RecoveryRate)
	}
	if math.Abs(calc.Discrepancy-(-40)) > 1e-9 {
		t.Fatalf("expected discrepancy -40, got %v", calc.Discrepancy)
	}
}

func TestCalculateSolarCountsTowardSupply(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "solar", Type: metering.MeterTypeSolar, Indent: 1},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1},
	})
	calculator := newTestCalculator(t)

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"grid":  directSeries("grid", 70),
			"solar": directSeries("solar", 30),
			"t1":    directSeries("t1", 95),
		},
		Derived: map[string]meterapp.MeterSeries{
			"grid": derivedSeries("grid", 65),
		},
		From: calcFrom,
		To:   calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if math.Abs(calc.SupplyTotal-100) > 1e-9 {
		t.Fatalf("expected supply 70 + 30 = 100, got %v", calc.SupplyTotal)
	}
	if math.Abs(calc.Totals.Solar-30) > 1e-9 {
		t.Fatalf("expected solar total 30, got %v", calc.Totals.Solar)
	}
}

func TestCalculateAssignmentsOverrideCategory(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "aux", Type: metering.MeterTypeOther, Indent: 1},
	})
	calculator := newTestCalculator(t)

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"aux": directSeries("aux", 25),
		},
		Assignments: map[string]metering.Category{"aux": metering.CategoryTenant},
		From:        calcFrom,
		To:          calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if math.Abs(calc.Totals.Tenant-25) > 1e-9 {
		t.Fatalf("expected assignment to land in tenant bucket, got %v", calc.Totals)
	}
	if calc.Totals.Unassigned != 0 {
		t.Fatalf("expected nothing unassigned, got %v", calc.Totals.Unassigned)
	}
}

func TestCalculateExcludesFailedMeters(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1},
		{ID: "t2", Type: metering.MeterTypeTenant, Indent: 1},
	})
	calculator := newTestCalculator(t)

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"t1": directSeries("t1", 60),
			"t2": directSeries("t2", 30),
		},
		Failed: map[string]struct{}{"t2": {}},
		From:   calcFrom,
		To:     calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if _, ok := calc.Results["t2"]; ok {
		t.Fatal("expected failed meter excluded from results")
	}
	if math.Abs(calc.Totals.Tenant-60) > 1e-9 {
		t.Fatalf("expected failed meter excluded from totals, got %v", calc.Totals.Tenant)
	}
}

func TestCalculateRevenueCountsEachPathOnce(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0, Tariff: metering.TariffRef{ID: "flat-grid"}},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1, Tariff: metering.TariffRef{ID: "flat-tenant"}},
		{ID: "t2", Type: metering.MeterTypeTenant, Indent: 1, Tariff: metering.TariffRef{ID: "flat-tenant"}},
	})
	calculator := newTestCalculator(t, flatTariff("flat-grid", 1.0), flatTariff("flat-tenant", 3.0))

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"grid": directSeries("grid", 100),
			"t1":   directSeries("t1", 60),
			"t2":   directSeries("t2", 30),
		},
		Derived: map[string]meterapp.MeterSeries{
			"grid": derivedSeries("grid", 90),
		},
		From: calcFrom,
		To:   calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	grid := calc.Results["grid"]
	if grid.HierarchicalCost == nil {
		t.Fatal("expected hierarchical cost for the tariff-bound root")
	}
	// The root is tariff-bound, so tenant costs below it must not be added
	// on top of the root's hierarchical cost.
	if math.Abs(calc.Revenue-grid.HierarchicalCost.TotalCost) > 1e-9 {
		t.Fatalf("expected revenue %v (root only), got %v", grid.HierarchicalCost.TotalCost, calc.Revenue)
	}
	if calc.Results["t1"].DirectCost == nil {
		t.Fatal("expected per-meter direct cost still computed")
	}
}

func TestCalculateRecordsCostingErrorAndContinues(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "grid", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1, Tariff: metering.TariffRef{ID: "missing"}},
		{ID: "t2", Type: metering.MeterTypeTenant, Indent: 1, Tariff: metering.TariffRef{ID: "flat-tenant"}},
	})
	calculator := newTestCalculator(t, flatTariff("flat-tenant", 2.0))

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"t1": directSeries("t1", 60),
			"t2": directSeries("t2", 30),
		},
		From: calcFrom,
		To:   calcTo,
	})
	if err != nil {
		t.Fatalf("expected run to continue past a costing failure, got %v", err)
	}
	if calc.Results["t1"].CostingError == "" || !strings.Contains(calc.Results["t1"].CostingError, "t1") {
		t.Fatalf("expected recorded costing error naming the meter, got %q", calc.Results["t1"].CostingError)
	}
	if calc.Results["t2"].DirectCost == nil {
		t.Fatal("expected healthy meter still priced")
	}
	if math.Abs(calc.Results["t2"].DirectCost.TotalCost-60) > 1e-9 {
		t.Fatalf("expected t2 cost 60, got %v", calc.Results["t2"].DirectCost.TotalCost)
	}
}

func TestCalculateDefaultAuthorityFillsNameOnlyRefs(t *testing.T) {
	h := siteHierarchy(t, []metering.Meter{
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 0, Tariff: metering.TariffRef{Name: "flat-tenant"}},
	})
	calculator := newTestCalculator(t, flatTariff("flat-tenant", 2.0))

	calc, err := calculator.Calculate(context.Background(), CalculationInput{
		Hierarchy: h,
		Direct: map[string]meterapp.MeterSeries{
			"t1": directSeries("t1", 10),
		},
		DefaultAuthority: "city-power",
		From:             calcFrom,
		To:               calcTo,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if calc.Results["t1"].DirectCost == nil {
		t.Fatalf("expected name+authority lookup to price, got error %q", calc.Results["t1"].CostingError)
	}
}
