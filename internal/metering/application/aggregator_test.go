package application

import (
	"context"
	"log"
	"math"
	"os"
	"testing"
	"time"

	metering "metergrid/internal/metering/domain"
	metermem "metergrid/internal/metering/infrastructure/memory"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "", 0)
}

func aggregateFixture(t *testing.T) (*metering.Hierarchy, map[string]MeterSeries, time.Time, time.Time) {
	t.Helper()
	meters := []metering.Meter{
		{ID: "main", Type: metering.MeterTypeBulk, Indent: 0},
		{ID: "t1", Type: metering.MeterTypeTenant, Indent: 1},
		{ID: "solar", Type: metering.MeterTypeSolar, Indent: 1},
	}
	h, err := metering.BuildHierarchy(meters, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	leaf := map[string]MeterSeries{
		"t1": {MeterID: "t1", Readings: []metering.Reading{
			{MeterID: "t1", At: from, Values: map[string]float64{"kwh": 10}},
			{MeterID: "t1", At: from.Add(time.Hour), Values: map[string]float64{"kwh": 8}},
		}},
		"solar": {MeterID: "solar", Readings: []metering.Reading{
			{MeterID: "solar", At: from, Values: map[string]float64{"kwh": 4}},
		}},
	}
	return h, leaf, from, to
}

func TestAggregateSumsChildrenWithSigns(t *testing.T) {
	h, leaf, from, to := aggregateFixture(t)
	store := metermem.NewReadingStore()
	aggregator, err := NewAggregator(store, testLogger())
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	derived, err := aggregator.Aggregate(context.Background(), h, leaf, from, to)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	main, ok := derived["main"]
	if !ok {
		t.Fatal("expected derived series for main")
	}
	if len(main.Readings) != 2 {
		t.Fatalf("expected 2 derived samples, got %d", len(main.Readings))
	}
	if got := main.Readings[0].Values["kwh"]; math.Abs(got-6) > 1e-9 {
		t.Fatalf("expected 10 - 4 = 6 at first timestamp, got %v", got)
	}
	if got := main.Readings[1].Values["kwh"]; math.Abs(got-8) > 1e-9 {
		t.Fatalf("expected 8 at second timestamp, got %v", got)
	}
	for _, r := range main.Readings {
		if !r.Derived {
			t.Fatal("expected derived readings marked synthetic")
		}
	}

	// The derived total equals the signed sum over leaf terms.
	var want float64
	for _, term := range h.LeafTerms("main") {
		want += term.Sign * metering.SumChannel(leaf[term.MeterID].Readings, "kwh")
	}
	if got := metering.SumChannel(main.Readings, "kwh"); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected hierarchical total %v, got %v", want, got)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	h, leaf, from, to := aggregateFixture(t)
	store := metermem.NewReadingStore()
	aggregator, err := NewAggregator(store, testLogger())
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	if _, err := aggregator.Aggregate(context.Background(), h, leaf, from, to); err != nil {
		t.Fatalf("first aggregate: %v", err)
	}
	first := store.Derived("main")

	if _, err := aggregator.Aggregate(context.Background(), h, leaf, from, to); err != nil {
		t.Fatalf("second aggregate: %v", err)
	}
	second := store.Derived("main")

	if len(first) != len(second) {
		t.Fatalf("expected identical derived count after rerun, got %d then %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].At.Equal(second[i].At) || first[i].Values["kwh"] != second[i].Values["kwh"] {
			t.Fatalf("expected rerun to replace, not append: %v vs %v", first[i], second[i])
		}
	}
}

func TestAggregateCancellationWritesNothing(t *testing.T) {
	h, leaf, from, to := aggregateFixture(t)
	store := metermem.NewReadingStore()
	aggregator, err := NewAggregator(store, testLogger())
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := aggregator.Aggregate(ctx, h, leaf, from, to); err == nil {
		t.Fatal("expected cancellation error")
	}
	if got := store.Derived("main"); len(got) != 0 {
		t.Fatalf("expected no partial synthetic readings after cancellation, got %d", len(got))
	}
}

func TestAggregateRejectsBadRange(t *testing.T) {
	h, leaf, from, _ := aggregateFixture(t)
	store := metermem.NewReadingStore()
	aggregator, _ := NewAggregator(store, nil)

	if _, err := aggregator.Aggregate(context.Background(), h, leaf, from, from); err != metering.ErrInvalidRange {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
