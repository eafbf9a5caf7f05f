package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	metering "metergrid/internal/metering/domain"
)

// Aggregator synthesizes consistent derived readings for every non-leaf meter
// by bottom-up summation of its children, in hierarchy order. Each run is a
// full idempotent replace of the previously derived readings.
type Aggregator struct {
	writer DerivedWriter
	logger *log.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(writer DerivedWriter, logger *log.Logger) (*Aggregator, error) {
	if writer == nil {
		return nil, errors.New("aggregator: nil derived writer")
	}
	return &Aggregator{writer: writer, logger: logger}, nil
}

// Aggregate materializes derived series for every parent in the hierarchy.
// leaf holds the corrected measured series per meter (leaves and physical
// parents alike); the returned map holds one synthetic series per parent.
// The traversal order guarantees a parent's children are already
// materialized when it is processed.
func (a *Aggregator) Aggregate(ctx context.Context, h *metering.Hierarchy, leaf map[string]MeterSeries, from, to time.Time) (map[string]MeterSeries, error) {
	if h == nil {
		return nil, metering.ErrNoMeters
	}
	if !to.After(from) {
		return nil, metering.ErrInvalidRange
	}

	derived := make(map[string]MeterSeries)
	for _, id := range h.Order() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if h.IsLeaf(id) {
			continue
		}

		sums := make(map[time.Time]map[string]float64)
		var corrections []metering.Correction
		for _, childID := range h.Children(id) {
			child, _ := h.Meter(childID)
			series, ok := derived[childID]
			if !ok {
				series = leaf[childID]
			}
			accumulate(sums, series.Readings, child.Sign())
			corrections = metering.MergeCorrections(corrections, series.Corrections)
		}

		readings := materialize(id, sums)
		if err := a.writer.ReplaceDerived(ctx, id, from, to, readings, corrections); err != nil {
			return nil, err
		}
		derived[id] = MeterSeries{MeterID: id, Readings: readings, Corrections: corrections}
		if a.logger != nil {
			a.logger.Printf("event=aggregated meter_id=%s samples=%d corrections=%d", id, len(readings), len(corrections))
		}
	}
	return derived, nil
}

// accumulate aligns a child series by timestamp into the running sums with
// the child's aggregation sign.
func accumulate(sums map[time.Time]map[string]float64, readings []metering.Reading, sign float64) {
	for _, r := range readings {
		at := r.At.UTC()
		channels := sums[at]
		if channels == nil {
			channels = make(map[string]float64)
			sums[at] = channels
		}
		for channel, value := range r.Values {
			channels[channel] += sign * value
		}
	}
}

func materialize(meterID string, sums map[time.Time]map[string]float64) []metering.Reading {
	timestamps := make([]time.Time, 0, len(sums))
	for at := range sums {
		timestamps = append(timestamps, at)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	readings := make([]metering.Reading, 0, len(timestamps))
	for _, at := range timestamps {
		readings = append(readings, metering.Reading{
			MeterID: meterID,
			At:      at,
			Values:  sums[at],
			Derived: true,
		})
	}
	return readings
}
