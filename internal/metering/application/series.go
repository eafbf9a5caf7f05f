package application

import (
	"context"
	"time"

	metering "metergrid/internal/metering/domain"
)

// MeterSeries bundles one meter's corrected readings with the correction
// audit records that apply to them.
type MeterSeries struct {
	MeterID     string
	Readings    []metering.Reading
	Corrections []metering.Correction
}

// ReadingStore provides paginated, time-ordered sample access per meter and
// date range. Implementations live in infrastructure.
type ReadingStore interface {
	// ListPage returns up to limit raw samples for [from, to) after cursor,
	// ordered by timestamp ascending, plus the cursor for the next page
	// (empty when exhausted).
	ListPage(ctx context.Context, meterID string, from, to time.Time, cursor string, limit int) ([]metering.Reading, string, error)
}

// DerivedWriter persists synthetic readings. ReplaceDerived discards any
// previously derived readings for the meter and range before writing, in one
// atomic unit: a meter never ends up with a partially committed synthetic set.
type DerivedWriter interface {
	ReplaceDerived(ctx context.Context, meterID string, from, to time.Time, readings []metering.Reading, corrections []metering.Correction) error
}
