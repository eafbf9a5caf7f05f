package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	metering "metergrid/internal/metering/domain"
)

const defaultMeasurement = "meter_readings"

// ReadingStore reads raw meter samples from an InfluxDB v2 bucket. Each
// sample is stored as one measurement row tagged with the meter id, channel
// values as fields plus an import_marker field. Sites that land telemetry in
// Influx instead of Postgres plug this store into the batch fetcher.
type ReadingStore struct {
	client      influxdb2.Client
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
}

// Config carries the connection settings.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// NewReadingStore initializes the client and verifies connectivity.
func NewReadingStore(cfg Config) (*ReadingStore, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(context.Background()); err != nil {
		client.Close()
		return nil, metering.NewTransientStoreError("influx health", err)
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &ReadingStore{
		client:      client,
		queryAPI:    client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: measurement,
	}, nil
}

// ListPage returns one page of raw readings for a meter in [from, to),
// ordered by timestamp ascending. The cursor is the timestamp of the last
// row of the previous page.
func (s *ReadingStore) ListPage(ctx context.Context, meterID string, from, to time.Time, cursor string, limit int) ([]metering.Reading, string, error) {
	if meterID == "" {
		return nil, "", metering.ErrEmptyMeterID
	}
	if !to.After(from) {
		return nil, "", metering.ErrInvalidRange
	}
	if limit <= 0 {
		limit = 500
	}

	start := from
	if cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("influx reading store: bad cursor %q: %w", cursor, err)
		}
		// Range starts are inclusive, the cursor row was already returned.
		start = parsed.Add(time.Nanosecond)
	}

	// Pivot folds the per-channel field rows into one record per timestamp
	// so a page boundary can never split a sample.
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.meter_id == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])
  |> limit(n: %d)`,
		s.bucket,
		start.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		s.measurement,
		meterID,
		limit+1,
	)

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, "", metering.NewTransientStoreError("influx query", err)
	}
	defer result.Close()

	var readings []metering.Reading
	for result.Next() {
		record := result.Record()
		readings = append(readings, readingFromRecord(meterID, record.Time().UTC(), record.Values()))
	}
	if err := result.Err(); err != nil {
		return nil, "", metering.NewTransientStoreError("influx query", err)
	}

	next := ""
	if len(readings) > limit {
		readings = readings[:limit]
		next = readings[len(readings)-1].At.Format(time.RFC3339Nano)
	}
	return readings, next, nil
}

// Close closes the underlying client.
func (s *ReadingStore) Close() {
	s.client.Close()
}

// readingFromRecord maps one pivoted record onto a Reading. Meta columns are
// skipped, the import_marker field becomes the marker and every remaining
// numeric field a channel value.
func readingFromRecord(meterID string, at time.Time, values map[string]any) metering.Reading {
	reading := metering.Reading{
		MeterID: meterID,
		At:      at,
		Values:  make(map[string]float64),
	}
	for key, value := range values {
		switch key {
		case "_time", "_start", "_stop", "_measurement", "meter_id", "result", "table":
			continue
		case "import_marker":
			if marker, ok := asMarker(value); ok {
				reading.ImportMarker = marker
			}
		default:
			if v, ok := asFloat64(value); ok {
				reading.Values[key] = v
			}
		}
	}
	return reading
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// asMarker keeps markers as strings so their lexicographic ordering carries
// through dedup; numeric markers from older writers are formatted.
func asMarker(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}
