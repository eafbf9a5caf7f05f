package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	metering "metergrid/internal/metering/domain"
)

const (
	defaultReadingsTable    = "meter_readings"
	defaultCorrectionsTable = "reading_corrections"

	cursorLayout = time.RFC3339Nano
)

// ReadingRepository provides paginated sample access and the idempotent
// derived-reading replace used by aggregation.
type ReadingRepository struct {
	db               *sql.DB
	readingsTable    string
	correctionsTable string
}

// ReadingOption configures the repository.
type ReadingOption func(*ReadingRepository)

// WithReadingsTable overrides the readings table name.
func WithReadingsTable(table string) ReadingOption {
	return func(r *ReadingRepository) {
		if table != "" {
			r.readingsTable = table
		}
	}
}

// WithCorrectionsTable overrides the corrections table name.
func WithCorrectionsTable(table string) ReadingOption {
	return func(r *ReadingRepository) {
		if table != "" {
			r.correctionsTable = table
		}
	}
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB, opts ...ReadingOption) *ReadingRepository {
	r := &ReadingRepository{
		db:               db,
		readingsTable:    defaultReadingsTable,
		correctionsTable: defaultCorrectionsTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListPage returns up to limit raw (non-derived) samples for [from, to)
// after the cursor, ordered by timestamp ascending.
func (r *ReadingRepository) ListPage(ctx context.Context, meterID string, from, to time.Time, cursor string, limit int) ([]metering.Reading, string, error) {
	if r == nil || r.db == nil {
		return nil, "", errors.New("reading repository: nil db")
	}
	if meterID == "" {
		return nil, "", metering.ErrEmptyMeterID
	}
	if !to.After(from) {
		return nil, "", metering.ErrInvalidRange
	}
	if limit <= 0 {
		limit = 500
	}

	// The cursor is compound (ts, marker) so equal-timestamp duplicates
	// straddling a page boundary are not skipped on the next page.
	var (
		query string
		args  []any
	)
	if cursor != "" {
		afterTS, afterMarker, err := parseReadingCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("reading repository: bad cursor: %w", err)
		}
		query = fmt.Sprintf(`
SELECT ts, channel_values, import_marker
FROM %s
WHERE meter_id = $1
	AND derived = FALSE
	AND (ts, import_marker) > ($2, $3)
	AND ts < $4
ORDER BY ts ASC, import_marker ASC
LIMIT $5`, r.readingsTable)
		args = []any{meterID, afterTS, afterMarker, to.UTC(), limit}
	} else {
		query = fmt.Sprintf(`
SELECT ts, channel_values, import_marker
FROM %s
WHERE meter_id = $1
	AND derived = FALSE
	AND ts >= $2
	AND ts < $3
ORDER BY ts ASC, import_marker ASC
LIMIT $4`, r.readingsTable)
		args = []any{meterID, from.UTC(), to.UTC(), limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", metering.NewTransientStoreError("list readings", err)
	}
	defer rows.Close()

	var readings []metering.Reading
	for rows.Next() {
		var ts time.Time
		var payload []byte
		var marker sql.NullString
		if err := rows.Scan(&ts, &payload, &marker); err != nil {
			return nil, "", err
		}
		values := make(map[string]float64)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &values); err != nil {
				return nil, "", fmt.Errorf("reading repository: bad channel payload: %w", err)
			}
		}
		readings = append(readings, metering.Reading{
			MeterID:      meterID,
			At:           ts.UTC(),
			Values:       values,
			ImportMarker: marker.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, "", metering.NewTransientStoreError("list readings", err)
	}

	next := ""
	if len(readings) == limit {
		last := readings[len(readings)-1]
		next = encodeReadingCursor(last.At, last.ImportMarker)
	}
	return readings, next, nil
}

// encodeReadingCursor packs the last row's position into an opaque cursor.
func encodeReadingCursor(ts time.Time, marker string) string {
	return ts.UTC().Format(cursorLayout) + "|" + marker
}

func parseReadingCursor(cursor string) (time.Time, string, error) {
	idx := strings.IndexByte(cursor, '|')
	if idx < 0 {
		return time.Time{}, "", fmt.Errorf("missing marker separator in %q", cursor)
	}
	ts, err := time.Parse(cursorLayout, cursor[:idx])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts.UTC(), cursor[idx+1:], nil
}

// ReplaceDerived discards previously derived readings and propagated
// corrections for the meter and range and writes the new set in one
// transaction. A failed replace leaves the previous state untouched.
func (r *ReadingRepository) ReplaceDerived(ctx context.Context, meterID string, from, to time.Time, readings []metering.Reading, corrections []metering.Correction) error {
	if r == nil || r.db == nil {
		return errors.New("reading repository: nil db")
	}
	if meterID == "" {
		return metering.ErrEmptyMeterID
	}
	if !to.After(from) {
		return metering.ErrInvalidRange
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return metering.NewTransientStoreError("begin replace derived", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteReadings := fmt.Sprintf(`
DELETE FROM %s
WHERE meter_id = $1 AND derived = TRUE AND ts >= $2 AND ts < $3`, r.readingsTable)
	if _, err := tx.ExecContext(ctx, deleteReadings, meterID, from.UTC(), to.UTC()); err != nil {
		return err
	}

	deleteCorrections := fmt.Sprintf(`
DELETE FROM %s
WHERE meter_id = $1 AND propagated = TRUE AND ts >= $2 AND ts < $3`, r.correctionsTable)
	if _, err := tx.ExecContext(ctx, deleteCorrections, meterID, from.UTC(), to.UTC()); err != nil {
		return err
	}

	insertReading := fmt.Sprintf(`
INSERT INTO %s (meter_id, ts, channel_values, import_marker, derived)
VALUES ($1, $2, $3, $4, TRUE)`, r.readingsTable)
	for _, reading := range readings {
		payload, err := json.Marshal(reading.Values)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertReading, meterID, reading.At.UTC(), payload, reading.ImportMarker); err != nil {
			return err
		}
	}

	insertCorrection := fmt.Sprintf(`
INSERT INTO %s (meter_id, source_meter_id, ts, channel, original_value, corrected_value, reason, propagated)
VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`, r.correctionsTable)
	for _, c := range corrections {
		if _, err := tx.ExecContext(ctx, insertCorrection, meterID, c.SourceMeterID, c.At.UTC(), c.Channel, c.Original, c.Corrected, c.Reason); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return metering.NewTransientStoreError("commit replace derived", err)
	}
	return nil
}

// AppendCorrections records leaf-level correction audit entries. Corrections
// are append-only; raw readings are never mutated.
func (r *ReadingRepository) AppendCorrections(ctx context.Context, corrections []metering.Correction) error {
	if r == nil || r.db == nil {
		return errors.New("reading repository: nil db")
	}
	if len(corrections) == 0 {
		return nil
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (meter_id, source_meter_id, ts, channel, original_value, corrected_value, reason, propagated)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
ON CONFLICT DO NOTHING`, r.correctionsTable)

	for _, c := range corrections {
		if _, err := r.db.ExecContext(ctx, insert, c.MeterID, c.SourceMeterID, c.At.UTC(), c.Channel, c.Original, c.Corrected, c.Reason); err != nil {
			return metering.NewTransientStoreError("append corrections", err)
		}
	}
	return nil
}
