package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	metering "metergrid/internal/metering/domain"
)

const (
	defaultMetersTable      = "meters"
	defaultConnectionsTable = "meter_connections"
)

// MeterRepository reads the site's meters and explicit parent/child edges.
type MeterRepository struct {
	db               *sql.DB
	metersTable      string
	connectionsTable string
}

// MeterOption configures the repository.
type MeterOption func(*MeterRepository)

// WithMetersTable overrides the meters table name.
func WithMetersTable(table string) MeterOption {
	return func(r *MeterRepository) {
		if table != "" {
			r.metersTable = table
		}
	}
}

// WithConnectionsTable overrides the connections table name.
func WithConnectionsTable(table string) MeterOption {
	return func(r *MeterRepository) {
		if table != "" {
			r.connectionsTable = table
		}
	}
}

// NewMeterRepository constructs a repository.
func NewMeterRepository(db *sql.DB, opts ...MeterOption) *MeterRepository {
	r := &MeterRepository{
		db:               db,
		metersTable:      defaultMetersTable,
		connectionsTable: defaultConnectionsTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListMeters returns the site's meters in listing order.
func (r *MeterRepository) ListMeters(ctx context.Context, siteID string) ([]metering.Meter, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meter repository: nil db")
	}
	if siteID == "" {
		return nil, errors.New("meter repository: empty site id")
	}

	query := fmt.Sprintf(`
SELECT id, meter_number, meter_type, tariff_id, tariff_name, tariff_authority, parent_id, indent_level, negative_assignment
FROM %s
WHERE site_id = $1
ORDER BY list_order ASC, id ASC`, r.metersTable)

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, metering.NewTransientStoreError("list meters", err)
	}
	defer rows.Close()

	var meters []metering.Meter
	for rows.Next() {
		var m metering.Meter
		var meterType string
		var tariffID, tariffName, tariffAuthority, parentID sql.NullString
		var indent sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Number, &meterType, &tariffID, &tariffName, &tariffAuthority, &parentID, &indent, &m.NegativeAssignment); err != nil {
			return nil, err
		}
		m.Type = metering.MeterType(meterType)
		m.Tariff = metering.TariffRef{
			ID:        tariffID.String,
			Name:      tariffName.String,
			Authority: tariffAuthority.String,
		}
		m.ParentID = parentID.String
		m.Indent = int(indent.Int64)
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meters, nil
}

// ListConnections returns the site's explicit parent/child edges; an empty
// result is not an error.
func (r *MeterRepository) ListConnections(ctx context.Context, siteID string) ([]metering.Connection, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meter repository: nil db")
	}
	if siteID == "" {
		return nil, errors.New("meter repository: empty site id")
	}

	query := fmt.Sprintf(`
SELECT parent_id, child_id
FROM %s
WHERE site_id = $1
ORDER BY parent_id ASC, child_id ASC`, r.connectionsTable)

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, metering.NewTransientStoreError("list connections", err)
	}
	defer rows.Close()

	var connections []metering.Connection
	for rows.Next() {
		var c metering.Connection
		if err := rows.Scan(&c.ParentID, &c.ChildID); err != nil {
			return nil, err
		}
		connections = append(connections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return connections, nil
}
