package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	tariff "metergrid/internal/tariff/domain"
)

const (
	defaultTariffsTable  = "tariff_structures"
	defaultBlocksTable   = "tariff_blocks"
	defaultTOURulesTable = "tariff_tou_rules"
)

// TariffRepository resolves tariff structures with their block and TOU
// tables from Postgres.
type TariffRepository struct {
	db            *sql.DB
	tariffsTable  string
	blocksTable   string
	touRulesTable string
}

// TariffOption configures the repository.
type TariffOption func(*TariffRepository)

// WithTariffsTable overrides the structures table name.
func WithTariffsTable(table string) TariffOption {
	return func(r *TariffRepository) {
		if table != "" {
			r.tariffsTable = table
		}
	}
}

// NewTariffRepository constructs a repository.
func NewTariffRepository(db *sql.DB, opts ...TariffOption) *TariffRepository {
	r := &TariffRepository{
		db:            db,
		tariffsTable:  defaultTariffsTable,
		blocksTable:   defaultBlocksTable,
		touRulesTable: defaultTOURulesTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindForRange returns every tariff version matching the reference that
// overlaps [from, to), sorted by ValidFrom ascending.
func (r *TariffRepository) FindForRange(ctx context.Context, ref tariff.Ref, from, to time.Time) ([]tariff.Structure, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("tariff repository: nil db")
	}
	if ref.IsZero() {
		return nil, tariff.ErrEmptyReference
	}

	var (
		query string
		args  []any
	)
	if ref.ID != "" {
		query = fmt.Sprintf(`
SELECT id, name, authority, valid_from, valid_to, fixed_charge, demand_rate_per_kw, flat_rate_per_unit
FROM %s
WHERE id = $1 AND valid_from < $2 AND (valid_to IS NULL OR valid_to > $3)
ORDER BY valid_from ASC`, r.tariffsTable)
		args = []any{ref.ID, to.UTC(), from.UTC()}
	} else {
		query = fmt.Sprintf(`
SELECT id, name, authority, valid_from, valid_to, fixed_charge, demand_rate_per_kw, flat_rate_per_unit
FROM %s
WHERE name = $1 AND authority = $2 AND valid_from < $3 AND (valid_to IS NULL OR valid_to > $4)
ORDER BY valid_from ASC`, r.tariffsTable)
		args = []any{ref.Name, ref.Authority, to.UTC(), from.UTC()}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []tariff.Structure
	for rows.Next() {
		var s tariff.Structure
		var validTo sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.Authority, &s.ValidFrom, &validTo, &s.FixedCharge, &s.DemandRatePerKW, &s.FlatRatePerUnit); err != nil {
			return nil, err
		}
		s.ValidFrom = s.ValidFrom.UTC()
		if validTo.Valid {
			s.ValidTo = validTo.Time.UTC()
		}
		versions = append(versions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, tariff.ErrNotFound
	}

	for i := range versions {
		blocks, err := r.loadBlocks(ctx, versions[i].ID)
		if err != nil {
			return nil, err
		}
		versions[i].Blocks = blocks

		rules, err := r.loadTOURules(ctx, versions[i].ID)
		if err != nil {
			return nil, err
		}
		versions[i].TOURules = rules
	}
	return versions, nil
}

func (r *TariffRepository) loadBlocks(ctx context.Context, tariffID string) ([]tariff.Block, error) {
	query := fmt.Sprintf(`
SELECT lower_bound, upper_bound, rate_per_unit
FROM %s
WHERE tariff_id = $1
ORDER BY lower_bound ASC`, r.blocksTable)

	rows, err := r.db.QueryContext(ctx, query, tariffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []tariff.Block
	for rows.Next() {
		var b tariff.Block
		var upper sql.NullFloat64
		if err := rows.Scan(&b.LowerBound, &upper, &b.RatePerUnit); err != nil {
			return nil, err
		}
		b.UpperBound = upper.Float64
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (r *TariffRepository) loadTOURules(ctx context.Context, tariffID string) ([]tariff.TOURule, error) {
	query := fmt.Sprintf(`
SELECT season_name, season_start_month, season_end_month, day_type, start_hour, end_hour, rate_per_unit
FROM %s
WHERE tariff_id = $1
ORDER BY start_hour ASC`, r.touRulesTable)

	rows, err := r.db.QueryContext(ctx, query, tariffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []tariff.TOURule
	for rows.Next() {
		var rule tariff.TOURule
		var seasonName sql.NullString
		var startMonth, endMonth sql.NullInt64
		var dayType string
		if err := rows.Scan(&seasonName, &startMonth, &endMonth, &dayType, &rule.StartHour, &rule.EndHour, &rule.RatePerUnit); err != nil {
			return nil, err
		}
		rule.Season = tariff.Season{
			Name:       seasonName.String,
			StartMonth: time.Month(startMonth.Int64),
			EndMonth:   time.Month(endMonth.Int64),
		}
		rule.DayType = tariff.DayType(dayType)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
