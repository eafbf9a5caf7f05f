package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	recon "metergrid/internal/reconciliation/domain"
)

const defaultRunsTable = "reconciliation_runs"

// RunRepository persists reconciliation run snapshots. The snapshot payload
// carries per-meter results and the meter ordering so a run is reproducible
// from its own record.
type RunRepository struct {
	db    *sql.DB
	table string
}

// RunOption configures the repository.
type RunOption func(*RunRepository)

// WithRunsTable overrides the runs table name.
func WithRunsTable(table string) RunOption {
	return func(r *RunRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRunRepository constructs a repository.
func NewRunRepository(db *sql.DB, opts ...RunOption) *RunRepository {
	r := &RunRepository{db: db, table: defaultRunsTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runSnapshot struct {
	Totals       recon.CategoryTotals         `json:"totals"`
	MeterOrder   []string                     `json:"meter_order"`
	Results      map[string]recon.MeterResult `json:"results"`
	FailedMeters map[string]string            `json:"failed_meters"`
}

// SaveRun inserts the run snapshot; a run id is written once and never
// updated.
func (r *RunRepository) SaveRun(ctx context.Context, run *recon.Run) error {
	if r == nil || r.db == nil {
		return errors.New("run repository: nil db")
	}
	if run == nil || run.ID == "" {
		return errors.New("run repository: nil or unidentified run")
	}

	snapshot, err := json.Marshal(runSnapshot{
		Totals:       run.Totals,
		MeterOrder:   run.MeterOrder,
		Results:      run.Results,
		FailedMeters: run.FailedMeters,
	})
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, site_id, range_from, range_to, status, supply_total, distribution_total, recovery_rate, discrepancy, revenue, snapshot, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.SiteID,
		run.From.UTC(),
		run.To.UTC(),
		run.Status,
		run.SupplyTotal,
		run.DistributionTotal,
		run.RecoveryRate,
		run.Discrepancy,
		run.Revenue,
		snapshot,
		run.CreatedAt.UTC(),
	)
	return err
}

// GetRun loads a run by id.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*recon.Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repository: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, range_from, range_to, status, supply_total, distribution_total, recovery_rate, discrepancy, revenue, snapshot, created_at
FROM %s
WHERE id = $1`, r.table)

	run := &recon.Run{}
	var payload []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.SiteID,
		&run.From,
		&run.To,
		&run.Status,
		&run.SupplyTotal,
		&run.DistributionTotal,
		&run.RecoveryRate,
		&run.Discrepancy,
		&run.Revenue,
		&payload,
		&run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, recon.ErrRunNotFound
		}
		return nil, err
	}

	var snapshot runSnapshot
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return nil, err
		}
	}
	run.From = run.From.UTC()
	run.To = run.To.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.Totals = snapshot.Totals
	run.MeterOrder = snapshot.MeterOrder
	run.Results = snapshot.Results
	run.FailedMeters = snapshot.FailedMeters
	return run, nil
}

// ListRuns returns run summaries for a site within [from, to), newest first.
// Snapshot payloads are not loaded.
func (r *RunRepository) ListRuns(ctx context.Context, siteID string, from, to time.Time) ([]*recon.Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repository: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, range_from, range_to, status, supply_total, distribution_total, recovery_rate, discrepancy, revenue, created_at
FROM %s
WHERE site_id = $1 AND range_from >= $2 AND range_from < $3
ORDER BY created_at DESC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, siteID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*recon.Run
	for rows.Next() {
		run := &recon.Run{}
		if err := rows.Scan(
			&run.ID,
			&run.SiteID,
			&run.From,
			&run.To,
			&run.Status,
			&run.SupplyTotal,
			&run.DistributionTotal,
			&run.RecoveryRate,
			&run.Discrepancy,
			&run.Revenue,
			&run.CreatedAt,
		); err != nil {
			return nil, err
		}
		run.From = run.From.UTC()
		run.To = run.To.UTC()
		run.CreatedAt = run.CreatedAt.UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
