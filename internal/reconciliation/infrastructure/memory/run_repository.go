package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	recon "metergrid/internal/reconciliation/domain"
)

// RunRepository is an in-memory run store.
type RunRepository struct {
	mu   sync.RWMutex
	runs map[string]*recon.Run
}

// NewRunRepository constructs an empty repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[string]*recon.Run)}
}

// SaveRun stores the run snapshot.
func (r *RunRepository) SaveRun(ctx context.Context, run *recon.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run == nil || run.ID == "" {
		return recon.ErrRunNotFound
	}
	copied := *run
	r.mu.Lock()
	r.runs[run.ID] = &copied
	r.mu.Unlock()
	return nil
}

// GetRun loads a run by id.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*recon.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, recon.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

// ListRuns returns runs for a site whose range starts in [from, to), newest
// first.
func (r *RunRepository) ListRuns(ctx context.Context, siteID string, from, to time.Time) ([]*recon.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []*recon.Run
	for _, run := range r.runs {
		if run.SiteID != siteID || run.From.Before(from) || !run.From.Before(to) {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// Count returns the number of stored runs.
func (r *RunRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
