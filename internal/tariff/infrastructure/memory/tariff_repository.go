package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	tariff "metergrid/internal/tariff/domain"
)

// TariffRepository is an in-memory tariff lookup.
type TariffRepository struct {
	mu       sync.RWMutex
	versions []tariff.Structure
}

// NewTariffRepository constructs an empty repository.
func NewTariffRepository() *TariffRepository {
	return &TariffRepository{}
}

// Add registers tariff versions.
func (r *TariffRepository) Add(versions ...tariff.Structure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = append(r.versions, versions...)
}

// FindForRange returns matching versions overlapping [from, to), sorted by
// ValidFrom ascending.
func (r *TariffRepository) FindForRange(ctx context.Context, ref tariff.Ref, from, to time.Time) ([]tariff.Structure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.IsZero() {
		return nil, tariff.ErrEmptyReference
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []tariff.Structure
	for _, v := range r.versions {
		if ref.ID != "" {
			if v.ID != ref.ID {
				continue
			}
		} else if v.Name != ref.Name || v.Authority != ref.Authority {
			continue
		}
		if !v.Overlaps(from, to) {
			continue
		}
		matches = append(matches, v)
	}
	if len(matches) == 0 {
		return nil, tariff.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ValidFrom.Before(matches[j].ValidFrom) })
	return matches, nil
}
