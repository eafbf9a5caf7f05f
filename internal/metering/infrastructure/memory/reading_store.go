package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	metering "metergrid/internal/metering/domain"
)

// ReadingStore is an in-memory reading store implementing both the paginated
// query side and the derived-reading replace. Failures can be injected per
// meter for retry tests.
type ReadingStore struct {
	mu       sync.RWMutex
	raw      map[string][]metering.Reading
	derived  map[string][]metering.Reading
	audits   map[string][]metering.Correction
	failures map[string][]error
}

// NewReadingStore constructs an empty store.
func NewReadingStore() *ReadingStore {
	return &ReadingStore{
		raw:      make(map[string][]metering.Reading),
		derived:  make(map[string][]metering.Reading),
		audits:   make(map[string][]metering.Correction),
		failures: make(map[string][]error),
	}
}

// Seed adds raw readings for a meter.
func (s *ReadingStore) Seed(meterID string, readings ...metering.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[meterID] = append(s.raw[meterID], readings...)
	sort.Slice(s.raw[meterID], func(i, j int) bool {
		return s.raw[meterID][i].At.Before(s.raw[meterID][j].At)
	})
}

// FailNext queues errors returned by subsequent ListPage calls for a meter,
// in order, before the store recovers.
func (s *ReadingStore) FailNext(meterID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[meterID] = append(s.failures[meterID], errs...)
}

// ListPage implements the paginated reading query.
func (s *ReadingStore) ListPage(ctx context.Context, meterID string, from, to time.Time, cursor string, limit int) ([]metering.Reading, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if !to.After(from) {
		return nil, "", metering.ErrInvalidRange
	}
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	if queued := s.failures[meterID]; len(queued) > 0 {
		err := queued[0]
		s.failures[meterID] = queued[1:]
		s.mu.Unlock()
		return nil, "", err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var inRange []metering.Reading
	for _, r := range s.raw[meterID] {
		if r.At.Before(from) || !r.At.Before(to) {
			continue
		}
		inRange = append(inRange, r.Clone())
	}

	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", err
		}
		offset = parsed
	}
	if offset >= len(inRange) {
		return nil, "", nil
	}

	end := offset + limit
	if end > len(inRange) {
		end = len(inRange)
	}
	page := inRange[offset:end]

	next := ""
	if end < len(inRange) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// ReplaceDerived implements the idempotent derived-reading replace.
func (s *ReadingStore) ReplaceDerived(ctx context.Context, meterID string, from, to time.Time, readings []metering.Reading, corrections []metering.Correction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if meterID == "" {
		return metering.ErrEmptyMeterID
	}

	copied := make([]metering.Reading, 0, len(readings))
	for _, r := range readings {
		copied = append(copied, r.Clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []metering.Reading
	for _, r := range s.derived[meterID] {
		if r.At.Before(from) || !r.At.Before(to) {
			kept = append(kept, r)
		}
	}
	s.derived[meterID] = append(kept, copied...)
	s.audits[meterID] = append([]metering.Correction(nil), corrections...)
	return nil
}

// Derived returns the derived series for a meter.
func (s *ReadingStore) Derived(meterID string) []metering.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]metering.Reading(nil), s.derived[meterID]...)
}

// Corrections returns the propagated correction list for a meter.
func (s *ReadingStore) Corrections(meterID string) []metering.Correction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]metering.Correction(nil), s.audits[meterID]...)
}
