package metering

import (
	"fmt"
	"time"
)

// Correction is an append-only audit record of one corrected channel value.
// The raw reading is never mutated in place.
type Correction struct {
	MeterID string
	// SourceMeterID is the leaf the correction originated from; corrections
	// propagate from leaves to every ancestor.
	SourceMeterID string
	At            time.Time
	Channel       string
	Original      float64
	Corrected     float64
	Reason        string
}

// Key identifies a correction for deduplication during propagation.
func (c Correction) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.SourceMeterID, c.Channel, c.At.UTC().Format(time.RFC3339Nano))
}

// MergeCorrections unions src into dst, dropping duplicates by key.
func MergeCorrections(dst, src []Correction) []Correction {
	seen := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		seen[c.Key()] = struct{}{}
	}
	for _, c := range src {
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}
