package metering

import (
	"sort"
	"time"
)

// Reading is one timestamped sample for a meter with named channel values.
type Reading struct {
	MeterID string
	At      time.Time
	Values  map[string]float64
	// ImportMarker identifies the ingestion batch that produced the sample.
	// When two samples collide on (meter, timestamp) the one with the
	// lexicographically greatest marker wins.
	ImportMarker string
	// Derived marks a synthetic reading materialized by aggregation rather
	// than measured.
	Derived bool
}

// Clone returns a deep copy of the reading.
func (r Reading) Clone() Reading {
	values := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	copied := r
	copied.Values = values
	return copied
}

// DedupReadings removes duplicate samples per (meter, timestamp), keeping the
// instance with the greatest import marker, and returns the survivors sorted
// by timestamp ascending.
func DedupReadings(readings []Reading) []Reading {
	type key struct {
		meterID string
		at      time.Time
	}
	kept := make(map[key]Reading, len(readings))
	for _, r := range readings {
		k := key{meterID: r.MeterID, at: r.At.UTC()}
		existing, ok := kept[k]
		if !ok || r.ImportMarker > existing.ImportMarker {
			kept[k] = r
		}
	}

	result := make([]Reading, 0, len(kept))
	for _, r := range kept {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].At.Equal(result[j].At) {
			return result[i].MeterID < result[j].MeterID
		}
		return result[i].At.Before(result[j].At)
	})
	return result
}

// SumChannel totals one channel across a series.
func SumChannel(readings []Reading, channel string) float64 {
	var total float64
	for _, r := range readings {
		if v, ok := r.Values[channel]; ok {
			total += v
		}
	}
	return total
}

// ChannelMaxima returns the per-channel maximum across a series.
func ChannelMaxima(readings []Reading) map[string]float64 {
	maxima := make(map[string]float64)
	for _, r := range readings {
		for channel, v := range r.Values {
			if current, ok := maxima[channel]; !ok || v > current {
				maxima[channel] = v
			}
		}
	}
	return maxima
}
