package application

import (
	"fmt"
	"math"

	metering "metergrid/internal/metering/domain"
)

// PlausibilityRule bounds acceptable values for one channel.
type PlausibilityRule struct {
	Channel       string  `yaml:"channel"`
	MaxAbs        float64 `yaml:"max_abs"`
	AllowNegative bool    `yaml:"allow_negative"`
}

// Corrector flags and interpolates anomalous channel samples. It never
// mutates the source series; every correction is emitted as an audit record.
type Corrector struct {
	rules map[string]PlausibilityRule
}

// NewCorrector constructs a corrector from channel-keyed rules.
func NewCorrector(rules []PlausibilityRule) *Corrector {
	byChannel := make(map[string]PlausibilityRule, len(rules))
	for _, rule := range rules {
		if rule.Channel == "" {
			continue
		}
		byChannel[rule.Channel] = rule
	}
	return &Corrector{rules: byChannel}
}

// Correct returns a corrected copy of the series plus one correction record
// per corrected value. A corrupt value becomes the average of both valid
// neighbors; with one valid neighbor that neighbor is used; with none the
// value is left as-is but still flagged.
func (c *Corrector) Correct(meterID string, series []metering.Reading) ([]metering.Reading, []metering.Correction) {
	if len(series) == 0 {
		return nil, nil
	}

	corrected := make([]metering.Reading, len(series))
	for i, r := range series {
		corrected[i] = r.Clone()
	}

	var corrections []metering.Correction
	for channel, rule := range c.rules {
		for i := range corrected {
			value, ok := corrected[i].Values[channel]
			if !ok {
				continue
			}
			reason, corrupt := c.inspect(rule, value)
			if !corrupt {
				continue
			}

			prev, hasPrev := c.validNeighbor(rule, series, channel, i-1)
			next, hasNext := c.validNeighbor(rule, series, channel, i+1)

			replacement := value
			switch {
			case hasPrev && hasNext:
				replacement = (prev + next) / 2
				reason = fmt.Sprintf("%s; interpolated from neighbors %v and %v", reason, prev, next)
			case hasPrev:
				replacement = prev
				reason = fmt.Sprintf("%s; carried from previous neighbor %v", reason, prev)
			case hasNext:
				replacement = next
				reason = fmt.Sprintf("%s; carried from next neighbor %v", reason, next)
			default:
				reason = reason + "; no valid neighbor, value kept"
			}

			corrected[i].Values[channel] = replacement
			corrections = append(corrections, metering.Correction{
				MeterID:       meterID,
				SourceMeterID: meterID,
				At:            corrected[i].At,
				Channel:       channel,
				Original:      value,
				Corrected:     replacement,
				Reason:        reason,
			})
		}
	}
	return corrected, corrections
}

func (c *Corrector) inspect(rule PlausibilityRule, value float64) (string, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "value is not finite", true
	}
	if rule.MaxAbs > 0 && math.Abs(value) > rule.MaxAbs {
		return fmt.Sprintf("magnitude %v exceeds plausible bound %v", value, rule.MaxAbs), true
	}
	if !rule.AllowNegative && value < 0 {
		return fmt.Sprintf("negative value %v on non-negative channel", value), true
	}
	return "", false
}

// validNeighbor checks the immediately adjacent sample at index j for a
// channel value that passes the rule.
func (c *Corrector) validNeighbor(rule PlausibilityRule, series []metering.Reading, channel string, j int) (float64, bool) {
	if j < 0 || j >= len(series) {
		return 0, false
	}
	value, ok := series[j].Values[channel]
	if !ok {
		return 0, false
	}
	if _, corrupt := c.inspect(rule, value); corrupt {
		return 0, false
	}
	return value, true
}
