package tariff

import "time"

// DayType restricts a TOU rule to a class of days.
type DayType string

const (
	DayTypeAll     DayType = "all"
	DayTypeWeekday DayType = "weekday"
	DayTypeWeekend DayType = "weekend"
)

// Season restricts a TOU rule to a month window. A zero Season means all
// year. StartMonth > EndMonth wraps over the year end (e.g. Nov–Mar).
type Season struct {
	Name       string     `yaml:"name"`
	StartMonth time.Month `yaml:"start_month"`
	EndMonth   time.Month `yaml:"end_month"`
}

// AllYear reports whether the season covers every month.
func (s Season) AllYear() bool {
	return s.StartMonth == 0 || s.EndMonth == 0
}

// Contains reports whether the month falls inside the season.
func (s Season) Contains(month time.Month) bool {
	if s.AllYear() {
		return true
	}
	if s.StartMonth <= s.EndMonth {
		return month >= s.StartMonth && month <= s.EndMonth
	}
	return month >= s.StartMonth || month <= s.EndMonth
}

// TOURule prices samples falling into a (season, day-type, hour-range) cell.
type TOURule struct {
	Season      Season  `yaml:"season"`
	DayType     DayType `yaml:"day_type"`
	StartHour   int     `yaml:"start_hour"`
	EndHour     int     `yaml:"end_hour"` // exclusive; 24 closes the day
	RatePerUnit float64 `yaml:"rate_per_unit"`
}

// AppliesTo reports whether the rule covers the timestamp.
func (r TOURule) AppliesTo(at time.Time) bool {
	at = at.UTC()
	if !r.Season.Contains(at.Month()) {
		return false
	}
	switch r.DayType {
	case DayTypeWeekday:
		if at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
			return false
		}
	case DayTypeWeekend:
		if at.Weekday() != time.Saturday && at.Weekday() != time.Sunday {
			return false
		}
	}
	hour := at.Hour()
	return hour >= r.StartHour && hour < r.EndHour
}

// Specificity ranks applicable rules: a specific season beats all-year and a
// specific day-type beats all-days, with season the stronger dimension.
func (r TOURule) Specificity() int {
	score := 0
	if !r.Season.AllYear() {
		score += 2
	}
	if r.DayType != "" && r.DayType != DayTypeAll {
		score++
	}
	return score
}

// Block is one band of a tiered tariff. UpperBound 0 marks the unbounded top
// block.
type Block struct {
	LowerBound  float64 `yaml:"lower_bound"`
	UpperBound  float64 `yaml:"upper_bound"`
	RatePerUnit float64 `yaml:"rate_per_unit"`
}

// Unbounded reports whether the block absorbs any remainder.
func (b Block) Unbounded() bool {
	return b.UpperBound <= 0
}

// Structure is one tariff validity version: fixed charges, an ordered block
// table and/or a TOU rule table.
type Structure struct {
	ID        string
	Name      string
	Authority string
	ValidFrom time.Time
	ValidTo   time.Time // zero means open-ended

	FixedCharge     float64
	DemandRatePerKW float64
	FlatRatePerUnit float64
	Blocks          []Block
	TOURules        []TOURule
}

// CoversAt reports whether the structure is effective at the timestamp.
func (s Structure) CoversAt(at time.Time) bool {
	if at.Before(s.ValidFrom) {
		return false
	}
	return s.ValidTo.IsZero() || at.Before(s.ValidTo)
}

// Overlaps reports whether the validity window intersects [from, to).
func (s Structure) Overlaps(from, to time.Time) bool {
	if !to.After(s.ValidFrom) {
		return false
	}
	return s.ValidTo.IsZero() || s.ValidTo.After(from)
}
