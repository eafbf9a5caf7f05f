package tariff

import "time"

// Ref identifies a tariff by id, or by name within an authority.
type Ref struct {
	ID        string
	Name      string
	Authority string
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.ID == "" && r.Name == ""
}

// Sample is one raw timestamped quantity used for TOU classification.
type Sample struct {
	At    time.Time
	Value float64
}

// Breakdown is the priced result for one meter and range.
type Breakdown struct {
	EnergyCost     float64
	DemandCost     float64
	FixedCharges   float64
	TotalCost      float64
	AvgCostPerUnit float64
}
