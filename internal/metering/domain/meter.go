package metering

// MeterType classifies the physical role of a meter at a site.
type MeterType string

const (
	MeterTypeBulk   MeterType = "bulk"
	MeterTypeCheck  MeterType = "check"
	MeterTypeTenant MeterType = "tenant"
	MeterTypeSolar  MeterType = "solar"
	MeterTypeOther  MeterType = "other"
)

// Category is the reconciliation bucket a meter is assigned to.
type Category string

const (
	CategoryGridSupply Category = "grid_supply"
	CategorySolar      Category = "solar"
	CategoryTenant     Category = "tenant"
	CategoryCheck      Category = "check"
	CategoryUnassigned Category = "unassigned"
)

// TariffRef identifies a tariff either by id or by name within an authority.
type TariffRef struct {
	ID        string
	Name      string
	Authority string
}

// IsZero reports whether the reference is unset.
func (r TariffRef) IsZero() bool {
	return r.ID == "" && r.Name == ""
}

// Meter is a metering point. Meters are created and destroyed externally;
// this engine only reads them.
type Meter struct {
	ID       string
	Number   string
	Type     MeterType
	Tariff   TariffRef
	ParentID string
	// Indent is the per-meter indent level used to derive parent edges when
	// explicit connections are absent.
	Indent int
	// NegativeAssignment marks a meter whose consumption subtracts from its
	// parent during aggregation (generation, e.g. solar).
	NegativeAssignment bool
}

// Sign returns the aggregation sign of this meter's contribution to its parent.
func (m Meter) Sign() float64 {
	if m.NegativeAssignment || m.Type == MeterTypeSolar {
		return -1
	}
	return 1
}

// DefaultCategory maps the meter type to a category when no explicit
// assignment is supplied.
func (m Meter) DefaultCategory() Category {
	switch m.Type {
	case MeterTypeBulk:
		return CategoryGridSupply
	case MeterTypeSolar:
		return CategorySolar
	case MeterTypeTenant:
		return CategoryTenant
	case MeterTypeCheck:
		return CategoryCheck
	default:
		return CategoryUnassigned
	}
}

// Connection is a parent/child edge in the meter forest.
type Connection struct {
	ParentID string
	ChildID  string
}
