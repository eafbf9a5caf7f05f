package tariff

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no tariff matches the reference.
	ErrNotFound = errors.New("tariff: not found")
	// ErrNotEffective is returned when no tariff version covers part of the range.
	ErrNotEffective = errors.New("tariff: no version effective in range")
	// ErrInvalidQuantity is returned for negative or non-finite quantities.
	ErrInvalidQuantity = errors.New("tariff: invalid quantity")
	// ErrEmptyReference is returned when the tariff reference is unset.
	ErrEmptyReference = errors.New("tariff: empty reference")
)

// CostingError isolates a pricing failure to one meter; the surrounding run
// continues.
type CostingError struct {
	MeterID string
	Err     error
}

func (e *CostingError) Error() string {
	return fmt.Sprintf("tariff: costing meter %s: %v", e.MeterID, e.Err)
}

func (e *CostingError) Unwrap() error { return e.Err }
