package metering

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMeterID is returned when a meter id is empty.
	ErrEmptyMeterID = errors.New("metering: empty meter id")
	// ErrNoMeters is returned when a hierarchy is built without meters.
	ErrNoMeters = errors.New("metering: no meters")
	// ErrInvalidRange is returned when a date range is zero or inverted.
	ErrInvalidRange = errors.New("metering: invalid date range")
	// ErrUnknownMeter is returned when an edge references a meter that does not exist.
	ErrUnknownMeter = errors.New("metering: unknown meter")
)

// TransientStoreError wraps a store failure that is worth retrying.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("metering: transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// NewTransientStoreError wraps err as transient.
func NewTransientStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var transient *TransientStoreError
	return errors.As(err, &transient)
}
