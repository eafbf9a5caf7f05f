package reconciliation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when the run range is zero or inverted.
	ErrInvalidRange = errors.New("reconciliation: invalid range")
	// ErrEmptySiteID is returned when the site id is empty.
	ErrEmptySiteID = errors.New("reconciliation: empty site id")
	// ErrRunNotFound is returned when a persisted run cannot be loaded.
	ErrRunNotFound = errors.New("reconciliation: run not found")
	// ErrNoPeriods is returned when a bulk request carries no periods.
	ErrNoPeriods = errors.New("reconciliation: no periods requested")
)

// ConfigurationError aborts a whole run before any meter work starts.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("reconciliation: configuration: %s", e.Reason)
}

// IsConfiguration reports whether err aborts the run as a configuration
// failure.
func IsConfiguration(err error) bool {
	var cfg *ConfigurationError
	return errors.As(err, &cfg)
}
