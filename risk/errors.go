package risk

import (
	"fmt"

	"github.com/rustyeddy/runguard/config"
)

// AdmissionDenied is a Decision expressed as an error.
type AdmissionDenied struct {
	Gate   string
	Reason string
}

func (e *AdmissionDenied) Error() string {
	return "admission denied: " + e.Reason
}

// PersistenceError wraps a lock store or incident store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError is returned by NewManager for invalid settings.
type ConfigurationError = config.ConfigurationError
