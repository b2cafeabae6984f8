package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Well-known record keys.
const (
	KeySchedules      = "schedules"
	KeyAnalogTriggers = "analog_triggers"
	KeyInterrupts     = "interrupts"
	KeySensors        = "sensors"
)

// Persister is the opaque record store used by the rule, input and sensor
// managers. Records are whole serialized arrays; the store never interprets them.
type Persister interface {
	// Load returns the record stored under key, or ErrNotFound.
	Load(key string) ([]byte, error)

	// Save replaces the record stored under key.
	Save(key string, data []byte) error
}

// Store is a Persister that owns a resource.
type Store interface {
	Persister

	// Keys lists the stored record keys.
	Keys() ([]string, error)

	// Close the store
	Close() error
}
