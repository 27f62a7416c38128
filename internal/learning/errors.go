package learning

import "errors"

// Configuration errors.
var (
	// ErrInvalidConfig is returned when thresholds are incoherent.
	ErrInvalidConfig = errors.New("invalid learning config")
)

// Input errors.
var (
	ErrEmptySubject    = errors.New("violation subject requires a pipeline id")
	ErrUnknownCategory = errors.New("unknown rejection category")
	ErrInvalidScope    = errors.New("invalid rule scope")
)

// errNoChange aborts a rule mutation that would not change anything.
var errNoChange = errors.New("no change")
