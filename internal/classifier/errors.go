package classifier

import "errors"

// Configuration errors.
var (
	ErrUnknownCategory   = errors.New("unknown category")
	ErrInvalidPattern    = errors.New("invalid rule pattern")
	ErrInvalidConfidence = errors.New("rule confidence must be within [0, 1]")
)
