package constraints

import "errors"

var (
	ErrEmptyPipelineID = errors.New("pipeline id is required to compose constraints")
	ErrInvalidLimits   = errors.New("constraint limits must be positive")
	ErrInvalidTemplate = errors.New("invalid constraint template")
)
