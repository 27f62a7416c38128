package store

import "errors"

// Archive errors.
var (
	ErrFeedbackNotFound = errors.New("archived feedback not found")
	ErrEmptyFeedbackRef = errors.New("feedback reference is required")
)
