package models

import "errors"

// Error taxonomy of the decision pipeline. Callers match with errors.Is.
var (
	// ErrEncoding marks malformed input, e.g. a required field is absent.
	ErrEncoding = errors.New("encoding error")
	// ErrModelUnavailable means no active version exists for a kind. Retryable.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInsufficientHistory suppresses forecast publication.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrGenerationFailed means the generative capability could not produce a valid plan.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrRegressionRejected is the outcome of a candidate that failed evaluation.
	ErrRegressionRejected = errors.New("regression rejected")

	ErrQueueFull     = errors.New("queue full")
	ErrNotFound      = errors.New("not found")
	ErrVersionExists = errors.New("version already exists")
	ErrInvalid       = errors.New("invalid argument")
)
