package models

import "errors"

// Error taxonomy shared by the pipeline stages. Callers match with errors.Is.
var (
	ErrInvalidSnapshot   = errors.New("invalid snapshot")
	ErrRateLimited       = errors.New("rate limited")
	ErrScorerUnavailable = errors.New("scorer unavailable")
	ErrStorageFailure    = errors.New("audit storage failure")
	ErrRecordNotFound    = errors.New("attempt record not found")
	ErrReviewConflict    = errors.New("review annotation conflict")
	ErrInvalidReview     = errors.New("invalid review annotation")
)
