package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrFeatureNotTrackable = errors.New("feature_not_trackable")
	ErrInvalidFeatureType  = errors.New("invalid_feature_type")
	ErrUnknownEvent        = errors.New("unknown_event")
	ErrNoApplicableBalance = errors.New("no_applicable_balance")

	// ErrCacheUnavailable means the cache could not be reached before the
	// commit was submitted. Nothing was applied.
	ErrCacheUnavailable = errors.New("balance_cache_unavailable")
	// ErrCacheCold means the customer has no snapshot in the cache.
	ErrCacheCold = errors.New("balance_cache_cold")
	// ErrCacheStale means a cached entitlement passed its reset boundary.
	ErrCacheStale = errors.New("balance_cache_stale")
	// ErrOutcomeUnknown means a commit was submitted but its result was
	// never observed. Retrying elsewhere risks a double deduction.
	ErrOutcomeUnknown = errors.New("balance_outcome_unknown")

	ErrTryAgain = errors.New("try_again")
)

// InsufficientBalanceError is returned when a capped deduction cannot be covered.
type InsufficientBalanceError struct {
	FeatureID string
	Requested float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: requested %g, available %g", e.FeatureID, e.Requested, e.Available)
}

// Shortfall is how much of the request could not be covered.
func (e *InsufficientBalanceError) Shortfall() float64 {
	s := e.Requested - e.Available
	if s < 0 {
		return 0
	}
	return s
}

// PartialApplicationError reports that some feature deductions of a request
// were committed before a later one failed. Applied holds what stuck.
type PartialApplicationError struct {
	Applied *CommitResult
	Err     error
}

func (e *PartialApplicationError) Error() string {
	return fmt.Sprintf("deduction partially applied: %v", e.Err)
}

func (e *PartialApplicationError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether a cache failure can be retried on the durable
// store without risking a double deduction.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrCacheUnavailable) ||
		errors.Is(err, ErrCacheCold) ||
		errors.Is(err, ErrCacheStale)
}

// IsBusinessRejection reports whether err is a definitive refusal that must
// never trigger a fallback.
func IsBusinessRejection(err error) bool {
	var insufficient *InsufficientBalanceError
	return errors.As(err, &insufficient) || errors.Is(err, ErrNoApplicableBalance)
}

// IsConfigurationError reports errors caused by the request or the feature setup.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrFeatureNotFound) ||
		errors.Is(err, ErrFeatureNotTrackable) ||
		errors.Is(err, ErrInvalidFeatureType) ||
		errors.Is(err, ErrUnknownEvent)
}

// IsCancelled reports whether the caller gave up before anything was submitted.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTryAgain reports a concurrency-guard conflict.
func IsTryAgain(err error) bool {
	return errors.Is(err, ErrTryAgain)
}
