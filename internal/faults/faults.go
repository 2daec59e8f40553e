// Package faults defines the failure taxonomy shared by every external
// boundary of the consolidation pipeline.
//
// Reads that fail with a TimeoutError or UnavailableError are retryable.
// ValidationError, RejectedError, BundlerError and BatchSwapError are not.
package faults

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Sentinel errors for ownership and lifecycle checks.
var (
	// ErrNotOwner is returned when a caller touches a scan or consolidation it does not own.
	ErrNotOwner = errors.New("caller does not own the resource")

	// ErrNotPending is returned when finalize is attempted on a record that already left pending.
	ErrNotPending = errors.New("consolidation is not pending")
)

// ValidationError rejects bad input before any external call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError means a provider exceeded its time budget. The upstream
// side effect is unknown: the request was abandoned locally only.
type TimeoutError struct {
	Provider string
	Op       string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s %s: timed out after %s", e.Provider, e.Op, e.After)
	}
	return fmt.Sprintf("%s %s: timed out", e.Provider, e.Op)
}

// UnavailableError covers HTTP 429 and 5xx responses and transport failures.
type UnavailableError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	switch {
	case e.StatusCode == 429:
		return fmt.Sprintf("%s: rate limited", e.Provider)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unavailable (status %d)", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: unavailable: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: unavailable", e.Provider)
	}
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider answered 429.
func (e *UnavailableError) RateLimited() bool { return e.StatusCode == 429 }

// RejectedError is a non-retryable 4xx answer from a provider.
type RejectedError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ProviderFailure is the last error observed from one node provider.
type ProviderFailure struct {
	Provider string
	Err      error
}

// ExhaustedError is returned when every provider in a failover list failed.
type ExhaustedError struct {
	Op       string
	Failures []ProviderFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return fmt.Sprintf("%s: all providers exhausted [%s]", e.Op, strings.Join(parts, "; "))
}

// BundlerError is a JSON-RPC level failure from the bundler or paymaster.
type BundlerError struct {
	Method  string
	Code    int
	Message string
}

func (e *BundlerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bundler %s: %s (code %d)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("bundler %s: %s", e.Method, e.Message)
}

// BatchSwapError fails a whole multi-swap because one input token failed.
type BatchSwapError struct {
	Token string
	Err   error
}

func (e *BatchSwapError) Error() string {
	return fmt.Sprintf("batch swap failed on token %s: %v", e.Token, e.Err)
}

func (e *BatchSwapError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt on an idempotent read.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		validation *ValidationError
		rejected   *RejectedError
		bundler    *BundlerError
		batch      *BatchSwapError
		exhausted  *ExhaustedError
		timeout    *TimeoutError
		unavail    *UnavailableError
	)
	switch {
	case errors.As(err, &timeout), errors.As(err, &unavail):
		return true
	case errors.As(err, &validation), errors.As(err, &rejected),
		errors.As(err, &bundler), errors.As(err, &batch), errors.As(err, &exhausted):
		return false
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotPending):
		return false
	}
	// Unclassified errors are transport-level (DNS, reset, EOF).
	return true
}

// RetryAfter returns the provider-supplied retry delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var unavail *UnavailableError
	if errors.As(err, &unavail) && unavail.RetryAfter > 0 {
		return unavail.RetryAfter, true
	}
	return 0, false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// Describe renders err as a short message suitable for a user-facing record.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		timeout    *TimeoutError
		unavail    *UnavailableError
		exhausted  *ExhaustedError
		bundler    *BundlerError
		batch      *BatchSwapError
	)
	switch {
	case errors.As(err, &batch):
		return fmt.Sprintf("could not build swap for token %s: %s", batch.Token, Describe(batch.Err))
	case errors.As(err, &validation):
		return validation.Error()
	case errors.As(err, &bundler):
		return fmt.Sprintf("bundler rejected the operation: %s", bundler.Message)
	case errors.As(err, &timeout):
		return fmt.Sprintf("%s did not answer in time", timeout.Provider)
	case errors.As(err, &unavail):
		return unavail.Error()
	case errors.As(err, &exhausted):
		return fmt.Sprintf("no blockchain node could serve %s", exhausted.Op)
	}
	return err.Error()
}
