// Package errors provides a structured error system for the cache engine
// with error codes, categories, and per-operation context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

const (
	// Configuration errors. These fail fast at the call site and are never
	// silently defaulted.
	ErrCodeUnknownContentType ErrorCode = "UNKNOWN_CONTENT_TYPE"
	ErrCodeInvalidPolicy      ErrorCode = "INVALID_POLICY"
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad         ErrorCode = "CONFIG_LOAD"

	// Tier errors. Always recovered locally by the coordinator: a failed
	// read is a miss, a failed write is a logged no-op.
	ErrCodeTierUnavailable ErrorCode = "TIER_UNAVAILABLE"
	ErrCodeTierTimeout     ErrorCode = "TIER_TIMEOUT"
	ErrCodeTierRead        ErrorCode = "TIER_READ"
	ErrCodeTierWrite       ErrorCode = "TIER_WRITE"
	ErrCodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"

	// Compute errors. Propagated unmodified to every waiter.
	ErrCodeComputeFailed ErrorCode = "COMPUTE_FAILED"

	// Capacity errors. Normally resolved by policy (BypassL1); raised only
	// when no tier can accept a value at all.
	ErrCodeEntryTooLarge  ErrorCode = "ENTRY_TOO_LARGE"
	ErrCodeNoTierAccepted ErrorCode = "NO_TIER_ACCEPTED"

	// Encoding errors.
	ErrCodeEncodeFailed   ErrorCode = "ENCODE_FAILED"
	ErrCodeDecodeFailed   ErrorCode = "DECODE_FAILED"
	ErrCodeCompressFailed ErrorCode = "COMPRESS_FAILED"

	// Internal errors.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTier          ErrorCategory = "tier"
	CategoryCompute       ErrorCategory = "compute"
	CategoryCapacity      ErrorCategory = "capacity"
	CategoryEncoding      ErrorCategory = "encoding"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError is a structured error with tier and key context.
type CacheError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Tier     string        `json:"tier,omitempty"`
	Key      string        `json:"key,omitempty"`
	Cause    error         `json:"-"`

	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var b strings.Builder
	if e.Tier != "" {
		fmt.Fprintf(&b, "[%s] ", e.Tier)
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so callers can compare against sentinel values.
func (e *CacheError) Is(target error) bool {
	if ce, ok := target.(*CacheError); ok {
		return e.Code == ce.Code
	}
	return false
}

// New creates a structured error with category and retryability derived
// from the code.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// WithTier attaches the tier the error occurred in.
func (e *CacheError) WithTier(tier string) *CacheError {
	e.Tier = tier
	return e
}

// WithKey attaches the cache key involved.
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithCause attaches the underlying error.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeUnknownContentType, ErrCodeInvalidPolicy, ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeTierUnavailable, ErrCodeTierTimeout, ErrCodeTierRead, ErrCodeTierWrite, ErrCodeCircuitOpen:
		return CategoryTier
	case ErrCodeComputeFailed:
		return CategoryCompute
	case ErrCodeEntryTooLarge, ErrCodeNoTierAccepted:
		return CategoryCapacity
	case ErrCodeEncodeFailed, ErrCodeDecodeFailed, ErrCodeCompressFailed:
		return CategoryEncoding
	default:
		return CategoryInternal
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTierUnavailable, ErrCodeTierTimeout, ErrCodeTierRead, ErrCodeTierWrite, ErrCodeInternal:
		return true
	}
	return false
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return hasCategory(err, CategoryConfiguration)
}

// IsTier reports whether err is a tier-level failure the coordinator
// absorbs rather than surfaces.
func IsTier(err error) bool {
	return hasCategory(err, CategoryTier)
}

// IsCapacity reports whether err is a capacity rejection.
func IsCapacity(err error) bool {
	return hasCategory(err, CategoryCapacity)
}

// IsRetryable reports whether the operation that produced err can be
// usefully retried.
func IsRetryable(err error) bool {
	if ce := asCacheError(err); ce != nil {
		return ce.Retryable
	}
	return false
}

// CodeOf extracts the structured code from err, or ErrCodeInternal when err
// carries none.
func CodeOf(err error) ErrorCode {
	if ce := asCacheError(err); ce != nil {
		return ce.Code
	}
	return ErrCodeInternal
}

func hasCategory(err error, cat ErrorCategory) bool {
	ce := asCacheError(err)
	return ce != nil && ce.Category == cat
}

func asCacheError(err error) *CacheError {
	for err != nil {
		if ce, ok := err.(*CacheError); ok {
			return ce
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
