// Package errs implements the daemon's error taxonomy: classifying a raised
// error into {transient, permanent, unknown}, computing retry backoff, and
// serializing classified errors into the single-line format persisted
// alongside failed jobs.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the coarse retry classification for an error.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryUnknown   Category = "unknown"
)

// Reason is a closed-set tag describing why an error was classified the way
// it was. Reasons never carry free-form text; the message field does.
type Reason string

const (
	ReasonIO             Reason = "io"
	ReasonNetwork        Reason = "network"
	ReasonTimeout        Reason = "timeout"
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAnalyzerFailed Reason = "analyzer_failed"
	ReasonValidation     Reason = "validation"
	ReasonSchema         Reason = "schema"
	ReasonFileNotFound   Reason = "file_not_found"
	ReasonInvalidSession Reason = "invalid_session"
	ReasonEnvironment    Reason = "environment"
	ReasonInternal       Reason = "internal"
)

// ClassifiedError is the daemon's error sum type. It is returned by worker
// steps instead of being thrown, per the "Result<T, ClassifiedError>"
// re-architecture in the design notes: callers branch on Category without
// unwinding a call stack.
type ClassifiedError struct {
	Category Category
	Reason   Reason
	Message  string
	Stack    string
	cause    error
}

func (e *ClassifiedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Category, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// TransientError constructs a ClassifiedError tagged transient. Classify
// recognizes such an error by its type and keeps its category, without
// needing to re-derive the category from the message.
func TransientError(reason Reason, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Category: CategoryTransient, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// PermanentError constructs a ClassifiedError tagged permanent.
func PermanentError(reason Reason, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Category: CategoryPermanent, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WrapTransient classifies an existing error as transient, preserving it as
// the Unwrap cause.
func WrapTransient(reason Reason, cause error) *ClassifiedError {
	return &ClassifiedError{Category: CategoryTransient, Reason: reason, Message: cause.Error(), cause: cause}
}

// WrapPermanent classifies an existing error as permanent, preserving it as
// the Unwrap cause.
func WrapPermanent(reason Reason, cause error) *ClassifiedError {
	return &ClassifiedError{Category: CategoryPermanent, Reason: reason, Message: cause.Error(), cause: cause}
}

// transientPatterns and permanentPatterns are substring matches against an
// error's message, consulted only when the error isn't already a
// *ClassifiedError carrying an explicit category.
var transientPatterns = []string{
	"network", "timeout", "timed out", "rate limit", "connection reset",
	"connection refused", "temporary failure", "eof", "broken pipe",
}

var permanentPatterns = []string{
	"file not found", "no such file", "invalid session", "validation",
	"schema", "permission denied",
}

// Classify maps an arbitrary error into a Category. A *ClassifiedError is
// trusted at face value; any other error is matched against the pattern
// tables, falling back to CategoryUnknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return CategoryTransient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return CategoryPermanent
		}
	}
	return CategoryUnknown
}

// RetryPolicy bounds how the queue and the worker compute retry eligibility
// and backoff delay.
type RetryPolicy struct {
	BaseDelaySec float64
	MaxDelaySec  float64
	JitterRatio  float64
	MaxRetries   int
}

// DefaultRetryPolicy matches the values documented in spec.md §6's
// retry.{baseDelaySec,maxDelaySec,jitterRatio,maxRetries} configuration
// surface.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelaySec: 30,
		MaxDelaySec:  3600,
		JitterRatio:  0.1,
		MaxRetries:   5,
	}
}

// ShouldRetry decides whether a job that failed with err, having already
// retried retryCount times out of maxRetries, should be retried again.
// An unknown-category error is retried once (retryCount == 0) on the theory
// that a single retry is cheap insurance and most unknown errors turn out
// to be transient in practice; beyond that it is treated as permanent.
func ShouldRetry(err error, retryCount, maxRetries int) bool {
	if retryCount >= maxRetries {
		return false
	}
	switch Classify(err) {
	case CategoryTransient:
		return true
	case CategoryUnknown:
		return retryCount == 0
	default:
		return false
	}
}

// ClassifyErrorWithContext is the combined decision spec.md §4.2 names
// explicitly: it returns both the category and whether the caller should
// retry, given the policy's MaxRetries (which may differ from a per-job
// override).
func ClassifyErrorWithContext(err error, retryCount, maxRetries int, policy RetryPolicy) (Category, bool) {
	cat := Classify(err)
	limit := maxRetries
	if policy.MaxRetries > 0 && policy.MaxRetries < limit {
		limit = policy.MaxRetries
	}
	return cat, ShouldRetry(err, retryCount, limit)
}

// ReasonOf extracts the Reason tag from err if it is a *ClassifiedError,
// otherwise ReasonInternal.
func ReasonOf(err error) Reason {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	return ReasonInternal
}
