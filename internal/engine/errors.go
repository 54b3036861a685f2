// Package engine error classification and typed failure conditions.

package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotInitialized is returned when a manager is used before Initialize.
var ErrNotInitialized = errors.New("context manager not initialized")

// ErrDisposed is returned when a manager is used after Dispose.
var ErrDisposed = errors.New("context manager disposed")

// InputError rejects invalid input synchronously. It is never coerced or
// absorbed: the caller sent something the engine cannot account for.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input (%s): %s", e.Field, e.Reason)
}

// IsInputError checks if an error is an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// OverflowError indicates an irreducible overflow: the window cannot be
// brought within budget even after summarization and truncation. The window
// is left in its best achievable state; the caller decides what to tell the
// user.
type OverflowError struct {
	RequiredTokens int
	Budget         int
	Summarized     int // entries replaced by summaries during the settle
	Truncated      int // entries dropped outright during the settle
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("irreducible overflow: %d tokens required, budget %d (summarized %d, truncated %d entries)",
		e.RequiredTokens, e.Budget, e.Summarized, e.Truncated)
}

// IsOverflow checks if an error is an OverflowError.
func IsOverflow(err error) bool {
	var oe *OverflowError
	return errors.As(err, &oe)
}

// SummaryRejectedError indicates a produced summary failed its acceptance
// check (not smaller than its sources, or below the quality floor). The
// settle cycle treats this as a signal to truncate instead.
type SummaryRejectedError struct {
	SummaryTokens int
	SourceTokens  int
	Confidence    float64
	MinConfidence float64
}

func (e *SummaryRejectedError) Error() string {
	if e.SummaryTokens >= e.SourceTokens {
		return fmt.Sprintf("summary rejected: %d tokens not smaller than %d source tokens", e.SummaryTokens, e.SourceTokens)
	}
	return fmt.Sprintf("summary rejected: confidence %.2f below floor %.2f", e.Confidence, e.MinConfidence)
}

// IsSummaryRejected checks if an error is a SummaryRejectedError.
func IsSummaryRejected(err error) bool {
	var sr *SummaryRejectedError
	return errors.As(err, &sr)
}

// MergeConflictError surfaces both divergent entry sets when a branch merge
// cannot be applied as a simple append. Neither side is ever silently
// dropped; resolution belongs to the caller.
type MergeConflictError struct {
	BranchID      string
	TargetID      string
	BranchEntries []Entry // entries the merging branch added after the fork
	TargetEntries []Entry // entries the target added past the same fork point
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: branch %s has %d entries, target %s diverged with %d entries past the fork point",
		e.BranchID, len(e.BranchEntries), e.TargetID, len(e.TargetEntries))
}

// IsMergeConflict checks if an error is a MergeConflictError.
func IsMergeConflict(err error) bool {
	var mc *MergeConflictError
	return errors.As(err, &mc)
}

// RetryClass indicates whether a completion-service error should be retried.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"
	RetryClassMaybe        RetryClass = "maybe"
	RetryClassNonRetryable RetryClass = "non_retryable"
)

// ClassifyCompletionError classifies an error from the completion service.
// Rate limits, server errors and transient network failures are retryable;
// auth, quota and malformed-request failures are not.
func ClassifyCompletionError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return RetryClassRetryable
	}

	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return RetryClassRetryable
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "temporary failure") {
		return RetryClassRetryable
	}

	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "deadline exceeded") {
		return RetryClassMaybe
	}

	if strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "token limit") ||
		strings.Contains(errStr, "maximum context length") {
		return RetryClassMaybe
	}

	if strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "invalid api key") {
		return RetryClassNonRetryable
	}

	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "malformed") {
		return RetryClassNonRetryable
	}

	if strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "billing") {
		return RetryClassNonRetryable
	}

	return RetryClassNonRetryable
}

// RetryExhaustedError indicates that all retry attempts have been exhausted.
type RetryExhaustedError struct {
	Err      error
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}
