package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryWithPolicyRetriesTransientFailures(t *testing.T) {
	calls := 0
	result, err := RetryWithPolicy(context.Background(), fastPolicy(),
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("503 service unavailable")
			}
			return "ok", nil
		},
		ClassifyCompletionError, nil)
	if err != nil {
		t.Fatalf("RetryWithPolicy failed: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("result=%q calls=%d, want ok after 3 calls", result, calls)
	}
}

func TestRetryWithPolicyStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryWithPolicy(context.Background(), fastPolicy(),
		func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("401 unauthorized")
		},
		ClassifyCompletionError, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable error retried %d times", calls-1)
	}
}

func TestRetryWithPolicyExhaustsAndWraps(t *testing.T) {
	retries := 0
	_, err := RetryWithPolicy(context.Background(), fastPolicy(),
		func(ctx context.Context) (int, error) {
			return 0, errors.New("rate limit exceeded")
		},
		ClassifyCompletionError,
		func(attempt int, delay time.Duration, err error) { retries++ })

	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if re.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (initial + 2 retries)", re.Attempts)
	}
	if retries != 2 {
		t.Errorf("onRetry called %d times, want 2", retries)
	}
}

func TestClassifyCompletionError(t *testing.T) {
	tests := []struct {
		err  string
		want RetryClass
	}{
		{"429 too many requests", RetryClassRetryable},
		{"internal server error", RetryClassRetryable},
		{"connection refused", RetryClassRetryable},
		{"context deadline exceeded", RetryClassMaybe},
		{"maximum context length exceeded", RetryClassMaybe},
		{"invalid api key", RetryClassNonRetryable},
		{"400 bad request", RetryClassNonRetryable},
		{"monthly quota exhausted", RetryClassNonRetryable},
		{"something entirely new", RetryClassNonRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			if got := ClassifyCompletionError(errors.New(tt.err)); got != tt.want {
				t.Errorf("ClassifyCompletionError(%q) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
