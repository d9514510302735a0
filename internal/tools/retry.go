package tools

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts bounds transient retries inside a single tool execution.
	DefaultMaxAttempts = 3

	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// IsRetryableError classifies whether a provider error is transient.
// Retryable: quota/rate-limit responses, 429/502/503 class errors, network
// errors, and timeouts. Non-retryable: context cancellation (the workflow is
// shutting down) and anything else.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is a per-call timeout, worth another attempt.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the caller gave up.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"exceeded your current quota",
		"quota exceeded",
		"billing details",
		"plan and billing",
		"rate limit",
		"too many requests",
		"429",
		"service unavailable",
		"503",
		"bad gateway",
		"502",
		"gateway timeout",
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporary failure",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff returns the delay before retry attempt n (0-based):
// 2^attempt * 2s, capped at 30s.
func ComputeBackoff(attempt int) time.Duration {
	delay := baseBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled, in which case the context error is returned.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
