package stream

import "time"

// RetryConfig bounds the exponential backoff applied when the device fails a
// dequeue for a reason other than a timeout.
type RetryConfig struct {
	MaxRetries    int           // Consecutive failures before the record is failed (default: 5)
	RetryDelay    time.Duration // Initial delay (default: 10ms)
	MaxRetryDelay time.Duration // Delay cap (default: 500ms)
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 500 * time.Millisecond,
	}
}

// backoff returns the delay before attempt (1-based).
//
// Formula: delay = RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
//
// Example with defaults:
//   - Attempt 1: 10ms
//   - Attempt 3: 40ms
//   - Attempt 7: 500ms (capped)
func backoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
