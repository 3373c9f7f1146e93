// Package retry is the bounded retry helper used wherever the orchestrator
// waits on something that may not be ready yet: definition loads, remote step
// calls and push channel reconnects.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Policy bounds a retried operation. MaxAttempts counts the first try, so
// 1 means "no retries"; values below 1 are treated as 1.
type Policy struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	Backoff     string        `json:"backoff,omitempty" mapstructure:"backoff"`
	Delay       time.Duration `json:"delay,omitempty" mapstructure:"delay"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" mapstructure:"max_delay"`
}

// DefaultPolicy mirrors "retry every 500ms, up to 10 times".
var DefaultPolicy = Policy{MaxAttempts: 10, Backoff: BackoffConstant, Delay: 500 * time.Millisecond}

// Once performs a single attempt.
var Once = Policy{MaxAttempts: 1}

// IsRetryable classifies whether err should be retried.
// Cancellation never is; FlowErrors decide for themselves; network errors
// and common transient messages are; anything else is retried and left to
// the attempt limit.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(p Policy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Wait sleeps for delay or returns ctx.Err() if ctx ends first.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx ends,
// or the policy is exhausted. Exhaustion yields RETRY_EXHAUSTED wrapping
// the last error; a non-retryable error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := Wait(ctx, ComputeBackoff(p, attempt-1)); err != nil {
				return err
			}
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return last
		}
	}

	if attempts == 1 {
		return last
	}
	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"gave up after %d attempts: %s", attempts, last.Error()).
		WithCause(last).
		WithDetails(map[string]any{"attempts": attempts})
}
