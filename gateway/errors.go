package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floweave/floweave/types"
)

// NewTimeoutError reports that a call attempt exceeded its deadline.
// Retryable up to policy limits.
func NewTimeoutError(target, op string, timeout time.Duration) *types.Error {
	return types.Errorf(types.ErrCallTimeout, "call %s/%s timed out after %v", target, op, timeout).
		WithRetryable(true)
}

// NewCircuitOpenError reports a fail-fast rejection: the target's breaker is
// open and the target was never invoked.
func NewCircuitOpenError(target string, retryAfter time.Duration) *types.Error {
	return types.Errorf(types.ErrCircuitOpen, "circuit open for target %s, retry after %v", target, retryAfter).
		WithRetryable(true)
}

// NewRemoteError wraps a failure reported by the target itself.
func NewRemoteError(target, op string, cause error) *types.Error {
	return types.Errorf(types.ErrRemote, "call %s/%s failed", target, op).
		WithCause(cause).
		WithRetryable(true)
}

// classifyAttemptError maps a raw attempt failure to the external call error
// taxonomy. Context cancellation from above is passed through untouched so
// cooperative cancellation is not mistaken for a remote failure.
func classifyAttemptError(target, op string, timeout time.Duration, callCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
		return NewTimeoutError(target, op, timeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("call %s/%s cancelled: %w", target, op, err)
	}
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	return NewRemoteError(target, op, err)
}
