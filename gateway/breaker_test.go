package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floweave/floweave/types"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       50 * time.Millisecond,
		HalfOpenMaxProbes: 1,
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("payment-svc", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.Snapshot().State, "still closed after %d failures", i+1)
	}

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.Snapshot().State)

	// While open, calls are rejected without invoking the target.
	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker("t", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.Snapshot().State)
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker("t", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.Snapshot().State)
	require.Error(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)

	// First attempt after the open timeout is admitted as a probe.
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.Snapshot().State)

	// Only one probe is admitted at a time.
	require.Error(t, cb.Allow())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("t", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	// Two consecutive successes close the circuit.
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.Snapshot().State)

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.Snapshot().State)
	assert.Equal(t, 0, cb.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("t", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.Snapshot().State)

	// The open timeout restarts from the re-open.
	require.Error(t, cb.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("t", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.Snapshot().State)

	cb.Reset()
	snap := cb.Snapshot()
	assert.Equal(t, CircuitClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.NoError(t, cb.Allow())
}

type recordingHandler struct {
	mu     sync.Mutex
	events []BreakerEvent
}

func (h *recordingHandler) OnStateChange(event BreakerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHandler) snapshot() []BreakerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]BreakerEvent(nil), h.events...)
}

func TestBreaker_EmitsTransitionEvents(t *testing.T) {
	handler := &recordingHandler{}
	cb := NewCircuitBreaker("t", testBreakerConfig(), handler, zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	// Events are dispatched asynchronously.
	require.Eventually(t, func() bool {
		return len(handler.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	events := handler.snapshot()
	assert.Equal(t, CircuitClosed, events[0].OldState)
	assert.Equal(t, CircuitOpen, events[0].NewState)
	assert.Equal(t, "t", events[0].TargetID)
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	a := r.GetOrCreate("svc-a")
	b := r.GetOrCreate("svc-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.GetOrCreate("svc-a"))

	for i := 0; i < 5; i++ {
		a.RecordFailure()
	}

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)

	states := map[string]CircuitState{}
	for _, s := range snaps {
		states[s.TargetID] = s.State
	}
	assert.Equal(t, CircuitOpen, states["svc-a"])
	assert.Equal(t, CircuitClosed, states["svc-b"])

	r.ResetAll()
	assert.Equal(t, CircuitClosed, a.Snapshot().State)
}

func TestClassifyAttemptError_PreservesTypedErrors(t *testing.T) {
	typed := types.NewError(types.ErrValidation, "bad params")
	out := classifyAttemptError("t", "op", time.Second, context.Background(), typed)

	var te *types.Error
	require.True(t, errors.As(out, &te))
	assert.Equal(t, types.ErrValidation, te.Code)
}

func TestClassifyAttemptError_WrapsRemote(t *testing.T) {
	out := classifyAttemptError("t", "op", time.Second, context.Background(), errors.New("boom"))
	assert.Equal(t, types.ErrRemote, types.GetErrorCode(out))
}
