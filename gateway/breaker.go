package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the health state of one external target.
type CircuitState int

const (
	// CircuitClosed allows calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all calls without invoking the target.
	CircuitOpen
	// CircuitHalfOpen allows a limited number of trial calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold is the consecutive success count in half-open that
	// closes the circuit.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	// OpenTimeout is how long the circuit stays open before the next call
	// attempt transitions it to half-open.
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout"`
	// HalfOpenMaxProbes is the number of trial calls admitted while half-open.
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// BreakerSnapshot is a read-only view of one breaker, shaped for the API.
type BreakerSnapshot struct {
	TargetID             string       `json:"target_id"`
	State                CircuitState `json:"-"`
	StateName            string       `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             time.Time    `json:"opened_at,omitempty"`
}

// BreakerEvent records a state transition.
type BreakerEvent struct {
	TargetID  string       `json:"target_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// BreakerEventHandler receives state transition events.
type BreakerEventHandler interface {
	OnStateChange(event BreakerEvent)
}

// CircuitBreaker tracks the health of one external target. One instance
// exists per target id and is shared by every workflow instance calling that
// target.
type CircuitBreaker struct {
	targetID     string
	config       BreakerConfig
	state        CircuitState
	failures     int       // consecutive failures
	successes    int       // consecutive successes while half-open
	openedAt     time.Time // when the circuit last opened
	probes       int       // trial calls admitted while half-open
	eventHandler BreakerEventHandler
	logger       *zap.Logger
	mu           sync.Mutex
}

// NewCircuitBreaker creates a breaker for one target.
func NewCircuitBreaker(targetID string, config BreakerConfig, eventHandler BreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	return &CircuitBreaker{
		targetID:     targetID,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("target_id", targetID)),
	}
}

// Allow reports whether a call attempt may proceed. While open, the first
// attempt after OpenTimeout transitions the breaker to half-open before the
// call is issued; earlier attempts are rejected with a CircuitOpenError.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := time.Since(cb.openedAt)
		if elapsed >= cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen, "open timeout elapsed")
			cb.probes = 1
			cb.successes = 0
			return nil
		}
		return NewCircuitOpenError(cb.targetID, cb.config.OpenTimeout-elapsed)

	case CircuitHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxProbes {
			cb.probes++
			return nil
		}
		return NewCircuitOpenError(cb.targetID, 0)

	default:
		return NewCircuitOpenError(cb.targetID, 0)
	}
}

// RecordSuccess records a successful call attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		cb.probes = 0
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, "success threshold reached in half-open")
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed call attempt. Retried calls count toward
// the same budget: every attempt is recorded.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transitionTo(CircuitOpen, "failure threshold reached")
		}

	case CircuitHalfOpen:
		// Any failure while half-open re-opens the circuit immediately.
		cb.successes = 0
		cb.openedAt = time.Now()
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// Snapshot returns a read-only view of the breaker.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		TargetID:             cb.targetID,
		State:                cb.state,
		StateName:            cb.state.String(),
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		OpenedAt:             cb.openedAt,
	}
}

// Reset forces the breaker closed. Operator escape hatch.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent must be called with cb.mu held. Dispatch is asynchronous so a
// handler cannot deadlock against the breaker lock.
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler == nil {
		return
	}
	event := BreakerEvent{
		TargetID:  cb.targetID,
		OldState:  oldState,
		NewState:  newState,
		Timestamp: time.Now(),
		Reason:    reason,
		Failures:  cb.failures,
	}
	go cb.eventHandler.OnStateChange(event)
}

// BreakerRegistry holds one breaker per target id.
type BreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       BreakerConfig
	eventHandler BreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewBreakerRegistry creates a registry with shared thresholds.
func NewBreakerRegistry(config BreakerConfig, eventHandler BreakerEventHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate returns the breaker for a target, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(targetID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[targetID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[targetID]; ok {
		return cb
	}

	cb := NewCircuitBreaker(targetID, r.config, r.eventHandler, r.logger)
	r.breakers[targetID] = cb
	return cb
}

// Snapshots returns the current state of every known breaker.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// ResetAll force-closes every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
