package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// Capability is an external collaborator addressable by (target, operation,
// params). A capability must report success or failure unambiguously and
// declares its own timeout tolerance so the gateway's configured timeout does
// not race an internal one.
type Capability interface {
	// Invoke executes one operation against the capability.
	Invoke(ctx context.Context, op string, params map[string]any) (any, error)
	// Timeout returns the capability's declared timeout tolerance.
	// Zero means the gateway's policy timeout applies as-is.
	Timeout() time.Duration
}

// CapabilityFunc adapts a function to the Capability interface with no
// declared timeout.
type CapabilityFunc func(ctx context.Context, op string, params map[string]any) (any, error)

func (f CapabilityFunc) Invoke(ctx context.Context, op string, params map[string]any) (any, error) {
	return f(ctx, op, params)
}

func (f CapabilityFunc) Timeout() time.Duration { return 0 }

// RetryPolicy controls retry behavior for one call.
type RetryPolicy struct {
	MaxRetries   int                 `yaml:"max_retries" json:"max_retries"`
	Backoff      dsl.BackoffStrategy `yaml:"backoff" json:"backoff"`
	InitialDelay time.Duration       `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration       `yaml:"max_delay" json:"max_delay"`
	Timeout      time.Duration       `yaml:"timeout" json:"timeout"`
}

// DefaultRetryPolicy is the fallback policy for targets without a node-type
// default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		Backoff:      dsl.BackoffExponential,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Timeout:      30 * time.Second,
	}
}

// DefaultPoliciesByNodeType returns the per-node-type default retry/timeout
// policies. Data fetches retry harder than notifications; tool calls get a
// longer timeout.
func DefaultPoliciesByNodeType() map[dsl.NodeType]RetryPolicy {
	base := DefaultRetryPolicy()

	data := base
	data.MaxRetries = 5

	mcp := base
	mcp.Timeout = 60 * time.Second

	action := base
	action.MaxRetries = 2

	return map[dsl.NodeType]RetryPolicy{
		dsl.NodeTypeAction:   action,
		dsl.NodeTypeData:     data,
		dsl.NodeTypeJudgment: base,
		dsl.NodeTypeBI:       base,
		dsl.NodeTypeMCP:      mcp,
	}
}

// ApplyOverride merges a per-node call override onto a base policy.
func ApplyOverride(base RetryPolicy, ov *dsl.CallOverride) RetryPolicy {
	if ov == nil {
		return base
	}
	if ov.MaxRetries != nil {
		base.MaxRetries = *ov.MaxRetries
	}
	if ov.Backoff != "" {
		base.Backoff = ov.Backoff
	}
	if ov.InitialDelayMs > 0 {
		base.InitialDelay = time.Duration(ov.InitialDelayMs) * time.Millisecond
	}
	if ov.MaxDelayMs > 0 {
		base.MaxDelay = time.Duration(ov.MaxDelayMs) * time.Millisecond
	}
	if ov.TimeoutMs > 0 {
		base.Timeout = time.Duration(ov.TimeoutMs) * time.Millisecond
	}
	return base
}

// delayFor computes the backoff delay before attempt n (1-based retry index).
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case dsl.BackoffFixed:
		d = p.InitialDelay
	case dsl.BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	default: // exponential
		d = p.InitialDelay << (attempt - 1)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// IdempotencyStore deduplicates effectful calls across crash-resume retries.
// Reserve returns the stored result when the key was already committed.
type IdempotencyStore interface {
	// Lookup returns (result, true) when the key was already committed.
	Lookup(ctx context.Context, key string) (any, bool, error)
	// Commit records the result for a key.
	Commit(ctx context.Context, key string, result any) error
}

// CallRequest addresses one external call.
type CallRequest struct {
	Target         string         `json:"target"`
	Operation      string         `json:"operation"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Policy         RetryPolicy    `json:"-"`
}

// DryRunResult is returned instead of invoking the target when the gateway
// runs in dry-run mode (simulate nodes).
type DryRunResult struct {
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	DryRun    bool           `json:"dry_run"`
}

// RateLimitConfig is the per-target call rate ceiling. Zero disables limiting.
type RateLimitConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second" json:"calls_per_second"`
	Burst          int     `yaml:"burst" json:"burst"`
}

// Metrics receives gateway observations. Implemented by internal/metrics.
type Metrics interface {
	ObserveCall(target, op, outcome string, duration time.Duration)
	SetBreakerState(target string, state int)
}

// Gateway routes every effectful call through rate limiting, the target's
// circuit breaker, a per-attempt timeout, and retry with backoff.
type Gateway struct {
	capabilities map[string]Capability
	breakers     *BreakerRegistry
	limiters     map[string]*rate.Limiter
	rateLimit    RateLimitConfig
	idempotency  IdempotencyStore
	metrics      Metrics
	logger       *zap.Logger
	dryRun       bool
	mu           sync.RWMutex
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithIdempotencyStore enables effectful call deduplication.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(g *Gateway) { g.idempotency = store }
}

// WithRateLimit sets the per-target call rate ceiling.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(g *Gateway) { g.rateLimit = cfg }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a gateway with the given breaker registry.
func New(breakers *BreakerRegistry, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		capabilities: make(map[string]Capability),
		breakers:     breakers,
		limiters:     make(map[string]*rate.Limiter),
		logger:       logger.With(zap.String("component", "gateway")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register binds a capability to a target id.
func (g *Gateway) Register(targetID string, cap Capability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capabilities[targetID] = cap
}

// Breakers exposes the breaker registry for the API surface.
func (g *Gateway) Breakers() *BreakerRegistry {
	return g.breakers
}

// DryRun returns a shallow copy of the gateway that never invokes targets
// and never mutates breaker or idempotency state. Used by simulate nodes.
func (g *Gateway) DryRun() *Gateway {
	g.mu.RLock()
	defer g.mu.RUnlock()
	clone := &Gateway{
		capabilities: g.capabilities,
		breakers:     g.breakers,
		limiters:     g.limiters,
		rateLimit:    g.rateLimit,
		logger:       g.logger,
		dryRun:       true,
	}
	return clone
}

// Call executes one external call under the request's policy. Every attempt,
// including retries, counts toward the target breaker's failure/success
// tallies. The error returned after retries are exhausted is the last
// attempt's classified error.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (any, error) {
	if g.dryRun {
		return &DryRunResult{Target: req.Target, Operation: req.Operation, Params: req.Params, DryRun: true}, nil
	}

	g.mu.RLock()
	capability, ok := g.capabilities[req.Target]
	g.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "no capability registered for target %q", req.Target)
	}

	if g.idempotency != nil && req.IdempotencyKey != "" {
		if result, seen, err := g.idempotency.Lookup(ctx, req.IdempotencyKey); err == nil && seen {
			g.logger.Debug("idempotent call deduplicated",
				zap.String("target", req.Target),
				zap.String("key", req.IdempotencyKey))
			return result, nil
		}
	}

	policy := req.Policy
	if policy.Timeout == 0 {
		policy = DefaultRetryPolicy()
	}
	timeout := policy.Timeout
	if declared := capability.Timeout(); declared > timeout {
		timeout = declared
	}

	breaker := g.breakers.GetOrCreate(req.Target)
	limiter := g.limiterFor(req.Target)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, policy.delayFor(attempt)); err != nil {
				return nil, err
			}
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		if err := breaker.Allow(); err != nil {
			lastErr = err
			continue
		}

		result, err := g.attempt(ctx, capability, req, timeout)
		if err == nil {
			breaker.RecordSuccess()
			if g.idempotency != nil && req.IdempotencyKey != "" {
				if cerr := g.idempotency.Commit(ctx, req.IdempotencyKey, result); cerr != nil {
					g.logger.Warn("idempotency commit failed",
						zap.String("key", req.IdempotencyKey), zap.Error(cerr))
				}
			}
			return result, nil
		}

		// Cancellation from above is not a target failure.
		if ctx.Err() != nil {
			return nil, err
		}

		breaker.RecordFailure()
		lastErr = err
		g.logger.Warn("call attempt failed",
			zap.String("target", req.Target),
			zap.String("operation", req.Operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.MaxRetries+1),
			zap.Error(err))
	}

	return nil, lastErr
}

// attempt issues one call under the effective timeout and records metrics.
func (g *Gateway) attempt(ctx context.Context, capability Capability, req CallRequest, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := capability.Invoke(callCtx, req.Operation, req.Params)
	duration := time.Since(start)

	outcome := "success"
	if err != nil {
		err = classifyAttemptError(req.Target, req.Operation, timeout, callCtx, err)
		outcome = string(types.GetErrorCode(err))
	}
	if g.metrics != nil {
		g.metrics.ObserveCall(req.Target, req.Operation, outcome, duration)
	}
	return result, err
}

func (g *Gateway) limiterFor(target string) *rate.Limiter {
	if g.rateLimit.CallsPerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[target]; ok {
		return l
	}
	burst := g.rateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(g.rateLimit.CallsPerSecond), burst)
	g.limiters[target] = l
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
