package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// Status is the lifecycle state of one approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is one approval gate opened by a suspended instance.
type Request struct {
	ID         string            `json:"id"`
	Tenant     string            `json:"tenant"`
	InstanceID string            `json:"instance_id"`
	NodeID     string            `json:"node_id"`
	Approvers  []string          `json:"approvers"`
	Message    string            `json:"message,omitempty"`
	Status     Status            `json:"status"`
	OnTimeout  dsl.TimeoutPolicy `json:"on_timeout"`
	DecidedBy  string            `json:"decided_by,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at,omitempty"`
	DecidedAt  *time.Time        `json:"decided_at,omitempty"`
}

// Store persists approval requests. Create must reject a second pending
// request for the same (instance, node).
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Pending(ctx context.Context, tenant string) ([]Request, error)
	PendingForInstance(ctx context.Context, instanceID, nodeID string) (*Request, error)
	Update(ctx context.Context, req *Request) error
	ExpiredPending(ctx context.Context, now time.Time) ([]Request, error)
}

// Notifier receives decided requests. The engine implements this to resume
// the suspended instance.
type Notifier interface {
	ApprovalDecided(ctx context.Context, req *Request)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, req *Request)

func (f NotifierFunc) ApprovalDecided(ctx context.Context, req *Request) { f(ctx, req) }

// DefaultTimeout applies when an approval node sets no timeout of its own.
const DefaultTimeout = 72 * time.Hour

// Manager owns the approval gate lifecycle.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewManager creates an approval manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "approval_manager")),
	}
}

// SetNotifier attaches the decision listener. Set once during wiring, before
// any decisions can arrive.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Open creates the pending request for a suspended approval node. Opening a
// gate that already has a pending request returns the existing one, so a
// resumed re-walk does not duplicate gates.
func (m *Manager) Open(ctx context.Context, tenant, instanceID, nodeID string, cfg *dsl.ApprovalConfig) (*Request, error) {
	if existing, err := m.store.PendingForInstance(ctx, instanceID, nodeID); err == nil {
		return existing, nil
	}

	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	onTimeout := cfg.OnTimeout
	if onTimeout == "" {
		onTimeout = dsl.TimeoutFail
	}

	req := &Request{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		InstanceID: instanceID,
		NodeID:     nodeID,
		Approvers:  append([]string(nil), cfg.Approvers...),
		Message:    cfg.Message,
		Status:     StatusPending,
		OnTimeout:  onTimeout,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(timeout),
	}
	if err := m.store.Create(ctx, req); err != nil {
		return nil, err
	}

	m.logger.Info("approval gate opened",
		zap.String("tenant", tenant),
		zap.String("instance_id", instanceID),
		zap.String("node_id", nodeID),
		zap.Strings("approvers", req.Approvers))
	return req, nil
}

// Decide records an approve or reject by an actor. Only listed approvers may
// decide; a request that is no longer pending returns a conflict.
func (m *Manager) Decide(ctx context.Context, requestID string, actor types.Actor, approve bool, reason string) (*Request, error) {
	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, types.Errorf(types.ErrConflict,
			"approval request %s is already %s", requestID, req.Status)
	}
	if !m.isApprover(req, actor.ID) {
		return nil, types.Errorf(types.ErrValidation,
			"actor %s is not a listed approver for request %s", actor.ID, requestID)
	}

	now := time.Now()
	req.Status = StatusRejected
	if approve {
		req.Status = StatusApproved
	}
	req.DecidedBy = actor.ID
	req.Reason = reason
	req.DecidedAt = &now

	if err := m.store.Update(ctx, req); err != nil {
		return nil, err
	}

	m.logger.Info("approval decided",
		zap.String("request_id", req.ID),
		zap.String("instance_id", req.InstanceID),
		zap.String("status", string(req.Status)),
		zap.String("decided_by", actor.ID))
	m.notify(ctx, req)
	return req, nil
}

// Pending lists the open requests for a tenant.
func (m *Manager) Pending(ctx context.Context, tenant string) ([]Request, error) {
	return m.store.Pending(ctx, tenant)
}

// Get returns one request.
func (m *Manager) Get(ctx context.Context, requestID string) (*Request, error) {
	return m.store.Get(ctx, requestID)
}

// Abandon expires the pending request for an instance's gate without
// notifying. The engine calls it when it settles the instance itself, such as
// on cancel, where a decision callback would have nothing left to resume.
func (m *Manager) Abandon(ctx context.Context, instanceID, nodeID string) error {
	req, err := m.store.PendingForInstance(ctx, instanceID, nodeID)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrNotFound {
			return nil
		}
		return err
	}

	now := time.Now()
	req.Status = StatusExpired
	req.DecidedAt = &now
	if err := m.store.Update(ctx, req); err != nil {
		return err
	}

	m.logger.Info("approval gate abandoned",
		zap.String("request_id", req.ID),
		zap.String("instance_id", req.InstanceID),
		zap.String("node_id", req.NodeID))
	return nil
}

// SweepExpired applies the timeout policy to every pending request past its
// deadline: fail marks the request expired, approve decides it as approved by
// the system actor. Returns the number of requests swept.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.ExpiredPending(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range expired {
		req := &expired[i]
		decidedAt := now
		if req.OnTimeout == dsl.TimeoutApprove {
			req.Status = StatusApproved
			req.DecidedBy = types.System.ID
			req.Reason = "approved by timeout policy"
		} else {
			req.Status = StatusExpired
		}
		req.DecidedAt = &decidedAt

		if err := m.store.Update(ctx, req); err != nil {
			m.logger.Error("timeout sweep update failed",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		swept++
		m.logger.Info("approval timed out",
			zap.String("request_id", req.ID),
			zap.String("instance_id", req.InstanceID),
			zap.String("status", string(req.Status)))
		m.notify(ctx, req)
	}
	return swept, nil
}

// RunSweepLoop sweeps expired requests on a fixed interval until the context
// is cancelled.
func (m *Manager) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := m.SweepExpired(ctx, now); err != nil {
				m.logger.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) isApprover(req *Request, actorID string) bool {
	if len(req.Approvers) == 0 {
		return true
	}
	for _, a := range req.Approvers {
		if a == actorID {
			return true
		}
	}
	return false
}

func (m *Manager) notify(ctx context.Context, req *Request) {
	if m.notifier == nil {
		return
	}
	m.notifier.ApprovalDecided(ctx, req)
}
