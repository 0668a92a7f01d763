package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/floweave/floweave/types"
)

// Snapshot is the serializable execution context captured at a node boundary.
type Snapshot struct {
	// Variables is the context map at snapshot time.
	Variables map[string]any `json:"variables"`
	// Completed lists node ids in completion order. Compensation replays this
	// list in reverse, and the order survives crash-resume because it is part
	// of the checkpoint.
	Completed []string `json:"completed"`
	// LoopProgress maps loop node id to the number of fully completed
	// iterations, so a resumed loop does not restart from zero.
	LoopProgress map[string]int `json:"loop_progress,omitempty"`
	// Steps lists the effectful calls made so far, in completion order.
	// Compensation after a crash-resume replays these in reverse.
	Steps []EffectStep `json:"steps,omitempty"`
}

// EffectStep is one effectful call recorded for compensation.
type EffectStep struct {
	NodeID    string         `json:"node_id"`
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// Checkpoint is one durable resume point.
type Checkpoint struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	Snapshot   Snapshot  `json:"snapshot"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Store is the durable checkpoint contract. Save upserts on
// (instance_id, node_id) and marks the row current for the instance.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// Current returns the live checkpoint for an instance, or ErrNotFound.
	Current(ctx context.Context, instanceID string) (*Checkpoint, error)
	// Get returns a checkpoint by id.
	Get(ctx context.Context, checkpointID string) (*Checkpoint, error)
	// DeleteInstance removes all checkpoints for an instance.
	DeleteInstance(ctx context.Context, instanceID string) error
	// ReclaimExpired removes checkpoints whose expiry has passed and returns
	// how many were reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// Config controls checkpoint retention.
type Config struct {
	// TTL is how long a checkpoint stays reclaimable after creation.
	// Zero means checkpoints never expire.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// ReclaimInterval is how often the reclaim sweep runs.
	ReclaimInterval time.Duration `yaml:"reclaim_interval" json:"reclaim_interval"`
}

// DefaultConfig returns the default retention settings.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		ReclaimInterval: time.Hour,
	}
}

// Metrics receives checkpoint observations. Implemented by internal/metrics.
type Metrics interface {
	ObserveCheckpointWrite(outcome string, duration time.Duration)
}

// Manager commits and retrieves checkpoints on behalf of the interpreter.
type Manager struct {
	store   Store
	config  Config
	metrics Metrics
	logger  *zap.Logger
}

// NewManager creates a checkpoint manager.
func NewManager(store Store, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "checkpoint_manager")),
	}
}

// SetMetrics attaches a metrics sink.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// Commit persists a checkpoint after nodeID completed. A persist failure is
// fatal to the save: the caller must not report the node as complete.
func (m *Manager) Commit(ctx context.Context, instanceID, nodeID string, snap Snapshot) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		Snapshot:   snap,
		CreatedAt:  time.Now(),
	}
	if m.config.TTL > 0 {
		cp.ExpiresAt = cp.CreatedAt.Add(m.config.TTL)
	}

	start := time.Now()
	err := m.store.Save(ctx, cp)
	if m.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.metrics.ObserveCheckpointWrite(outcome, time.Since(start))
	}
	if err != nil {
		return nil, types.Errorf(types.ErrCheckpointPersist,
			"persist checkpoint for instance %s at node %s", instanceID, nodeID).
			WithNode(nodeID).
			WithCause(err)
	}

	m.logger.Debug("checkpoint committed",
		zap.String("instance_id", instanceID),
		zap.String("node_id", nodeID),
		zap.Int("completed_nodes", len(snap.Completed)))
	return cp, nil
}

// Latest returns the current checkpoint for an instance.
func (m *Manager) Latest(ctx context.Context, instanceID string) (*Checkpoint, error) {
	return m.store.Current(ctx, instanceID)
}

// Get returns a specific checkpoint by id.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	return m.store.Get(ctx, checkpointID)
}

// Clear removes all checkpoints for a terminal instance.
func (m *Manager) Clear(ctx context.Context, instanceID string) error {
	return m.store.DeleteInstance(ctx, instanceID)
}

// RunReclaimLoop sweeps expired checkpoints until ctx is cancelled.
func (m *Manager) RunReclaimLoop(ctx context.Context) {
	interval := m.config.ReclaimInterval
	if interval <= 0 || m.config.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ReclaimExpired(ctx, time.Now())
			if err != nil {
				m.logger.Warn("checkpoint reclaim failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("reclaimed expired checkpoints", zap.Int("count", n))
			}
		}
	}
}

// CloneSnapshot deep-copies a snapshot's top-level structures so a resumed
// instance cannot alias the stored one.
func CloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Variables:    make(map[string]any, len(s.Variables)),
		Completed:    make([]string, len(s.Completed)),
		LoopProgress: make(map[string]int, len(s.LoopProgress)),
		Steps:        make([]EffectStep, len(s.Steps)),
	}
	for k, v := range s.Variables {
		out.Variables[k] = v
	}
	copy(out.Completed, s.Completed)
	for k, v := range s.LoopProgress {
		out.LoopProgress[k] = v
	}
	copy(out.Steps, s.Steps)
	return out
}
