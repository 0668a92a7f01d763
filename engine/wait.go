package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// suspendSignal unwinds the interpreter when a wait or approval node is
// reached. The engine catches it, persists a checkpoint, and arms the
// matching resume trigger; the goroutine then exits without holding any
// resource for the suspended instance.
type suspendSignal struct {
	nodeID    string
	status    InstanceStatus // StatusPaused or StatusWaitingApproval
	resumeAt  time.Time      // wait duration/schedule: when to resume
	event     string         // wait event: signal name to resume on
	requestID string         // approval: open request id
}

func (s *suspendSignal) Error() string {
	return fmt.Sprintf("instance suspended at node %s", s.nodeID)
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// waitSignal builds the suspension for a wait node.
func waitSignal(nodeID string, cfg *dsl.WaitConfig, now time.Time) (*suspendSignal, error) {
	sig := &suspendSignal{nodeID: nodeID, status: StatusPaused}
	switch cfg.Mode {
	case dsl.WaitModeDuration:
		sig.resumeAt = now.Add(time.Duration(cfg.DurationSeconds) * time.Second)
	case dsl.WaitModeEvent:
		sig.event = cfg.Event
	case dsl.WaitModeSchedule:
		schedule, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation,
				"invalid wait schedule %q: %v", cfg.Schedule, err).WithNode(nodeID)
		}
		sig.resumeAt = schedule.Next(now)
	default:
		return nil, types.Errorf(types.ErrValidation,
			"unknown wait mode %q", cfg.Mode).WithNode(nodeID)
	}
	return sig, nil
}

// EventBus delivers external signals that resume event-mode wait nodes.
// Signals are tenant-scoped by name.
type EventBus interface {
	// Publish delivers a signal to every current subscriber.
	Publish(ctx context.Context, tenant, event string) error
	// Subscribe registers for a signal. The returned cancel func must be
	// called exactly once.
	Subscribe(tenant, event string) (<-chan struct{}, func())
}

// MemoryEventBus is an in-process event bus for tests and single-process
// deployments.
type MemoryEventBus struct {
	subs map[string]map[int]chan struct{}
	next int
	mu   sync.Mutex
}

// NewMemoryEventBus creates an empty bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subs: make(map[string]map[int]chan struct{})}
}

func eventKey(tenant, event string) string { return tenant + "/" + event }

func (b *MemoryEventBus) Publish(ctx context.Context, tenant, event string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[eventKey(tenant, event)] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(tenant, event string) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := eventKey(tenant, event)
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]chan struct{})
	}
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[key][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[key], id)
	}
	return ch, cancel
}
