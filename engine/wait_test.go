package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

func TestWaitSignal_Duration(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig, err := waitSignal("n", &dsl.WaitConfig{
		Mode: dsl.WaitModeDuration, DurationSeconds: 90,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, sig.status)
	assert.Equal(t, now.Add(90*time.Second), sig.resumeAt)
	assert.Empty(t, sig.event)
}

func TestWaitSignal_Event(t *testing.T) {
	sig, err := waitSignal("n", &dsl.WaitConfig{
		Mode: dsl.WaitModeEvent, Event: "shipment",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "shipment", sig.event)
	assert.True(t, sig.resumeAt.IsZero())
}

func TestWaitSignal_Schedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	sig, err := waitSignal("n", &dsl.WaitConfig{
		Mode: dsl.WaitModeSchedule, Schedule: "0 9 * * *",
	}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), sig.resumeAt)
}

func TestWaitSignal_InvalidSchedule(t *testing.T) {
	_, err := waitSignal("n", &dsl.WaitConfig{
		Mode: dsl.WaitModeSchedule, Schedule: "not a cron",
	}, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestWaitSignal_UnknownMode(t *testing.T) {
	_, err := waitSignal("n", &dsl.WaitConfig{Mode: "moonphase"}, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestMemoryEventBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewMemoryEventBus()

	ch1, cancel1 := bus.Subscribe("acme", "go")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("acme", "go")
	defer cancel2()

	require.NoError(t, bus.Publish(context.Background(), "acme", "go"))

	select {
	case <-ch1:
	default:
		t.Fatal("first subscriber did not receive the signal")
	}
	select {
	case <-ch2:
	default:
		t.Fatal("second subscriber did not receive the signal")
	}
}

func TestMemoryEventBus_TenantAndEventScoped(t *testing.T) {
	bus := NewMemoryEventBus()

	ch, cancel := bus.Subscribe("acme", "go")
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), "globex", "go"))
	require.NoError(t, bus.Publish(context.Background(), "acme", "stop"))

	select {
	case <-ch:
		t.Fatal("signal crossed tenant or event boundary")
	default:
	}
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus()

	ch, cancel := bus.Subscribe("acme", "go")
	cancel()

	require.NoError(t, bus.Publish(context.Background(), "acme", "go"))
	select {
	case <-ch:
		t.Fatal("cancelled subscription still received the signal")
	default:
	}
}

func TestMemoryEventBus_PublishDoesNotBlock(t *testing.T) {
	bus := NewMemoryEventBus()

	_, cancel := bus.Subscribe("acme", "go")
	defer cancel()

	// The subscriber never drains; repeated publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(context.Background(), "acme", "go")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}
