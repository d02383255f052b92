package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	bus := NewBus()
	bus.SnapshotFunc = func() any { return map[string]string{"hello": "world"} }

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	ev := <-sub.C
	assert.Equal(t, TypeSnapshot, ev.Type)
}

func TestPublishFIFOOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Publish(TypeStateChanged, i)
	}
	for i := 0; i < 5; i++ {
		ev := <-sub.C
		assert.Equal(t, i, ev.Payload)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	total := DefaultQueueCapacity + 10
	for i := 0; i < total; i++ {
		bus.Publish(TypeProjectBuildLog, i)
	}

	// The queue holds the newest DefaultQueueCapacity events.
	first := <-sub.C
	assert.Equal(t, total-DefaultQueueCapacity, first.Payload)

	drained := 1
	for {
		select {
		case ev := <-sub.C:
			drained++
			if drained == DefaultQueueCapacity {
				assert.Equal(t, total-1, ev.Payload, "last event must be the newest")
			}
		default:
			require.Equal(t, DefaultQueueCapacity, drained)
			return
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultQueueCapacity*3; i++ {
			bus.Publish(TypeAutoConfigLog, fmt.Sprintf("line %d", i))
		}
		close(done)
	}()
	<-done
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(TypeStateChanged, "after")
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	default:
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(TypeAuthChanged, ReasonPayload{Reason: "pat_connected"})

	// Drain a fully; b still has its copy.
	<-a.C
	ev := <-b.C
	assert.Equal(t, TypeAuthChanged, ev.Type)
}
