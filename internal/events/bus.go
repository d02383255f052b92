// Package events implements the hub's in-process broadcast bus. Each
// subscriber owns a bounded FIFO; publish never blocks and drops the oldest
// pending event when a queue is full.
package events

import (
	"encoding/json"
	"sync"

	"agenthub/internal/telemetry"
)

// Event types carried on the bus.
const (
	TypeSnapshot            = "snapshot"
	TypeStateChanged        = "state_changed"
	TypeAuthChanged         = "auth_changed"
	TypeOpenAIAccountSess   = "openai_account_session"
	TypeProjectBuildLog     = "project_build_log"
	TypeAutoConfigLog       = "auto_config_log"
	TypeAgentCapsChanged    = "agent_capabilities_changed"
	DefaultQueueCapacity    = 256
)

// Event is one bus message. Payload is already JSON-encodable.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscription is one attached consumer. C delivers events FIFO.
type Subscription struct {
	C chan Event
}

// Bus fans events out to bounded per-subscriber queues. SnapshotFunc, when
// set, composes the initial message delivered to new subscribers.
type Bus struct {
	mu           sync.Mutex
	subs         map[*Subscription]struct{}
	capacity     int
	SnapshotFunc func() any
}

func NewBus() *Bus {
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: DefaultQueueCapacity,
	}
}

// Subscribe attaches a new consumer. If SnapshotFunc is set, the first event
// on the channel is the snapshot hello.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan Event, b.capacity)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	snap := b.SnapshotFunc
	b.mu.Unlock()

	if snap != nil {
		sub.C <- Event{Type: TypeSnapshot, Payload: snap()}
	}
	return sub
}

// Unsubscribe detaches the consumer and drains its queue.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	for {
		select {
		case <-sub.C:
		default:
			return
		}
	}
}

// Publish enqueues the event on every subscription without blocking. On a
// full queue the oldest entry is discarded first.
func (b *Bus) Publish(eventType string, payload any) {
	telemetry.EventsPublished.WithLabelValues(eventType).Inc()
	ev := Event{Type: eventType, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		for {
			select {
			case sub.C <- ev:
			default:
				// Full: drop the oldest pending event and retry.
				select {
				case <-sub.C:
					telemetry.EventsDropped.Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// ReasonPayload is the payload shape for state_changed and auth_changed.
type ReasonPayload struct {
	Reason string          `json:"reason"`
	State  json.RawMessage `json:"state,omitempty"`
}
