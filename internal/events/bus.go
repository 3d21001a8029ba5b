// Package events is the gateway's in-process pub/sub bus. Guard lifecycle
// transitions, breaker flips, and budget warnings are published as
// CloudEvents 1.0 envelopes so operational surfaces can subscribe without
// coupling to the emitting package.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types emitted by the gateway core.
const (
	TypeGuardDegraded   = "gateway.guard.degraded"
	TypeGuardRecovered  = "gateway.guard.recovered"
	TypeGuardBypassed   = "gateway.guard.bypassed"
	TypeInvariantFailed = "gateway.guard.invariant_failed"
	TypeCircuitOpened   = "gateway.health.circuit_opened"
	TypeBudgetWarning   = "gateway.budget.warning"
	TypeBudgetExceeded  = "gateway.budget.exceeded"
	TypeWatcherFailed   = "gateway.chainwatch.failed"
	TypeCriticalAlert   = "gateway.alert.critical"
)

// Emitter is the interface publishing packages depend on.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for all gateway events.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// Bus is an in-process pub/sub bus with bounded subscriber channels.
// Slow subscribers drop events rather than block emitters.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	logger      *log.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers a channel for one event type. "*" receives everything.
func (b *Bus) Subscribe(eventType string, buffer int) <-chan *CloudEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *CloudEvent, buffer)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	b.mu.Unlock()

	return ch
}

// Emit publishes an event to all matching subscribers without blocking.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	ev := NewCloudEvent(eventType, source, subject, data)

	b.mu.RLock()
	targets := append([]chan *CloudEvent(nil), b.subscribers[eventType]...)
	targets = append(targets, b.subscribers["*"]...)
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Printf("subscriber buffer full, dropping event %s (%s)", ev.ID, ev.Type)
		}
	}
}

// NopEmitter discards events. Useful in tests and the CLI.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, string, map[string]interface{}) {}
