// Package eventbus is the per-tenant in-process publish/subscribe fabric.
// Delivery is best-effort, at-least-once when a handler panics and is retried
// by its publisher, FIFO per event type from the publisher's perspective.
// Handlers run on their own goroutine so a subscriber that publishes cannot
// recurse into the publishing call stack.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names the events the engine publishes.
type EventType string

const (
	// StockChange carries a normalized StockChange from the watcher.
	StockChange EventType = "stock:change"
	// StockUpdated signals the canonical product stock was written.
	StockUpdated EventType = "stock:updated"
	// SyncStarted signals a bulk sync began.
	SyncStarted EventType = "sync:started"
	// SyncCompleted signals all targets of a propagation settled.
	SyncCompleted EventType = "sync:completed"
	// SyncFailed signals a target push failed. Payload carries retryability.
	SyncFailed EventType = "sync:failed"
	// DriftDetected signals guardian found divergence.
	DriftDetected EventType = "drift:detected"
	// DriftRepaired signals guardian auto-repaired drifting channels.
	DriftRepaired EventType = "drift:repaired"
	// AlertTriggered signals a new alert row was created.
	AlertTriggered EventType = "alert:triggered"
	// ChannelConnected signals a channel passed a health check after being down.
	ChannelConnected EventType = "channel:connected"
	// ChannelDisconnected signals a channel failed a health check.
	ChannelDisconnected EventType = "channel:disconnected"
	// AlertRulesChanged invalidates process-local alert-rule caches.
	AlertRulesChanged EventType = "alert:rules_changed"
)

// Event is one published occurrence.
type Event struct {
	Type     EventType
	TenantID string
	At       time.Time
	Payload  any
}

// Handler consumes one event. Handlers must be idempotent: a panicking
// handler is retried once.
type Handler func(Event)

// DefaultBuffer is the per-subscription channel depth.
const DefaultBuffer = 256

type subscription struct {
	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Bus is a single tenant's event bus. It is never shared across tenants or
// processes; the orchestrator forwards events between processes.
type Bus struct {
	tenantID string
	logger   *zap.Logger
	buffer   int

	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	closed bool
	wg     sync.WaitGroup
}

func New(tenantID string, logger *zap.Logger) *Bus {
	return &Bus{
		tenantID: tenantID,
		logger:   logger,
		buffer:   DefaultBuffer,
		subs:     make(map[EventType][]*subscription),
	}
}

// Subscribe registers a handler for the given event types. The returned func
// cancels the subscription and waits for its goroutine to drain.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	sub := &subscription{
		ch:   make(chan Event, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(sub, handler)

	return func() {
		b.mu.Lock()
		for _, t := range types {
			subs := b.subs[t]
			for i, s := range subs {
				if s == sub {
					b.subs[t] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *Bus) run(sub *subscription, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			b.dispatch(handler, ev)
		}
	}
}

// dispatch invokes the handler, retrying once if it panics. At-least-once:
// the handler may observe the event twice, so handlers must be idempotent.
func (b *Bus) dispatch(handler Handler, ev Event) {
	if b.invoke(handler, ev) {
		return
	}
	b.invoke(handler, ev)
}

func (b *Bus) invoke(handler Handler, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ev)
	return true
}

// Publish delivers the event to every subscriber of its type. A subscriber
// whose buffer is full loses the event (best-effort delivery); the drop is
// logged so a chronically slow subscriber is visible.
func (b *Bus) Publish(eventType EventType, payload any) {
	ev := Event{
		Type:     eventType,
		TenantID: b.tenantID,
		At:       time.Now(),
		Payload:  payload,
	}

	b.mu.RLock()
	subs := b.subs[eventType]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("event dropped: subscriber buffer full",
				zap.String("event_type", string(eventType)),
			)
		}
	}
}

// Close stops delivery. Pending events in subscriber buffers are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[EventType][]*subscription)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.stop()
		}
	}
	b.wg.Wait()
}
