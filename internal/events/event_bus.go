// Package events is the orchestrator core's in-process publish/subscribe
// bus: audit-worthy occurrences (signals, risk rejections, executions,
// SAFE_MODE transitions, config reloads, circuit-breaker trips) are
// published here and fanned out to a worker pool of subscribers, among them
// the control surface's websocket stream and its Prometheus metrics. The
// StateStore's audit-chain writer is not subscribed to the bus.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType categorizes an Event for routing and audit classification.
type EventType string

const (
	EventTypeBar            EventType = "bar"
	EventTypeSignal         EventType = "signal"
	EventTypeOrderIntent    EventType = "order_intent"
	EventTypeExecution      EventType = "execution"
	EventTypeFill           EventType = "fill"
	EventTypePosition       EventType = "position"
	EventTypeRiskRejected   EventType = "risk_rejected"
	EventTypeSafeMode       EventType = "safe_mode"
	EventTypeConfigReload   EventType = "config_reload"
	EventTypeConfigRejected EventType = "config_rejected"
	EventTypeCircuitBreaker EventType = "circuit_breaker"
	EventTypeHealth         EventType = "health"
)

// Event is the interface every published occurrence implements.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
	// Payload returns a JSON-marshalable view suitable for the audit chain.
	Payload() any
}

// BaseEvent provides the common Event plumbing.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(t EventType) BaseEvent {
	return BaseEvent{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC()}
}

// GenericEvent wraps an arbitrary payload for audit kinds that don't warrant
// their own struct (risk rejections, SAFE_MODE transitions, config outcomes).
type GenericEvent struct {
	BaseEvent
	Reason string `json:"reason"`
	Data   any    `json:"data,omitempty"`
}

func (e GenericEvent) Payload() any { return e }

// NewGenericEvent constructs an audit-ready event of the given kind.
func NewGenericEvent(t EventType, reason string, data any) GenericEvent {
	return GenericEvent{BaseEvent: newBaseEvent(t), Reason: reason, Data: data}
}

// EventHandler processes one event; a returned error is logged, never
// propagated — handlers must not block the caller's control flow.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a subscription.
type EventFilter func(event Event) bool

// SubscriptionOptions configures one subscription's delivery behavior.
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool
}

// Subscription is a live registration returned by Subscribe/SubscribeAll.
type Subscription struct {
	id        string
	eventType EventType
	handler   EventHandler
	options   SubscriptionOptions
	active    atomic.Bool
}

func (s *Subscription) IsActive() bool { return s.active.Load() }

// Stats is a snapshot of bus throughput and latency.
type Stats struct {
	EventsPublished   int64         `json:"events_published"`
	EventsProcessed   int64         `json:"events_processed"`
	EventsDropped     int64         `json:"events_dropped"`
	ProcessingErrors  int64         `json:"processing_errors"`
	P99Latency        time.Duration `json:"p99_latency"`
	ActiveSubscribers int64         `json:"active_subscribers"`
}

// Config configures the worker pool backing the bus.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig mirrors the teacher's Default*Config convention.
func DefaultConfig() Config {
	return Config{NumWorkers: 16, BufferSize: 100_000}
}

// Bus is the central pub/sub router. One Bus is shared by the whole
// orchestrator process.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencyMu sync.Mutex
	latencies []int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus starts a worker pool and returns a ready-to-use Bus.
func NewBus(logger *zap.Logger, cfg Config) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 16
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100_000
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		workerCount: cfg.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		latencies:   make([]int64, 0, 10_000),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.logger.Info("event bus started", zap.Int("workers", cfg.NumWorkers), zap.Int("buffer_size", cfg.BufferSize))
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			start := time.Now()
			b.dispatch(event)
			b.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.GetType()]
	all := b.allSubscribers
	b.mu.RUnlock()

	deliver := func(sub *Subscription) {
		if !sub.active.Load() {
			return
		}
		if sub.options.Filter != nil && !sub.options.Filter(event) {
			return
		}
		if sub.options.Async {
			go b.invoke(sub, event)
		} else {
			b.invoke(sub, event)
		}
	}
	for _, sub := range subs {
		deliver(sub)
	}
	for _, sub := range all {
		deliver(sub)
	}
	b.eventsProcessed.Add(1)
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic", zap.String("subscription_id", sub.id), zap.Any("panic", r))
		}
	}()
	if err := sub.handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("event handler error", zap.String("subscription_id", sub.id), zap.Error(err))
	}
}

func (b *Bus) trackLatency(ns int64) {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	b.latencies = append(b.latencies, ns)
	if len(b.latencies) > 10_000 {
		b.latencies = b.latencies[5_000:]
	}
}

// Subscribe registers handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{id: uuid.NewString(), eventType: eventType, handler: handler, options: options}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	b.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{id: uuid.NewString(), eventType: "*", handler: handler, options: options}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	b.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription; already-dispatched events in
// flight may still be delivered to it.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	b.activeSubscribers.Add(-1)
}

// Publish enqueues event for asynchronous delivery; the event is dropped
// (and counted) if the buffer is saturated, which never blocks the caller —
// audit-critical callers should use PublishSync instead.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync delivers event to subscribers on the calling goroutine.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.dispatch(event)
}

// Stats returns a snapshot of bus counters and P99 latency.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		P99Latency:        b.p99Latency(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

func (b *Bus) p99Latency() time.Duration {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	sorted := append([]int64(nil), b.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// Stop cancels all workers and waits up to 5s for in-flight events to drain.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
		b.logger.Info("event bus stopped", zap.Int64("events_processed", b.eventsProcessed.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus stop timed out")
	}
}
