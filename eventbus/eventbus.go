// Package eventbus provides the in-process typed publish/subscribe hub that
// every other realtime component hangs off. The bus is memory-resident and
// holds no history: a handler registered after an event was published never
// sees that event.
package eventbus

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/reef/metric"
)

// Handler processes one published event. Handlers for the same type are
// invoked in registration order; a panicking handler is isolated and must
// not prevent sibling handlers from running.
type Handler func(ctx context.Context, ev Event)

// Bus is a synchronous fan-out hub keyed by event type. Subscription is
// additive; there are no replacement or removal semantics.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	logger  *slog.Logger
	metrics *Metrics
}

// Metrics holds Prometheus metrics for the event bus
type Metrics struct {
	eventsPublished *prometheus.CounterVec
	handlerPanics   *prometheus.CounterVec
	handlersInvoked prometheus.Counter
}

// newMetrics creates and registers bus metrics.
// Returns nil if no registry is provided (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Total events published to the bus",
		}, []string{"event_type"}),

		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "eventbus",
			Name:      "handler_panics_total",
			Help:      "Total handler panics recovered during fan-out",
		}, []string{"event_type"}),

		handlersInvoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "eventbus",
			Name:      "handlers_invoked_total",
			Help:      "Total handler invocations across all event types",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.eventsPublished,
		m.handlerPanics,
		m.handlersInvoked,
	)

	return m
}

// New creates a new event bus. The metrics registry is optional.
func New(registry *metric.MetricsRegistry) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   slog.Default().With("component", "eventbus"),
		metrics:  newMetrics(registry),
	}
}

// Subscribe registers a handler for an event type. Subscription is additive:
// registering twice invokes the handler twice per event.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// Publish fans an event out to all handlers registered for its type, in
// registration order. Publishing with zero subscribers is a no-op. Handler
// failures are isolated: a panic is recovered, logged, and the remaining
// handlers still run. Publish never returns an error to the caller.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := b.handlers[ev.Type]
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.eventsPublished.WithLabelValues(ev.Type).Inc()
	}

	for _, h := range handlers {
		b.invoke(ctx, h, ev)
	}
}

// invoke runs one handler with panic isolation
func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"owner", ev.Owner,
				"panic", r,
				"stack", string(buf[:n]))
			if b.metrics != nil {
				b.metrics.handlerPanics.WithLabelValues(ev.Type).Inc()
			}
		}
	}()

	if b.metrics != nil {
		b.metrics.handlersInvoked.Inc()
	}
	h(ctx, ev)
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
