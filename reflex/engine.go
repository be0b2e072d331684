package reflex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/reef/eventbus"
	"github.com/clawnet/reef/metric"
)

// Engine evaluates events against the owner's enabled rules and turns
// matches into executions: layer-0 matches run their behavior immediately,
// layer-1 matches escalate to the acknowledgment queue. Every match
// produces exactly one ledger row at evaluation time, written in the order
// evaluation completed.
type Engine struct {
	rules     RuleSource
	behaviors *Behaviors
	ledger    *Ledger
	queue     *Queue

	logger  *slog.Logger
	metrics *engineMetrics
}

type engineMetrics struct {
	evaluations prometheus.Counter
	matches     *prometheus.CounterVec
}

func newEngineMetrics(registry *metric.MetricsRegistry) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "reflex",
			Name:      "evaluations_total",
			Help:      "Total rule evaluations",
		}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "reflex",
			Name:      "matches_total",
			Help:      "Total rule matches by trigger layer",
		}, []string{"layer"}),
	}

	registry.PrometheusRegistry().MustRegister(m.evaluations, m.matches)
	return m
}

// NewEngine creates a reflex engine. The metrics registry is optional.
func NewEngine(rules RuleSource, behaviors *Behaviors, ledger *Ledger, queue *Queue, metricsRegistry *metric.MetricsRegistry) *Engine {
	return &Engine{
		rules:     rules,
		behaviors: behaviors,
		ledger:    ledger,
		queue:     queue,
		logger:    slog.Default().With("component", "reflex-engine"),
		metrics:   newEngineMetrics(metricsRegistry),
	}
}

// Ledger exposes the engine's execution ledger read surface
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Queue exposes the engine's escalation queue
func (e *Engine) Queue() *Queue { return e.queue }

// Attach subscribes the engine to the given event types on the bus
func (e *Engine) Attach(bus *eventbus.Bus, eventTypes ...string) {
	for _, eventType := range eventTypes {
		bus.Subscribe(eventType, func(ctx context.Context, ev eventbus.Event) {
			e.HandleEvent(ctx, ev)
		})
	}
}

// HandleEvent evaluates the event against every enabled rule owned by the
// event's owner. Rule evaluation order across rules is unspecified; ledger
// rows are written as each evaluation completes.
func (e *Engine) HandleEvent(ctx context.Context, ev eventbus.Event) {
	if ev.Owner == "" {
		return
	}

	rules, err := e.rules.RulesFor(ctx, ev.Owner)
	if err != nil {
		// A missed automatic execution is visible as an absence in the
		// ledger, never fatal
		e.logger.Warn("rule lookup failed", "owner", ev.Owner, "type", ev.Type, "error", err)
		return
	}

	now := time.Now()
	for _, rule := range rules {
		if e.metrics != nil {
			e.metrics.evaluations.Inc()
		}
		if !rule.Matches(ev, now) {
			continue
		}

		if rule.TriggerLayer >= Layer1 {
			if e.metrics != nil {
				e.metrics.matches.WithLabelValues("1").Inc()
			}
			item := e.queue.Enqueue(rule, ev)
			e.logger.Debug("escalated to layer 1", "rule", rule.ID, "owner", rule.Owner, "item", item.ID)
			continue
		}

		if e.metrics != nil {
			e.metrics.matches.WithLabelValues("0").Inc()
		}
		e.execute(ctx, rule, ev)
	}
}

// execute runs a layer-0 behavior and records its outcome
func (e *Engine) execute(ctx context.Context, rule Rule, ev eventbus.Event) {
	behavior, ok := e.behaviors.Get(rule.Behavior)
	if !ok {
		e.logger.Warn("unknown behavior", "rule", rule.ID, "behavior", rule.Behavior)
		e.ledger.Record(rule.ID, rule.Owner, ev.Type, ResultBlocked,
			fmt.Sprintf("unknown behavior %q", rule.Behavior))
		return
	}

	outcome, err := behavior.Execute(ctx, rule, ev)
	if err != nil {
		e.logger.Warn("behavior failed", "rule", rule.ID, "behavior", rule.Behavior, "error", err)
		e.ledger.Record(rule.ID, rule.Owner, ev.Type, ResultBlocked, err.Error())
		return
	}

	result := outcome.Result
	switch result {
	case ResultRecommended, ResultBlocked:
	default:
		result = ResultExecuted
	}
	e.ledger.Record(rule.ID, rule.Owner, ev.Type, result, outcome.Details)
}
