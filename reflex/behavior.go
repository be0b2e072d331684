package reflex

import (
	"context"
	"sync"

	"github.com/clawnet/reef/eventbus"
)

// Outcome is what a behavior reports back after running. Result must be
// one of Executed, Recommended, or Blocked; a zero Result defaults to
// Executed.
type Outcome struct {
	Result  Result
	Details string
}

// Behavior is a built-in action a layer-0 rule can trigger. A behavior's
// own policy may decline to act by returning Recommended or Blocked; the
// engine records the outcome either way.
type Behavior interface {
	Name() string
	Execute(ctx context.Context, rule Rule, ev eventbus.Event) (Outcome, error)
}

// FuncBehavior adapts a function into a Behavior
type FuncBehavior struct {
	BehaviorName string
	Fn           func(ctx context.Context, rule Rule, ev eventbus.Event) (Outcome, error)
}

// Name returns the behavior's registered name
func (b FuncBehavior) Name() string { return b.BehaviorName }

// Execute runs the wrapped function
func (b FuncBehavior) Execute(ctx context.Context, rule Rule, ev eventbus.Event) (Outcome, error) {
	return b.Fn(ctx, rule, ev)
}

// Behaviors is the registry of built-in behaviors available to rules
type Behaviors struct {
	mu       sync.RWMutex
	registry map[string]Behavior
}

// NewBehaviors creates an empty behavior registry
func NewBehaviors() *Behaviors {
	return &Behaviors{registry: make(map[string]Behavior)}
}

// Register installs a behavior under its name, replacing any previous one
func (b *Behaviors) Register(behavior Behavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry[behavior.Name()] = behavior
}

// Get looks up a behavior by name
func (b *Behaviors) Get(name string) (Behavior, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	behavior, ok := b.registry[name]
	return behavior, ok
}
