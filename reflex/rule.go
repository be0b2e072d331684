package reflex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/eventbus"
)

// Trigger layers. Layer 0 rules act autonomously; layer 1 rules escalate
// to an acknowledgment queue and never execute directly.
const (
	Layer0 = 0
	Layer1 = 1
)

// Rule is one declarative automation rule bound to an owner. The record
// itself is owned by a collaborator service; this engine only reads it.
type Rule struct {
	ID           string
	Owner        string
	Behavior     string
	TriggerLayer int
	Condition    Condition
	Enabled      bool
	Confidence   float64
}

// Matches reports whether the rule's condition fires for the event.
// Disabled rules and rules with no decoded condition never match.
func (r Rule) Matches(ev eventbus.Event, now time.Time) bool {
	if !r.Enabled || r.Condition == nil {
		return false
	}
	return r.Condition.Matches(ev, now)
}

// ruleConfig is the wire shape a rule arrives in from configuration
type ruleConfig struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	Behavior         string          `json:"behavior"`
	TriggerLayer     int             `json:"triggerLayer"`
	TriggerCondition json.RawMessage `json:"triggerCondition"`
	Enabled          bool            `json:"enabled"`
	Confidence       float64         `json:"confidence"`
}

// DecodeRule parses a JSON rule object, decoding its condition union
func DecodeRule(raw json.RawMessage) (Rule, error) {
	var cfg ruleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Rule{}, errors.WrapInvalid(err, "Rule", "DecodeRule", "parse rule object")
	}

	cond, err := DecodeCondition(cfg.TriggerCondition)
	if err != nil {
		return Rule{}, errors.Wrap(err, "Rule", "DecodeRule",
			fmt.Sprintf("decode condition for rule %s", cfg.ID))
	}

	return Rule{
		ID:           cfg.ID,
		Owner:        cfg.OwnerID,
		Behavior:     cfg.Behavior,
		TriggerLayer: cfg.TriggerLayer,
		Condition:    cond,
		Enabled:      cfg.Enabled,
		Confidence:   cfg.Confidence,
	}, nil
}

// LoadRulesFile reads a JSON array of rule objects from disk. Any rule
// failing to decode fails the whole load; a partially applied rule set is
// worse than none.
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Rule", "LoadRulesFile", "read rules file "+path)
	}

	var objects []json.RawMessage
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, errors.WrapInvalid(err, "Rule", "LoadRulesFile", "parse rules array")
	}

	rules := make([]Rule, 0, len(objects))
	for i, obj := range objects {
		rule, err := DecodeRule(obj)
		if err != nil {
			return nil, errors.Wrap(err, "Rule", "LoadRulesFile",
				fmt.Sprintf("decode rule at index %d", i))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// RuleSource supplies the rule set for an owner. Implementations are
// typically backed by the collaborator service that owns rule records.
type RuleSource interface {
	RulesFor(ctx context.Context, owner string) ([]Rule, error)
}

// MemorySource is an in-process RuleSource for tests and single-node use
type MemorySource struct {
	mu    sync.RWMutex
	rules map[string][]Rule // owner -> rules
}

// NewMemorySource creates an empty in-memory rule source
func NewMemorySource() *MemorySource {
	return &MemorySource{rules: make(map[string][]Rule)}
}

// Add registers a rule under its owner
func (s *MemorySource) Add(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Owner] = append(s.rules[rule.Owner], rule)
}

// SetEnabled flips the enabled flag on a rule by ID
func (s *MemorySource) SetEnabled(owner, ruleID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules[owner] {
		if s.rules[owner][i].ID == ruleID {
			s.rules[owner][i].Enabled = enabled
		}
	}
}

// RulesFor returns a copy of the owner's rules
func (s *MemorySource) RulesFor(_ context.Context, owner string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]Rule, len(s.rules[owner]))
	copy(rules, s.rules[owner])
	return rules, nil
}
