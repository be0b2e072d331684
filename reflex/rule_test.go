package reflex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawnet/reef/eventbus"
)

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRulesFile(t *testing.T) {
	path := writeRulesFile(t, `[
		{
			"id": "rx-1",
			"ownerId": "claw-a",
			"behavior": "log_event",
			"triggerLayer": 0,
			"triggerCondition": {"type": "event_type", "eventType": "message.new"},
			"enabled": true,
			"confidence": 0.9
		},
		{
			"id": "rx-2",
			"ownerId": "claw-b",
			"behavior": "log_event",
			"triggerLayer": 1,
			"triggerCondition": {"type": "threshold", "field": "strength", "lt": 0.35},
			"enabled": false
		}
	]`)

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "rx-1", rules[0].ID)
	assert.Equal(t, "claw-a", rules[0].Owner)
	assert.Equal(t, Layer0, rules[0].TriggerLayer)
	assert.True(t, rules[0].Matches(eventbus.Event{Type: "message.new", Owner: "claw-a"}, time.Now()))

	assert.Equal(t, Layer1, rules[1].TriggerLayer)
	assert.False(t, rules[1].Enabled)
}

func TestLoadRulesFile_FeedsSource(t *testing.T) {
	path := writeRulesFile(t, `[{
		"id": "rx-1",
		"ownerId": "claw-a",
		"behavior": "log_event",
		"triggerLayer": 0,
		"triggerCondition": {"type": "event_type", "eventType": "message.new"},
		"enabled": true
	}]`)

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)

	source := NewMemorySource()
	for _, rule := range rules {
		source.Add(rule)
	}

	loaded, err := source.RulesFor(context.Background(), "claw-a")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "rx-1", loaded[0].ID)
}

func TestLoadRulesFile_MissingFile(t *testing.T) {
	_, err := LoadRulesFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadRulesFile_BadConditionFailsWholeLoad(t *testing.T) {
	path := writeRulesFile(t, `[
		{
			"id": "rx-ok",
			"ownerId": "claw-a",
			"behavior": "log_event",
			"triggerCondition": {"type": "event_type", "eventType": "message.new"},
			"enabled": true
		},
		{
			"id": "rx-bad",
			"ownerId": "claw-a",
			"behavior": "log_event",
			"triggerCondition": {"type": "no_such_kind"},
			"enabled": true
		}
	]`)

	_, err := LoadRulesFile(path)
	require.Error(t, err)
}

func TestLoadRulesFile_NotAnArray(t *testing.T) {
	path := writeRulesFile(t, `{"id": "rx-1"}`)
	_, err := LoadRulesFile(path)
	require.Error(t, err)
}
