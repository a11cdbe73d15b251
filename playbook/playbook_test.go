package playbook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/trigger"
)

func writePlaybook(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playbook.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const samplePlaybook = `
[[chain]]
name = "morning-digest"

  [[chain.steps]]
  tool = "http_fetch"
  name = "fetch"
  on_error = "halt"

    [chain.steps.bind.url]
    value = "https://example.com/report"

  [[chain.steps]]
  tool = "notify"
  on_error = "continueWithDefault"

    [chain.steps.bind.body]
    from = "step.fetch.body"

[[rule]]
id = "overdue-orders"
name = "Overdue order alert"
event_type = "order.status"
cooldown = "30m"
enabled = true

  [rule.when]
  field = "status"
  equals = "overdue"

  [rule.action]
  tool = "notify"
  args = { channel = "ops" }

[[rule]]
id = "low-stock"
event_type = "stock.level"
enabled = true

  [rule.when]
  field = "quantity"
  below = 10.0

  [rule.action]
  chain = "morning-digest"

[[job]]
id = "daily-digest"
name = "Daily digest"
cron = "0 9 * * *"
enabled = true

  [job.action]
  chain = "morning-digest"

[[job]]
id = "hourly-ping"
every = "1h"
enabled = true

  [job.action]
  tool = "ping"
`

func TestLoad_Sample(t *testing.T) {
	pb, err := Load(writePlaybook(t, samplePlaybook))
	require.NoError(t, err)

	require.Len(t, pb.Chains, 1)
	def := pb.Chains[0]
	assert.Equal(t, "morning-digest", def.Name)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, chain.Halt, def.Steps[0].OnError)
	assert.Equal(t, "https://example.com/report", def.Steps[0].Bind["url"].Value)
	assert.Equal(t, "step.fetch.body", def.Steps[1].Bind["body"].From)

	require.Len(t, pb.Rules, 2)
	require.Len(t, pb.Jobs, 2)
}

func TestRuleSpec_CompileEquality(t *testing.T) {
	pb, err := Load(writePlaybook(t, samplePlaybook))
	require.NoError(t, err)

	rule, err := pb.Rules[0].Compile()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, rule.Cooldown)
	assert.Equal(t, "notify", rule.Action.Tool)

	match, err := rule.Predicate(trigger.Event{
		Type:       "order.status",
		Payload:    map[string]any{"status": "overdue"},
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, match)

	match, err = rule.Predicate(trigger.Event{Type: "order.status", Payload: map[string]any{"status": "shipped"}})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestRuleSpec_CompileThreshold(t *testing.T) {
	pb, err := Load(writePlaybook(t, samplePlaybook))
	require.NoError(t, err)

	rule, err := pb.Rules[1].Compile()
	require.NoError(t, err)

	match, err := rule.Predicate(trigger.Event{Type: "stock.level", Payload: map[string]any{"quantity": 3}})
	require.NoError(t, err)
	assert.True(t, match)

	match, err = rule.Predicate(trigger.Event{Type: "stock.level", Payload: map[string]any{"quantity": 50}})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestJobSpec_Conversion(t *testing.T) {
	pb, err := Load(writePlaybook(t, samplePlaybook))
	require.NoError(t, err)

	cronJob, err := pb.Jobs[0].Job()
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", cronJob.Spec.Cron)
	assert.Equal(t, "morning-digest", cronJob.Action.Chain)
	assert.True(t, cronJob.Enabled)

	intervalJob, err := pb.Jobs[1].Job()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, intervalJob.Spec.Every)
	assert.Equal(t, "ping", intervalJob.Action.Tool)
}

func TestLoad_RejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"chain without steps", `
[[chain]]
name = "empty"
`},
		{"rule with both comparisons", `
[[rule]]
id = "both"
event_type = "x"
enabled = true
  [rule.when]
  field = "f"
  equals = "v"
  below = 1.0
  [rule.action]
  tool = "t"
`},
		{"rule without action target", `
[[rule]]
id = "no-action"
event_type = "x"
enabled = true
  [rule.when]
  field = "f"
  equals = "v"
  [rule.action]
  args = { a = 1 }
`},
		{"job with bad cron", `
[[job]]
id = "bad"
cron = "not a cron"
enabled = true
  [job.action]
  tool = "t"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writePlaybook(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestSpecJSON(t *testing.T) {
	pb, err := Load(writePlaybook(t, samplePlaybook))
	require.NoError(t, err)

	raw, err := pb.Rules[0].SpecJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"order.status"`)
}
