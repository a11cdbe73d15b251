package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/schedule"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "toolmesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob(id string, nextRun time.Time) schedule.Job {
	return schedule.Job{
		ID:      id,
		Name:    "daily digest",
		Spec:    schedule.TriggerSpec{Every: time.Hour},
		Action:  schedule.Action{Tool: "digest", Args: map[string]any{"channel": "ops"}},
		NextRun: nextRun,
		Enabled: true,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolmesh.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Re-opening applies nothing and succeeds.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestOpen_FutureSchemaVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolmesh.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO schema_version (version) VALUES (?)`, len(migrations)+5)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorruptStore)
}

func TestJobStore_RoundTrip(t *testing.T) {
	js := openTestStore(t).Jobs()
	next := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	require.NoError(t, js.Put(sampleJob("j1", next)))

	job, err := js.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, "daily digest", job.Name)
	assert.Equal(t, time.Hour, job.Spec.Every)
	assert.Equal(t, "digest", job.Action.Tool)
	assert.Equal(t, "ops", job.Action.Args["channel"])
	assert.True(t, job.NextRun.Equal(next))
	assert.True(t, job.Enabled)

	_, err = js.Get("missing")
	assert.ErrorIs(t, err, schedule.ErrJobNotFound)

	require.NoError(t, js.Delete("j1"))
	assert.ErrorIs(t, js.Delete("j1"), schedule.ErrJobNotFound)
}

func TestJobStore_ClaimIsExclusive(t *testing.T) {
	js := openTestStore(t).Jobs()
	now := time.Now().UTC()

	require.NoError(t, js.Put(sampleJob("due", now.Add(-time.Minute))))
	require.NoError(t, js.Put(sampleJob("future", now.Add(time.Hour))))

	claimed, err := js.Claim(now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "due", claimed[0].ID)
	assert.True(t, claimed[0].Running)

	// Claimed jobs stay owned until Complete.
	again, err := js.Claim(now)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, js.Complete("due", now, now.Add(time.Hour), false))
	job, err := js.Get("due")
	require.NoError(t, err)
	assert.False(t, job.Running)
	assert.False(t, job.LastRun.IsZero())
}

func TestJobStore_OneShotDisablePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolmesh.db")
	s, err := Open(path)
	require.NoError(t, err)

	at := time.Now().Add(-time.Hour).UTC()
	job := schedule.Job{
		ID:      "reminder",
		Spec:    schedule.TriggerSpec{At: &at},
		Action:  schedule.Action{Tool: "notify"},
		NextRun: at,
		Enabled: true,
	}
	require.NoError(t, s.Jobs().Put(job))

	claimed, err := s.Jobs().Claim(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Jobs().Complete("reminder", time.Now().UTC(), at, true))
	require.NoError(t, s.Close())

	// After a restart the fired one-shot stays disabled: no duplicate fire.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	claimed, err = s2.Jobs().Claim(time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	job, err = s2.Jobs().Get("reminder")
	require.NoError(t, err)
	assert.False(t, job.Enabled)
}

func TestJobStore_ResetRunning(t *testing.T) {
	js := openTestStore(t).Jobs()
	now := time.Now().UTC()

	stuck := sampleJob("stuck", now.Add(-time.Minute))
	stuck.Running = true
	require.NoError(t, js.Put(stuck))

	claimed, err := js.Claim(now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, js.ResetRunning())
	claimed, err = js.Claim(now)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRuleStore_RoundTrip(t *testing.T) {
	rs := openTestStore(t).Rules()

	spec := json.RawMessage(`{"event_type":"order.status","field":"status","equals":"overdue"}`)
	require.NoError(t, rs.Put(RuleRecord{ID: "r1", Name: "overdue alert", Spec: spec, Enabled: true}))

	fired := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, rs.TouchFired("r1", fired))

	rules, err := rs.List()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "overdue alert", rules[0].Name)
	assert.JSONEq(t, string(spec), string(rules[0].Spec))
	assert.True(t, rules[0].LastFiredAt.Equal(fired))

	require.NoError(t, rs.Delete("r1"))
	rules, err = rs.List()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestBreakerStore_RoundTrip(t *testing.T) {
	bs := openTestStore(t).Breakers()
	now := time.Now().UTC().Truncate(time.Second)

	snap := resilience.Snapshot{
		Tool:                "http_fetch",
		State:               resilience.StateOpen,
		ConsecutiveFailures: 4,
		OpenedAt:            now,
		CooldownUntil:       now.Add(time.Minute),
		TripCount:           2,
	}
	require.NoError(t, bs.SaveBreaker(snap))
	// Upsert replaces.
	snap.ConsecutiveFailures = 5
	require.NoError(t, bs.SaveBreaker(snap))

	loaded, err := bs.LoadBreakers()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, resilience.StateOpen, loaded[0].State)
	assert.Equal(t, 5, loaded[0].ConsecutiveFailures)
	assert.Equal(t, 2, loaded[0].TripCount)
	assert.True(t, loaded[0].CooldownUntil.Equal(snap.CooldownUntil))
}
