package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/trigger"
)

// RuleRecord is the persisted form of a declarative trigger rule. Spec holds
// the playbook definition as JSON; the trigger engine itself holds the
// compiled predicate.
type RuleRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Spec        json.RawMessage `json:"spec"`
	Enabled     bool            `json:"enabled"`
	LastFiredAt time.Time       `json:"last_fired_at,omitempty"`
}

// SQLiteRuleStore persists trigger rule records.
type SQLiteRuleStore struct {
	store *Store
}

var _ trigger.RuleStore = (*SQLiteRuleStore)(nil)

// Rules returns the rule store view of a Store.
func (s *Store) Rules() *SQLiteRuleStore { return &SQLiteRuleStore{store: s} }

// Put inserts or replaces a rule record.
func (rs *SQLiteRuleStore) Put(rec RuleRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("rule record has empty id")
	}
	_, err := rs.store.db.Exec(`
		INSERT INTO trigger_rules (id, name, spec, enabled, last_fired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			spec = excluded.spec,
			enabled = excluded.enabled,
			last_fired_at = excluded.last_fired_at`,
		rec.ID, rec.Name, string(rec.Spec), rec.Enabled, nullTime(rec.LastFiredAt))
	if err != nil {
		return fmt.Errorf("storing rule %s: %w", rec.ID, err)
	}
	return nil
}

// List returns all rule records.
func (rs *SQLiteRuleStore) List() ([]RuleRecord, error) {
	rows, err := rs.store.db.Query(
		`SELECT id, name, spec, enabled, last_fired_at FROM trigger_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []RuleRecord
	for rows.Next() {
		var (
			rec       RuleRecord
			spec      string
			lastFired sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &spec, &rec.Enabled, &lastFired); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rec.Spec = json.RawMessage(spec)
		if lastFired.Valid {
			rec.LastFiredAt = lastFired.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a rule record.
func (rs *SQLiteRuleStore) Delete(id string) error {
	if _, err := rs.store.db.Exec(`DELETE FROM trigger_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting rule %s: %w", id, err)
	}
	return nil
}

// TouchFired records the rule's last firing time so cooldowns can be seeded
// across restarts.
func (rs *SQLiteRuleStore) TouchFired(id string, at time.Time) error {
	if _, err := rs.store.db.Exec(
		`UPDATE trigger_rules SET last_fired_at = ? WHERE id = ?`, at.UTC(), id); err != nil {
		return fmt.Errorf("touching rule %s: %w", id, err)
	}
	return nil
}

// SQLiteBreakerStore implements engine.BreakerStore over circuit_snapshots.
type SQLiteBreakerStore struct {
	store *Store
}

// Breakers returns the breaker store view of a Store.
func (s *Store) Breakers() *SQLiteBreakerStore { return &SQLiteBreakerStore{store: s} }

var _ engine.BreakerStore = (*SQLiteBreakerStore)(nil)

// SaveBreaker upserts a breaker snapshot.
func (bs *SQLiteBreakerStore) SaveBreaker(snap resilience.Snapshot) error {
	_, err := bs.store.db.Exec(`
		INSERT INTO circuit_snapshots (tool, state, consecutive_failures, opened_at, cooldown_until, trip_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tool) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			opened_at = excluded.opened_at,
			cooldown_until = excluded.cooldown_until,
			trip_count = excluded.trip_count`,
		snap.Tool, string(snap.State), snap.ConsecutiveFailures,
		nullTime(snap.OpenedAt), nullTime(snap.CooldownUntil), snap.TripCount)
	if err != nil {
		return fmt.Errorf("saving breaker snapshot for %s: %w", snap.Tool, err)
	}
	return nil
}

// LoadBreakers returns all persisted snapshots.
func (bs *SQLiteBreakerStore) LoadBreakers() ([]resilience.Snapshot, error) {
	rows, err := bs.store.db.Query(
		`SELECT tool, state, consecutive_failures, opened_at, cooldown_until, trip_count FROM circuit_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("loading breaker snapshots: %w", err)
	}
	defer rows.Close()

	var out []resilience.Snapshot
	for rows.Next() {
		var (
			snap          resilience.Snapshot
			state         string
			openedAt      sql.NullTime
			cooldownUntil sql.NullTime
		)
		if err := rows.Scan(&snap.Tool, &state, &snap.ConsecutiveFailures,
			&openedAt, &cooldownUntil, &snap.TripCount); err != nil {
			return nil, fmt.Errorf("scanning breaker snapshot: %w", err)
		}
		snap.State = resilience.State(state)
		if openedAt.Valid {
			snap.OpenedAt = openedAt.Time
		}
		if cooldownUntil.Valid {
			snap.CooldownUntil = cooldownUntil.Time
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
